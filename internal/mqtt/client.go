// client.go: paho-based implementation of the Client interface.
package mqtt

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/observability/metrics"
)

// client implements the Client interface on top of paho.
type client struct {
	config         Config
	internalClient pahomqtt.Client

	mu            sync.Mutex
	subscriptions map[string]MessageHandler
	reconnectStop chan struct{}
	stopped       bool

	metrics *metrics.MQTTMetrics
	logger  *slog.Logger
}

// NewClient creates a subscribing MQTT client. The client id embeds the
// application version and a per-session UUID so the broker can tell
// reconnects from competing instances.
func NewClient(settings *conf.Settings, m *metrics.MQTTMetrics) (Client, error) {
	if settings.Realtime.MQTT.Broker == "" {
		return nil, errors.Newf("MQTT broker not configured: %w", errors.ErrInvalidInput).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Build()
	}
	if _, err := url.Parse(settings.Realtime.MQTT.Broker); err != nil {
		return nil, errors.Newf("invalid broker URL: %w", err).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Context("broker", settings.Realtime.MQTT.Broker).
			Build()
	}

	cfg := DefaultConfig()
	cfg.Broker = settings.Realtime.MQTT.Broker
	cfg.Username = settings.Realtime.MQTT.Username
	cfg.Password = settings.Realtime.MQTT.Password
	cfg.ClientID = "BirdFrame-" + settings.Version + "-" + uuid.NewString()

	return &client{
		config:        cfg,
		subscriptions: make(map[string]MessageHandler),
		reconnectStop: make(chan struct{}),
		metrics:       m,
		logger:        logging.ForService("mqtt"),
	}, nil
}

// Connect establishes the broker connection. The first attempt is
// synchronous so startup can report a bad broker immediately; connection
// drops afterwards are retried in the background with jittered exponential
// backoff.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.internalClient == nil {
		opts := pahomqtt.NewClientOptions()
		opts.AddBroker(c.config.Broker)
		opts.SetClientID(c.config.ClientID)
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		opts.SetCleanSession(true)
		opts.SetConnectTimeout(c.config.ConnectTimeout)
		// Reconnects are driven by our own jittered backoff loop, not
		// paho's fixed-interval retry.
		opts.SetAutoReconnect(false)
		opts.SetOnConnectHandler(c.onConnect)
		opts.SetConnectionLostHandler(c.onConnectionLost)
		c.internalClient = pahomqtt.NewClient(opts)
	}
	internal := c.internalClient
	c.mu.Unlock()

	token := internal.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		c.countError()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.config.Broker).
			Build()
	}
	return nil
}

// Subscribe registers a topic handler. When already connected the
// subscription is applied immediately; it is always replayed on reconnect.
func (c *client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" || handler == nil {
		return errors.Newf("subscription needs a topic and a handler: %w", errors.ErrInvalidInput).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Build()
	}

	c.mu.Lock()
	c.subscriptions[topic] = handler
	internal := c.internalClient
	c.mu.Unlock()

	if internal != nil && internal.IsConnected() {
		return c.subscribeOne(internal, topic, handler)
	}
	return nil
}

func (c *client) subscribeOne(internal pahomqtt.Client, topic string, handler MessageHandler) error {
	token := internal.Subscribe(topic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		c.countError()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("topic", topic).
			Build()
	}
	return nil
}

// onConnect replays all registered subscriptions.
func (c *client) onConnect(internal pahomqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		if err := c.subscribeOne(internal, topic, handler); err != nil {
			c.logger.Error("failed to restore subscription", "topic", topic, "error", err)
		}
	}

	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(1)
		c.metrics.LastConnectTime.SetToCurrentTime()
	}
	c.logger.Info("connected to MQTT broker", "broker", c.config.Broker, "subscriptions", len(subs))
}

// onConnectionLost starts the background reconnect loop.
func (c *client) onConnectionLost(internal pahomqtt.Client, err error) {
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
	c.countError()
	c.logger.Warn("MQTT connection lost", "error", err)

	go c.reconnectLoop(internal)
}

// reconnectLoop retries the connection with exponential backoff and full
// jitter, capped at ReconnectMaxDelay. It exits on Disconnect or success;
// success re-arms via onConnect.
func (c *client) reconnectLoop(internal pahomqtt.Client) {
	delay := c.config.ReconnectInitialDelay
	for {
		jittered := time.Duration(rand.Int64N(int64(delay) + 1))
		select {
		case <-c.reconnectStop:
			return
		case <-time.After(jittered):
		}

		if c.metrics != nil {
			c.metrics.ReconnectAttempts.Inc()
		}
		token := internal.Connect()
		token.Wait()
		if token.Error() == nil {
			return
		}
		c.countError()
		c.logger.Warn("MQTT reconnect failed",
			"broker", c.config.Broker, "next_delay_max", delay.String(), "error", token.Error())

		delay *= 2
		if delay > c.config.ReconnectMaxDelay {
			delay = c.config.ReconnectMaxDelay
		}
	}
}

// IsConnected returns true if the client is currently connected.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	internal := c.internalClient
	c.mu.Unlock()
	return internal != nil && internal.IsConnected()
}

// Disconnect closes the connection and stops reconnect attempts.
func (c *client) Disconnect() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.reconnectStop)
	}
	internal := c.internalClient
	c.mu.Unlock()

	if internal != nil && internal.IsConnected() {
		internal.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	}
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}
}

func (c *client) countError() {
	if c.metrics != nil {
		c.metrics.Errors.Inc()
	}
}
