// Package mqtt provides the subscribing MQTT client that feeds the event
// router. Reconnects use exponential backoff with jitter; subscriptions are
// replayed on every (re)connect.
package mqtt

import (
	"context"
	"time"
)

// MessageHandler receives one inbound message. Handlers must not block; the
// router hands messages off to bounded queues immediately.
type MessageHandler func(topic string, payload []byte)

// Client defines the operations the event router needs from the broker
// connection.
type Client interface {
	// Connect establishes the broker connection and keeps it alive until
	// Disconnect. It returns once the first connection attempt resolves;
	// later drops are retried in the background.
	Connect(ctx context.Context) error

	// Subscribe registers a handler for a topic. Registrations made before
	// Connect are applied on connect and replayed after every reconnect.
	Subscribe(topic string, handler MessageHandler) error

	// IsConnected reports the live connection state.
	IsConnected() bool

	// Disconnect closes the connection and stops reconnect attempts.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration

	// ReconnectInitialDelay grows exponentially up to ReconnectMaxDelay.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}

// DefaultConfig returns a Config with reasonable default values.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:        30 * time.Second,
		DisconnectTimeout:     5 * time.Second,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     60 * time.Second,
	}
}
