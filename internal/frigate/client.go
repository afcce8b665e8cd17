// Package frigate is the outbound facade for the Frigate NVR HTTP API:
// event metadata, snapshots and clip streaming, with optional bearer token
// pass-through.
package frigate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/httpclient"
	"github.com/tphakala/birdframe/internal/logging"
)

const (
	// snapshotMaxAttempts and snapshotRetryBudget bound the snapshot fetch
	// retry loop. The NVR keeps emitting update payloads, so giving up here
	// is cheap.
	snapshotMaxAttempts = 3
	snapshotRetryBudget = 10 * time.Second

	snapshotRetryBaseDelay = 500 * time.Millisecond
)

// Event is the subset of the Frigate event payload the pipeline consumes.
type Event struct {
	ID        string   `json:"id"`
	Camera    string   `json:"camera"`
	Label     string   `json:"label"`
	SubLabel  *string  `json:"sub_label"`
	TopScore  *float64 `json:"top_score"`
	HasClip   bool     `json:"has_clip"`
	HasSnap   bool     `json:"has_snapshot"`
	StartTime float64  `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
}

// Client talks to one Frigate instance.
type Client struct {
	baseURL string
	token   string
	client  *httpclient.Client
	logger  *slog.Logger
}

// New creates a Frigate client. client may be nil, in which case a pooled
// client with no response-header timeout is created so clip streaming is not
// cut off.
func New(settings *conf.FrigateSettings, client *httpclient.Client) *Client {
	if client == nil {
		client = httpclient.New(&httpclient.Config{
			DefaultTimeout: 30 * time.Second,
		})
	}
	return &Client{
		baseURL: strings.TrimRight(settings.URL, "/"),
		token:   settings.AuthToken,
		client:  client,
		logger:  logging.ForService("frigate"),
	}
}

// BaseURL returns the configured NVR base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// GetEvent fetches event metadata, used for the has_clip precheck.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	var evt Event
	url := fmt.Sprintf("%s/api/events/%s", c.baseURL, eventID)
	if err := c.client.GetJSON(ctx, url, header, &evt); err != nil {
		return nil, errors.New(err).
			Component("frigate").
			Category(errors.CategoryUpstream).
			Context("event_id", eventID).
			Build()
	}
	return &evt, nil
}

// GetConfig fetches the NVR configuration, used at startup to verify the
// configured cameras exist.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	var cfg map[string]any
	if err := c.client.GetJSON(ctx, c.baseURL+"/api/config", header, &cfg); err != nil {
		return nil, errors.New(err).
			Component("frigate").
			Category(errors.CategoryUpstream).
			Build()
	}
	return cfg, nil
}

// Cameras extracts the camera names from a fetched NVR configuration.
func Cameras(cfg map[string]any) []string {
	section, ok := cfg["cameras"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(section))
	for name := range section {
		names = append(names, name)
	}
	return names
}

// FetchSnapshot downloads the cropped event snapshot. Transient failures are
// retried with exponential backoff, bounded by attempt count and a total
// time budget. A 404 is terminal, not retried.
func (c *Client) FetchSnapshot(ctx context.Context, eventID string) ([]byte, error) {
	path := fmt.Sprintf("/api/events/%s/snapshot.jpg?crop=1&quality=95", eventID)

	deadline := time.Now().Add(snapshotRetryBudget)
	var lastErr error
	for attempt := 0; attempt < snapshotMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := snapshotRetryBaseDelay << (attempt - 1)
			if time.Now().Add(delay).After(deadline) {
				break
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, retryable, err := c.fetchSnapshotOnce(ctx, path, eventID)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Debug("snapshot fetch failed, retrying",
			"event_id", eventID, "attempt", attempt+1, "error", err)
	}

	return nil, lastErr
}

func (c *Client) fetchSnapshotOnce(ctx context.Context, path, eventID string) (data []byte, retryable bool, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, true, errors.New(err).
			Component("frigate").
			Category(errors.CategoryImageFetch).
			Context("event_id", eventID).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, errors.Newf("snapshot not found: %w", errors.ErrNotFound).
			Component("frigate").
			Category(errors.CategoryNotFound).
			Context("event_id", eventID).
			Build()
	case resp.StatusCode != http.StatusOK:
		return nil, true, errors.Newf("snapshot fetch returned status %d", resp.StatusCode).
			Component("frigate").
			Category(errors.CategoryImageFetch).
			Context("event_id", eventID).
			Build()
	}

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.New(err).
			Component("frigate").
			Category(errors.CategoryImageFetch).
			Context("event_id", eventID).
			Build()
	}
	if len(data) == 0 {
		return nil, true, errors.Newf("snapshot response was empty: %w", errors.ErrUpstream).
			Component("frigate").
			Category(errors.CategoryImageFetch).
			Context("event_id", eventID).
			Build()
	}
	return data, false, nil
}

// FetchThumbnail downloads the event thumbnail without the snapshot retry
// loop; thumbnails are cosmetic.
func (c *Client) FetchThumbnail(ctx context.Context, eventID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/events/%s/thumbnail.jpg", eventID))
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, errors.New(err).
			Component("frigate").
			Category(errors.CategoryImageFetch).
			Context("event_id", eventID).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Newf("thumbnail not found: %w", errors.ErrNotFound).
			Component("frigate").
			Category(errors.CategoryNotFound).
			Build()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("thumbnail fetch returned status %d", resp.StatusCode).
			Component("frigate").
			Category(errors.CategoryImageFetch).
			Build()
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Newf("thumbnail response was empty: %w", errors.ErrUpstream).
			Component("frigate").
			Category(errors.CategoryImageFetch).
			Build()
	}
	return data, nil
}

// OpenClip issues a GET or HEAD for the event clip, passing the caller's
// Range header through unchanged. The response body is returned for
// streaming; the caller owns closing it. Status mapping: 404 not found, 416
// unsatisfiable range, other non-2xx upstream failure. 200 and 206 pass
// through with headers intact.
func (c *Client) OpenClip(ctx context.Context, method, eventID, rangeHeader string) (*http.Response, error) {
	if method != http.MethodGet && method != http.MethodHead {
		return nil, errors.Newf("unsupported clip method %q: %w", method, errors.ErrInvalidInput).
			Component("frigate").
			Category(errors.CategoryValidation).
			Build()
	}

	req, err := c.newRequest(ctx, method, fmt.Sprintf("/api/events/%s/clip.mp4", eventID))
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, errors.New(err).
			Component("frigate").
			Category(errors.CategoryUpstream).
			Context("event_id", eventID).
			Build()
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, errors.Newf("clip not found: %w", errors.ErrNotFound).
			Component("frigate").
			Category(errors.CategoryNotFound).
			Context("event_id", eventID).
			Build()
	case http.StatusRequestedRangeNotSatisfiable:
		_ = resp.Body.Close()
		return nil, errors.Newf("range not satisfiable: %w", errors.ErrUnsatisfiableRange).
			Component("frigate").
			Category(errors.CategoryRange).
			Context("event_id", eventID).
			Build()
	default:
		status := resp.StatusCode
		_ = resp.Body.Close()
		return nil, errors.Newf("clip fetch returned status %d: %w", status, errors.ErrUpstream).
			Component("frigate").
			Category(errors.CategoryUpstream).
			Context("event_id", eventID).
			Build()
	}
}
