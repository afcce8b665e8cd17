package frigate

import (
	"context"
	"net/http"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/httpclient"
)

func mockedClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	client := httpclient.New(&httpclient.Config{Transport: transport})
	return New(&conf.FrigateSettings{
		URL:       "http://frigate.test",
		AuthToken: "secret-token",
	}, client), transport
}

func TestGetEvent(t *testing.T) {
	t.Parallel()

	c, transport := mockedClient(t)
	transport.RegisterResponder("GET", "http://frigate.test/api/events/evt-1",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(200,
				`{"id": "evt-1", "camera": "yard", "label": "bird", "has_clip": true, "sub_label": "House Sparrow"}`), nil
		})

	evt, err := c.GetEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "yard", evt.Camera)
	assert.True(t, evt.HasClip)
	require.NotNil(t, evt.SubLabel)
	assert.Equal(t, "House Sparrow", *evt.SubLabel)
}

func TestFetchSnapshotRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	c, transport := mockedClient(t)
	var calls atomic.Int32
	transport.RegisterRegexpResponder("GET",
		regexp.MustCompile(`^http://frigate\.test/api/events/evt-1/snapshot\.jpg.*`),
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "1", req.URL.Query().Get("crop"))
			assert.Equal(t, "95", req.URL.Query().Get("quality"))
			if calls.Add(1) < 3 {
				return httpmock.NewStringResponse(500, "boom"), nil
			}
			return httpmock.NewStringResponse(200, "jpeg-bytes"), nil
		})

	data, err := c.FetchSnapshot(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchSnapshotNotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	c, transport := mockedClient(t)
	var calls atomic.Int32
	transport.RegisterRegexpResponder("GET",
		regexp.MustCompile(`^http://frigate\.test/api/events/gone/snapshot\.jpg.*`),
		func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return httpmock.NewStringResponse(404, "not found"), nil
		})

	_, err := c.FetchSnapshot(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestFetchSnapshotEmptyBodyRetriedThenFails(t *testing.T) {
	t.Parallel()

	c, transport := mockedClient(t)
	var calls atomic.Int32
	transport.RegisterRegexpResponder("GET",
		regexp.MustCompile(`^http://frigate\.test/api/events/empty/snapshot\.jpg.*`),
		func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return httpmock.NewStringResponse(200, ""), nil
		})

	_, err := c.FetchSnapshot(context.Background(), "empty")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUpstream)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenClipRangePassThrough(t *testing.T) {
	t.Parallel()

	c, transport := mockedClient(t)
	transport.RegisterResponder("GET", "http://frigate.test/api/events/evt-1/clip.mp4",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "bytes=0-99", req.Header.Get("Range"))
			resp := httpmock.NewStringResponse(206, "partial-bytes")
			resp.Header.Set("Content-Range", "bytes 0-99/1000")
			return resp, nil
		})

	resp, err := c.OpenClip(context.Background(), http.MethodGet, "evt-1", "bytes=0-99")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-99/1000", resp.Header.Get("Content-Range"))
}

func TestOpenClipStatusMapping(t *testing.T) {
	t.Parallel()

	c, transport := mockedClient(t)
	transport.RegisterResponder("GET", "http://frigate.test/api/events/gone/clip.mp4",
		httpmock.NewStringResponder(404, ""))
	transport.RegisterResponder("GET", "http://frigate.test/api/events/badrange/clip.mp4",
		httpmock.NewStringResponder(416, ""))
	transport.RegisterResponder("GET", "http://frigate.test/api/events/down/clip.mp4",
		httpmock.NewStringResponder(503, ""))

	_, err := c.OpenClip(context.Background(), http.MethodGet, "gone", "")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = c.OpenClip(context.Background(), http.MethodGet, "badrange", "bytes=9999-")
	assert.ErrorIs(t, err, errors.ErrUnsatisfiableRange)

	_, err = c.OpenClip(context.Background(), http.MethodGet, "down", "")
	assert.ErrorIs(t, err, errors.ErrUpstream)

	_, err = c.OpenClip(context.Background(), http.MethodPost, "evt-1", "")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestCamerasFromConfig(t *testing.T) {
	t.Parallel()

	cfg := map[string]any{
		"cameras": map[string]any{
			"yard":  map[string]any{},
			"front": map[string]any{},
		},
	}
	names := Cameras(cfg)
	assert.ElementsMatch(t, []string{"yard", "front"}, names)
	assert.Nil(t, Cameras(map[string]any{}))
}
