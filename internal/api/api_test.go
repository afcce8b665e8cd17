package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/security"
)

type fakeReclassifier struct {
	eventID  string
	strategy string
	err      error
}

func (f *fakeReclassifier) Start(_ context.Context, eventID, strategy string) error {
	f.eventID = eventID
	f.strategy = strategy
	return f.err
}

type testEnv struct {
	c            *Controller
	store        *datastore.SQLiteStore
	hub          *broadcaster.Broadcaster
	settings     *conf.Settings
	auth         *security.Service
	reclassifier *fakeReclassifier
}

const testPassword = "hunter2"

func newTestEnv(t *testing.T, mutate func(*conf.Settings)) *testEnv {
	t.Helper()

	s := &conf.Settings{}
	s.Output.SQLite = conf.SQLiteSettings{Enabled: true, Path: ":memory:"}
	if mutate != nil {
		mutate(s)
	}
	settings := func() *conf.Settings { return s }

	store := &datastore.SQLiteStore{Settings: s}
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	hub := broadcaster.New(nil)
	auth := security.NewService(settings)
	reclassifier := &fakeReclassifier{}
	health := NewHealthState()
	health.MarkStarted()

	c := New(&Config{
		Settings:     settings,
		Store:        store,
		Auth:         auth,
		Hub:          hub,
		Reclassifier: reclassifier,
		Health:       health,
	})
	return &testEnv{c: c, store: store, hub: hub, settings: s, auth: auth, reclassifier: reclassifier}
}

// withAuth enables password authentication so unauthenticated requests run
// as guests.
func withAuth(t *testing.T) func(*conf.Settings) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	return func(s *conf.Settings) {
		s.Security.PasswordHash = string(hash)
		s.Security.JWTSecret = "test-secret"
		s.Security.SessionTTL = time.Hour
	}
}

func (env *testEnv) ownerToken(t *testing.T) string {
	t.Helper()
	token, _, err := env.auth.Login(testPassword)
	require.NoError(t, err)
	return token
}

func (env *testEnv) do(method, target, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.c.Echo.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) seed(t *testing.T, d *datastore.Detection) {
	t.Helper()
	if d.DetectionTime == "" {
		d.DetectionTime = datastore.FormatTime(time.Now())
	}
	if d.Camera == "" {
		d.Camera = "yard"
	}
	if d.DisplayName == "" {
		d.DisplayName = "House Finch"
	}
	_, err := env.store.Upsert(context.Background(), d)
	require.NoError(t, err)
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) ListResponse {
	t.Helper()
	var out ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestListEventsHiddenHandling(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seed(t, &datastore.Detection{ExternalEventID: "e1"})
	env.seed(t, &datastore.Detection{ExternalEventID: "e2"})
	env.seed(t, &datastore.Detection{ExternalEventID: "e3", IsHidden: true})

	rec := env.do(http.MethodGet, "/api/v1/events", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeList(t, rec).Events, 2, "hidden rows excluded by default")

	rec = env.do(http.MethodGet, "/api/v1/events?include_hidden=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeList(t, rec).Events, 3)
}

func TestListEventsValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/v1/events?min_score=2", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/events?limit=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/events?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/events?limit=501", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/events?audio_confirmed=maybe", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCountEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seed(t, &datastore.Detection{ExternalEventID: "e1", Score: 0.9})
	env.seed(t, &datastore.Detection{ExternalEventID: "e2", Score: 0.3})

	rec := env.do(http.MethodGet, "/api/v1/events/count?min_score=0.5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(1), out["count"])
}

func TestGuestListingRestricted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(s *conf.Settings) {
		withAuth(t)(s)
		s.WebServer.Guest = conf.GuestSettings{
			Enabled:        true,
			HistoryDays:    7,
			AllowedCameras: []string{"yard"},
		}
	})

	env.seed(t, &datastore.Detection{ExternalEventID: "visible"})
	env.seed(t, &datastore.Detection{ExternalEventID: "hidden", IsHidden: true})
	env.seed(t, &datastore.Detection{ExternalEventID: "other-cam", Camera: "garage"})
	env.seed(t, &datastore.Detection{
		ExternalEventID: "ancient",
		DetectionTime:   datastore.FormatTime(time.Now().AddDate(0, 0, -30)),
	})

	rec := env.do(http.MethodGet, "/api/v1/events", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeList(t, rec).Events
	require.Len(t, events, 1)
	assert.Equal(t, "visible", events[0].ExternalEventID)

	// include_hidden is ignored for guests.
	rec = env.do(http.MethodGet, "/api/v1/events?include_hidden=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeList(t, rec).Events, 1)

	// The owner sees everything on every camera.
	rec = env.do(http.MethodGet, "/api/v1/events?include_hidden=true", "", env.ownerToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeList(t, rec).Events, 4)
}

func TestGuestAccessDisabled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withAuth(t))

	rec := env.do(http.MethodGet, "/api/v1/events", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/analytics/species", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(s *conf.Settings) {
		withAuth(t)(s)
		s.WebServer.Guest.Enabled = true
	})
	env.seed(t, &datastore.Detection{ExternalEventID: "e1"})
	env.seed(t, &datastore.Detection{ExternalEventID: "secret", IsHidden: true})

	rec := env.do(http.MethodGet, "/api/v1/events/e1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var row datastore.Detection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, "e1", row.ExternalEventID)

	rec = env.do(http.MethodGet, "/api/v1/events/secret", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "hidden rows are invisible to guests")

	rec = env.do(http.MethodGet, "/api/v1/events/nope", "", env.ownerToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withAuth(t))
	env.seed(t, &datastore.Detection{ExternalEventID: "e1"})

	rec := env.do(http.MethodPatch, "/api/v1/events/e1", `{"is_hidden":true}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "mutations require authentication")

	sub, cancel := env.hub.Subscribe(false, broadcaster.GuestFilter{})
	defer cancel()

	token := env.ownerToken(t)
	name := "Carduelis carduelis"
	rec = env.do(http.MethodPatch, "/api/v1/events/e1",
		fmt.Sprintf(`{"is_hidden":true,"display_name":%q}`, name), token)
	require.Equal(t, http.StatusOK, rec.Code)

	row, err := env.store.GetByExternalID(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, row.IsHidden)
	assert.Equal(t, name, row.DisplayName)
	assert.Equal(t, "manual", row.Source)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, broadcaster.TypeDetectionUpdate, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no detection_updated broadcast")
	}

	rec = env.do(http.MethodPatch, "/api/v1/events/e1", `{"display_name":"  "}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPatch, "/api/v1/events/missing", `{"is_hidden":true}`, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReclassifyEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seed(t, &datastore.Detection{ExternalEventID: "e1"})

	rec := env.do(http.MethodPost, "/api/v1/events/e1/reclassify", `{"strategy":"video"}`, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "e1", env.reclassifier.eventID)
	assert.Equal(t, "video", env.reclassifier.strategy)

	// Empty strategy defaults to video.
	rec = env.do(http.MethodPost, "/api/v1/events/e1/reclassify", `{}`, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "video", env.reclassifier.strategy)

	env.reclassifier.err = errors.Newf("busy: %w", errors.ErrConflict).Component("reclassify").Build()
	rec = env.do(http.MethodPost, "/api/v1/events/e1/reclassify", `{"strategy":"video"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withAuth(t))

	rec := env.do(http.MethodPost, "/api/v1/login", fmt.Sprintf(`{"password":%q}`, testPassword), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out.Token)
	assert.NoError(t, env.auth.VerifyToken(out.Token))

	rec = env.do(http.MethodPost, "/api/v1/login", `{"password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/login", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withAuth(t))

	var last int
	for i := 0; i < 6; i++ {
		rec := env.do(http.MethodPost, "/api/v1/login", `{"password":"wrong"}`, "")
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "sixth rapid attempt is throttled")
}

func TestSettingsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(s *conf.Settings) {
		withAuth(t)(s)
		s.Realtime.MQTT.Password = "broker-secret"
	})

	rec := env.do(http.MethodGet, "/api/v1/settings", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/settings", "", env.ownerToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "broker-secret", "secrets are redacted on read")
	assert.NotContains(t, body, testPassword)
}

func TestAnalyticsEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seed(t, &datastore.Detection{ExternalEventID: "e1", DisplayName: "House Finch", Score: 0.8})
	env.seed(t, &datastore.Detection{ExternalEventID: "e2", DisplayName: "House Finch", Score: 0.9})
	env.seed(t, &datastore.Detection{ExternalEventID: "e3", DisplayName: "Blue Tit", Score: 0.7})

	rec := env.do(http.MethodGet, "/api/v1/analytics/species", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var species []datastore.SpeciesSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &species))
	require.Len(t, species, 2)
	assert.Equal(t, "House Finch", species[0].DisplayName)
	assert.Equal(t, int64(2), species[0].Count)

	rec = env.do(http.MethodGet, "/api/v1/analytics/daily", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var daily []datastore.DailySummaryRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &daily))
	require.Len(t, daily, 1)
	assert.Equal(t, int64(3), daily[0].Count)

	rec = env.do(http.MethodGet, "/api/v1/analytics/heatmap", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cells []datastore.HeatmapCell
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cells))
	assert.NotEmpty(t, cells)
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.c.health = NewHealthState()

	rec := env.do(http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)

	env.c.health.MarkStarted()
	env.c.health.AddWarning("model metadata fallback")

	rec = env.do(http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Contains(t, health.Warnings, "model metadata fallback")
}

func TestShareLink(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withAuth(t))
	env.seed(t, &datastore.Detection{ExternalEventID: "secret1", IsHidden: true})
	env.seed(t, &datastore.Detection{ExternalEventID: "secret2", IsHidden: true})

	// Hidden rows are invisible without credentials.
	rec := env.do(http.MethodGet, "/api/v1/events/secret1", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Creation is owner-only.
	rec = env.do(http.MethodPost, "/api/v1/events/secret1/share", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	owner := env.ownerToken(t)
	rec = env.do(http.MethodPost, "/api/v1/events/secret1/share", "", owner)
	require.Equal(t, http.StatusOK, rec.Code)

	var link ShareLinkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Equal(t, "secret1", link.ExternalEventID)
	require.NotEmpty(t, link.Token)
	assert.Contains(t, link.URL, "token=")
	assert.True(t, link.ExpiresAt.After(time.Now()))

	// The token opens exactly the shared detection, nothing else.
	rec = env.do(http.MethodGet, "/api/v1/events/secret1?token="+link.Token, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/events/secret2?token="+link.Token, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A share token is not a session token.
	rec = env.do(http.MethodGet, "/api/v1/settings", "", link.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestShareLinkUnknownEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withAuth(t))
	rec := env.do(http.MethodPost, "/api/v1/events/no-such/share", "", env.ownerToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShareLinkRequiresConfiguredAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.seed(t, &datastore.Detection{ExternalEventID: "e1"})

	// With authentication disabled everyone is already the owner, so there
	// is nothing a share token could grant.
	rec := env.do(http.MethodPost, "/api/v1/events/e1/share", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
