package processor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdframe/internal/audiocorr"
	"github.com/tphakala/birdframe/internal/broadcaster"
	"github.com/tphakala/birdframe/internal/classifier"
	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/datastore"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/events"
)

type fakeFetcher struct {
	data  []byte
	err   error
	calls atomic.Int32
	gate  chan struct{} // when set, FetchSnapshot blocks until closed
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, eventID string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.data, f.err
}

type fakeRuntime struct {
	results []classifier.Result
	err     error
	calls   atomic.Int32
}

func (f *fakeRuntime) ClassifyImage(context.Context, []byte) ([]classifier.Result, error) {
	f.calls.Add(1)
	return f.results, f.err
}

func (f *fakeRuntime) ClassifyFrames(context.Context, [][]byte) (*classifier.EnsembleResult, error) {
	return nil, errors.ErrNotReady
}

func (f *fakeRuntime) Status() classifier.Status {
	return classifier.Status{Runtime: "fake", Loaded: true}
}

func pipelineSettings(mutate func(*conf.Settings)) func() *conf.Settings {
	s := &conf.Settings{}
	s.Realtime.Classifier.Threshold = 0.7
	s.Realtime.Classifier.MinConfidence = 0.4
	s.Realtime.Classifier.BlockedLabels = []string{"background"}
	s.Realtime.Audio.CorrelationWindow = 300
	s.Realtime.Audio.ConfirmScore = 0.7
	s.Realtime.Audio.BufferHours = 2
	if mutate != nil {
		mutate(s)
	}
	return func() *conf.Settings { return s }
}

func newTestStore(t *testing.T) *datastore.SQLiteStore {
	t.Helper()
	store := &datastore.SQLiteStore{
		Settings: &conf.Settings{
			Output: conf.OutputSettings{
				SQLite: conf.SQLiteSettings{Enabled: true, Path: ":memory:"},
			},
		},
	}
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func nvrEvent(id, eventType, camera string, subLabel string, topScore float64) *events.NVREvent {
	after := &events.NVRDetail{
		ID:        id,
		Camera:    camera,
		Label:     "bird",
		StartTime: float64(time.Now().Unix()),
	}
	if subLabel != "" {
		after.SubLabel = &subLabel
	}
	if topScore > 0 {
		after.TopScore = &topScore
	}
	return &events.NVREvent{Type: eventType, After: after}
}

func TestFastPathTrustsSublabel(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	runtime := &fakeRuntime{}
	p := New(&Config{
		Settings: pipelineSettings(func(s *conf.Settings) {
			s.Realtime.Frigate.TrustSublabel = true
		}),
		Store:   store,
		Fetcher: &fakeFetcher{data: []byte("jpg")},
		Runtime: runtime,
	})

	p.OnNVREvent(context.Background(), nvrEvent("evt-1", "new", "yard", "House Sparrow", 0.8))

	row, err := store.GetByExternalID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "House Sparrow", row.DisplayName)
	assert.Equal(t, "frigate", row.Source)
	assert.Zero(t, row.Score)
	require.NotNil(t, row.FrigateScore)
	assert.InDelta(t, 0.8, *row.FrigateScore, 1e-9)
	assert.Zero(t, runtime.calls.Load(), "fast path must skip inference")
}

func TestFastPathIgnoresGenericSublabel(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	runtime := &fakeRuntime{results: []classifier.Result{{Label: "European Robin", Score: 0.92}}}
	p := New(&Config{
		Settings: pipelineSettings(func(s *conf.Settings) {
			s.Realtime.Frigate.TrustSublabel = true
		}),
		Store:   store,
		Fetcher: &fakeFetcher{data: []byte("jpg")},
		Runtime: runtime,
	})

	p.OnNVREvent(context.Background(), nvrEvent("evt-1", "new", "yard", "bird", 0.8))

	row, err := store.GetByExternalID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "European Robin", row.DisplayName)
	assert.Equal(t, "snapshot", row.Source)
	assert.Equal(t, int32(1), runtime.calls.Load())
}

func TestInferenceThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		results   []classifier.Result
		fallback  bool
		subLabel  string
		persisted bool
		source    string
	}{
		{"above threshold", []classifier.Result{{Label: "Wren", Score: 0.85}}, false, "", true, "snapshot"},
		{"below threshold dropped", []classifier.Result{{Label: "Wren", Score: 0.5}}, false, "", false, ""},
		{"below threshold fallback", []classifier.Result{{Label: "Wren", Score: 0.5}}, true, "House Sparrow", true, "frigate"},
		{"blocked label dropped", []classifier.Result{{Label: "background", Score: 0.99}}, false, "", false, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newTestStore(t)
			p := New(&Config{
				Settings: pipelineSettings(func(s *conf.Settings) {
					s.Realtime.Frigate.SublabelFallback = tc.fallback
				}),
				Store:   store,
				Fetcher: &fakeFetcher{data: []byte("jpg")},
				Runtime: &fakeRuntime{results: tc.results},
			})

			p.OnNVREvent(context.Background(), nvrEvent("evt-1", "new", "yard", tc.subLabel, 0))

			row, err := store.GetByExternalID(context.Background(), "evt-1")
			if !tc.persisted {
				assert.ErrorIs(t, err, errors.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.source, row.Source)
		})
	}
}

func TestFetchFailurePersistsNothing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	p := New(&Config{
		Settings: pipelineSettings(nil),
		Store:    store,
		Fetcher:  &fakeFetcher{err: errors.ErrTimeout},
		Runtime:  &fakeRuntime{},
	})

	p.OnNVREvent(context.Background(), nvrEvent("evt-1", "new", "yard", "", 0))

	_, err := store.GetByExternalID(context.Background(), "evt-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAudioCorrelation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		species   string
		score     float64
		detected  bool
		confirmed bool
	}{
		{"same species above confirm score", "Wren", 0.9, true, true},
		{"same species below confirm score", "Wren", 0.5, true, false},
		{"different species", "European Robin", 0.9, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newTestStore(t)
			correlator := audiocorr.New(2, nil)
			correlator.Insert(context.Background(), audiocorr.Event{
				SensorID:   "yard",
				Species:    tc.species,
				Score:      tc.score,
				ObservedAt: time.Now(),
			})

			p := New(&Config{
				Settings:   pipelineSettings(nil),
				Store:      store,
				Fetcher:    &fakeFetcher{data: []byte("jpg")},
				Runtime:    &fakeRuntime{results: []classifier.Result{{Label: "Wren", Score: 0.9}}},
				Correlator: correlator,
			})

			p.OnNVREvent(context.Background(), nvrEvent("evt-1", "new", "yard", "", 0))

			row, err := store.GetByExternalID(context.Background(), "evt-1")
			require.NoError(t, err)
			assert.Equal(t, tc.detected, row.AudioDetected)
			assert.Equal(t, tc.confirmed, row.AudioConfirmed)
			assert.Equal(t, "Wren", row.DisplayName, "audio never renames the primary label")
		})
	}
}

func TestUpdatePayloadPatchesInsteadOfReinsert(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	runtime := &fakeRuntime{results: []classifier.Result{{Label: "Wren", Score: 0.9}}}
	fetcher := &fakeFetcher{data: []byte("jpg")}
	p := New(&Config{
		Settings: pipelineSettings(nil),
		Store:    store,
		Fetcher:  fetcher,
		Runtime:  runtime,
	})

	ctx := context.Background()
	p.OnNVREvent(ctx, nvrEvent("evt-1", "new", "yard", "", 0))
	require.Equal(t, int32(1), fetcher.calls.Load())

	p.OnNVREvent(ctx, nvrEvent("evt-1", "update", "yard", "House Sparrow", 0.91))

	assert.Equal(t, int32(1), fetcher.calls.Load(), "update must not refetch")
	row, err := store.GetByExternalID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "Wren", row.DisplayName, "update must not rename")
	require.NotNil(t, row.SubLabel)
	assert.Equal(t, "House Sparrow", *row.SubLabel)
	require.NotNil(t, row.FrigateScore)
	assert.InDelta(t, 0.91, *row.FrigateScore, 1e-9)
}

func TestBroadcastAfterCommit(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	hub := broadcaster.New(nil)
	sub, cancel := hub.Subscribe(false, broadcaster.GuestFilter{})
	defer cancel()

	p := New(&Config{
		Settings: pipelineSettings(nil),
		Store:    store,
		Fetcher:  &fakeFetcher{data: []byte("jpg")},
		Runtime:  &fakeRuntime{results: []classifier.Result{{Label: "Wren", Score: 0.9}}},
		Hub:      hub,
	})

	p.OnNVREvent(context.Background(), nvrEvent("evt-1", "new", "yard", "", 0))

	select {
	case evt := <-sub.Events():
		assert.Equal(t, broadcaster.TypeDetection, evt.Type)
		row := evt.Data.(*datastore.Detection)
		assert.Equal(t, "evt-1", row.ExternalEventID)
		// The broadcast payload is the committed row.
		stored, err := store.GetByExternalID(context.Background(), "evt-1")
		require.NoError(t, err)
		assert.Equal(t, stored.DisplayName, row.DisplayName)
	default:
		t.Fatal("no broadcast after persist")
	}
}

func TestConcurrentUpdatesCoalesceToNewest(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{data: []byte("jpg"), gate: gate}
	p := New(&Config{
		Settings: pipelineSettings(func(s *conf.Settings) {
			s.Realtime.Frigate.TrustSublabel = true
		}),
		Store:   store,
		Fetcher: fetcher,
		Runtime: &fakeRuntime{},
	})

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.OnNVREvent(ctx, nvrEvent("evt-1", "new", "yard", "First", 0))
	}()

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Two more payloads arrive while the slot is busy; only the newest
	// survives coalescing.
	p.OnNVREvent(ctx, nvrEvent("evt-1", "new", "yard", "Middle", 0))
	p.OnNVREvent(ctx, nvrEvent("evt-1", "new", "yard", "Newest", 0))

	close(gate)
	<-done

	assert.Equal(t, int32(2), fetcher.calls.Load(), "middle payload must be discarded")
	row, err := store.GetByExternalID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "Newest", row.DisplayName)
}
