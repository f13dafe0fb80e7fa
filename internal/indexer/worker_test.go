package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/rewind/internal/events"
	"github.com/felixgeelhaar/rewind/internal/memory"
)

// fakeEmbedder returns a fixed vector and records the texts it saw.
type fakeEmbedder struct {
	mu    sync.Mutex
	seen  []string
	embed func(ctx context.Context, text string) ([]float32, error)
}

func (f *fakeEmbedder) Name() string { return "fake" }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.seen = append(f.seen, text)
	f.mu.Unlock()
	if f.embed != nil {
		return f.embed(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

// tickingClock advances one second per reading.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.NewStore(t.TempDir(), memory.Options{ID: "test", Debounce: time.Hour, Clock: tickingClock()})
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorker_DrainIsFIFOWithMonotonicTimestamps(t *testing.T) {
	s := newStore(t)
	base := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	for _, c := range []struct {
		offset time.Duration
		desc   string
	}{
		{3 * time.Minute, "fourth"},
		{0, "first"},
		{2 * time.Minute, "third"},
		{time.Minute, "second"},
	} {
		_, err := s.AddRecordAt(base.Add(c.offset), "", c.desc)
		require.NoError(t, err)
	}

	emb := &fakeEmbedder{}
	w := New(s, emb, Options{})
	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, emb.texts())

	var last time.Time
	for _, r := range s.Records() {
		require.Equal(t, memory.StatusCompleted, r.Status)
		require.NotNil(t, r.EmbeddedAt)
		assert.True(t, r.EmbeddedAt.After(last), "embeddedAt must increase in capture order")
		last = *r.EmbeddedAt
	}
	assert.Equal(t, memory.Stats{Total: 4, Completed: 4}, s.Stats())
}

func TestWorker_ProviderFailureIsTerminal(t *testing.T) {
	s := newStore(t)
	bus := events.NewBus()
	var failed []string
	bus.Subscribe(events.RecordFailed, func(e events.Event) {
		failed = append(failed, e.Data["record_id"].(string))
	})

	okID, _ := s.AddRecord("", "fine")
	badID, _ := s.AddRecord("", "broken")
	emptyID, _ := s.AddRecord("", "empty")
	panicID, _ := s.AddRecord("", "panics")
	afterID, _ := s.AddRecord("", "fine again")

	emb := &fakeEmbedder{embed: func(_ context.Context, text string) ([]float32, error) {
		switch text {
		case "broken":
			return nil, errors.New("rate limited")
		case "empty":
			return []float32{}, nil
		case "panics":
			panic("boom")
		}
		return []float32{0, 1}, nil
	}}

	w := New(s, emb, Options{Bus: bus})
	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	status := func(id string) memory.Status {
		r, err := s.Get(id)
		require.NoError(t, err)
		return r.Status
	}
	assert.Equal(t, memory.StatusCompleted, status(okID))
	assert.Equal(t, memory.StatusFailed, status(badID))
	assert.Equal(t, memory.StatusFailed, status(emptyID))
	assert.Equal(t, memory.StatusFailed, status(panicID))
	assert.Equal(t, memory.StatusCompleted, status(afterID))
	assert.Equal(t, []string{badID, emptyID, panicID}, failed)

	// Failed records are never retried.
	n, err = w.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, emb.texts(), 5)

	r, _ := s.Get(badID)
	assert.Nil(t, r.Embedding)
}

func TestWorker_CallTimeout(t *testing.T) {
	s := newStore(t)
	id, _ := s.AddRecord("", "slow")

	emb := &fakeEmbedder{embed: func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w := New(s, emb, Options{CallTimeout: 20 * time.Millisecond})
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	r, _ := s.Get(id)
	assert.Equal(t, memory.StatusFailed, r.Status)
}

func TestWorker_StartStop(t *testing.T) {
	s := newStore(t)
	bus := events.NewBus()
	var mu sync.Mutex
	var seen []events.EventType
	bus.SubscribeAll(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	w := New(s, &fakeEmbedder{}, Options{Delay: 5 * time.Millisecond, Bus: bus})
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Running())
	assert.ErrorIs(t, w.Start(context.Background()), memory.ErrInvariant)

	// Records added while running are picked up.
	id, _ := s.AddRecord("", "late arrival")
	require.Eventually(t, func() bool {
		r, _ := s.Get(id)
		return r.Status == memory.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.Running())
	require.NoError(t, w.Stop(ctx))

	mu.Lock()
	assert.Contains(t, seen, events.WorkerStarted)
	assert.Contains(t, seen, events.RecordIndexed)
	assert.Contains(t, seen, events.WorkerStopped)
	mu.Unlock()

	// A stopped worker can be started again.
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(ctx))
}

func TestWorker_StopLetsInFlightCallFinish(t *testing.T) {
	s := newStore(t)
	id, _ := s.AddRecord("", "in flight")

	entered := make(chan struct{})
	release := make(chan struct{})
	emb := &fakeEmbedder{embed: func(ctx context.Context, _ string) ([]float32, error) {
		close(entered)
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return []float32{1, 1}, nil
	}}

	w := New(s, emb, Options{Delay: time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a provider call was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)

	r, _ := s.Get(id)
	assert.Equal(t, memory.StatusCompleted, r.Status)
}

func TestWorker_StopTimesOut(t *testing.T) {
	s := newStore(t)
	s.AddRecord("", "stuck")

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	emb := &fakeEmbedder{embed: func(context.Context, string) ([]float32, error) {
		close(entered)
		<-release
		return []float32{1}, nil
	}}

	w := New(s, emb, Options{})
	require.NoError(t, w.Start(context.Background()))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Stop(ctx), context.DeadlineExceeded)
}

func TestWorker_ParentContextEndsLoop(t *testing.T) {
	s := newStore(t)
	w := New(s, &fakeEmbedder{}, Options{Delay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.False(t, w.Running())
}

// brokenStore hands out a record whose transitions always fail.
type brokenStore struct{}

func (brokenStore) ID() string { return "broken" }

func (brokenStore) NextPending() (memory.Record, bool) {
	return memory.Record{ID: "r1", Description: "x", Status: memory.StatusPending}, true
}

func (brokenStore) Transition(id string, _ memory.Status, _ []float32) error {
	return memory.NewNotFoundError("memory.transition", "record", id)
}

func TestWorker_LoopErrorBacksOff(t *testing.T) {
	bus := events.NewBus()
	backoffs := make(chan events.Event, 8)
	bus.Subscribe(events.WorkerBackoff, func(e events.Event) {
		select {
		case backoffs <- e:
		default:
		}
	})

	emb := &fakeEmbedder{}
	w := New(brokenStore{}, emb, Options{Delay: 10 * time.Millisecond, Bus: bus})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	select {
	case e := <-backoffs:
		assert.Equal(t, "20ms", e.Data["backoff"])
	case <-time.After(time.Second):
		t.Fatal("expected a backoff event")
	}
	assert.True(t, w.Running(), "a loop error must not stop the worker")
	assert.Empty(t, emb.texts())

	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestWorker_Paced(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		s.AddRecord("", "paced")
	}

	w := New(s, &fakeEmbedder{}, Options{Delay: 40 * time.Millisecond})
	start := time.Now()
	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	// The first token is free; the next two wait one delay each.
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}
