package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/rewind/internal/events"
)

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = 10 * time.Millisecond
	}
	s := NewStore(dir, opts)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func readState(t *testing.T, dir string) state {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var st state
	require.NoError(t, json.Unmarshal(data, &st))
	return st
}

func TestStore_InitializeMissingFileCreatesEmpty(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	defer s.Close()

	st := readState(t, dir)
	assert.Equal(t, SchemaVersion, st.Version)
	assert.Empty(t, st.Records)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestStore_InitializeCorruptFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"records": [`), 0600))

	s := NewStore(dir, Options{})
	err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)

	// The corrupt file is left alone, never reset.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"records": [`, string(data))

	_, err = s.AddRecord("m", "desc")
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestStore_InitializeRejectsBrokenInvariant(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"completed without embedding", `{"version":1,"records":[{"id":"a","status":"completed","embedding":null,"description":"x"}]}`},
		{"pending with embedding", `{"version":1,"records":[{"id":"a","status":"pending","embedding":[1,2],"description":"x"}]}`},
		{"unknown status", `{"version":1,"records":[{"id":"a","status":"done","description":"x"}]}`},
		{"duplicate id", `{"version":1,"records":[{"id":"a","status":"pending","description":"x"},{"id":"a","status":"pending","description":"y"}]}`},
		{"future version", `{"version":99,"records":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(tt.body), 0600))
			err := NewStore(dir, Options{}).Initialize(context.Background())
			assert.ErrorIs(t, err, ErrIO)
		})
	}
}

func TestStore_AddRecordVisibleImmediately(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{Debounce: time.Hour})
	defer s.Close()

	id, err := s.AddRecord("shot-1.png", "a red car parked outside")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Nil(t, rec.Embedding)
	assert.Nil(t, rec.EmbeddedAt)
	assert.True(t, s.HasMedia("shot-1.png"))
	assert.False(t, s.HasMedia("shot-2.png"))
}

func TestStore_AddRecordRejectsEmptyDescription(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})
	defer s.Close()

	_, err := s.AddRecord("m", "")
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, 0, s.Stats().Total)
}

func TestStore_IDsAreUnique(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{Debounce: time.Hour})
	defer s.Close()

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		id, err := s.AddRecord("", "burst")
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestStore_AddRecordAtKeepsCaptureOrder(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{Debounce: time.Hour})
	defer s.Close()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	idC, _ := s.AddRecordAt(base.Add(2*time.Minute), "c", "third")
	idA, _ := s.AddRecordAt(base, "a", "first")
	idB, _ := s.AddRecordAt(base.Add(time.Minute), "b", "second")
	idA2, _ := s.AddRecordAt(base, "a2", "first again")

	var got []string
	for _, r := range s.Records() {
		got = append(got, r.ID)
	}
	assert.Equal(t, []string{idA, idA2, idB, idC}, got)

	next, ok := s.NextPending()
	require.True(t, ok)
	assert.Equal(t, idA, next.ID)

	// Lookups still resolve after mid-slice inserts.
	rec, err := s.Get(idB)
	require.NoError(t, err)
	assert.Equal(t, "second", rec.Description)
}

func TestStore_Transitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := openStore(t, t.TempDir(), Options{Debounce: time.Hour, Clock: func() time.Time { return now }})
	defer s.Close()

	id, err := s.AddRecord("m", "desc")
	require.NoError(t, err)

	t.Run("pending cannot complete directly", func(t *testing.T) {
		err := s.Transition(id, StatusCompleted, []float32{1})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.ErrorIs(t, err, ErrInvariant)
	})

	t.Run("embedding rejected outside completion", func(t *testing.T) {
		err := s.Transition(id, StatusProcessing, []float32{1})
		assert.ErrorIs(t, err, ErrInvariant)
	})

	require.NoError(t, s.Transition(id, StatusProcessing, nil))

	t.Run("completion requires embedding", func(t *testing.T) {
		err := s.Transition(id, StatusCompleted, nil)
		assert.ErrorIs(t, err, ErrInvariant)
		rec, _ := s.Get(id)
		assert.Equal(t, StatusProcessing, rec.Status)
	})

	vec := []float32{0.1, 0.2, 0.3}
	require.NoError(t, s.Transition(id, StatusCompleted, vec))
	vec[0] = 9

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, rec.Embedding)
	require.NotNil(t, rec.EmbeddedAt)
	assert.Equal(t, now, *rec.EmbeddedAt)

	t.Run("completed is terminal", func(t *testing.T) {
		for _, to := range Statuses() {
			assert.ErrorIs(t, s.Transition(id, to, nil), ErrInvalidTransition, "to %s", to)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, s.Transition("nope", StatusProcessing, nil), ErrNotFound)
		_, err := s.Get("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_EmbeddingPresentIffCompleted(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{Debounce: time.Hour})
	defer s.Close()

	for i := 0; i < 6; i++ {
		id, err := s.AddRecord("", "d")
		require.NoError(t, err)
		switch i % 3 {
		case 1:
			require.NoError(t, s.Transition(id, StatusProcessing, nil))
			require.NoError(t, s.Transition(id, StatusCompleted, []float32{1, 0}))
		case 2:
			require.NoError(t, s.Transition(id, StatusProcessing, nil))
			require.NoError(t, s.Transition(id, StatusFailed, nil))
		}
	}

	for _, r := range s.Records() {
		assert.Equal(t, r.Status == StatusCompleted, r.Embedding != nil, "record %s", r.ID)
		assert.Equal(t, r.Status == StatusCompleted, r.EmbeddedAt != nil, "record %s", r.ID)
	}
	stats := s.Stats()
	assert.Equal(t, Stats{Total: 6, Completed: 2, Pending: 2, Failed: 2}, stats)
	assert.Len(t, s.Records(StatusCompleted, StatusFailed), 4)
}

func TestStore_DebounceCoalescesBurst(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	flushes := 0
	bus.Subscribe(events.StoreFlushed, func(events.Event) {
		mu.Lock()
		flushes++
		mu.Unlock()
	})

	dir := t.TempDir()
	s := openStore(t, dir, Options{Debounce: 50 * time.Millisecond, Bus: bus})
	defer s.Close()

	for i := 0; i < 20; i++ {
		_, err := s.AddRecord("", "burst")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(readState(t, dir).Records) == 20
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, flushes)
}

func TestStore_MutationDuringFlushGetsFollowUp(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()

	var s *Store
	var once sync.Once
	bus.Subscribe(events.StoreFlushed, func(events.Event) {
		// Lands after the snapshot was taken, so only a follow-up flush persists it.
		once.Do(func() {
			go func() {
				_, _ = s.AddRecord("", "late")
			}()
		})
	})

	s = openStore(t, dir, Options{Debounce: 20 * time.Millisecond, Bus: bus})
	defer s.Close()

	_, err := s.AddRecord("", "early")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(readState(t, dir).Records) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_FlushAndReload(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Debounce: time.Hour})

	id, err := s.AddRecord("m.png", "window with a terminal")
	require.NoError(t, err)
	require.NoError(t, s.Transition(id, StatusProcessing, nil))
	require.NoError(t, s.Transition(id, StatusCompleted, []float32{0.5, 0.5}))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	_, err = s.AddRecord("x", "after close")
	assert.ErrorIs(t, err, ErrInvariant)

	again := openStore(t, dir, Options{})
	defer again.Close()
	rec, err := again.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, []float32{0.5, 0.5}, rec.Embedding)
	assert.True(t, again.HasMedia("m.png"))
}

func TestStore_CloseFlushesPendingWrites(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Debounce: time.Hour})
	_, err := s.AddRecord("", "one")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Len(t, readState(t, dir).Records, 1)
}

func TestStore_TruncatedTempDoesNotAffectRestart(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Debounce: time.Hour})
	id, err := s.AddRecord("", "durable")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash midway through the next write.
	tmp := filepath.Join(dir, "."+FileName+".tmp-123456")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"records":[{"id":"half`), 0600))

	again := openStore(t, dir, Options{})
	defer again.Close()
	assert.Equal(t, 1, again.Stats().Total)
	_, err = again.Get(id)
	require.NoError(t, err)

	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err), "stale temp file should be removed")
}

func TestStore_RequeuesOrphanedProcessing(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Debounce: time.Hour})
	id, err := s.AddRecord("", "stuck")
	require.NoError(t, err)
	require.NoError(t, s.Transition(id, StatusProcessing, nil))
	require.NoError(t, s.Close())

	bus := events.NewBus()
	var requeued int
	bus.Subscribe(events.RecordsRequeued, func(e events.Event) {
		requeued = e.Data["count"].(int)
	})

	again := openStore(t, dir, Options{Bus: bus})
	rec, err := again.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 1, requeued)
	require.NoError(t, again.Close())

	assert.Equal(t, StatusPending, readState(t, dir).Records[0].Status)
}

func TestStore_WriteFailureSurfacesToNextCaller(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Debounce: 10 * time.Millisecond})
	defer s.Close()

	// A non-empty directory at the store path makes the final rename fail
	// regardless of privileges.
	require.NoError(t, os.Remove(s.Path()))
	blocker := filepath.Join(s.Path(), "keep")
	require.NoError(t, os.MkdirAll(blocker, 0750))

	_, err := s.AddRecord("", "one")
	require.NoError(t, err)

	flushFailed := func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.lastErr != nil
	}
	require.Eventually(t, flushFailed, 2*time.Second, 10*time.Millisecond)

	_, err = s.AddRecord("", "two")
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 2, s.Stats().Total, "the mutation is kept in memory")

	require.Eventually(t, flushFailed, 2*time.Second, 10*time.Millisecond)

	// The failed writes left no temp file and did not touch what was there.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
	assert.DirExists(t, blocker)

	// The write scheduled by "two" fails too; Flush reports it and still
	// persists everything once the path is writable again.
	require.NoError(t, os.RemoveAll(s.Path()))
	assert.ErrorIs(t, s.Flush(context.Background()), ErrIO)
	assert.Len(t, readState(t, dir).Records, 2)
	assert.NoError(t, s.Flush(context.Background()))
}

func TestStore_DiscardSkipsWrites(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Debounce: 10 * time.Millisecond})
	_, err := s.AddRecord("", "gone")
	require.NoError(t, err)
	s.Discard()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, readState(t, dir).Records)
	_, err = s.AddRecord("", "again")
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRemoveStaleTempsKeepsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".memory.json.tmp-1"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".registry.json.tmp-1"), nil, 0600))

	n, err := removeStaleTemps(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(dir, ".registry.json.tmp-1"))
	assert.NoError(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "file.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".file.json.tmp-*"))
	assert.Empty(t, matches)
}

func TestStatusTable(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransition(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransition(StatusFailed))
	assert.False(t, StatusPending.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusPending))
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
}
