package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/rewind/internal/events"
	"github.com/felixgeelhaar/rewind/internal/observe"
)

const (
	// SchemaVersion is written into every store file.
	SchemaVersion = 1

	// FileName is the store file inside a store location.
	FileName = "memory.json"

	DefaultDebounce = 100 * time.Millisecond
)

// Options configures a Store.
type Options struct {
	// ID tags logs and events; typically the registry id.
	ID       string
	Debounce time.Duration
	Observer *observe.Observer
	Bus      *events.Bus
	Clock    func() time.Time
}

type state struct {
	Records []Record `json:"records"`
	Version int      `json:"version"`
}

// Store is the durable, in-process owner of one collection of records.
//
// The in-memory state is authoritative. Mutations schedule a debounced
// flush; a single timer chain plus writeMu keeps at most one writer on the
// file. Flushes write a temp file and rename it into place.
type Store struct {
	path string
	opts Options
	obs  *observe.Observer

	mu        sync.RWMutex
	records   []Record // capture order
	byID      map[string]int
	media     map[string]struct{}
	ready     bool
	closed    bool
	discarded bool

	gen        uint64 // bumped by every mutation
	flushedGen uint64 // generation of the last durable write
	timer      *time.Timer
	lastErr    error // last asynchronous flush failure, reported once

	writeMu sync.Mutex
}

// NewStore returns a Store backed by dir/memory.json. Call Initialize before use.
func NewStore(dir string, opts Options) *Store {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		path:  filepath.Join(dir, FileName),
		opts:  opts,
		obs:   observe.OrNop(opts.Observer),
		byID:  make(map[string]int),
		media: make(map[string]struct{}),
	}
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// ID returns the id the store was opened with.
func (s *Store) ID() string {
	return s.opts.ID
}

// Initialize loads the store from disk. A missing file yields an empty store
// that is persisted immediately. Any other read or decode failure is returned
// and the store stays unusable; it is never reset to empty.
//
// Records left in processing by an unclean shutdown are requeued to pending
// so the worker picks them up again.
func (s *Store) Initialize(ctx context.Context) error {
	const op = "memory.initialize"

	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return nil
	}

	if n, err := removeStaleTemps(s.path); err != nil {
		s.obs.Log().Warn().Err(err).Str("path", s.path).Msg("failed to scan for stale temp files")
	} else if n > 0 {
		s.obs.Log().Info().Int("count", n).Str("path", s.path).Msg("removed stale temp files")
	}

	data, err := os.ReadFile(s.path) // #nosec G304
	switch {
	case errors.Is(err, os.ErrNotExist):
		empty, _ := json.Marshal(state{Records: []Record{}, Version: SchemaVersion})
		if err := writeFileAtomic(s.path, empty); err != nil {
			s.mu.Unlock()
			return NewIOError(op, "create store file", err)
		}
		s.records = nil
	case err != nil:
		s.mu.Unlock()
		return NewIOError(op, "read store file", err)
	default:
		records, err := decodeState(data)
		if err != nil {
			s.mu.Unlock()
			return NewIOError(op, s.path, err)
		}
		s.records = records
	}

	s.reindex()
	requeued := 0
	for i := range s.records {
		if s.records[i].Status == StatusProcessing {
			s.records[i].Status = StatusPending
			requeued++
		}
	}
	if requeued > 0 {
		s.schedulePersist()
	}
	s.ready = true
	total := len(s.records)
	s.mu.Unlock()

	s.obs.Log().Info().Str("store", s.opts.ID).Int("records", total).Msg("store loaded")
	if requeued > 0 {
		s.obs.Log().Warn().Str("store", s.opts.ID).Int("count", requeued).Msg("requeued records orphaned in processing")
		s.opts.Bus.PublishWithData(events.RecordsRequeued, s.opts.ID, map[string]interface{}{"count": requeued})
	}
	return nil
}

func decodeState(data []byte) ([]Record, error) {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt store file: %w", err)
	}
	if st.Version > SchemaVersion {
		return nil, fmt.Errorf("unsupported store version %d (max %d)", st.Version, SchemaVersion)
	}
	seen := make(map[string]struct{}, len(st.Records))
	for _, r := range st.Records {
		if r.ID == "" {
			return nil, errors.New("corrupt store file: record without id")
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("corrupt store file: duplicate record id %s", r.ID)
		}
		seen[r.ID] = struct{}{}
		if (r.Status == StatusCompleted) != (len(r.Embedding) > 0) {
			return nil, fmt.Errorf("corrupt store file: record %s is %s with %d-dim embedding", r.ID, r.Status, len(r.Embedding))
		}
	}
	return st.Records, nil
}

// reindex rebuilds the lookup maps. Caller holds mu.
func (s *Store) reindex() {
	s.byID = make(map[string]int, len(s.records))
	s.media = make(map[string]struct{}, len(s.records))
	for i, r := range s.records {
		s.byID[r.ID] = i
		if r.MediaRef != "" {
			s.media[r.MediaRef] = struct{}{}
		}
	}
}

// checkWritable reports why the store cannot be mutated. Caller holds mu.
func (s *Store) checkWritable(op string) error {
	if !s.ready {
		return NewInvariantError(op, "store not initialized")
	}
	if s.closed {
		return NewInvariantError(op, "store closed")
	}
	return nil
}

// takeErr returns and clears the last asynchronous flush failure. Caller holds mu.
func (s *Store) takeErr() error {
	err := s.lastErr
	s.lastErr = nil
	return err
}

// AddRecord appends a pending record captured now and returns its id. It
// does not wait for the write. If an earlier background flush failed, the
// record is still accepted and that failure is returned alongside the id.
func (s *Store) AddRecord(mediaRef, description string) (string, error) {
	return s.AddRecordAt(s.opts.Clock(), mediaRef, description)
}

// AddRecordAt is AddRecord with an explicit capture time. The record is placed
// in capture order, after any record captured at the same instant.
func (s *Store) AddRecordAt(captureTime time.Time, mediaRef, description string) (string, error) {
	const op = "memory.add_record"
	if description == "" {
		return "", NewInvariantError(op, "description is empty")
	}

	s.mu.Lock()
	if err := s.checkWritable(op); err != nil {
		s.mu.Unlock()
		return "", err
	}

	rec := Record{
		ID:          NewID(),
		CaptureTime: captureTime,
		MediaRef:    mediaRef,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   s.opts.Clock(),
	}

	pos := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].CaptureTime.After(captureTime)
	})
	if pos == len(s.records) {
		s.records = append(s.records, rec)
		s.byID[rec.ID] = pos
		if mediaRef != "" {
			s.media[mediaRef] = struct{}{}
		}
	} else {
		s.records = append(s.records, Record{})
		copy(s.records[pos+1:], s.records[pos:])
		s.records[pos] = rec
		s.reindex()
	}
	s.schedulePersist()
	flushErr := s.takeErr()
	s.mu.Unlock()

	s.opts.Bus.PublishWithData(events.RecordAdded, s.opts.ID, map[string]interface{}{
		"record_id": rec.ID,
		"media_ref": mediaRef,
	})

	if flushErr != nil {
		return rec.ID, flushErr
	}
	return rec.ID, nil
}

// Transition moves a record along the status table. Completing a record
// requires a non-empty embedding and stamps EmbeddedAt; no other transition
// accepts an embedding.
func (s *Store) Transition(id string, to Status, embedding []float32) error {
	const op = "memory.transition"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(op); err != nil {
		return err
	}

	idx, ok := s.byID[id]
	if !ok {
		return NewNotFoundError(op, "record", id)
	}
	rec := s.records[idx]
	if !rec.Status.CanTransition(to) {
		return NewInvalidTransitionError(op, id, rec.Status, to)
	}

	if to == StatusCompleted {
		if len(embedding) == 0 {
			return NewInvariantError(op, "completed record requires an embedding")
		}
		rec.Embedding = append([]float32(nil), embedding...)
		at := s.opts.Clock()
		rec.EmbeddedAt = &at
	} else if embedding != nil {
		return NewInvariantError(op, fmt.Sprintf("embedding not allowed on %s", to))
	}
	rec.Status = to
	s.records[idx] = rec

	s.schedulePersist()
	return s.takeErr()
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Record{}, NewNotFoundError("memory.get", "record", id)
	}
	return s.records[idx], nil
}

// Records returns records in capture order, restricted to the given statuses
// when any are passed. Embedding slices are shared and must not be modified.
func (s *Store) Records(statuses ...Status) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return append([]Record(nil), s.records...)
	}
	want := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	var out []Record
	for _, r := range s.records {
		if _, ok := want[r.Status]; ok {
			out = append(out, r)
		}
	}
	return out
}

// NextPending returns the oldest pending record by capture order.
func (s *Store) NextPending() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Status == StatusPending {
			return r, true
		}
	}
	return Record{}, false
}

// HasMedia reports whether a record already references mediaRef.
func (s *Store) HasMedia(mediaRef string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.media[mediaRef]
	return ok
}

// Stats counts records per status.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.records)}
	for _, r := range s.records {
		switch r.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// schedulePersist marks the state dirty and arms the debounce timer if no
// flush is already scheduled or running. Caller holds mu.
func (s *Store) schedulePersist() {
	s.gen++
	if s.timer == nil && !s.closed {
		s.timer = time.AfterFunc(s.opts.Debounce, s.flushScheduled)
	}
}

// flushScheduled runs on the debounce timer. If mutations landed while it
// was writing, it arms exactly one more timer for them.
func (s *Store) flushScheduled() {
	err := s.flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.obs.Log().Error().Err(err).Str("store", s.opts.ID).Msg("store flush failed")
	}
	if err == nil && !s.closed && s.gen != s.flushedGen {
		s.timer = time.AfterFunc(s.opts.Debounce, s.flushScheduled)
		return
	}
	s.timer = nil
}

// flush writes the current state if it changed since the last durable write.
func (s *Store) flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	gen := s.gen
	if s.discarded || gen == s.flushedGen {
		s.mu.RUnlock()
		return nil
	}
	snap := state{Records: append(make([]Record, 0, len(s.records)), s.records...), Version: SchemaVersion}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return NewIOError("memory.flush", "encode store", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return NewIOError("memory.flush", "write store file", err)
	}

	s.mu.Lock()
	if gen > s.flushedGen {
		s.flushedGen = gen
	}
	s.lastErr = nil
	s.mu.Unlock()

	s.opts.Bus.PublishWithData(events.StoreFlushed, s.opts.ID, map[string]interface{}{"records": len(snap.Records)})
	return nil
}

// Flush writes pending changes now and returns any write failure, including
// one left by an earlier background flush.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.takeErr()
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		return err
	}
	return prev
}

// Close flushes outstanding changes and rejects further mutations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	ready := s.ready
	prev := s.takeErr()
	s.mu.Unlock()

	if !ready {
		return nil
	}
	if err := s.flush(); err != nil {
		return err
	}
	return prev
}

// Discard stops the store without flushing and waits for any write in
// progress. Used when its data is about to be deleted.
func (s *Store) Discard() {
	s.mu.Lock()
	s.closed = true
	s.discarded = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	s.writeMu.Unlock()
}
