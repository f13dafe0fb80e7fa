package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/rewind/internal/events"
	"github.com/felixgeelhaar/rewind/internal/memory"
	"github.com/felixgeelhaar/rewind/internal/observe"
	"github.com/felixgeelhaar/rewind/internal/provider"
)

const DefaultDelay = time.Second

// Store is the part of memory.Store the worker drives.
type Store interface {
	ID() string
	NextPending() (memory.Record, bool)
	Transition(id string, to memory.Status, embedding []float32) error
}

// Options configures a Worker.
type Options struct {
	// Delay paces provider calls and is the idle poll interval.
	Delay time.Duration
	// CallTimeout bounds one embedding call. Zero leaves it unbounded.
	CallTimeout time.Duration
	Observer    *observe.Observer
	Bus         *events.Bus
}

// Worker embeds the pending records of one store, oldest first, one at a time.
type Worker struct {
	store    Store
	embedder provider.Embedder
	opts     Options
	obs      *observe.Observer
	limiter  *rate.Limiter

	stepMu sync.Mutex // one record in flight

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns an idle worker.
func New(store Store, embedder provider.Embedder, opts Options) *Worker {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	limit := rate.Inf
	if opts.Delay > 0 {
		limit = rate.Every(opts.Delay)
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		opts:     opts,
		obs:      observe.OrNop(opts.Observer),
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Start launches the loop. It fails if the worker is already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return memory.NewInvariantError("indexer.start", "worker already running for store "+w.store.ID())
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx, w.done)

	w.obs.Log().Info().Str("store", w.store.ID()).Str("embedder", w.embedder.Name()).Msg("indexer started")
	w.opts.Bus.PublishSimple(events.WorkerStarted, w.store.ID())
	return nil
}

// Stop asks the loop to exit and waits for it. A provider call already in
// flight is allowed to finish and its result is recorded. ctx bounds the wait.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for indexer to stop: %w", ctx.Err())
	}
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Done is closed when the current loop exits. It is nil if the worker was
// never started.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.cancel()
		w.mu.Unlock()
		close(done)
		w.obs.Log().Info().Str("store", w.store.ID()).Msg("indexer stopped")
		w.opts.Bus.PublishSimple(events.WorkerStopped, w.store.ID())
	}()

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		processed, err := w.safeStep(ctx)
		switch {
		case err != nil:
			backoff := 2 * w.opts.Delay
			if backoff == 0 {
				backoff = 2 * DefaultDelay
			}
			w.obs.Log().Warn().Err(err).Str("store", w.store.ID()).Str("backoff", backoff.String()).Msg("indexer loop error")
			w.opts.Bus.PublishWithData(events.WorkerBackoff, w.store.ID(), map[string]interface{}{
				"error":   err.Error(),
				"backoff": backoff.String(),
			})
			if !sleep(ctx, backoff) {
				return
			}
		case !processed:
			idle := w.opts.Delay
			if idle == 0 {
				idle = DefaultDelay
			}
			if !sleep(ctx, idle) {
				return
			}
		}
	}
}

// RunOnce processes the oldest pending record, if any. It reports whether a
// record was taken.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	return w.safeStep(ctx)
}

// Drain processes pending records at the configured pace until none are
// left. It returns how many records it took.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return n, err
		}
		processed, err := w.safeStep(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func (w *Worker) safeStep(ctx context.Context) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("indexer step panicked: %v", r)
		}
	}()
	return w.step(ctx)
}

func (w *Worker) step(ctx context.Context) (bool, error) {
	w.stepMu.Lock()
	defer w.stepMu.Unlock()

	rec, ok := w.store.NextPending()
	if !ok {
		return false, nil
	}

	ctx, span := w.obs.StartSpan(ctx, "indexer.step",
		attribute.String("store.id", w.store.ID()),
		attribute.String("record.id", rec.ID),
	)
	var stepErr error
	defer func() { w.obs.EndSpan(span, stepErr) }()

	if err := w.transition(rec.ID, memory.StatusProcessing, nil); err != nil {
		stepErr = err
		return false, err
	}

	vec, err := w.embed(ctx, rec.Description)
	if err == nil && len(vec) == 0 {
		err = errors.New("provider returned an empty embedding")
	}
	if err != nil {
		perr := memory.NewProviderError("indexer.embed", err)
		if terr := w.transition(rec.ID, memory.StatusFailed, nil); terr != nil {
			stepErr = terr
			return true, terr
		}
		w.obs.Log().Warn().Err(perr).Str("store", w.store.ID()).Str("record", rec.ID).Msg("embedding failed")
		w.opts.Bus.PublishWithData(events.RecordFailed, w.store.ID(), map[string]interface{}{
			"record_id": rec.ID,
			"error":     perr.Error(),
		})
		return true, nil
	}

	if err := w.transition(rec.ID, memory.StatusCompleted, vec); err != nil {
		stepErr = err
		return true, err
	}
	w.obs.Log().Debug().Str("store", w.store.ID()).Str("record", rec.ID).Int("dims", len(vec)).Msg("record indexed")
	w.opts.Bus.PublishWithData(events.RecordIndexed, w.store.ID(), map[string]interface{}{
		"record_id":  rec.ID,
		"dimensions": len(vec),
	})
	return true, nil
}

// transition applies a status change. A write failure from an earlier flush
// does not undo the in-memory change, so it is logged and the loop goes on.
func (w *Worker) transition(id string, to memory.Status, vec []float32) error {
	err := w.store.Transition(id, to, vec)
	if err != nil && errors.Is(err, memory.ErrIO) {
		w.obs.Log().Error().Err(err).Str("store", w.store.ID()).Str("record", id).Msg("store write failed")
		return nil
	}
	return err
}

// embed calls the provider detached from ctx so that stopping the worker
// never abandons a call halfway. The call is bounded by CallTimeout.
func (w *Worker) embed(ctx context.Context, text string) (vec []float32, err error) {
	callCtx := context.WithoutCancel(ctx)
	if w.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, w.opts.CallTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("embedder panicked: %v", r)
		}
	}()
	return w.embedder.Embed(callCtx, text)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
