package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const defaultWriterCapacity = 64

// Recorder receives history events from the wizard. Implementations must not
// block the caller.
type Recorder interface {
	Submitted(rec Record)
	Succeeded(jobID, resultRef string, at time.Time)
	Failed(jobID, failedStep, errMsg string, at time.Time)
	Abandoned(jobID string, at time.Time)
}

// WorkItem is one pending write against the store.
type WorkItem struct {
	JobID string
	Op    string
	Apply func(Store) error
}

// Writer is an in-memory bounded queue that applies history writes to a
// Store on a single background worker, so writes keep their order.
type Writer struct {
	log        *slog.Logger
	store      Store
	ch         chan WorkItem
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	closed     bool
	mu         sync.Mutex
}

var _ Recorder = (*Writer)(nil)

// NewWriter creates a Writer for store with the given capacity.
func NewWriter(logger *slog.Logger, store Store, capacity int) *Writer {
	if capacity <= 0 {
		capacity = defaultWriterCapacity
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{
		log:   logger,
		store: store,
		ch:    make(chan WorkItem, capacity),
	}
}

// Start launches the worker goroutine.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("writer already started")
	}
	if w.closed {
		return errors.New("writer is shut down")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.worker(ctx)
	w.started = true
	return nil
}

func (w *Writer) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Flush what was accepted before stopping.
			for {
				select {
				case item, ok := <-w.ch:
					if !ok {
						return
					}
					w.apply(item)
				default:
					return
				}
			}
		case item, ok := <-w.ch:
			if !ok {
				w.log.Debug("history writer closed")
				return
			}
			w.apply(item)
		}
	}
}

func (w *Writer) apply(item WorkItem) {
	if err := item.Apply(w.store); err != nil {
		w.log.Warn("history write failed", "job_id", item.JobID, "op", item.Op, "err", err)
		return
	}
	w.log.Debug("history written", "job_id", item.JobID, "op", item.Op)
}

// Enqueue adds a WorkItem to the queue (non-blocking if capacity allows).
func (w *Writer) Enqueue(item WorkItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.closed {
		return errors.New("writer not running")
	}
	select {
	case w.ch <- item:
		return nil
	default:
		return errors.New("writer queue is full")
	}
}

func (w *Writer) Submitted(rec Record) {
	r := rec
	w.enqueue(WorkItem{JobID: rec.JobID, Op: "submitted", Apply: func(s Store) error { return s.CreateRecord(&r) }})
}

func (w *Writer) Succeeded(jobID, resultRef string, at time.Time) {
	w.enqueue(WorkItem{JobID: jobID, Op: "succeeded", Apply: func(s Store) error { return s.SaveSuccess(jobID, resultRef, at) }})
}

func (w *Writer) Failed(jobID, failedStep, errMsg string, at time.Time) {
	w.enqueue(WorkItem{JobID: jobID, Op: "failed", Apply: func(s Store) error { return s.SaveFailure(jobID, failedStep, errMsg, at) }})
}

func (w *Writer) Abandoned(jobID string, at time.Time) {
	w.enqueue(WorkItem{JobID: jobID, Op: "abandoned", Apply: func(s Store) error { return s.SaveAbandoned(jobID, at) }})
}

func (w *Writer) enqueue(item WorkItem) {
	if err := w.Enqueue(item); err != nil {
		w.log.Warn("dropping history write", "job_id", item.JobID, "op", item.Op, "err", err)
	}
}

// Shutdown stops accepting writes and waits for pending ones up to deadline.
func (w *Writer) Shutdown(deadline time.Duration) {
	w.cancelOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		started := w.started
		w.mu.Unlock()
		if !started {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			w.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			w.cancel()
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			w.log.Warn("history writer shutdown deadline reached; pending writes may be lost")
		}
		w.cancel()
	})
}
