// Package transport delivers pipeline snapshots of a single job from the
// backend. A push channel reads them from a WebSocket, a pull channel polls
// the status endpoint; both implement Channel.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/jo-hoe/adgen/internal/pipeline"
)

// ErrClosed is reported when a channel was closed locally.
var ErrClosed = errors.New("transport channel closed")

// EventKind tells what an Event carries.
type EventKind int

const (
	// EventSnapshot carries a decoded snapshot.
	EventSnapshot EventKind = iota + 1
	// EventClosedByServer reports an orderly end of the stream.
	EventClosedByServer
	// EventError reports a lost or failed connection.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventClosedByServer:
		return "closed_by_server"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a channel's stream.
type Event struct {
	Kind     EventKind
	Snapshot *pipeline.Snapshot
	Err      error
}

// Channel is an open stream of events for one job. EventClosedByServer and
// EventError are final; the events channel is closed after them.
//
// Close releases the connection and may be called any number of times, also
// concurrently. Once Close returns no further event is delivered.
type Channel interface {
	Events() <-chan Event
	Close() error
}

// Transport opens channels. The channel lives until it is closed, the stream
// ends, or ctx is done.
type Transport interface {
	Open(ctx context.Context, jobID string) (Channel, error)
}

// stream is the lifecycle shared by all channels: one producer goroutine, an
// unbuffered events channel and an idempotent Close that waits for the
// producer to exit.
type stream struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newStream(parent context.Context) *stream {
	ctx, cancel := context.WithCancel(parent)
	return &stream{
		events: make(chan Event),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start runs produce on its own goroutine. The events channel is closed when
// produce returns.
func (s *stream) start(produce func()) {
	go func() {
		defer close(s.done)
		defer close(s.events)
		defer s.cancel()
		produce()
	}()
}

// emit hands ev to the consumer. It returns ErrClosed once the stream was
// closed.
func (s *stream) emit(ev Event) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *stream) Events() <-chan Event {
	return s.events
}

func (s *stream) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
