package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/adgen/internal/pipeline"
)

const eventTimeout = 3 * time.Second

func nextEvent(t *testing.T, ch Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "events channel closed unexpectedly")
		return ev
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func requireEnded(t *testing.T, ch Channel) {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.False(t, ok, "unexpected event %v after end of stream", ev.Kind)
	case <-time.After(eventTimeout):
		t.Fatalf("events channel not closed")
	}
}

func snapshot(jobID string, status pipeline.Status, step int) *pipeline.Snapshot {
	return &pipeline.Snapshot{JobID: jobID, Status: status, CurrentStep: step, Steps: map[pipeline.StepKey]pipeline.StepState{}}
}

// scripted is a channel that emits a fixed list of events and then ends.
func scripted(events ...Event) Channel {
	s := newStream(context.Background())
	s.start(func() {
		for _, ev := range events {
			if err := s.emit(ev); err != nil {
				return
			}
		}
	})
	return s
}

// fakeTransport hands out pre-built channels or errors in order.
type fakeTransport struct {
	mu    sync.Mutex
	opens []func() (Channel, error)
	calls int
}

func (f *fakeTransport) Open(ctx context.Context, jobID string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.opens) {
		i = len(f.opens) - 1
	}
	return f.opens[i]()
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeFetcher returns scripted status results in order, repeating the last.
type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	snap *pipeline.Snapshot
	err  error
}

func (f *fakeFetcher) Status(ctx context.Context, jobID string) (*pipeline.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := f.results[i]
	if r.snap == nil {
		return nil, r.err
	}
	cp := *r.snap
	return &cp, r.err
}
