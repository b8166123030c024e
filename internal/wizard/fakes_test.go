package wizard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/jobs"
	"github.com/jo-hoe/adgen/internal/pipeline"
	"github.com/jo-hoe/adgen/internal/reconcile"
	"github.com/jo-hoe/adgen/internal/transport"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// fakeSubmitter answers with scripted results. A nil result blocks until
// the request context ends.
type fakeSubmitter struct {
	mu       sync.Mutex
	results  []*submitAnswer
	requests []api.JobRequest
}

type submitAnswer struct {
	jobID string
	err   error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req api.JobRequest) (api.JobAccepted, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var ans *submitAnswer
	if len(f.results) > 0 {
		ans = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	if ans == nil {
		<-ctx.Done()
		return api.JobAccepted{}, ctx.Err()
	}
	if ans.err != nil {
		return api.JobAccepted{}, ans.err
	}
	return api.JobAccepted{JobID: ans.jobID, Status: "pending"}, nil
}

func (f *fakeSubmitter) Requests() []api.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.JobRequest(nil), f.requests...)
}

// testChannel lets a test push events into the controller.
type testChannel struct {
	in     chan transport.Event
	out    chan transport.Event
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
	leaky  bool // ignores Close, like a detached connection
}

func newTestChannel(leaky bool) *testChannel {
	c := &testChannel{
		in:     make(chan transport.Event),
		out:    make(chan transport.Event),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		leaky:  leaky,
	}
	go func() {
		defer close(c.done)
		defer close(c.out)
		for {
			select {
			case ev := <-c.in:
				select {
				case c.out <- ev:
				case <-c.closed:
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
	return c
}

func (c *testChannel) Events() <-chan transport.Event { return c.out }

func (c *testChannel) Close() error {
	if c.leaky {
		return nil
	}
	c.once.Do(func() { close(c.closed) })
	<-c.done
	return nil
}

func (c *testChannel) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Send delivers ev and reports false if the channel was closed.
func (c *testChannel) Send(t *testing.T, ev transport.Event) bool {
	t.Helper()
	select {
	case c.in <- ev:
		return true
	case <-c.closed:
		return false
	case <-time.After(waitFor):
		t.Fatalf("timed out sending %v", ev.Kind)
		return false
	}
}

func (c *testChannel) Snapshot(t *testing.T, snap *pipeline.Snapshot) bool {
	t.Helper()
	return c.Send(t, transport.Event{Kind: transport.EventSnapshot, Snapshot: snap})
}

// fakeTransport hands out a new testChannel per Open.
type fakeTransport struct {
	mu       sync.Mutex
	channels []*testChannel
	jobIDs   []string
	openErr  error
	leaky    bool
}

func (f *fakeTransport) Open(ctx context.Context, jobID string) (transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobIDs = append(f.jobIDs, jobID)
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := newTestChannel(f.leaky)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeTransport) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobIDs)
}

func (f *fakeTransport) JobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobIDs...)
}

func (f *fakeTransport) Channel(t *testing.T, i int) *testChannel {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.channels) > i
	}, waitFor, tick)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

func (f *fakeTransport) SetOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// memRecorder collects history events.
type memRecorder struct {
	mu     sync.Mutex
	events []string
	last   jobs.Record
}

func (m *memRecorder) add(ev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memRecorder) Submitted(rec jobs.Record) {
	m.mu.Lock()
	m.last = rec
	m.mu.Unlock()
	m.add("submitted:" + rec.JobID)
}
func (m *memRecorder) Succeeded(jobID, _ string, _ time.Time) { m.add("succeeded:" + jobID) }
func (m *memRecorder) Failed(jobID, step, _ string, _ time.Time) {
	m.add("failed:" + jobID + ":" + step)
}
func (m *memRecorder) Abandoned(jobID string, _ time.Time) { m.add("abandoned:" + jobID) }

func (m *memRecorder) Last() jobs.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *memRecorder) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

type harness struct {
	c         *Controller
	submitter *fakeSubmitter
	transport *fakeTransport
	recorder  *memRecorder
	rec       *reconcile.Reconciler
}

func newHarness(t *testing.T, cfg Config, answers ...*submitAnswer) *harness {
	t.Helper()
	h := &harness{
		submitter: &fakeSubmitter{results: answers},
		transport: &fakeTransport{},
		recorder:  &memRecorder{},
		rec:       reconcile.New(pipeline.DefaultCatalogue(), nil, nil),
	}
	c, err := New(cfg, Deps{
		Submitter:  h.submitter,
		Transport:  h.transport,
		Reconciler: h.rec,
		Recorder:   h.recorder,
	})
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return h
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	s, err := h.c.State(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) eventually(t *testing.T, cond func(State) bool, msg string) State {
	t.Helper()
	var last State
	require.Eventually(t, func() bool {
		last = h.state(t)
		return cond(last)
	}, waitFor, tick, msg)
	return last
}

// prepare walks the wizard to a submitted job and returns its channel.
func (h *harness) prepare(t *testing.T, jobID string) *testChannel {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.c.SelectInput(ctx, "content-1"))
	require.NoError(t, h.c.SelectOptions(ctx, Options{Style: "retro", UserPrompt: "sunny", AdInputs: map[string]string{"discount": "40% OFF"}}))
	before := h.transport.Opens()
	id, err := h.c.Submit(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, id)
	ch := h.transport.Channel(t, before)
	h.eventually(t, func(s State) bool { return s.Conn == ConnConnected }, "channel should connect")
	return ch
}

var errTransient = &api.Error{Kind: api.KindServer, StatusCode: 502, Message: "bad gateway"}
