// Package wizard drives the ad generation wizard: input selection, option
// selection, job submission and progress tracking until the job ends.
//
// All state lives in a single event loop started by Run. Public methods post
// commands to that loop; transport events, submission results and stall
// timers are fed into it as well and are tagged with a generation so that
// anything belonging to a closed channel or a reset wizard is dropped.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/jobs"
	"github.com/jo-hoe/adgen/internal/metrics"
	"github.com/jo-hoe/adgen/internal/pipeline"
	"github.com/jo-hoe/adgen/internal/reconcile"
	"github.com/jo-hoe/adgen/internal/transport"
)

var (
	// ErrNotAllowed is returned for actions the current stage does not offer.
	ErrNotAllowed = errors.New("action not allowed in current stage")
	// ErrBusy is returned while a submission is in flight.
	ErrBusy = errors.New("submission in progress")
	// ErrReset is returned to a pending submission when the wizard is reset.
	ErrReset = errors.New("wizard was reset")
	// ErrStopped is returned once the event loop has exited.
	ErrStopped = errors.New("wizard stopped")
)

// Submitter starts jobs on the backend.
type Submitter interface {
	Submit(ctx context.Context, req api.JobRequest) (api.JobAccepted, error)
}

// Config tunes the controller.
type Config struct {
	// StallTimeout flags a job as stalled when no snapshot arrived for this
	// long. Zero disables the indicator.
	StallTimeout time.Duration
}

// Deps are the collaborators of the controller. Recorder, Log and Metrics
// are optional.
type Deps struct {
	Submitter  Submitter
	Transport  transport.Transport
	Reconciler *reconcile.Reconciler
	Recorder   jobs.Recorder
	Log        *slog.Logger
	Metrics    *metrics.Recorder
}

// Controller is the wizard state machine.
type Controller struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	cmds    chan func()
	events  chan loopEvent
	updates chan State
	done    chan struct{}
	running atomic.Bool

	// owned by the event loop
	runCtx       context.Context
	state        State
	gen          uint64
	channel      transport.Channel
	stallTimer   *time.Timer
	stallSeq     uint64
	submitCancel context.CancelFunc
	submitReply  chan submitResult
}

type submitResult struct {
	jobID string
	err   error
}

// loopEvent is anything posted into the loop from another goroutine.
type loopEvent struct {
	gen uint64

	// exactly one of the following is set
	transport *transport.Event
	opened    *openResult
	submitted *submitOutcome
	stall     uint64 // stall timer sequence
}

type openResult struct {
	channel transport.Channel
	err     error
}

type submitOutcome struct {
	req      api.JobRequest
	accepted api.JobAccepted
	err      error
}

// New creates a controller in select-input. Run must be called to start it.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Submitter == nil {
		return nil, errors.New("wizard: submitter is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("wizard: transport is required")
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.New(nil, deps.Log, deps.Metrics)
	}
	log := deps.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		cmds:    make(chan func()),
		events:  make(chan loopEvent),
		updates: make(chan State, 1),
		done:    make(chan struct{}),
	}
	c.state = c.initialState()
	return c, nil
}

func (c *Controller) initialState() State {
	return State{
		Stage: StageSelectInput,
		View:  c.deps.Reconciler.Initial(""),
		Conn:  ConnIdle,
	}
}

// Run is the event loop. It returns when ctx is done, closing any open
// channel on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("wizard: already running")
	}
	c.runCtx = ctx
	defer close(c.done)
	defer c.teardown()

	c.publish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Updates delivers state changes. Only the latest state is kept when the
// reader falls behind.
func (c *Controller) Updates() <-chan State {
	return c.updates
}

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current state.
func (c *Controller) State(ctx context.Context) (State, error) {
	var s State
	err := c.do(ctx, func() { s = c.state.clone() })
	return s, err
}

// SelectInput chooses the product image and moves to select-options. It may
// be called again from select-options to change the choice.
func (c *Controller) SelectInput(ctx context.Context, contentID string) error {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return errors.New("content id is required")
	}
	var result error
	err := c.do(ctx, func() {
		if c.state.Stage != StageSelectInput && c.state.Stage != StageSelectOptions {
			result = c.notAllowed("select input")
			return
		}
		if c.state.Submitting {
			result = ErrBusy
			return
		}
		view, err := c.deps.Reconciler.ApplyLocal(c.deps.Reconciler.Initial(""), reconcile.LocalEvent{
			Key:       pipeline.StepSelectImage,
			Status:    pipeline.StepSuccess,
			ResultRef: contentID,
		})
		if err != nil {
			result = err
			return
		}
		c.state.ContentID = contentID
		c.state.View = view
		c.state.Stage = StageSelectOptions
		c.state.SubmitErr = nil
		c.state.CanRetry = false
		c.state.Attempt = 0
		c.log.Debug("input selected", "content_id", contentID)
		c.publish()
	})
	return errors.Join(err, result)
}

// SelectOptions records the generation options. They are validated together
// with the selected input.
func (c *Controller) SelectOptions(ctx context.Context, opts Options) error {
	var result error
	err := c.do(ctx, func() {
		if c.state.Stage != StageSelectOptions {
			result = c.notAllowed("select options")
			return
		}
		if c.state.Submitting {
			result = ErrBusy
			return
		}
		next := c.state
		next.Options = opts.clone()
		if err := next.Request().Validate(); err != nil {
			result = err
			return
		}
		c.state.Options = next.Options
		c.state.HasOptions = true
		c.state.SubmitErr = nil
		c.state.CanRetry = false
		c.state.Attempt = 0
		c.publish()
	})
	return errors.Join(err, result)
}

// Submit sends the selected job to the backend and waits for the answer. On
// success the wizard moves to await-generation and starts listening for
// progress; on failure it stays in select-options with the error and a retry
// action.
func (c *Controller) Submit(ctx context.Context) (string, error) {
	return c.submit(ctx, false)
}

// Retry submits the same request again after a failed submission or a
// failed job.
func (c *Controller) Retry(ctx context.Context) (string, error) {
	return c.submit(ctx, true)
}

func (c *Controller) submit(ctx context.Context, retry bool) (string, error) {
	reply := make(chan submitResult, 1)
	var result error
	err := c.do(ctx, func() { result = c.startSubmit(reply, retry) })
	if err := errors.Join(err, result); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.jobID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrStopped
	}
}

// Reconnect reopens the progress channel after it was lost.
func (c *Controller) Reconnect(ctx context.Context) error {
	var result error
	err := c.do(ctx, func() {
		if !c.state.CanReconnect {
			result = c.notAllowed("reconnect")
			return
		}
		c.deps.Metrics.TransportEvent(metrics.TransportReconnect)
		c.log.Info("reconnecting", "job_id", c.state.JobID)
		c.open()
		c.publish()
	})
	return errors.Join(err, result)
}

// Reset discards the current job and selections and returns to
// select-input. It is valid in every stage.
func (c *Controller) Reset(ctx context.Context) error {
	return c.do(ctx, func() {
		c.reset()
		c.publish()
	})
}

// do runs fn on the event loop and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) notAllowed(action string) error {
	return fmt.Errorf("%w: cannot %s in %s", ErrNotAllowed, action, c.state.Stage)
}

// post hands ev to the loop. It reports false if the loop has exited.
func (c *Controller) post(ev loopEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) publish() {
	s := c.state.clone()
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- s:
	default:
	}
}
