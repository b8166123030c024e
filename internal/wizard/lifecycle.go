package wizard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/jobs"
	"github.com/jo-hoe/adgen/internal/metrics"
	"github.com/jo-hoe/adgen/internal/pipeline"
	"github.com/jo-hoe/adgen/internal/reconcile"
	"github.com/jo-hoe/adgen/internal/transport"
)

var errServerClosed = errors.New("server closed the connection before the job finished")

func (c *Controller) startSubmit(reply chan submitResult, retry bool) error {
	if c.state.Submitting {
		return ErrBusy
	}
	if retry {
		if !c.state.CanRetry {
			return c.notAllowed("retry")
		}
	} else {
		if c.state.Stage != StageSelectOptions {
			return c.notAllowed("submit")
		}
		if !c.state.HasOptions {
			return errors.New("options have not been selected")
		}
	}
	req := c.state.Request()
	if err := req.Validate(); err != nil {
		return err
	}

	if c.state.Stage == StageTerminalFailed {
		// Start over from the kept selections.
		view, err := c.deps.Reconciler.ApplyLocal(c.deps.Reconciler.Initial(""), reconcile.LocalEvent{
			Key:       pipeline.StepSelectImage,
			Status:    pipeline.StepSuccess,
			ResultRef: c.state.ContentID,
		})
		if err != nil {
			return err
		}
		c.state.View = view
		c.state.JobID = ""
		c.state.Conn = ConnIdle
		c.state.ConnErr = nil
		c.state.Stage = StageSelectOptions
	}

	c.state.Submitting = true
	c.state.SubmitErr = nil
	c.state.CanRetry = false

	ctx, cancel := context.WithCancel(c.runCtx)
	c.submitCancel = cancel
	c.submitReply = reply
	gen := c.gen
	submitter := c.deps.Submitter
	c.log.Info("submitting job", "content_id", req.ContentID, "style", req.Style, "retry", retry)
	go func() {
		accepted, err := submitter.Submit(ctx, req)
		c.post(loopEvent{gen: gen, submitted: &submitOutcome{req: req, accepted: accepted, err: err}})
	}()
	c.publish()
	return nil
}

func (c *Controller) handle(ev loopEvent) {
	if ev.gen != c.gen {
		if ev.opened != nil && ev.opened.channel != nil {
			_ = ev.opened.channel.Close()
		}
		if ev.transport != nil && ev.transport.Kind == transport.EventSnapshot {
			c.deps.Metrics.SnapshotDropped(metrics.ReasonStale)
		}
		return
	}
	switch {
	case ev.submitted != nil:
		c.onSubmitted(*ev.submitted)
	case ev.opened != nil:
		c.onOpened(*ev.opened)
	case ev.transport != nil:
		c.onTransportEvent(*ev.transport)
	case ev.stall != 0:
		c.onStall(ev.stall)
	}
}

func (c *Controller) onSubmitted(o submitOutcome) {
	if c.submitCancel != nil {
		c.submitCancel()
		c.submitCancel = nil
	}
	reply := c.submitReply
	c.submitReply = nil
	c.state.Submitting = false

	if o.err != nil {
		c.state.SubmitErr = o.err
		c.state.CanRetry = true
		switch api.KindOf(o.err) {
		case api.KindValidation, api.KindAuth:
			c.deps.Metrics.Submission(metrics.SubmissionRejected)
		default:
			c.deps.Metrics.Submission(metrics.SubmissionFailed)
		}
		c.log.Warn("job submission failed", "content_id", o.req.ContentID, "err", o.err)
		if reply != nil {
			reply <- submitResult{err: o.err}
		}
		c.publish()
		return
	}

	jobID := o.accepted.JobID
	c.deps.Metrics.Submission(metrics.SubmissionAccepted)
	c.state.Attempt++
	c.state.JobID = jobID
	c.state.View.JobID = jobID
	c.state.Stage = StageAwaitGeneration
	c.state.Stalled = false
	if c.deps.Recorder != nil {
		rec := jobs.Record{
			JobID:       jobID,
			ContentID:   o.req.ContentID,
			Style:       o.req.Style,
			ModelIndex:  o.req.ModelIndex,
			AdInputs:    o.req.AdInputs,
			Attempt:     c.state.Attempt,
			Outcome:     jobs.OutcomePending,
			SubmittedAt: time.Now().UTC(),
		}
		if o.req.UserPrompt != "" {
			prompt := o.req.UserPrompt
			rec.UserPrompt = &prompt
		}
		c.deps.Recorder.Submitted(rec)
	}
	c.log.Info("job accepted", "job_id", jobID, "attempt", c.state.Attempt)
	c.open()
	if reply != nil {
		reply <- submitResult{jobID: jobID}
	}
	c.publish()
}

// open starts a new channel generation for the current job.
func (c *Controller) open() {
	c.closeChannel()
	c.gen++
	gen := c.gen
	jobID := c.state.JobID
	c.state.Conn = ConnConnecting
	c.state.ConnErr = nil
	c.state.CanReconnect = false
	c.state.Stalled = false

	ctx := c.runCtx
	t := c.deps.Transport
	go func() {
		ch, err := t.Open(ctx, jobID)
		if !c.post(loopEvent{gen: gen, opened: &openResult{channel: ch, err: err}}) && ch != nil {
			_ = ch.Close()
		}
	}()
	c.armStall()
}

func (c *Controller) onOpened(r openResult) {
	if r.err != nil {
		c.lost(fmt.Errorf("open channel: %w", r.err))
		return
	}
	c.channel = r.channel
	c.state.Conn = ConnConnected
	c.log.Debug("channel open", "job_id", c.state.JobID, "generation", c.gen)
	go c.pump(c.gen, r.channel)
	c.publish()
}

// pump forwards channel events into the loop.
func (c *Controller) pump(gen uint64, ch transport.Channel) {
	for ev := range ch.Events() {
		ev := ev // per-iteration copy; &ev escapes to the loop goroutine
		if !c.post(loopEvent{gen: gen, transport: &ev}) {
			return
		}
	}
}

func (c *Controller) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventSnapshot:
		view, err := c.deps.Reconciler.Apply(c.state.View, ev.Snapshot)
		if err != nil {
			// Rejected snapshots leave the view as it was.
			return
		}
		c.onViewModelUpdate(view)
	case transport.EventClosedByServer:
		c.lost(errServerClosed)
	case transport.EventError:
		c.lost(ev.Err)
	}
}

// onViewModelUpdate adopts a reconciled view and advances to a terminal
// stage once the job ended.
func (c *Controller) onViewModelUpdate(view reconcile.ViewModel) {
	c.state.View = view
	c.state.Stalled = false
	if view.IsTerminal() {
		c.finish()
	} else {
		c.armStall()
	}
	c.publish()
}

// finish closes the channel once the job reached a terminal state.
func (c *Controller) finish() {
	c.closeChannel()
	c.stopStall()
	c.gen++
	c.state.Conn = ConnClosed
	c.state.CanReconnect = false
	c.state.Stalled = false

	view := c.state.View
	now := time.Now().UTC()
	switch view.Terminal {
	case reconcile.TerminalSuccess:
		c.state.Stage = StageTerminalSuccess
		c.state.CanRetry = false
		c.log.Info("job succeeded", "job_id", view.JobID, "result", view.FinalResultRef)
		if c.deps.Recorder != nil {
			c.deps.Recorder.Succeeded(view.JobID, view.FinalResultRef, now)
		}
	case reconcile.TerminalFailed:
		c.state.Stage = StageTerminalFailed
		c.state.CanRetry = true
		c.log.Warn("job failed", "job_id", view.JobID, "step", view.FailedStep, "err", view.TerminalError)
		if c.deps.Recorder != nil {
			c.deps.Recorder.Failed(view.JobID, string(view.FailedStep), view.TerminalError, now)
		}
	}
}

// lost records a broken channel. The job may still be running; Reconnect
// opens a new channel.
func (c *Controller) lost(err error) {
	c.closeChannel()
	c.stopStall()
	c.gen++
	c.state.Conn = ConnLost
	c.state.ConnErr = err
	c.state.CanReconnect = true
	c.state.Stalled = false
	c.log.Warn("progress channel lost", "job_id", c.state.JobID, "err", err)
	c.publish()
}

func (c *Controller) armStall() {
	c.stopStall()
	if c.cfg.StallTimeout <= 0 {
		return
	}
	seq, gen := c.stallSeq, c.gen
	c.stallTimer = time.AfterFunc(c.cfg.StallTimeout, func() {
		c.post(loopEvent{gen: gen, stall: seq})
	})
}

func (c *Controller) stopStall() {
	if c.stallTimer != nil {
		c.stallTimer.Stop()
		c.stallTimer = nil
	}
	c.stallSeq++
}

func (c *Controller) onStall(seq uint64) {
	if seq != c.stallSeq || c.state.Stage != StageAwaitGeneration || c.state.Stalled {
		return
	}
	c.state.Stalled = true
	c.deps.Metrics.Stall()
	c.log.Warn("no progress received", "job_id", c.state.JobID, "timeout", c.cfg.StallTimeout)
	c.publish()
}

func (c *Controller) closeChannel() {
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
}

func (c *Controller) cancelSubmit(err error) {
	if c.submitCancel != nil {
		c.submitCancel()
		c.submitCancel = nil
	}
	if c.submitReply != nil {
		c.submitReply <- submitResult{err: err}
		c.submitReply = nil
	}
}

func (c *Controller) reset() {
	c.cancelSubmit(ErrReset)
	c.closeChannel()
	c.stopStall()
	c.gen++
	if c.state.JobID != "" && !c.state.Terminal() && c.deps.Recorder != nil {
		c.deps.Recorder.Abandoned(c.state.JobID, time.Now().UTC())
	}
	c.log.Info("wizard reset", "from", c.state.Stage, "job_id", c.state.JobID)
	c.state = c.initialState()
}

func (c *Controller) teardown() {
	c.cancelSubmit(ErrStopped)
	c.closeChannel()
	c.stopStall()
	c.gen++
}
