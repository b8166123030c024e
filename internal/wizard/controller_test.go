package wizard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/pipeline"
	"github.com/jo-hoe/adgen/internal/reconcile"
	"github.com/jo-hoe/adgen/internal/transport"
)

func intPtr(v int) *int { return &v }

func TestController_HappyPath(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	ctx := context.Background()

	s := h.state(t)
	assert.Equal(t, StageSelectInput, s.Stage)
	assert.Equal(t, ConnIdle, s.Conn)

	require.NoError(t, h.c.SelectInput(ctx, "content-1"))
	s = h.state(t)
	assert.Equal(t, StageSelectOptions, s.Stage)
	sel, _ := s.View.Entry(pipeline.StepSelectImage)
	assert.Equal(t, pipeline.StepSuccess, sel.State.Status)
	assert.True(t, sel.Local)
	assert.Len(t, s.View.Revealed(), 2)

	ch := h.prepare(t, "J1")
	s = h.state(t)
	assert.Equal(t, StageAwaitGeneration, s.Stage)
	assert.Equal(t, "J1", s.JobID)
	assert.Equal(t, 1, s.Attempt)
	assert.Equal(t, []string{"J1"}, h.transport.JobIDs())

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{
		JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 2,
		Steps: map[pipeline.StepKey]pipeline.StepState{
			pipeline.StepSelectImage:    {Status: pipeline.StepSuccess},
			pipeline.StepVirtualFitting: {Status: pipeline.StepRunning},
		},
	}))
	s = h.eventually(t, func(s State) bool { return s.View.Revision == 1 }, "snapshot should be applied")
	fit, _ := s.View.Entry(pipeline.StepVirtualFitting)
	assert.True(t, fit.Revealed)
	assert.Equal(t, pipeline.StepRunning, fit.State.Status)
	assert.Greater(t, s.View.Progress, 0)
	assert.Less(t, s.View.Progress, 100)

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusSuccess, CurrentStep: 7, FinalResultRef: "img-123"}))
	s = h.eventually(t, func(s State) bool { return s.Stage == StageTerminalSuccess }, "job should succeed")
	assert.Equal(t, reconcile.TerminalSuccess, s.View.Terminal)
	assert.Equal(t, "img-123", s.View.FinalResultRef)
	assert.Equal(t, 100, s.View.Progress)
	assert.Equal(t, ConnClosed, s.Conn)
	assert.False(t, s.CanRetry)
	assert.True(t, ch.IsClosed())

	assert.False(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusFailed}), "closed channel must not accept snapshots")
	assert.Equal(t, []string{"submitted:J1", "succeeded:J1"}, h.recorder.Events())
	assert.Equal(t, "retro", h.recorder.Last().Style)
}

func TestController_FailedJobIsRetryable(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"}, &submitAnswer{jobID: "J2"})
	ch := h.prepare(t, "J1")

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{
		JobID: "J1", Status: pipeline.StatusFailed, Error: "model timeout", ErrorStep: intPtr(3),
	}))
	s := h.eventually(t, func(s State) bool { return s.Stage == StageTerminalFailed }, "job should fail")
	assert.Equal(t, "model timeout", s.View.TerminalError)
	assert.Equal(t, pipeline.StepVirtualFitting, s.View.FailedStep)
	assert.True(t, s.CanRetry)
	assert.True(t, ch.IsClosed())
	assert.Equal(t, "content-1", s.ContentID, "selections survive a failed job")

	id, err := h.c.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "J2", id)
	s = h.eventually(t, func(s State) bool { return s.Conn == ConnConnected }, "retry should reconnect")
	assert.Equal(t, StageAwaitGeneration, s.Stage)
	assert.Equal(t, 2, s.Attempt)
	assert.False(t, s.View.IsTerminal())
	assert.Equal(t, "J2", s.View.JobID)

	reqs := h.submitter.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0], reqs[1], "retry re-submits the same request")
	assert.Equal(t, []string{"J1", "J2"}, h.transport.JobIDs())
	assert.Equal(t, []string{"submitted:J1", "failed:J1:virtual_fitting", "submitted:J2"}, h.recorder.Events())
}

func TestController_SubmitFailureKeepsSelections(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{err: errTransient}, &submitAnswer{jobID: "J9"})
	ctx := context.Background()
	require.NoError(t, h.c.SelectInput(ctx, "content-7"))
	require.NoError(t, h.c.SelectOptions(ctx, Options{Style: "romantic", ModelIndex: intPtr(1)}))

	_, err := h.c.Submit(ctx)
	require.Error(t, err)
	assert.True(t, api.IsRetryable(err))

	s := h.state(t)
	assert.Equal(t, StageSelectOptions, s.Stage)
	assert.Equal(t, "content-7", s.ContentID)
	assert.Equal(t, "romantic", s.Options.Style)
	assert.True(t, s.CanRetry)
	assert.Error(t, s.SubmitErr)
	assert.False(t, s.Submitting)
	assert.Equal(t, 0, h.transport.Opens())

	id, err := h.c.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "J9", id)
	reqs := h.submitter.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0], reqs[1])
	s = h.state(t)
	assert.Nil(t, s.SubmitErr)
	assert.Equal(t, StageAwaitGeneration, s.Stage)
}

func TestController_ResetFromEveryStage(t *testing.T) {
	ctx := context.Background()
	stages := map[string]func(t *testing.T, h *harness){
		"select-input": func(t *testing.T, h *harness) {},
		"select-options": func(t *testing.T, h *harness) {
			require.NoError(t, h.c.SelectInput(ctx, "content-1"))
		},
		"await-generation": func(t *testing.T, h *harness) {
			ch := h.prepare(t, "J1")
			require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 3}))
			h.eventually(t, func(s State) bool { return s.View.Progress > 0 }, "progress")
		},
		"terminal-failed": func(t *testing.T, h *harness) {
			ch := h.prepare(t, "J1")
			require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusFailed, Error: "x"}))
			h.eventually(t, func(s State) bool { return s.Stage == StageTerminalFailed }, "failed")
		},
	}
	for name, setup := range stages {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
			setup(t, h)

			require.NoError(t, h.c.Reset(ctx))
			s := h.state(t)
			assert.Equal(t, StageSelectInput, s.Stage)
			assert.Equal(t, h.rec.Initial(""), s.View)
			assert.Empty(t, s.ContentID)
			assert.Empty(t, s.JobID)
			assert.Equal(t, ConnIdle, s.Conn)
			for i := 0; i < h.transport.Opens(); i++ {
				assert.True(t, h.transport.Channel(t, i).IsClosed())
			}
		})
	}
}

func TestController_ResetMidFlightAbandonsJob(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	ch := h.prepare(t, "J1")

	require.NoError(t, h.c.Reset(context.Background()))
	assert.True(t, ch.IsClosed())
	assert.Equal(t, []string{"submitted:J1", "abandoned:J1"}, h.recorder.Events())
}

func TestController_ResetDuringSubmit(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, h.c.SelectInput(ctx, "content-1"))
	require.NoError(t, h.c.SelectOptions(ctx, Options{Style: "resort"}))

	errc := make(chan error, 1)
	go func() {
		_, err := h.c.Submit(ctx)
		errc <- err
	}()
	h.eventually(t, func(s State) bool { return s.Submitting }, "submission should start")

	_, err := h.c.Submit(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, h.c.Reset(ctx))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrReset)
	case <-time.After(waitFor):
		t.Fatal("submit did not return after reset")
	}
	s := h.state(t)
	assert.Equal(t, StageSelectInput, s.Stage)
	assert.False(t, s.Submitting)
	assert.Equal(t, 0, h.transport.Opens())
}

func TestController_LostChannelAndReconnect(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	ch := h.prepare(t, "J1")

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 4}))
	progress := h.eventually(t, func(s State) bool { return s.View.Revision == 1 }, "snapshot").View.Progress

	require.True(t, ch.Send(t, transport.Event{Kind: transport.EventError, Err: errors.New("connection reset")}))
	s := h.eventually(t, func(s State) bool { return s.Conn == ConnLost }, "channel should be lost")
	assert.True(t, s.CanReconnect)
	assert.Error(t, s.ConnErr)
	assert.Equal(t, StageAwaitGeneration, s.Stage)
	assert.True(t, ch.IsClosed())

	require.NoError(t, h.c.Reconnect(context.Background()))
	ch2 := h.transport.Channel(t, 1)
	h.eventually(t, func(s State) bool { return s.Conn == ConnConnected }, "reconnected")

	// A reconnect gap may deliver an older step index; progress holds.
	require.True(t, ch2.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 2}))
	s = h.eventually(t, func(s State) bool { return s.View.Revision == 2 }, "snapshot after reconnect")
	assert.Equal(t, progress, s.View.Progress)
	assert.False(t, s.CanReconnect)
}

func TestController_ServerCloseBeforeTerminalIsLost(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	ch := h.prepare(t, "J1")

	require.True(t, ch.Send(t, transport.Event{Kind: transport.EventClosedByServer}))
	s := h.eventually(t, func(s State) bool { return s.Conn == ConnLost }, "closed by server")
	assert.ErrorIs(t, s.ConnErr, errServerClosed)
	assert.True(t, s.CanReconnect)
}

func TestController_OpenFailureIsLost(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	h.transport.SetOpenErr(errors.New("dial refused"))
	ctx := context.Background()
	require.NoError(t, h.c.SelectInput(ctx, "content-1"))
	require.NoError(t, h.c.SelectOptions(ctx, Options{Style: "resort"}))
	_, err := h.c.Submit(ctx)
	require.NoError(t, err)

	s := h.eventually(t, func(s State) bool { return s.Conn == ConnLost }, "open failure")
	assert.True(t, s.CanReconnect)

	h.transport.SetOpenErr(nil)
	require.NoError(t, h.c.Reconnect(ctx))
	h.eventually(t, func(s State) bool { return s.Conn == ConnConnected }, "reconnected")
}

func TestController_StallIndicator(t *testing.T) {
	h := newHarness(t, Config{StallTimeout: 60 * time.Millisecond}, &submitAnswer{jobID: "J1"})
	ch := h.prepare(t, "J1")

	h.eventually(t, func(s State) bool { return s.Stalled }, "job should be flagged as stalled")
	s := h.state(t)
	assert.Equal(t, StageAwaitGeneration, s.Stage, "stall is not terminal")

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 1}))
	h.eventually(t, func(s State) bool { return s.View.Revision == 1 && !s.Stalled }, "snapshot clears stall")
}

func TestController_IgnoresEventsAfterTerminal(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	h.transport.leaky = true
	ch := h.prepare(t, "J1")

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusSuccess, FinalResultRef: "img-123"}))
	before := h.eventually(t, func(s State) bool { return s.Stage == StageTerminalSuccess }, "success")

	// The detached connection keeps talking; nothing may change.
	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusFailed, Error: "late"}))
	require.True(t, ch.Send(t, transport.Event{Kind: transport.EventError, Err: errors.New("late")}))
	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 1}))
	assert.Never(t, func() bool {
		s := h.state(t)
		return s.Stage != before.Stage || s.View.Revision != before.View.Revision || s.Conn != ConnClosed
	}, 100*time.Millisecond, tick)
}

func TestController_MalformedSnapshotIsIgnored(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	ch := h.prepare(t, "J1")

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 2}))
	before := h.eventually(t, func(s State) bool { return s.View.Revision == 1 }, "snapshot")

	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{Status: pipeline.StatusRunning, CurrentStep: 6}))
	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "OTHER", Status: pipeline.StatusRunning, CurrentStep: 6}))
	require.True(t, ch.Snapshot(t, &pipeline.Snapshot{JobID: "J1", Status: pipeline.StatusRunning, CurrentStep: 3}))
	after := h.eventually(t, func(s State) bool { return s.View.Revision == 2 }, "valid snapshot after malformed ones")
	assert.Greater(t, after.View.Progress, before.View.Progress)
	assert.Equal(t, StageAwaitGeneration, after.Stage)
}

func TestController_ActionsGuardedByStage(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	ctx := context.Background()

	_, err := h.c.Submit(ctx)
	assert.ErrorIs(t, err, ErrNotAllowed)
	_, err = h.c.Retry(ctx)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.ErrorIs(t, h.c.Reconnect(ctx), ErrNotAllowed)
	assert.ErrorIs(t, h.c.SelectOptions(ctx, Options{Style: "resort"}), ErrNotAllowed)
	assert.Error(t, h.c.SelectInput(ctx, " "))

	require.NoError(t, h.c.SelectInput(ctx, "content-1"))
	_, err = h.c.Submit(ctx)
	assert.Error(t, err, "options must be chosen first")
	err = h.c.SelectOptions(ctx, Options{Style: "baroque"})
	assert.Equal(t, api.KindValidation, api.KindOf(err))
	assert.False(t, h.state(t).HasOptions)
}

func TestController_UpdatesDeliverLatestState(t *testing.T) {
	h := newHarness(t, Config{}, &submitAnswer{jobID: "J1"})
	ctx := context.Background()
	require.NoError(t, h.c.SelectInput(ctx, "content-1"))
	require.NoError(t, h.c.SelectOptions(ctx, Options{Style: "resort"}))

	deadline := time.After(waitFor)
	for {
		select {
		case s := <-h.c.Updates():
			if s.HasOptions {
				assert.Equal(t, StageSelectOptions, s.Stage)
				return
			}
		case <-deadline:
			t.Fatal("no update with selected options")
		}
	}
}

func TestController_StoppedLoop(t *testing.T) {
	c, err := New(Config{}, Deps{Submitter: &fakeSubmitter{}, Transport: &fakeTransport{}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	_, err = c.State(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, c.Run(context.Background()), "run twice")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{Transport: &fakeTransport{}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Submitter: &fakeSubmitter{}})
	assert.Error(t, err)
}
