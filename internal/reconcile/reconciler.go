package reconcile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jo-hoe/adgen/internal/metrics"
	"github.com/jo-hoe/adgen/internal/pipeline"
)

var (
	// ErrJobMismatch is returned for snapshots of a different job.
	ErrJobMismatch = errors.New("snapshot belongs to another job")
	// ErrJobTerminal is returned once the view model reached a terminal state.
	ErrJobTerminal = errors.New("job already terminal")
)

// maxRunningProgress keeps progress below 100 until the job succeeds.
const maxRunningProgress = 99

// LocalEvent is an optimistic step update caused by a user action.
type LocalEvent struct {
	Key       pipeline.StepKey
	Status    pipeline.StepStatus
	ResultRef string
}

// Reconciler folds snapshots and local events into view models. Apply and
// ApplyLocal never modify their input and keep no state between calls.
type Reconciler struct {
	catalogue pipeline.Catalogue
	log       *slog.Logger
	metrics   *metrics.Recorder
}

// New creates a Reconciler over catalogue. Nil logger and metrics are allowed.
func New(catalogue pipeline.Catalogue, log *slog.Logger, m *metrics.Recorder) *Reconciler {
	if len(catalogue) == 0 {
		catalogue = pipeline.DefaultCatalogue()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{catalogue: catalogue, log: log, metrics: m}
}

// Catalogue returns the step catalogue the reconciler orders by.
func (r *Reconciler) Catalogue() pipeline.Catalogue {
	return r.catalogue
}

// Initial returns the default view model: every step pending and only the
// first one revealed.
func (r *Reconciler) Initial(jobID string) ViewModel {
	vm := ViewModel{JobID: jobID, Status: pipeline.StatusPending}
	vm.Steps = make([]Entry, len(r.catalogue))
	for i, info := range r.catalogue {
		vm.Steps[i] = Entry{
			Key:   info.Key,
			Label: info.Label,
			Icon:  info.Icon,
			State: pipeline.StepState{Status: pipeline.StepPending},
		}
	}
	reveal(vm.Steps)
	return vm
}

// Apply folds snap into prev and returns the new view model. On error prev
// is returned unchanged.
func (r *Reconciler) Apply(prev ViewModel, snap *pipeline.Snapshot) (ViewModel, error) {
	err := snap.Validate()
	if err == nil {
		err = snap.ValidateSteps(r.catalogue)
	}
	if err != nil {
		r.log.Warn("dropping malformed snapshot", "job_id", prev.JobID, "err", err)
		r.metrics.SnapshotDropped(metrics.ReasonMalformed)
		return prev, err
	}
	if prev.JobID != "" && snap.JobID != prev.JobID {
		r.log.Warn("dropping snapshot for another job", "job_id", prev.JobID, "snapshot_job_id", snap.JobID)
		r.metrics.SnapshotDropped(metrics.ReasonJobMismatch)
		return prev, fmt.Errorf("%w: got %s, want %s", ErrJobMismatch, snap.JobID, prev.JobID)
	}
	if prev.IsTerminal() {
		r.log.Debug("ignoring snapshot after terminal state", "job_id", prev.JobID, "terminal", prev.Terminal)
		r.metrics.SnapshotDropped(metrics.ReasonTerminal)
		return prev, ErrJobTerminal
	}

	next := r.aligned(prev)
	next.JobID = snap.JobID

	for key := range snap.Steps {
		if !r.catalogue.Contains(key) {
			r.log.Debug("ignoring unknown step", "job_id", snap.JobID, "step", key)
			r.metrics.SnapshotDropped(metrics.ReasonUnknownStep)
		}
	}

	for i := range next.Steps {
		entry := &next.Steps[i]
		incoming, ok := snap.Steps[entry.Key]
		if !ok {
			continue
		}
		if !entry.Local && entry.State.Status.Terminal() && !incoming.Status.Terminal() {
			r.log.Debug("keeping terminal step over stale snapshot",
				"job_id", snap.JobID, "step", entry.Key, "status", entry.State.Status, "incoming", incoming.Status)
			continue
		}
		entry.State = incoming.Normalize()
		entry.Local = false
	}
	reveal(next.Steps)

	next.Progress = max(prev.Progress, r.progress(snap))
	next.Status = snap.Status
	if snap.UpdatedAt != nil {
		v := *snap.UpdatedAt
		next.UpdatedAt = &v
	}

	switch snap.Status {
	case pipeline.StatusFailed:
		next.Terminal = TerminalFailed
		next.FailedStep, _ = snap.ErrorStepKey(r.catalogue)
		next.TerminalError = snap.Error
		if next.TerminalError == "" && next.FailedStep != "" {
			if e, ok := next.Entry(next.FailedStep); ok {
				next.TerminalError = e.State.Error
			}
		}
		if next.TerminalError == "" {
			next.TerminalError = "generation failed"
		}
	case pipeline.StatusSuccess:
		next.Terminal = TerminalSuccess
		next.FinalResultRef = snap.FinalResultRef
		next.Progress = 100
	}

	next.Revision++
	r.metrics.SnapshotApplied()
	return next, nil
}

// ApplyLocal records an optimistic step update. It never overrides what a
// snapshot already reported for the step.
func (r *Reconciler) ApplyLocal(prev ViewModel, ev LocalEvent) (ViewModel, error) {
	if !r.catalogue.Contains(ev.Key) {
		return prev, fmt.Errorf("unknown step %q", ev.Key)
	}
	if !ev.Status.Valid() {
		return prev, fmt.Errorf("invalid status %q for step %s", ev.Status, ev.Key)
	}
	if prev.IsTerminal() {
		return prev, ErrJobTerminal
	}
	next := r.aligned(prev)
	i := r.catalogue.Index(ev.Key)
	entry := &next.Steps[i]
	if !entry.Local && entry.State.Status != pipeline.StepPending {
		return prev, nil
	}
	entry.State = pipeline.StepState{Status: ev.Status, ResultRef: ev.ResultRef}.Normalize()
	entry.Local = true
	reveal(next.Steps)
	return next, nil
}

// aligned copies prev and makes sure it holds exactly one entry per
// catalogue step, in catalogue order.
func (r *Reconciler) aligned(prev ViewModel) ViewModel {
	next := prev.Clone()
	if len(next.Steps) == len(r.catalogue) {
		match := true
		for i, info := range r.catalogue {
			if next.Steps[i].Key != info.Key {
				match = false
				break
			}
		}
		if match {
			return next
		}
	}
	base := r.Initial(next.JobID)
	for i := range base.Steps {
		if e, ok := next.Entry(base.Steps[i].Key); ok {
			base.Steps[i] = e
		}
	}
	next.Steps = base.Steps
	if next.Status == "" {
		next.Status = pipeline.StatusPending
	}
	return next
}

func (r *Reconciler) progress(snap *pipeline.Snapshot) int {
	if snap.Status == pipeline.StatusSuccess {
		return 100
	}
	total := len(r.catalogue)
	step := min(snap.CurrentStep, total)
	return min(step*100/total, maxRunningProgress)
}

// reveal marks the first step, every step whose predecessor left pending and
// every step that left pending itself. Revealed steps stay revealed.
func reveal(steps []Entry) {
	for i := range steps {
		if i == 0 || steps[i].State.Status != pipeline.StepPending || steps[i-1].State.Status != pipeline.StepPending {
			steps[i].Revealed = true
		}
	}
}
