package reconcile

import (
	"github.com/jo-hoe/adgen/internal/pipeline"
)

// Terminal marks how a job ended, if it did.
type Terminal string

const (
	TerminalNone    Terminal = ""
	TerminalSuccess Terminal = "success"
	TerminalFailed  Terminal = "failed"
)

// Entry is one row of the view model.
type Entry struct {
	Key      pipeline.StepKey
	Label    string
	Icon     string
	State    pipeline.StepState
	Revealed bool
	// Local is set while the entry only reflects an optimistic local event
	// that no snapshot has confirmed yet.
	Local bool
}

// ViewModel is the reconciled, render-ready view of one job.
type ViewModel struct {
	JobID          string
	Steps          []Entry
	Progress       int
	Status         pipeline.Status
	Terminal       Terminal
	TerminalError  string
	FailedStep     pipeline.StepKey
	FinalResultRef string
	UpdatedAt      *pipeline.Timestamp
	// Revision counts the snapshots applied so far.
	Revision int
}

// Clone returns a deep copy of vm.
func (vm ViewModel) Clone() ViewModel {
	out := vm
	if vm.Steps != nil {
		out.Steps = make([]Entry, len(vm.Steps))
		for i, e := range vm.Steps {
			e.State = e.State.Clone()
			out.Steps[i] = e
		}
	}
	if vm.UpdatedAt != nil {
		v := *vm.UpdatedAt
		out.UpdatedAt = &v
	}
	return out
}

// IsTerminal reports whether the job reached success or failure.
func (vm ViewModel) IsTerminal() bool {
	return vm.Terminal != TerminalNone
}

// Entry returns the row for key.
func (vm ViewModel) Entry(key pipeline.StepKey) (Entry, bool) {
	for _, e := range vm.Steps {
		if e.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

// Revealed returns the rows that should currently be shown.
func (vm ViewModel) Revealed() []Entry {
	out := make([]Entry, 0, len(vm.Steps))
	for _, e := range vm.Steps {
		if e.Revealed {
			out = append(out, e)
		}
	}
	return out
}
