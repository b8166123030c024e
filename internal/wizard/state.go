package wizard

import (
	"maps"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/reconcile"
)

// Stage is a step of the wizard.
type Stage string

const (
	StageSelectInput     Stage = "select-input"
	StageSelectOptions   Stage = "select-options"
	StageAwaitGeneration Stage = "await-generation"
	StageTerminalSuccess Stage = "terminal-success"
	StageTerminalFailed  Stage = "terminal-failed"
)

// ConnState describes the progress channel of the current job.
type ConnState string

const (
	ConnIdle       ConnState = "idle"
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnLost       ConnState = "lost"
	ConnClosed     ConnState = "closed"
)

// Options are the generation choices made in select-options.
type Options struct {
	Style      string
	ModelIndex *int
	UserPrompt string
	AdInputs   map[string]string
}

func (o Options) clone() Options {
	out := o
	if o.ModelIndex != nil {
		v := *o.ModelIndex
		out.ModelIndex = &v
	}
	out.AdInputs = maps.Clone(o.AdInputs)
	return out
}

// State is a snapshot of the wizard as published to the UI.
type State struct {
	Stage      Stage
	ContentID  string
	Options    Options
	HasOptions bool

	JobID   string
	Attempt int // submissions of the current selections so far
	View    reconcile.ViewModel

	Submitting bool
	SubmitErr  error

	Conn    ConnState
	ConnErr error
	Stalled bool

	CanRetry     bool
	CanReconnect bool
}

// Request builds the job request from the current selections.
func (s State) Request() api.JobRequest {
	return api.JobRequest{
		ContentID:  s.ContentID,
		Style:      s.Options.Style,
		ModelIndex: s.Options.ModelIndex,
		UserPrompt: s.Options.UserPrompt,
		AdInputs:   s.Options.AdInputs,
	}.Clone()
}

// Terminal reports whether the wizard reached one of the terminal stages.
func (s State) Terminal() bool {
	return s.Stage == StageTerminalSuccess || s.Stage == StageTerminalFailed
}

func (s State) clone() State {
	out := s
	out.Options = s.Options.clone()
	out.View = s.View.Clone()
	return out
}
