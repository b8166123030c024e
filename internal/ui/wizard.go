package ui

import (
	"strconv"
	"strings"

	"github.com/jo-hoe/adgen/internal/wizard"
)

// Wizard renders the controller state: the current stage, the job and its
// channel, and the checklist once a job is known.
func Wizard(s wizard.State) string {
	pairs := []Pair{KV("stage", Bold(string(s.Stage)))}
	if s.ContentID != "" {
		pairs = append(pairs, KV("content", s.ContentID))
	}
	if s.HasOptions {
		pairs = append(pairs, KV("style", s.Options.Style))
	}
	if s.JobID != "" {
		pairs = append(pairs,
			KV("job", Accent(s.JobID)),
			KV("attempt", strconv.Itoa(s.Attempt)),
			KV("channel", connLabel(s.Conn)),
		)
	}

	var sb strings.Builder
	sb.WriteString(KeyValues("", pairs...))
	if s.Submitting {
		sb.WriteString(InfoMsg("submitting job") + "\n")
	}
	if s.SubmitErr != nil {
		sb.WriteString(ErrorMsg("submission failed: %v", s.SubmitErr) + "\n")
	}
	if s.Stalled {
		sb.WriteString(WarnMsg("no progress received for a while, the job may be stuck") + "\n")
	}
	if s.Conn == wizard.ConnLost && s.ConnErr != nil {
		sb.WriteString(WarnMsg("progress channel lost: %v", s.ConnErr) + "\n")
	}
	if s.Stage == wizard.StageAwaitGeneration || s.Terminal() {
		sb.WriteString(Checklist(s.View))
	}
	return sb.String()
}

func connLabel(c wizard.ConnState) string {
	switch c {
	case wizard.ConnConnected:
		return SuccessStyle.Render(string(c))
	case wizard.ConnLost:
		return WarnStyle.Render(string(c))
	default:
		return Muted(string(c))
	}
}
