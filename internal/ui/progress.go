package ui

import (
	"fmt"
	"strings"

	"github.com/jo-hoe/adgen/internal/pipeline"
	"github.com/jo-hoe/adgen/internal/reconcile"
)

const barWidth = 30

// stepMarker is the plain-text marker for a step status.
func stepMarker(s pipeline.StepStatus) string {
	switch s {
	case pipeline.StepRunning:
		return "[->]"
	case pipeline.StepSuccess:
		return "[ok]"
	case pipeline.StepFailed:
		return "[x]"
	case pipeline.StepSkipped:
		return "[--]"
	default:
		return "[ ]"
	}
}

// formatStepLine renders one checklist row without styling.
func formatStepLine(e reconcile.Entry) string {
	line := "  " + stepMarker(e.State.Status) + " " + e.Label
	if e.State.Status == pipeline.StepFailed && e.State.Error != "" {
		line += " (" + e.State.Error + ")"
	}
	return line
}

func styleStepLine(e reconcile.Entry) string {
	line := formatStepLine(e)
	switch e.State.Status {
	case pipeline.StepSuccess:
		return SuccessStyle.Render(line)
	case pipeline.StepFailed:
		return ErrorStyle.Render(line)
	case pipeline.StepRunning:
		return AccentStyle.Render(line)
	case pipeline.StepPending, pipeline.StepSkipped:
		return MutedStyle.Render(line)
	}
	return line
}

// ProgressBar renders pct (0..100) as a fixed-width bar.
func ProgressBar(pct, width int) string {
	pct = min(max(pct, 0), 100)
	if width <= 0 {
		width = barWidth
	}
	filled := pct * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]" + fmt.Sprintf(" %3d%%", pct)
}

// Checklist renders the revealed steps of vm, its progress and, once the job
// ended, the outcome. The result ends with a newline.
func Checklist(vm reconcile.ViewModel) string {
	var sb strings.Builder
	sb.WriteString(ProgressBar(vm.Progress, barWidth) + "\n")
	for _, e := range vm.Revealed() {
		sb.WriteString(styleStepLine(e) + "\n")
	}
	switch vm.Terminal {
	case reconcile.TerminalSuccess:
		sb.WriteString(SuccessMsg("ad ready: %s", vm.FinalResultRef) + "\n")
	case reconcile.TerminalFailed:
		if vm.FailedStep != "" {
			sb.WriteString(ErrorMsg("generation failed at %s: %s", vm.FailedStep, vm.TerminalError) + "\n")
		} else {
			sb.WriteString(ErrorMsg("generation failed: %s", vm.TerminalError) + "\n")
		}
	}
	return sb.String()
}
