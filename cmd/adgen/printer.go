package main

import (
	"fmt"
	"io"

	"github.com/jo-hoe/adgen/internal/ui"
	"github.com/jo-hoe/adgen/internal/wizard"
)

// printer writes a wizard state whenever something visible changed.
type printer struct {
	out  io.Writer
	last string
}

type printKey struct {
	stage      wizard.Stage
	conn       wizard.ConnState
	revision   int
	stalled    bool
	submitting bool
	submitErr  bool
}

func (p *printer) Print(s wizard.State) bool {
	key := fmt.Sprint(printKey{
		stage:      s.Stage,
		conn:       s.Conn,
		revision:   s.View.Revision,
		stalled:    s.Stalled,
		submitting: s.Submitting,
		submitErr:  s.SubmitErr != nil,
	})
	if key == p.last {
		return false
	}
	p.last = key
	fmt.Fprintln(p.out, ui.Wizard(s))
	return true
}
