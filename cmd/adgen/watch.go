package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/adgen/internal/reconcile"
	"github.com/jo-hoe/adgen/internal/transport"
	"github.com/jo-hoe/adgen/internal/ui"
)

func watchCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow the progress of an existing job, reconnecting when the channel drops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			jobID := args[0]

			client := a.client()
			m := a.metrics(ctx, metricsAddr)
			rec := a.reconciler(m)
			ch := transport.Follow(ctx, a.transport(client, m), jobID, a.cfg.Transport.Reconnect, a.log, m)
			defer func() { _ = ch.Close() }()

			stallTimeout := a.cfg.Transport.StallTimeout
			var stall <-chan time.Time
			if stallTimeout > 0 {
				stall = time.After(stallTimeout)
			}

			vm := rec.Initial(jobID)
			for {
				select {
				case <-stall:
					fmt.Println(ui.WarnMsg("no progress for %s, the job may be stuck", stallTimeout))
					stall = nil
				case ev, ok := <-ch.Events():
					if !ok {
						if ctx.Err() != nil {
							return nil
						}
						return outcome(vm)
					}
					switch ev.Kind {
					case transport.EventSnapshot:
						next, err := rec.Apply(vm, ev.Snapshot)
						if err != nil {
							continue
						}
						vm = next
						fmt.Println(ui.Checklist(vm))
						if vm.IsTerminal() {
							return outcome(vm)
						}
						if stallTimeout > 0 {
							stall = time.After(stallTimeout)
						}
					case transport.EventError:
						return fmt.Errorf("follow job %s: %w", jobID, ev.Err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// outcome turns the final view into the command result.
func outcome(vm reconcile.ViewModel) error {
	switch vm.Terminal {
	case reconcile.TerminalSuccess:
		return nil
	case reconcile.TerminalFailed:
		return fmt.Errorf("job %s failed: %s", vm.JobID, vm.TerminalError)
	}
	return errors.New("progress channel closed before the job finished")
}
