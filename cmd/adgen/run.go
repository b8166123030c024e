package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/config"
	"github.com/jo-hoe/adgen/internal/reconcile"
	"github.com/jo-hoe/adgen/internal/transport"
	"github.com/jo-hoe/adgen/internal/ui"
	"github.com/jo-hoe/adgen/internal/wizard"
)

func runCmd(a *app) *cobra.Command {
	var (
		contentID   string
		style       string
		prompt      string
		model       int
		adInputs    map[string]string
		metricsAddr string
		noReconnect bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a job for an uploaded product image and follow it until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := a.client()
			if contentID == "" {
				contents, err := client.Contents(ctx)
				if err != nil {
					return fmt.Errorf("list contents: %w", err)
				}
				fmt.Print(ui.Contents(contents))
				return errors.New("--content is required, pick one of the ids above")
			}

			m := a.metrics(ctx, metricsAddr)
			// History outlives an interrupt so the abandoned job is recorded.
			recorder, closeHistory, err := a.history(context.Background())
			if err != nil {
				return err
			}
			defer closeHistory()

			c, err := wizard.New(wizard.Config{StallTimeout: a.cfg.Transport.StallTimeout}, wizard.Deps{
				Submitter:  client,
				Transport:  a.transport(client, m),
				Reconciler: a.reconciler(m),
				Recorder:   recorder,
				Log:        a.log,
				Metrics:    m,
			})
			if err != nil {
				return err
			}
			loopCtx, cancelLoop := context.WithCancel(context.Background())
			go func() { _ = c.Run(loopCtx) }()
			defer func() {
				cancelLoop()
				<-c.Done()
			}()

			if err := c.SelectInput(ctx, contentID); err != nil {
				return err
			}
			opts := wizard.Options{Style: style, UserPrompt: prompt, AdInputs: adInputs}
			if cmd.Flags().Changed("model") {
				opts.ModelIndex = &model
			}
			if err := c.SelectOptions(ctx, opts); err != nil {
				return err
			}

			policy := a.cfg.Transport.Reconnect
			jobID, err := submit(ctx, c, policy)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			fmt.Println(ui.InfoMsg("job %s accepted", jobID))

			err = follow(ctx, c, policy, !noReconnect)
			if ctx.Err() != nil {
				resetCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = c.Reset(resetCtx)
				fmt.Println(ui.WarnMsg("interrupted, stopped following job %s", jobID))
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&contentID, "content", "", "Content id of the uploaded product image")
	cmd.Flags().StringVar(&style, "style", "resort", "Ad style: resort, retro or romantic")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Additional prompt for the generation")
	cmd.Flags().IntVar(&model, "model", 0, "Index of the virtual model to fit")
	cmd.Flags().StringToStringVar(&adInputs, "ad-input", nil, "Ad directives as key=value (e.g. discount=40% OFF)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "Fail instead of reconnecting when the progress channel is lost")
	return cmd
}

// submit sends the job and retries retryable failures with backoff.
func submit(ctx context.Context, c *wizard.Controller, policy config.ReconnectPolicy) (string, error) {
	first := true
	op := func() (string, error) {
		var (
			id  string
			err error
		)
		if first {
			first = false
			id, err = c.Submit(ctx)
		} else {
			id, err = c.Retry(ctx)
		}
		if err != nil && !api.IsRetryable(err) {
			return "", backoff.Permanent(err)
		}
		return id, err
	}
	notify := func(err error, d time.Duration) {
		fmt.Fprintln(os.Stderr, ui.WarnMsg("submission failed (%v), retrying in %s", err, d.Round(time.Millisecond)))
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(transport.NewBackOff(policy), ctx), notify)
}

// follow renders controller updates until the job ends. A lost channel is
// reopened with backoff unless autoReconnect is off.
func follow(ctx context.Context, c *wizard.Controller, policy config.ReconnectPolicy, autoReconnect bool) error {
	p := &printer{out: os.Stdout}
	r := &reconnector{policy: policy}
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return wizard.ErrStopped
		case <-retry:
			retry = nil
			if err := c.Reconnect(ctx); err != nil && !errors.Is(err, wizard.ErrNotAllowed) {
				return err
			}
		case s := <-c.Updates():
			p.Print(s)
			r.observe(s.View)
			switch {
			case s.Stage == wizard.StageTerminalSuccess:
				return nil
			case s.Stage == wizard.StageTerminalFailed:
				return fmt.Errorf("job %s failed: %s", s.JobID, s.View.TerminalError)
			case s.Conn == wizard.ConnLost && s.CanReconnect && retry == nil:
				if !autoReconnect {
					return fmt.Errorf("progress channel lost: %w", s.ConnErr)
				}
				d := r.lost(s.View)
				if d == backoff.Stop {
					return fmt.Errorf("giving up reconnecting: %w", s.ConnErr)
				}
				fmt.Fprintln(os.Stderr, ui.WarnMsg("reconnecting in %s", d.Round(time.Millisecond)))
				retry = time.After(d)
			}
		}
	}
}

// reconnector paces reconnects of one job. A backoff round starts at the
// first loss and ends only when the job makes progress; snapshots that
// repeat the state seen at the loss do not end it.
type reconnector struct {
	policy config.ReconnectPolicy
	b      backoff.BackOff
	mark   string
}

// lost returns the wait before the next reconnect, or backoff.Stop.
func (r *reconnector) lost(vm reconcile.ViewModel) time.Duration {
	if r.b == nil {
		r.b = transport.NewBackOff(r.policy)
		r.mark = progressMark(vm)
	}
	return r.b.NextBackOff()
}

func (r *reconnector) observe(vm reconcile.ViewModel) {
	if r.b != nil && progressMark(vm) != r.mark {
		r.b = nil
	}
}

// progressMark summarizes what a snapshot can advance.
func progressMark(vm reconcile.ViewModel) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%d", vm.Status, vm.Progress)
	for _, e := range vm.Steps {
		sb.WriteString("/" + string(e.State.Status))
	}
	return sb.String()
}
