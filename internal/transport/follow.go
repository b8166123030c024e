package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/config"
	"github.com/jo-hoe/adgen/internal/metrics"
	"github.com/jo-hoe/adgen/internal/pipeline"
)

// NewBackOff builds the exponential backoff described by policy.
func NewBackOff(policy config.ReconnectPolicy) backoff.BackOff {
	opts := []backoff.ExponentialBackOffOpts{}
	if policy.InitialInterval > 0 {
		opts = append(opts, backoff.WithInitialInterval(policy.InitialInterval))
	}
	if policy.MaxInterval > 0 {
		opts = append(opts, backoff.WithMaxInterval(policy.MaxInterval))
	}
	opts = append(opts, backoff.WithMaxElapsedTime(policy.MaxElapsedTime))
	return backoff.NewExponentialBackOff(opts...)
}

// shared lets a retry helper draw intervals from a backoff without
// restarting it.
type shared struct {
	backoff.BackOff
}

func (shared) Reset() {}

// Follow opens jobID on t and reopens it whenever it is lost before the job
// finished. Reconnects follow policy; once it gives up the returned channel
// reports the last error. A server close after a terminal snapshot ends the
// channel normally.
func Follow(ctx context.Context, t Transport, jobID string, policy config.ReconnectPolicy, log *slog.Logger, m *metrics.Recorder) Channel {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("job_id", jobID)
	s := newStream(ctx)
	s.start(func() {
		f := follower{s: s, t: t, jobID: jobID, log: log, metrics: m}
		f.run(NewBackOff(policy))
	})
	return s
}

type follower struct {
	s       *stream
	t       Transport
	jobID   string
	log     *slog.Logger
	metrics *metrics.Recorder

	finished bool               // last forwarded snapshot was terminal
	last     *pipeline.Snapshot // last forwarded snapshot, across connections
}

func (f *follower) run(b backoff.BackOff) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			f.metrics.TransportEvent(metrics.TransportReconnect)
		}
		ch, err := backoff.RetryNotifyWithData(func() (Channel, error) {
			ch, err := f.t.Open(f.s.ctx, f.jobID)
			if err != nil && !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return ch, err
		}, backoff.WithContext(shared{b}, f.s.ctx), func(err error, wait time.Duration) {
			f.log.Warn("open failed, retrying", "err", err, "wait", wait)
		})
		if err != nil {
			if f.s.ctx.Err() == nil {
				_ = f.s.emit(Event{Kind: EventError, Err: fmt.Errorf("open channel: %w", err)})
			}
			return
		}

		lost, done := f.forward(ch, b)
		_ = ch.Close()
		if done {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			_ = f.s.emit(Event{Kind: EventError, Err: fmt.Errorf("giving up reconnecting: %w", lost)})
			return
		}
		f.log.Warn("channel lost, reconnecting", "err", lost, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-f.s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// forward relays ch until it ends. It reports the reason the channel was
// lost, or done when the follow loop must stop. The backoff restarts only
// when a snapshot differs from the last one forwarded, so a backend that
// resends the same state on every connect still exhausts the policy.
func (f *follower) forward(ch Channel, b backoff.BackOff) (lost error, done bool) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case EventSnapshot:
			if !reflect.DeepEqual(f.last, ev.Snapshot) {
				b.Reset()
				f.last = ev.Snapshot
			}
			f.finished = ev.Snapshot != nil && ev.Snapshot.Status.Terminal()
			if err := f.s.emit(ev); err != nil {
				return nil, true
			}
		case EventClosedByServer:
			if f.finished {
				_ = f.s.emit(ev)
				return nil, true
			}
			return errors.New("server closed the channel before the job finished"), false
		case EventError:
			return ev.Err, false
		}
	}
	if f.s.ctx.Err() != nil {
		return nil, true
	}
	return errors.New("channel ended without a final event"), false
}

// retryable reports whether reopening after err may succeed. Backend
// rejections such as unknown jobs or bad credentials are final.
func retryable(err error) bool {
	if kind := api.KindOf(err); kind != "" {
		return api.IsRetryable(err)
	}
	return true
}
