package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/metrics"
	"github.com/jo-hoe/adgen/internal/pipeline"
)

var _ Transport = (*Poller)(nil)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxFailures  = 3
)

// StatusFetcher returns the current snapshot of a job.
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (*pipeline.Snapshot, error)
}

// Poller is the pull transport. It fetches the job status at a fixed pace
// and emits a snapshot only when it differs from the previous one. After a
// terminal snapshot it reports EventClosedByServer.
type Poller struct {
	Client   StatusFetcher
	Interval time.Duration
	// MaxFailures is the number of consecutive retryable fetch failures
	// tolerated before the channel reports EventError.
	MaxFailures int
	Log         *slog.Logger
	Metrics     *metrics.Recorder
}

// Open starts polling jobID. The first fetch happens immediately.
func (p *Poller) Open(ctx context.Context, jobID string) (Channel, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("job id is required")
	}
	if p.Client == nil {
		return nil, errors.New("poller has no status client")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxFailures := p.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	log := p.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("job_id", jobID, "conn", "poll")

	p.Metrics.TransportEvent(metrics.TransportOpened)
	s := newStream(ctx)
	s.start(func() {
		p.poll(s, jobID, rate.NewLimiter(rate.Every(interval), 1), maxFailures, log)
	})
	return s, nil
}

func (p *Poller) poll(s *stream, jobID string, limiter *rate.Limiter, maxFailures int, log *slog.Logger) {
	var last *pipeline.Snapshot
	failures := 0
	for {
		if err := limiter.Wait(s.ctx); err != nil {
			p.Metrics.TransportEvent(metrics.TransportClosed)
			return
		}
		snap, err := p.Client.Status(s.ctx, jobID)
		if err != nil {
			if s.ctx.Err() != nil {
				p.Metrics.TransportEvent(metrics.TransportClosed)
				return
			}
			failures++
			if api.IsRetryable(err) && failures < maxFailures {
				log.Debug("status poll failed", "attempt", failures, "err", err)
				continue
			}
			log.Warn("status polling lost", "attempts", failures, "err", err)
			p.Metrics.TransportEvent(metrics.TransportLost)
			_ = s.emit(Event{Kind: EventError, Err: fmt.Errorf("poll status: %w", err)})
			return
		}
		failures = 0

		if last == nil || !reflect.DeepEqual(last, snap) {
			if err := s.emit(Event{Kind: EventSnapshot, Snapshot: snap}); err != nil {
				return
			}
			last = snap
		}
		if snap.Status.Terminal() {
			log.Debug("job finished, polling stopped", "status", snap.Status)
			p.Metrics.TransportEvent(metrics.TransportClosedByServer)
			_ = s.emit(Event{Kind: EventClosedByServer})
			return
		}
	}
}
