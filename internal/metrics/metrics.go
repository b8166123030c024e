package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricSnapshotsApplied counts snapshots that changed the view model.
	MetricSnapshotsApplied = "adgen_snapshots_applied_total"
	// MetricSnapshotsDropped counts snapshots rejected by the reconciler or
	// the transport, by reason.
	MetricSnapshotsDropped = "adgen_snapshots_dropped_total"
	// MetricKeepalives counts keepalive messages filtered by a channel.
	MetricKeepalives = "adgen_keepalives_total"
	// MetricTransportEvents counts channel lifecycle events by kind.
	MetricTransportEvents = "adgen_transport_events_total"
	// MetricSubmissions counts job submissions by outcome.
	MetricSubmissions = "adgen_submissions_total"
	// MetricStalls counts jobs flagged as stalled.
	MetricStalls = "adgen_stalls_total"
)

// Drop reasons.
const (
	ReasonMalformed   = "malformed"
	ReasonUnknownStep = "unknown_step"
	ReasonJobMismatch = "job_mismatch"
	ReasonTerminal    = "terminal"
	ReasonStale       = "stale_connection"
	ReasonUndecodable = "undecodable"
)

// Transport event kinds.
const (
	TransportOpened         = "opened"
	TransportDialFailed     = "dial_failed"
	TransportClosed         = "closed"
	TransportClosedByServer = "closed_by_server"
	TransportLost           = "lost"
	TransportReconnect      = "reconnect"
)

// Submission results.
const (
	SubmissionAccepted = "accepted"
	SubmissionRejected = "rejected"
	SubmissionFailed   = "failed"
)

// Recorder holds the sync engine counters. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	snapshotsApplied prometheus.Counter
	snapshotsDropped *prometheus.CounterVec
	keepalives       prometheus.Counter
	transportEvents  *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	stalls           prometheus.Counter
}

// New creates a Recorder and registers its collectors with reg. A nil reg
// leaves the collectors unregistered.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		snapshotsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSnapshotsApplied,
			Help: "Total number of pipeline snapshots applied to a view model",
		}),
		snapshotsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSnapshotsDropped,
			Help: "Total number of pipeline snapshots or step entries dropped, by reason",
		}, []string{"reason"}),
		keepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricKeepalives,
			Help: "Total number of keepalive messages filtered by transport channels",
		}),
		transportEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTransportEvents,
			Help: "Total number of transport channel events, by kind",
		}, []string{"kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSubmissions,
			Help: "Total number of job submissions, by result",
		}, []string{"result"}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricStalls,
			Help: "Total number of jobs flagged as stalled",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.snapshotsApplied,
			r.snapshotsDropped,
			r.keepalives,
			r.transportEvents,
			r.submissions,
			r.stalls,
		)
	}
	return r
}

func (r *Recorder) SnapshotApplied() {
	if r == nil {
		return
	}
	r.snapshotsApplied.Inc()
}

func (r *Recorder) SnapshotDropped(reason string) {
	if r == nil {
		return
	}
	r.snapshotsDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) Keepalive() {
	if r == nil {
		return
	}
	r.keepalives.Inc()
}

func (r *Recorder) TransportEvent(kind string) {
	if r == nil {
		return
	}
	r.transportEvents.WithLabelValues(kind).Inc()
}

func (r *Recorder) Submission(result string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(result).Inc()
}

func (r *Recorder) Stall() {
	if r == nil {
		return
	}
	r.stalls.Inc()
}
