package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/jo-hoe/adgen/internal/common"
	"github.com/jo-hoe/adgen/internal/metrics"
)

var _ Transport = (*WebSocket)(nil)

// WebSocket is the push transport. It connects to the backend's per-job
// socket, which sends the current state on connect, a snapshot on every
// change and a ping frame every 30 seconds.
type WebSocket struct {
	BaseURL        string // http(s) root of the backend
	Token          string
	MaxMessageSize int64
	HTTPClient     *http.Client
	Log            *slog.Logger
	Metrics        *metrics.Recorder
}

// SocketURL derives the ws(s) URL of a job's socket from an http(s) base URL.
func SocketURL(baseURL, jobID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.JoinPath(fmt.Sprintf(common.PathPipelineSocket, url.PathEscape(jobID))).String(), nil
}

// Open dials the job's socket. Dial failures are returned directly; later
// failures arrive as EventError.
func (w *WebSocket) Open(ctx context.Context, jobID string) (Channel, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("job id is required")
	}
	u, err := SocketURL(w.BaseURL, jobID)
	if err != nil {
		return nil, err
	}
	log := w.logger().With("job_id", jobID, "conn", "push")

	opts := &websocket.DialOptions{HTTPClient: w.HTTPClient}
	if strings.TrimSpace(w.Token) != "" {
		opts.HTTPHeader = http.Header{}
		opts.HTTPHeader.Set(common.HeaderAuthorization, common.AuthSchemeBearer+" "+w.Token)
	}
	conn, resp, err := websocket.Dial(ctx, u, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		w.Metrics.TransportEvent(metrics.TransportDialFailed)
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	limit := w.MaxMessageSize
	if limit <= 0 {
		limit = common.DefaultMaxMessageSize
	}
	conn.SetReadLimit(limit)
	w.Metrics.TransportEvent(metrics.TransportOpened)
	log.Debug("socket connected", "url", u)

	s := newStream(ctx)
	s.start(func() {
		defer func() { _ = conn.CloseNow() }()
		w.read(s, conn, log)
	})
	return s, nil
}

func (w *WebSocket) read(s *stream, conn *websocket.Conn, log *slog.Logger) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				log.Debug("socket closed locally")
				w.Metrics.TransportEvent(metrics.TransportClosed)
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("socket closed by server")
				w.Metrics.TransportEvent(metrics.TransportClosedByServer)
				_ = s.emit(Event{Kind: EventClosedByServer})
			default:
				log.Warn("socket lost", "err", err)
				w.Metrics.TransportEvent(metrics.TransportLost)
				_ = s.emit(Event{Kind: EventError, Err: fmt.Errorf("read: %w", err)})
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			log.Warn("dropping undecodable frame", "err", err)
			w.Metrics.SnapshotDropped(metrics.ReasonUndecodable)
			continue
		}
		if msg.Keepalive {
			w.Metrics.Keepalive()
			continue
		}
		if err := s.emit(Event{Kind: EventSnapshot, Snapshot: msg.Snapshot}); err != nil {
			return
		}
	}
}

func (w *WebSocket) logger() *slog.Logger {
	if w.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w.Log
}
