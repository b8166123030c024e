package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/adgen/internal/common"
	"github.com/jo-hoe/adgen/internal/config"
	"github.com/jo-hoe/adgen/internal/pipeline"
	"github.com/jo-hoe/adgen/internal/util"
)

const defaultTimeout = 180 * time.Second

// Client talks to the ad generation backend over REST.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        *slog.Logger
}

// New creates a backend client. A nil logger discards output.
func New(cfg config.BackendSettings, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		log:        log,
	}
}

// BaseURL returns the backend root the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token sent with every request.
func (c *Client) Token() string {
	return c.token
}

// Submit starts a pipeline run and returns the accepted job.
func (c *Client) Submit(ctx context.Context, req JobRequest) (JobAccepted, error) {
	if err := req.Validate(); err != nil {
		return JobAccepted{}, err
	}
	var out JobAccepted
	if err := c.do(ctx, http.MethodPost, common.PathPipelineRun, req, &out); err != nil {
		return JobAccepted{}, err
	}
	if strings.TrimSpace(out.JobID) == "" {
		return JobAccepted{}, &Error{Kind: KindServer, Message: "response carries no job_id"}
	}
	c.log.Info("job submitted", "job_id", out.JobID, "content_id", req.ContentID, "style", req.Style)
	return out, nil
}

// Status fetches the current snapshot of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*pipeline.Snapshot, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, validationError("job id is required")
	}
	var snap pipeline.Snapshot
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf(common.PathPipelineStatus, url.PathEscape(jobID)), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Contents lists the uploaded products a job can be run for.
func (c *Client) Contents(ctx context.Context) ([]Content, error) {
	var out []Content
	if err := c.do(ctx, http.MethodGet, common.PathContents, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return &Error{Kind: KindValidation, Message: "join url", Err: err}
	}

	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Message: "marshal request", Err: err}
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &Error{Kind: KindValidation, Message: "new request", Err: err}
	}
	requestID := util.NewID()
	req.Header.Set(common.HeaderAccept, common.ContentTypeJSON)
	req.Header.Set(common.HeaderRequestID, requestID)
	if body != nil {
		req.Header.Set(common.HeaderContentType, common.ContentTypeJSON)
	}
	if strings.TrimSpace(c.token) != "" {
		req.Header.Set(common.HeaderAuthorization, common.AuthSchemeBearer+" "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransport, Message: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransport, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := statusError(resp.StatusCode, respBytes)
		c.log.Debug("backend request failed", "method", method, "path", path, "request_id", requestID, "status", resp.StatusCode, "err", apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return &Error{Kind: KindServer, StatusCode: resp.StatusCode, Message: "parse response: " + truncate(string(respBytes), common.ErrorSnippetLimit), Err: err}
	}
	return nil
}

func statusError(code int, body []byte) *Error {
	e := &Error{StatusCode: code, Message: detail(body)}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = KindAuth
	case code >= http.StatusInternalServerError:
		e.Kind = KindServer
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		e.Kind = KindServer
	default:
		e.Kind = KindValidation
	}
	return e
}

// detail extracts FastAPI's "detail" field, which is either a string or a
// list of validation issues, falling back to a snippet of the raw body.
func detail(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Detail != nil {
		switch d := eb.Detail.(type) {
		case string:
			return d
		case []any:
			msgs := make([]string, 0, len(d))
			for _, item := range d {
				if m, ok := item.(map[string]any); ok {
					if msg, ok := m["msg"].(string); ok {
						msgs = append(msgs, msg)
					}
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)), common.ErrorSnippetLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
