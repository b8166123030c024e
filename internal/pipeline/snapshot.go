package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedSnapshot is returned for snapshots that cannot be applied.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Status is the overall status of a job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the known job statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Snapshot is a full point-in-time report of a job. Each snapshot supersedes
// earlier ones for every step it contains.
type Snapshot struct {
	JobID          string                `json:"job_id"`
	Status         Status                `json:"status"`
	CurrentStep    int                   `json:"current_step"`
	Steps          map[StepKey]StepState `json:"steps"`
	Error          string                `json:"error,omitempty"`
	ErrorStep      *int                  `json:"error_step,omitempty"`
	FinalResultRef string                `json:"final_image_url,omitempty"`
	UpdatedAt      *Timestamp            `json:"updated_at,omitempty"`
}

// Validate checks the fields every snapshot must carry. Step entries are
// checked by ValidateSteps. The returned error wraps ErrMalformedSnapshot.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrMalformedSnapshot)
	}
	if strings.TrimSpace(s.JobID) == "" {
		return fmt.Errorf("%w: job_id is required", ErrMalformedSnapshot)
	}
	if s.Status == "" {
		return fmt.Errorf("%w: status is required", ErrMalformedSnapshot)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrMalformedSnapshot, s.Status)
	}
	if s.CurrentStep < 0 {
		return fmt.Errorf("%w: negative current_step %d", ErrMalformedSnapshot, s.CurrentStep)
	}
	return nil
}

// ValidateSteps checks the step entries whose keys belong to c. Entries for
// unknown steps are left alone.
func (s *Snapshot) ValidateSteps(c Catalogue) error {
	for key, st := range s.Steps {
		if !c.Contains(key) {
			continue
		}
		if !st.Status.Valid() {
			return fmt.Errorf("%w: step %s has unknown status %q", ErrMalformedSnapshot, key, st.Status)
		}
		if st.StartedAt != nil && st.CompletedAt != nil && st.CompletedAt.Before(st.StartedAt.Time) {
			return fmt.Errorf("%w: step %s completed before it started", ErrMalformedSnapshot, key)
		}
	}
	return nil
}

// ErrorStepKey resolves the failed step, preferring error_step and falling
// back to the first step reported as failed in catalogue order.
func (s *Snapshot) ErrorStepKey(c Catalogue) (StepKey, bool) {
	if s.ErrorStep != nil {
		if key, ok := c.KeyAt(*s.ErrorStep); ok {
			return key, true
		}
	}
	for _, info := range c {
		if st, ok := s.Steps[info.Key]; ok && st.Status == StepFailed {
			return info.Key, true
		}
	}
	return "", false
}
