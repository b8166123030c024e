package jobs

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a job id.
var ErrNotFound = errors.New("job not found")

// Outcome is how a submitted job ended, as far as this client observed it.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned" // reset before the job finished
)

// Record is one submitted pipeline run in the local history.
type Record struct {
	JobID        string            // backend job id
	ContentID    string            // product image the ad was generated for
	Style        string            // resort|retro|romantic
	ModelIndex   *int              // optional virtual model
	UserPrompt   *string           // optional free-form prompt
	AdInputs     map[string]string // optional ad directives (discount, brand, ...)
	Attempt      int               // 1 for the first submission, incremented by retries
	Outcome      Outcome           // current outcome
	FailedStep   *string           // step that failed, if known
	ErrorMessage *string           // terminal error, if any
	ResultRef    *string           // final image reference on success
	SubmittedAt  time.Time         // when the backend accepted the job
	CompletedAt  *time.Time        // when a terminal state was observed
}

// Store defines persistence for the job history.
type Store interface {
	CreateRecord(rec *Record) error
	SaveSuccess(jobID, resultRef string, completedAt time.Time) error
	SaveFailure(jobID, failedStep, errMsg string, completedAt time.Time) error
	SaveAbandoned(jobID string, at time.Time) error
	GetRecord(jobID string) (*Record, error)
	ListRecords(limit int) ([]Record, error)
	Close() error
}
