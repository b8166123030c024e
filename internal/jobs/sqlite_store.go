package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/adgen/internal/common"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the Store backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and creates the schema if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY when several clients share the file.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_history (
		job_id TEXT PRIMARY KEY,
		content_id TEXT NOT NULL,
		style TEXT NOT NULL,
		model_index INTEGER,
		user_prompt TEXT,
		ad_inputs_json TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		outcome TEXT NOT NULL,
		failed_step TEXT,
		error_message TEXT,
		result_ref TEXT,
		submitted_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_job_history_submitted_at ON job_history (submitted_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRecord(rec *Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if rec.JobID == "" {
		return errors.New("record.JobID is required")
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomePending
	}
	if rec.Attempt <= 0 {
		rec.Attempt = 1
	}
	var inputs *string
	if len(rec.AdInputs) > 0 {
		b, err := json.Marshal(rec.AdInputs)
		if err != nil {
			return fmt.Errorf("marshal ad inputs: %w", err)
		}
		v := string(b)
		inputs = &v
	}
	var prompt *string
	if rec.UserPrompt != nil && *rec.UserPrompt != "" {
		prompt = rec.UserPrompt
	}

	_, err := s.db.Exec(
		`INSERT INTO job_history (job_id, content_id, style, model_index, user_prompt, ad_inputs_json, attempt, outcome, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.ContentID, rec.Style, rec.ModelIndex, prompt, inputs, rec.Attempt, string(rec.Outcome),
		rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSuccess(jobID, resultRef string, completedAt time.Time) error {
	return s.finish(jobID, `UPDATE job_history
		SET outcome = ?, result_ref = ?, failed_step = NULL, error_message = NULL, completed_at = ?
		WHERE job_id = ?`,
		string(OutcomeSucceeded), nullable(resultRef), completedAt.UTC().Format(time.RFC3339Nano), jobID,
	)
}

func (s *SQLiteStore) SaveFailure(jobID, failedStep, errMsg string, completedAt time.Time) error {
	return s.finish(jobID, `UPDATE job_history
		SET outcome = ?, failed_step = ?, error_message = ?, completed_at = ?
		WHERE job_id = ?`,
		string(OutcomeFailed), nullable(failedStep), nullable(errMsg), completedAt.UTC().Format(time.RFC3339Nano), jobID,
	)
}

// SaveAbandoned marks a job that was left before it finished. Jobs that
// already ended keep their outcome.
func (s *SQLiteStore) SaveAbandoned(jobID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE job_history SET outcome = ?, completed_at = ? WHERE job_id = ? AND outcome = ?`,
		string(OutcomeAbandoned), at.UTC().Format(time.RFC3339Nano), jobID, string(OutcomePending))
	if err != nil {
		return fmt.Errorf("save abandoned: %w", err)
	}
	return nil
}

func (s *SQLiteStore) finish(jobID, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save outcome for %s: %w", jobID, ErrNotFound)
	}
	return nil
}

const selectColumns = `SELECT job_id, content_id, style, model_index, user_prompt, ad_inputs_json, attempt, outcome,
	failed_step, error_message, result_ref, submitted_at, completed_at FROM job_history`

func (s *SQLiteStore) GetRecord(jobID string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+` WHERE job_id = ?`, jobID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListRecords returns the newest records first. A limit <= 0 returns all.
func (s *SQLiteStore) ListRecords(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(selectColumns+` ORDER BY submitted_at DESC, job_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var modelIndex sql.NullInt64
	var prompt, inputs, failedStep, errMsg, resultRef, completed sql.NullString
	var outcome, submitted string

	if err := sc.Scan(
		&rec.JobID,
		&rec.ContentID,
		&rec.Style,
		&modelIndex,
		&prompt,
		&inputs,
		&rec.Attempt,
		&outcome,
		&failedStep,
		&errMsg,
		&resultRef,
		&submitted,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	if modelIndex.Valid {
		v := int(modelIndex.Int64)
		rec.ModelIndex = &v
	}
	rec.UserPrompt = stringPtr(prompt)
	if inputs.Valid && inputs.String != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(inputs.String), &m); err == nil {
			rec.AdInputs = m
		}
	}
	rec.Outcome = Outcome(outcome)
	rec.FailedStep = stringPtr(failedStep)
	rec.ErrorMessage = stringPtr(errMsg)
	rec.ResultRef = stringPtr(resultRef)
	if t, err := time.Parse(time.RFC3339Nano, submitted); err == nil {
		rec.SubmittedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			rec.CompletedAt = &t
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
