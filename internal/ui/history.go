package ui

import (
	"strconv"
	"time"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/jobs"
)

// History renders past submissions, newest first as given.
func History(records []jobs.Record) string {
	if len(records) == 0 {
		return Muted("no jobs recorded yet") + "\n"
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		detail := ""
		switch r.Outcome {
		case jobs.OutcomeSucceeded:
			if r.ResultRef != nil {
				detail = *r.ResultRef
			}
		case jobs.OutcomeFailed:
			if r.ErrorMessage != nil {
				detail = *r.ErrorMessage
			}
			if r.FailedStep != nil && *r.FailedStep != "" {
				detail = *r.FailedStep + ": " + detail
			}
		}
		rows = append(rows, []string{
			r.JobID,
			r.ContentID,
			r.Style,
			strconv.Itoa(r.Attempt),
			string(r.Outcome),
			r.SubmittedAt.Local().Format(time.DateTime),
			detail,
		})
	}
	return Table([]string{"Job", "Content", "Style", "Attempt", "Outcome", "Submitted", "Detail"}, rows) + "\n"
}

// Contents renders the product images available on the backend.
func Contents(contents []api.Content) string {
	if len(contents) == 0 {
		return Muted("no uploaded content") + "\n"
	}
	rows := make([][]string, 0, len(contents))
	for _, c := range contents {
		rows = append(rows, []string{c.ContentID, c.ProductName, c.Category})
	}
	return Table([]string{"Content", "Product", "Category"}, rows) + "\n"
}
