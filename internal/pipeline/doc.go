// Package pipeline defines the client-observable contract of a generation
// job: the step catalogue, per-step state and full-state job snapshots as
// they arrive from the backend.
package pipeline
