// Package orchestrator defines the fan-out contract between the archive
// service and the runtime that executes chunked runs: the input handed
// to a run, execution snapshots for describe calls, and the failure
// event routed to the failure handler when a run dies. LocalRunner is
// the in-process implementation this binary ships; a hosted workflow
// runtime would implement the same Runner interface.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
)

// ErrUnknownExecution reports a describe call for an execution this
// runner has no record of, in memory or in any run manifest.
var ErrUnknownExecution = errors.New("unknown execution")

// Status is the lifecycle phase of one execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusUnknown marks executions recovered from a run manifest
	// after a restart: the input survived, the outcome did not.
	StatusUnknown Status = "UNKNOWN"
)

// Terminal reports whether the status is a settled outcome.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Input is the envelope handed to a runner for one chunked run.
type Input struct {
	Ref        archive.Ref `json:"ref"`
	Run        archive.Run `json:"run"`
	FilesTotal int         `json:"filesTotal"`
	ExpiresAt  *time.Time  `json:"expiresAt,omitempty"`
}

// Snapshot describes one execution at a point in time.
type Snapshot struct {
	ExecutionID string     `json:"executionId"`
	Status      Status     `json:"status"`
	Input       *Input     `json:"input,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty"`
	Cause       string     `json:"cause,omitempty"`
}

// FailureEvent is delivered to the failure sink when a run settles
// FAILED. Payload carries the run input either bare or wrapped in an
// envelope, depending on the runtime that produced the event; consumers
// must accept both shapes.
type FailureEvent struct {
	ExecutionID string          `json:"executionId"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Cause       string          `json:"cause,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// Runner executes chunked generation runs.
type Runner interface {
	// Start launches a run and returns its execution ID. The run keeps
	// going in the background after Start returns.
	Start(ctx context.Context, in Input) (string, error)

	// Describe reports the current snapshot of an execution.
	Describe(ctx context.Context, executionID string) (Snapshot, error)

	// Close stops accepting runs, cancels in-flight ones, and waits for
	// their failure handling to settle.
	Close() error
}

// ChunkStager stages one chunk's files. Implemented by stager.Stager.
type ChunkStager interface {
	Stage(ctx context.Context, spec archive.ChunkSpec) (*archive.ChunkReport, error)
}

// Merger assembles and publishes the archive for a staged run.
// Implemented by merge.Assembler. Merge must tolerate at-least-once
// invocation for the same run.
type Merger interface {
	Merge(ctx context.Context, spec archive.MergeSpec) error
}

// FailureSink consumes failure events from a runner. Implemented by
// failure.Handler.
type FailureSink interface {
	HandleFailure(ctx context.Context, ev FailureEvent) error
}
