// Package state persists per-order archive generation state: one
// record per (gallery, order, kind) tracking the lifecycle
// NOT_STARTED -> GENERATING -> READY | ERROR. Records for the two
// kinds of one order are independent rows, so the original and final
// pipelines never collide on the same order.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
)

// Status is the lifecycle phase of one archive slot.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusGenerating Status = "GENERATING"
	StatusReady      Status = "READY"
	StatusError      Status = "ERROR"
)

// ErrConflict reports that a conditional transition lost: the stored
// state no longer matches the expected precondition.
var ErrConflict = errors.New("generation state changed concurrently")

// Progress is a coarse completion snapshot written at a bounded
// cadence while GENERATING.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// NewProgress builds a snapshot with the percent precomputed.
func NewProgress(processed, total int) *Progress {
	p := &Progress{Processed: processed, Total: total}
	if total > 0 {
		p.Percent = processed * 100 / total
	}
	return p
}

// GenerationState is the full persisted record for one archive slot.
// Fields beyond Status are populated per phase: Since and Progress
// while GENERATING, ContentHash when READY, Error and Attempts on
// ERROR.
type GenerationState struct {
	Status      Status    `json:"status"`
	Since       time.Time `json:"since,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`
	ContentHash string    `json:"contentHash,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Generating returns the in-progress state starting at now.
func Generating(now time.Time) GenerationState {
	return GenerationState{Status: StatusGenerating, Since: now}
}

// Ready returns the committed state carrying the published archive's
// content hash.
func Ready(contentHash string) GenerationState {
	return GenerationState{Status: StatusReady, ContentHash: contentHash}
}

// Failed returns the error state after the given number of attempts.
func Failed(message string, attempts int) GenerationState {
	return GenerationState{Status: StatusError, Error: message, Attempts: attempts}
}

// Store persists generation state. A missing record reads as
// NOT_STARTED; callers never need to distinguish absent from fresh.
type Store interface {
	// Get returns the state for ref, or a NOT_STARTED zero state when
	// no record exists.
	Get(ctx context.Context, ref archive.Ref) (GenerationState, error)

	// Set unconditionally writes the state for ref.
	Set(ctx context.Context, ref archive.Ref, st GenerationState) error

	// Transition writes st only if the stored status still equals
	// from, returning ErrConflict otherwise. This conditional write is
	// the concurrency guard for trigger and retry.
	Transition(ctx context.Context, ref archive.Ref, from Status, to GenerationState) error

	// SetProgress updates the progress fields of a GENERATING record.
	// It is advisory: if the state has already moved on, the write is
	// silently dropped.
	SetProgress(ctx context.Context, ref archive.Ref, processed, total int) error

	// Close releases any resources.
	Close() error
}
