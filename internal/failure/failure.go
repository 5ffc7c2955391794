// Package failure turns orchestrator failure events into durable error
// state and cleans up what the dead run left behind: the staging
// prefix, and any multipart session still open for the archive key.
// Handling the same failure twice is a no-op.
package failure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/orchestrator"
	"github.com/prooflab/gallery-archiver/internal/state"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

const cleanupPageSize = 1000

// Describer recovers execution inputs when a failure payload omits
// them. Implemented by orchestrator.Runner.
type Describer interface {
	Describe(ctx context.Context, executionID string) (orchestrator.Snapshot, error)
}

// Handler consumes failure events from a runner.
type Handler struct {
	states state.Store
	store  storage.ObjectStore
	log    *slog.Logger

	mu        sync.Mutex
	describer Describer
}

// NewHandler builds a handler over the state and object stores.
func NewHandler(states state.Store, store storage.ObjectStore) *Handler {
	return &Handler{
		states: states,
		store:  store,
		log:    logging.Component("failure"),
	}
}

// SetDescriber wires the describe fallback. The handler and the runner
// reference each other, so one side attaches after construction.
func (h *Handler) SetDescriber(d Describer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.describer = d
}

// payloadEnvelope is the wrapped payload shape some runtimes deliver:
// the run input nested under "input" with execution metadata beside it.
type payloadEnvelope struct {
	ExecutionID string              `json:"executionId"`
	Input       *orchestrator.Input `json:"input"`
}

// decodeInput normalizes the two payload shapes into one run input: a
// bare input object, or an envelope wrapping it. Anything else decodes
// to nil.
func decodeInput(payload json.RawMessage) *orchestrator.Input {
	if len(payload) == 0 {
		return nil
	}

	var env payloadEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Input != nil && env.Input.Run.RunID != "" {
		return env.Input
	}

	var in orchestrator.Input
	if err := json.Unmarshal(payload, &in); err == nil && in.Run.RunID != "" {
		return &in
	}
	return nil
}

// HandleFailure processes one failure event:
//
//  1. Drop everything that is not a terminal failure.
//  2. Recover the run input from the payload, falling back to a
//     describe call when the payload omits it. Events that identify no
//     archive run belong to some other state machine and are dropped.
//  3. Persist ERROR with the cause and attempt count, clearing
//     GENERATING. A slot a later run already published stays READY.
//  4. Best-effort cleanup: delete the run's staging prefix and abort
//     any multipart session still open for the archive key.
func (h *Handler) HandleFailure(ctx context.Context, ev orchestrator.FailureEvent) error {
	if ev.Status != orchestrator.StatusFailed {
		h.log.Debug("ignoring non-failure event", "executionId", ev.ExecutionID, "status", ev.Status)
		return nil
	}

	in := decodeInput(ev.Payload)
	if in == nil {
		in = h.describeInput(ctx, ev.ExecutionID)
	}
	if in == nil {
		h.log.Warn("failure event identifies no archive run, dropping",
			"executionId", ev.ExecutionID)
		return nil
	}

	// Recovered identifiers end up embedded in storage keys, so they
	// get the same scrutiny as request input.
	if err := in.Ref.Validate(); err != nil {
		return fmt.Errorf("failure payload: %w", err)
	}
	if err := archive.ValidateRunID(in.Run.RunID); err != nil {
		return fmt.Errorf("failure payload: %w", err)
	}

	log := h.log.With(
		"gallery_id", in.Ref.GalleryID,
		"order_id", in.Ref.OrderID,
		"kind", string(in.Ref.Kind),
		"run_id", in.Run.RunID,
	)

	cur, err := h.states.Get(ctx, in.Ref)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if cur.Status == state.StatusReady {
		// A later run already published this slot; a stale failure
		// event must not unpublish it. The dead run's leftovers still
		// get cleaned below.
		log.Warn("slot already READY, keeping it", "executionId", ev.ExecutionID)
	} else {
		cause := ev.Cause
		if cause == "" {
			cause = "generation run failed"
		}
		if err := h.states.Set(ctx, in.Ref, state.Failed(cause, ev.Attempts)); err != nil {
			if m := metrics.Get(); m != nil {
				m.IncStateErrors(metrics.Labels{Operation: "persist_error"})
			}
			return fmt.Errorf("persist error state: %w", err)
		}
	}

	h.cleanupStaging(ctx, log, in.Ref, in.Run.RunID)
	if err := h.store.AbortPending(ctx, archive.ArchiveKey(in.Ref)); err != nil {
		log.Warn("abort pending sessions failed", "error", err)
	}

	log.Info("failure recorded", "executionId", ev.ExecutionID, "attempts", ev.Attempts)
	return nil
}

func (h *Handler) describeInput(ctx context.Context, executionID string) *orchestrator.Input {
	if executionID == "" {
		return nil
	}
	h.mu.Lock()
	d := h.describer
	h.mu.Unlock()
	if d == nil {
		return nil
	}

	snap, err := d.Describe(ctx, executionID)
	if err != nil {
		h.log.Warn("describe fallback failed", "executionId", executionID, "error", err)
		return nil
	}
	return snap.Input
}

// cleanupStaging deletes everything under the run's staging prefix.
// Failures are logged, never fatal: the deletes rerun on the next
// invocation, and orphans eventually age out.
func (h *Handler) cleanupStaging(ctx context.Context, log *slog.Logger, ref archive.Ref, runID string) {
	prefix := archive.StagingPrefix(ref, runID)
	deleted := 0
	for {
		infos, _, err := h.store.List(ctx, prefix, "", cleanupPageSize)
		if err != nil {
			log.Warn("staging cleanup list failed", "prefix", prefix, "error", err)
			return
		}
		if len(infos) == 0 {
			break
		}

		keys := make([]string, len(infos))
		for i, info := range infos {
			keys[i] = info.Key
		}
		if err := h.store.BatchDelete(ctx, keys); err != nil {
			if m := metrics.Get(); m != nil {
				m.IncStorageErrors(metrics.Labels{Operation: "cleanup_staging"})
			}
			log.Warn("staging cleanup failed", "prefix", prefix, "error", err)
			return
		}
		deleted += len(keys)
	}
	if deleted > 0 {
		log.Info("staging cleaned", "prefix", prefix, "objects", deleted)
	}
}
