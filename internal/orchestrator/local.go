package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/events"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

const (
	// failureTimeout bounds failure handling once a run has died. It
	// runs on a fresh context because the run's own context may
	// already be gone.
	failureTimeout = 2 * time.Minute

	manifestScanPageSize = 1000
)

// LocalRunner executes runs in-process: one goroutine per chunk, a
// single merge once every chunk has settled, bounded merge retry, and
// an execution registry for describe calls. Runs detach from the
// caller's context; only Close cancels them.
type LocalRunner struct {
	cfg      config.RunnerConfig
	store    storage.ObjectStore
	stager   ChunkStager
	merger   Merger
	failures FailureSink
	emitter  events.Emitter
	log      *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	executions map[string]Snapshot
}

// manifest is the execution input persisted under the staging prefix so
// Describe can recover it after a restart. It lives with the staging
// data and is deleted with it.
type manifest struct {
	ExecutionID string    `json:"executionId"`
	StartedAt   time.Time `json:"startedAt"`
	Input       Input     `json:"input"`
}

// NewLocalRunner builds a runner over the given collaborators. A nil
// emitter disables eventing; a nil failure sink leaves failed runs to
// the retry path only.
func NewLocalRunner(cfg config.RunnerConfig, store storage.ObjectStore, stager ChunkStager, merger Merger, failures FailureSink, emitter events.Emitter) *LocalRunner {
	if cfg.MergeAttempts < 1 {
		cfg.MergeAttempts = 1
	}
	if cfg.RetryBackoffMs < 1 {
		cfg.RetryBackoffMs = 1000
	}
	if emitter == nil {
		emitter = events.Noop()
	}

	base, cancel := context.WithCancel(context.Background())
	return &LocalRunner{
		cfg:        cfg,
		store:      store,
		stager:     stager,
		merger:     merger,
		failures:   failures,
		emitter:    emitter,
		log:        logging.Component("runner"),
		base:       base,
		cancel:     cancel,
		executions: make(map[string]Snapshot),
	}
}

// Start validates the input, persists the run manifest, registers the
// execution, and launches the run in the background.
func (r *LocalRunner) Start(ctx context.Context, in Input) (string, error) {
	if err := in.Ref.Validate(); err != nil {
		return "", err
	}
	if err := archive.ValidateRunID(in.Run.RunID); err != nil {
		return "", err
	}
	if len(in.Run.Chunks) == 0 {
		return "", fmt.Errorf("run %s: no chunks to execute", in.Run.RunID)
	}

	executionID := uuid.New().String()
	startedAt := time.Now().UTC()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("runner closed")
	}
	r.executions[executionID] = Snapshot{
		ExecutionID: executionID,
		Status:      StatusRunning,
		Input:       &in,
		StartedAt:   startedAt,
	}
	r.wg.Add(1)
	r.mu.Unlock()

	// The manifest write is advisory: without it Describe cannot
	// recover the input after a restart, but the run itself is fine.
	if err := r.writeManifest(ctx, executionID, in, startedAt); err != nil {
		r.log.Warn("run manifest write failed", "runId", in.Run.RunID, "error", err)
	}

	if m := metrics.Get(); m != nil {
		m.InFlightRuns.Inc()
		m.IncRunsStarted(metrics.Labels{Kind: string(in.Ref.Kind), Path: "chunked"})
	}
	r.emit(ctx, events.Event{
		EventType: events.TypeRunStarted,
		Archive:   events.For(in.Ref, in.Run.RunID),
		Details: map[string]any{
			"execution_id": executionID,
			"worker_count": in.Run.WorkerCount,
			"files_total":  in.FilesTotal,
		},
	})

	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	go r.run(executionID, correlationID, in)

	return executionID, nil
}

// run drives one execution to a terminal state. It must not use the
// Start caller's context: the trigger request returns long before the
// run finishes.
func (r *LocalRunner) run(executionID, correlationID string, in Input) {
	defer r.wg.Done()
	m := metrics.Get()
	if m != nil {
		defer m.InFlightRuns.Dec()
	}

	start := time.Now()
	ctx := logging.WithCorrelationID(r.base, correlationID)
	log := logging.RunLogger(correlationID, in.Ref.GalleryID, in.Ref.OrderID, string(in.Ref.Kind), in.Run.RunID)

	// 1. Fan out one worker per chunk and wait for all to settle.
	reports, failed := r.stageAll(ctx, log, in)
	if failed > 0 {
		cause := fmt.Sprintf("%d of %d chunks failed staging", failed, len(in.Run.Chunks))
		r.settleFailure(executionID, in, "stage", cause, 1)
		return
	}

	staged := 0
	for _, rep := range reports {
		staged += rep.FilesStaged
	}

	// 2. Merge, re-invoking within the attempt budget. Merge tolerates
	// at-least-once invocation, so a retry is always safe.
	spec := archive.MergeSpec{
		Ref:         in.Ref,
		RunID:       in.Run.RunID,
		ContentHash: in.Run.ContentHash,
		FilesTotal:  staged,
		ExpiresAt:   in.ExpiresAt,
	}
	var mergeErr error
	for attempt := 0; attempt < r.cfg.MergeAttempts; attempt++ {
		if attempt > 0 {
			if m != nil {
				m.IncRetryAttempts(metrics.Labels{Operation: "merge"})
			}
			delay := time.Duration(r.cfg.RetryBackoffMs*(1<<(attempt-1))) * time.Millisecond
			log.Warn("merge failed, retrying", "attempt", attempt+1, "delay", delay, "error", mergeErr)
			select {
			case <-ctx.Done():
				r.settleFailure(executionID, in, "merge", ctx.Err().Error(), attempt)
				return
			case <-time.After(delay):
			}
		}
		if mergeErr = r.merger.Merge(ctx, spec); mergeErr == nil {
			break
		}
	}
	if mergeErr != nil {
		r.settleFailure(executionID, in, "merge", mergeErr.Error(), r.cfg.MergeAttempts)
		return
	}

	// 3. Settle success.
	r.setSnapshot(executionID, func(s *Snapshot) {
		s.Status = StatusSucceeded
		now := time.Now().UTC()
		s.StoppedAt = &now
	})
	if m != nil {
		m.IncRunsCompleted(metrics.Labels{Kind: string(in.Ref.Kind), Path: "chunked"})
		m.ObserveRunDuration(metrics.Labels{Kind: string(in.Ref.Kind), Path: "chunked"}, time.Since(start).Seconds())
	}
	r.emit(ctx, events.Event{
		EventType: events.TypeMergeCompleted,
		Archive:   events.For(in.Ref, in.Run.RunID),
		Details: map[string]any{
			"execution_id": executionID,
			"content_hash": in.Run.ContentHash,
			"files_total":  staged,
			"duration_ms":  time.Since(start).Milliseconds(),
		},
	})
	log.Info("run succeeded",
		"executionId", executionID,
		"files", staged,
		"duration", time.Since(start))
}

// stageAll invokes one stager per chunk and collects every result,
// including partial failures. Chunk count is already bounded by the
// planner's worker clamp.
func (r *LocalRunner) stageAll(ctx context.Context, log *slog.Logger, in Input) ([]*archive.ChunkReport, int) {
	reports := make([]*archive.ChunkReport, len(in.Run.Chunks))
	errs := make([]error, len(in.Run.Chunks))

	var wg sync.WaitGroup
	for i, task := range in.Run.Chunks {
		wg.Add(1)
		go func(i int, task archive.ChunkTask) {
			defer wg.Done()
			spec := archive.ChunkSpec{
				Ref:           in.Ref,
				RunID:         in.Run.RunID,
				ChunkIndex:    task.ChunkIndex,
				Keys:          task.Keys,
				SourcePrefix:  archive.SourcePrefix(in.Ref),
				StagingPrefix: archive.StagingPrefix(in.Ref, in.Run.RunID),
			}
			reports[i], errs[i] = r.stager.Stage(ctx, spec)
			if errs[i] != nil {
				logging.ChunkLogger(log, task.ChunkIndex).Error("chunk failed", "error", errs[i])
				return
			}
			r.emit(ctx, events.Event{
				EventType: events.TypeChunkStaged,
				Archive:   events.For(in.Ref, in.Run.RunID),
				Details: map[string]any{
					"chunk_index":   task.ChunkIndex,
					"files_staged":  reports[i].FilesStaged,
					"files_missing": reports[i].FilesMissing,
					"bytes_staged":  reports[i].BytesStaged,
				},
			})
		}(i, task)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return reports, failed
}

// settleFailure records the terminal snapshot, emits the failure event,
// and hands the run to the failure sink. Cleanup runs on a fresh
// context so it still happens when the run died by cancellation.
func (r *LocalRunner) settleFailure(executionID string, in Input, stage, cause string, attempts int) {
	r.setSnapshot(executionID, func(s *Snapshot) {
		s.Status = StatusFailed
		s.Cause = cause
		now := time.Now().UTC()
		s.StoppedAt = &now
	})
	if m := metrics.Get(); m != nil {
		m.IncRunsFailed(metrics.Labels{Kind: string(in.Ref.Kind), Stage: stage})
	}

	ctx, cancel := context.WithTimeout(context.Background(), failureTimeout)
	defer cancel()

	r.emit(ctx, events.Event{
		EventType: events.TypeRunFailed,
		Archive:   events.For(in.Ref, in.Run.RunID),
		Details: map[string]any{
			"execution_id": executionID,
			"stage":        stage,
			"cause":        cause,
			"attempts":     attempts,
		},
	})

	if r.failures == nil {
		return
	}
	payload, err := json.Marshal(in)
	if err != nil {
		payload = nil
	}
	ev := FailureEvent{
		ExecutionID: executionID,
		Status:      StatusFailed,
		Payload:     payload,
		Cause:       cause,
		Attempts:    attempts,
	}
	if err := r.failures.HandleFailure(ctx, ev); err != nil {
		r.log.Error("failure handling failed, slot may stay GENERATING until retriggered",
			"executionId", executionID,
			"runId", in.Run.RunID,
			"error", err)
	}
}

// Describe reports an execution from the in-memory registry, falling
// back to scanning run manifests for executions started by an earlier
// process. Recovered snapshots carry the input but an UNKNOWN status.
func (r *LocalRunner) Describe(ctx context.Context, executionID string) (Snapshot, error) {
	r.mu.Lock()
	snap, ok := r.executions[executionID]
	r.mu.Unlock()
	if ok {
		return snap, nil
	}
	return r.recoverSnapshot(ctx, executionID)
}

func (r *LocalRunner) recoverSnapshot(ctx context.Context, executionID string) (Snapshot, error) {
	pageToken := ""
	for {
		infos, next, err := r.store.List(ctx, archive.StagingRoot, pageToken, manifestScanPageSize)
		if err != nil {
			return Snapshot{}, fmt.Errorf("scan run manifests: %w", err)
		}
		for _, info := range infos {
			if !strings.HasSuffix(info.Key, "/"+archive.ManifestName) {
				continue
			}
			man, err := r.readManifest(ctx, info.Key)
			if err != nil {
				r.log.Warn("unreadable run manifest", "key", info.Key, "error", err)
				continue
			}
			if man.ExecutionID != executionID {
				continue
			}
			in := man.Input
			return Snapshot{
				ExecutionID: executionID,
				Status:      StatusUnknown,
				Input:       &in,
				StartedAt:   man.StartedAt,
			}, nil
		}
		if next == "" {
			return Snapshot{}, fmt.Errorf("execution %s: %w", executionID, ErrUnknownExecution)
		}
		pageToken = next
	}
}

func (r *LocalRunner) writeManifest(ctx context.Context, executionID string, in Input, startedAt time.Time) error {
	man := manifest{ExecutionID: executionID, StartedAt: startedAt, Input: in}
	data, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	key := archive.ManifestKey(in.Ref, in.Run.RunID)
	if err := r.store.StreamPut(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put manifest %s: %w", key, err)
	}
	return nil
}

func (r *LocalRunner) readManifest(ctx context.Context, key string) (*manifest, error) {
	rc, err := r.store.StreamGet(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var man manifest
	if err := json.NewDecoder(rc).Decode(&man); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return &man, nil
}

func (r *LocalRunner) setSnapshot(executionID string, mutate func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.executions[executionID]
	if !ok {
		return
	}
	mutate(&snap)
	r.executions[executionID] = snap
}

// emit delivers a lifecycle event. Eventing never decides a run's
// outcome, so failures are logged and swallowed.
func (r *LocalRunner) emit(ctx context.Context, ev events.Event) {
	if err := r.emitter.Emit(ctx, ev); err != nil {
		r.log.Warn("event emit failed", "event_type", ev.EventType, "error", err)
	}
}

// Close stops accepting runs, cancels in-flight ones, and waits for
// their failure handling to settle.
func (r *LocalRunner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}
