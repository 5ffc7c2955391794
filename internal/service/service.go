// Package service is the front door of the archive pipeline. It turns
// trigger, status, and retry requests into planner decisions, guarded
// state transitions, and dispatched runs, and it owns the in-process
// goroutines that build single-path archives.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/events"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/orchestrator"
	"github.com/prooflab/gallery-archiver/internal/planner"
	"github.com/prooflab/gallery-archiver/internal/state"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// settleTimeout bounds the state write after a failed run. The write
// runs on a fresh context because the run's own context may be the
// reason the build stopped.
const settleTimeout = 2 * time.Minute

// ErrClosed rejects operations after Close.
var ErrClosed = errors.New("service is closed")

// Planner resolves a request into an executable plan. Implemented by
// planner.Planner.
type Planner interface {
	Plan(ctx context.Context, req archive.Request) (*planner.Plan, error)
}

// Merger builds an archive straight from the source objects, used for
// orders under the chunk threshold. Implemented by merge.Assembler.
type Merger interface {
	Direct(ctx context.Context, spec archive.MergeSpec, files []archive.FileStat) error
}

// TriggerResult is the trigger and retry response: whether the archive
// is already published or a run was dispatched, and how big the job is.
// RunID and WorkerCount are set only for chunked runs.
type TriggerResult struct {
	Status      string `json:"status"` // "ready" | "generating"
	RunID       string `json:"runId,omitempty"`
	WorkerCount int    `json:"workerCount,omitempty"`
	FilesCount  int    `json:"filesCount"`
}

// StatusResult reports one slot's generation state in API form.
type StatusResult struct {
	Status         string          `json:"status"`
	Progress       *state.Progress `json:"progress,omitempty"`
	ElapsedSeconds int64           `json:"elapsedSeconds,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail surfaces the persisted failure to status callers.
type ErrorDetail struct {
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// Service wires the trigger, status, and retry operations together.
// Every collaborator is injected; the service owns only the goroutines
// it spawns for single-path builds.
type Service struct {
	planner Planner
	merger  Merger
	runner  orchestrator.Runner
	states  state.Store
	emitter events.Emitter
	cfg     config.ArchiveConfig
	log     *slog.Logger
	now     func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates the service. A nil emitter disables lifecycle events.
func New(cfg config.ArchiveConfig, pl Planner, mg Merger, runner orchestrator.Runner, states state.Store, emitter events.Emitter) *Service {
	if emitter == nil {
		emitter = events.Noop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		planner: pl,
		merger:  mg,
		runner:  runner,
		states:  states,
		emitter: emitter,
		cfg:     cfg,
		log:     logging.Component("service"),
		now:     time.Now,
		base:    base,
		cancel:  cancel,
	}
}

// Trigger requests generation for one archive slot.
//
// Flow:
//  1. Resolve a plan; the planner's fingerprint comparison decides
//     whether the published archive is already current.
//  2. A current archive short-circuits: stale state is cleared to
//     READY and no run starts.
//  3. Otherwise the slot is moved to GENERATING with a conditional
//     write. A slot already generating, or a lost write race, reports
//     the in-flight run instead of starting a second one.
//  4. The plan dispatches to the single-path builder or the chunked
//     runner.
func (s *Service) Trigger(ctx context.Context, req archive.Request) (*TriggerResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	plan, err := s.planner.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if plan.Mode == planner.ModeReady {
		return s.shortCircuit(ctx, plan)
	}

	cur, err := s.states.Get(ctx, req.Ref)
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", req.Ref, err)
	}
	if cur.Status == state.StatusGenerating {
		s.log.Info("generation already in flight, not starting another",
			"gallery_id", req.GalleryID,
			"order_id", req.OrderID,
			"kind", req.Kind)
		return &TriggerResult{Status: "generating", FilesCount: plan.FilesTotal()}, nil
	}

	if err := s.states.Transition(ctx, req.Ref, cur.Status, state.Generating(s.now())); err != nil {
		if errors.Is(err, state.ErrConflict) {
			// Another trigger won the slot between our read and write.
			return &TriggerResult{Status: "generating", FilesCount: plan.FilesTotal()}, nil
		}
		if m := metrics.Get(); m != nil {
			m.IncStateErrors(metrics.Labels{Operation: "mark_generating"})
		}
		return nil, fmt.Errorf("mark %s generating: %w", req.Ref, err)
	}

	return s.dispatch(ctx, plan)
}

// Status reports the generation state of one archive slot.
func (s *Service) Status(ctx context.Context, ref archive.Ref) (*StatusResult, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	st, err := s.states.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", ref, err)
	}

	res := &StatusResult{Status: strings.ToLower(string(st.Status))}
	switch st.Status {
	case state.StatusGenerating:
		res.Progress = st.Progress
		if !st.Since.IsZero() {
			res.ElapsedSeconds = int64(s.now().Sub(st.Since).Seconds())
		}
	case state.StatusError:
		res.Error = &ErrorDetail{Message: st.Error, Attempts: st.Attempts}
	}
	return res, nil
}

// Retry re-runs a failed generation.
//
// The conditional ERROR to GENERATING transition is the whole guard: a
// slot in any other state rejects with ErrNoErrorToRetry, and two
// concurrent retries cannot both win the write. The pipeline then
// re-enters at the planner with a fresh fingerprint, exactly like a
// fresh trigger.
func (s *Service) Retry(ctx context.Context, ref archive.Ref) (*TriggerResult, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	prev, err := s.states.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", ref, err)
	}
	if prev.Status != state.StatusError {
		return nil, fmt.Errorf("%s is %s: %w", ref, prev.Status, archive.ErrNoErrorToRetry)
	}

	if err := s.states.Transition(ctx, ref, state.StatusError, state.Generating(s.now())); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return nil, fmt.Errorf("%s: %w", ref, archive.ErrNoErrorToRetry)
		}
		if m := metrics.Get(); m != nil {
			m.IncStateErrors(metrics.Labels{Operation: "mark_generating"})
		}
		return nil, fmt.Errorf("mark %s generating: %w", ref, err)
	}

	if m := metrics.Get(); m != nil {
		m.IncRetryAttempts(metrics.Labels{Operation: "generation"})
	}
	s.emit(ctx, events.Event{
		EventType: events.TypeRetryRequested,
		Archive:   events.For(ref, ""),
		Details: map[string]any{
			"previous_error":    prev.Error,
			"previous_attempts": prev.Attempts,
		},
	})
	s.log.Info("retrying failed generation",
		"gallery_id", ref.GalleryID,
		"order_id", ref.OrderID,
		"kind", ref.Kind,
		"previous_attempts", prev.Attempts)

	// Fresh fingerprint: the retry archives whatever the source holds
	// now, not the failed run's view of it.
	plan, err := s.planner.Plan(ctx, archive.Request{Ref: ref})
	if err != nil {
		s.restoreError(ref, err.Error(), prev.Attempts+1)
		return nil, err
	}
	if plan.Mode == planner.ModeReady {
		return s.shortCircuit(ctx, plan)
	}
	return s.dispatch(ctx, plan)
}

// Close stops accepting new runs and waits for in-flight single-path
// builds to settle. The chunked runner has its own Close.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

// shortCircuit settles a request whose archive is already current. A
// crashed run can leave the slot GENERATING or ERROR with a good
// archive behind it; the fingerprint match is what rescues it.
func (s *Service) shortCircuit(ctx context.Context, plan *planner.Plan) (*TriggerResult, error) {
	cur, err := s.states.Get(ctx, plan.Ref)
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", plan.Ref, err)
	}
	if cur.Status != state.StatusReady {
		if err := s.states.Set(ctx, plan.Ref, state.Ready(plan.ContentHash)); err != nil {
			return nil, fmt.Errorf("clear stale state for %s: %w", plan.Ref, err)
		}
		s.log.Info("archive already current, cleared stale state",
			"gallery_id", plan.Ref.GalleryID,
			"order_id", plan.Ref.OrderID,
			"kind", plan.Ref.Kind,
			"previous_status", cur.Status)
	}
	return &TriggerResult{Status: "ready", FilesCount: plan.FilesTotal()}, nil
}

// dispatch starts the planned run. The slot is already GENERATING; a
// dispatch that cannot start rolls it to ERROR so a retry stays
// possible.
func (s *Service) dispatch(ctx context.Context, plan *planner.Plan) (*TriggerResult, error) {
	switch plan.Mode {
	case planner.ModeSingle:
		return s.dispatchSingle(ctx, plan)
	case planner.ModeChunked:
		return s.dispatchChunked(ctx, plan)
	default:
		return nil, fmt.Errorf("unexpected plan mode %q for %s", plan.Mode, plan.Ref)
	}
}

func (s *Service) dispatchChunked(ctx context.Context, plan *planner.Plan) (*TriggerResult, error) {
	in := orchestrator.Input{
		Ref:        plan.Ref,
		Run:        *plan.Run,
		FilesTotal: plan.FilesTotal(),
		ExpiresAt:  s.expiresAt(),
	}
	executionID, err := s.runner.Start(ctx, in)
	if err != nil {
		s.restoreError(plan.Ref, fmt.Sprintf("start run: %v", err), 1)
		return nil, fmt.Errorf("start run for %s: %w", plan.Ref, err)
	}
	s.log.Info("chunked generation dispatched",
		"gallery_id", plan.Ref.GalleryID,
		"order_id", plan.Ref.OrderID,
		"kind", plan.Ref.Kind,
		"run_id", plan.Run.RunID,
		"execution_id", executionID,
		"worker_count", plan.Run.WorkerCount,
		"files_total", plan.FilesTotal())
	return &TriggerResult{
		Status:      "generating",
		RunID:       plan.Run.RunID,
		WorkerCount: plan.Run.WorkerCount,
		FilesCount:  plan.FilesTotal(),
	}, nil
}

func (s *Service) dispatchSingle(ctx context.Context, plan *planner.Plan) (*TriggerResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.restoreError(plan.Ref, "service shutting down", 1)
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	go s.runSingle(correlationID, plan)

	return &TriggerResult{
		Status:      "generating",
		WorkerCount: 1,
		FilesCount:  plan.FilesTotal(),
	}, nil
}

// runSingle builds the archive in-process with no staging area. It
// detaches from the request context; callers poll status for the
// outcome.
func (s *Service) runSingle(correlationID string, plan *planner.Plan) {
	defer s.wg.Done()

	ctx := logging.WithCorrelationID(s.base, correlationID)
	log := logging.RunLogger(correlationID,
		plan.Ref.GalleryID, plan.Ref.OrderID, string(plan.Ref.Kind), "")
	start := s.now()

	if m := metrics.Get(); m != nil {
		m.IncRunsStarted(metrics.Labels{Kind: string(plan.Ref.Kind), Path: "single"})
		m.InFlightRuns.Inc()
		defer m.InFlightRuns.Dec()
	}
	s.emit(ctx, events.Event{
		EventType: events.TypeRunStarted,
		Archive:   events.For(plan.Ref, ""),
		Details: map[string]any{
			"path":        "single",
			"files_total": plan.FilesTotal(),
		},
	})
	log.Info("single-path generation started", "files_total", plan.FilesTotal())

	spec := archive.MergeSpec{
		Ref:         plan.Ref,
		ContentHash: plan.ContentHash,
		FilesTotal:  plan.FilesTotal(),
		ExpiresAt:   s.expiresAt(),
	}
	if err := s.merger.Direct(ctx, spec, plan.Files); err != nil {
		s.settleSingleFailure(plan.Ref, err, log)
		return
	}

	duration := s.now().Sub(start)
	if m := metrics.Get(); m != nil {
		labels := metrics.Labels{Kind: string(plan.Ref.Kind), Path: "single"}
		m.IncRunsCompleted(labels)
		m.ObserveRunDuration(labels, duration.Seconds())
	}
	s.emit(ctx, events.Event{
		EventType: events.TypeMergeCompleted,
		Archive:   events.For(plan.Ref, ""),
		Details: map[string]any{
			"path":         "single",
			"content_hash": plan.ContentHash,
			"files_total":  plan.FilesTotal(),
			"duration_ms":  duration.Milliseconds(),
		},
	})
	log.Info("single-path generation completed",
		"files_total", plan.FilesTotal(),
		"duration_ms", duration.Milliseconds())
}

// settleSingleFailure persists ERROR for a failed single-path build on
// a fresh context, since the run's context may already be cancelled.
func (s *Service) settleSingleFailure(ref archive.Ref, cause error, log *slog.Logger) {
	if m := metrics.Get(); m != nil {
		m.IncRunsFailed(metrics.Labels{Kind: string(ref.Kind), Stage: "merge"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := s.states.Set(ctx, ref, state.Failed(cause.Error(), 1)); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStateErrors(metrics.Labels{Operation: "persist_error"})
		}
		log.Error("failed to persist error state, slot may stay GENERATING until retriggered",
			"error", err)
	}
	s.emit(ctx, events.Event{
		EventType: events.TypeRunFailed,
		Archive:   events.For(ref, ""),
		Details: map[string]any{
			"path":     "single",
			"stage":    "merge",
			"cause":    cause.Error(),
			"attempts": 1,
		},
	})
	log.Error("single-path generation failed", "error", cause)
}

// restoreError rolls a slot we just marked GENERATING back to ERROR
// after a dispatch that never got off the ground.
func (s *Service) restoreError(ref archive.Ref, cause string, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := s.states.Set(ctx, ref, state.Failed(cause, attempts)); err != nil {
		s.log.Error("failed to persist dispatch failure",
			"ref", ref.String(),
			"error", err)
	}
}

func (s *Service) expiresAt() *time.Time {
	d := time.Duration(s.cfg.ExpiresAfter)
	if d <= 0 {
		return nil
	}
	t := s.now().Add(d)
	return &t
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.log.Warn("event emit failed", "event_type", ev.EventType, "error", err)
	}
}
