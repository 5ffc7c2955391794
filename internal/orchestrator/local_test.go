package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/events"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

// fakeStager records the specs it was handed and fails chosen chunks.
type fakeStager struct {
	mu      sync.Mutex
	specs   []archive.ChunkSpec
	failIdx map[int]bool
	block   bool // park until the context dies
}

func (f *fakeStager) Stage(ctx context.Context, spec archive.ChunkSpec) (*archive.ChunkReport, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if f.failIdx[spec.ChunkIndex] {
		return nil, &archive.PartialFailureError{Failed: 2, Total: len(spec.Keys), Tolerance: 0.1}
	}
	return &archive.ChunkReport{ChunkIndex: spec.ChunkIndex, FilesStaged: len(spec.Keys)}, nil
}

func (f *fakeStager) completed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// fakeMerger counts invocations, failing the first failFirst of them.
// When wired to a stager it also records how many chunks had settled at
// each merge call.
type fakeMerger struct {
	stager *fakeStager

	mu        sync.Mutex
	calls     int
	failFirst int
	specs     []archive.MergeSpec
	settled   []int
}

func (f *fakeMerger) Merge(_ context.Context, spec archive.MergeSpec) error {
	settled := 0
	if f.stager != nil {
		settled = f.stager.completed()
	}

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.specs = append(f.specs, spec)
	f.settled = append(f.settled, settled)
	f.mu.Unlock()

	if call <= f.failFirst {
		return fmt.Errorf("backend unavailable")
	}
	return nil
}

func (f *fakeMerger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSink collects failure events.
type fakeSink struct {
	mu     sync.Mutex
	events []FailureEvent
}

func (f *fakeSink) HandleFailure(_ context.Context, ev FailureEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) received() []FailureEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FailureEvent(nil), f.events...)
}

// recordingEmitter collects emitted event types.
type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, ev.EventType)
	return nil
}

func (r *recordingEmitter) Close() error { return nil }

func (r *recordingEmitter) countByType() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, typ := range r.types {
		counts[typ]++
	}
	return counts
}

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{MergeAttempts: 2, RetryBackoffMs: 1}
}

func testInput(chunks int) Input {
	tasks := make([]archive.ChunkTask, chunks)
	total := 0
	for i := range tasks {
		keys := []string{
			fmt.Sprintf("photo-%d-a.jpg", i),
			fmt.Sprintf("photo-%d-b.jpg", i),
		}
		tasks[i] = archive.ChunkTask{ChunkIndex: i, Keys: keys}
		total += len(keys)
	}
	return Input{
		Ref: archive.Ref{GalleryID: "g1", OrderID: "o1", Kind: archive.KindOriginal},
		Run: archive.Run{
			RunID:       "run-0123456789ab",
			ContentHash: "sha256:" + strings.Repeat("ab", 32),
			WorkerCount: chunks,
			Chunks:      tasks,
		},
		FilesTotal: total,
	}
}

func waitTerminal(t *testing.T, r *LocalRunner, executionID string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Describe(context.Background(), executionID)
		if err != nil {
			t.Fatalf("Describe failed: %v", err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s never settled", executionID)
	return Snapshot{}
}

func TestRunExecutesChunksThenMerges(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	st := &fakeStager{}
	mg := &fakeMerger{stager: st}
	sink := &fakeSink{}
	em := &recordingEmitter{}

	r := NewLocalRunner(testRunnerConfig(), store, st, mg, sink, em)
	defer r.Close()

	in := testInput(3)
	id, err := r.Start(context.Background(), in)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap := waitTerminal(t, r, id)

	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (cause: %s)", snap.Status, StatusSucceeded, snap.Cause)
	}
	if st.completed() != 3 {
		t.Errorf("staged %d chunks, want 3", st.completed())
	}
	if mg.callCount() != 1 {
		t.Fatalf("merge called %d times, want 1", mg.callCount())
	}
	if mg.settled[0] != 3 {
		t.Errorf("merge ran with %d of 3 chunks settled", mg.settled[0])
	}

	spec := mg.specs[0]
	if spec.RunID != in.Run.RunID {
		t.Errorf("merge runId = %s, want %s", spec.RunID, in.Run.RunID)
	}
	if spec.ContentHash != in.Run.ContentHash {
		t.Errorf("merge contentHash = %s, want %s", spec.ContentHash, in.Run.ContentHash)
	}
	if spec.FilesTotal != 6 {
		t.Errorf("merge filesTotal = %d, want 6", spec.FilesTotal)
	}

	if got := sink.received(); len(got) != 0 {
		t.Errorf("failure sink received %d events, want 0", len(got))
	}

	counts := em.countByType()
	if counts[events.TypeRunStarted] != 1 {
		t.Errorf("run started events = %d, want 1", counts[events.TypeRunStarted])
	}
	if counts[events.TypeChunkStaged] != 3 {
		t.Errorf("chunk staged events = %d, want 3", counts[events.TypeChunkStaged])
	}
	if counts[events.TypeMergeCompleted] != 1 {
		t.Errorf("merge completed events = %d, want 1", counts[events.TypeMergeCompleted])
	}

	// The run manifest lands inside the staging area.
	rc, err := store.StreamGet(context.Background(), archive.ManifestKey(in.Ref, in.Run.RunID))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	rc.Close()
}

func TestRunRetriesMergeWithinBudget(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	st := &fakeStager{}
	mg := &fakeMerger{stager: st, failFirst: 1}
	sink := &fakeSink{}

	r := NewLocalRunner(testRunnerConfig(), store, st, mg, sink, events.Noop())
	defer r.Close()

	id, err := r.Start(context.Background(), testInput(2))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap := waitTerminal(t, r, id)

	if snap.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s (cause: %s)", snap.Status, StatusSucceeded, snap.Cause)
	}
	if mg.callCount() != 2 {
		t.Errorf("merge called %d times, want 2", mg.callCount())
	}
	if got := sink.received(); len(got) != 0 {
		t.Errorf("failure sink received %d events, want 0", len(got))
	}
}

func TestRunRoutesChunkFailureToSink(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	st := &fakeStager{failIdx: map[int]bool{1: true}}
	mg := &fakeMerger{stager: st}
	sink := &fakeSink{}
	em := &recordingEmitter{}

	r := NewLocalRunner(testRunnerConfig(), store, st, mg, sink, em)
	defer r.Close()

	in := testInput(3)
	id, err := r.Start(context.Background(), in)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap := waitTerminal(t, r, id)

	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", snap.Status, StatusFailed)
	}
	if !strings.Contains(snap.Cause, "1 of 3 chunks") {
		t.Errorf("cause = %q, want chunk failure summary", snap.Cause)
	}
	if mg.callCount() != 0 {
		t.Errorf("merge called %d times after chunk failure, want 0", mg.callCount())
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("failure sink received %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.ExecutionID != id {
		t.Errorf("failure executionId = %s, want %s", ev.ExecutionID, id)
	}
	if ev.Status != StatusFailed {
		t.Errorf("failure status = %s, want %s", ev.Status, StatusFailed)
	}
	if ev.Attempts != 1 {
		t.Errorf("failure attempts = %d, want 1", ev.Attempts)
	}

	// The payload is the bare run input.
	var recovered Input
	if err := json.Unmarshal(ev.Payload, &recovered); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if recovered.Run.RunID != in.Run.RunID {
		t.Errorf("payload runId = %s, want %s", recovered.Run.RunID, in.Run.RunID)
	}
	if recovered.Ref != in.Ref {
		t.Errorf("payload ref = %v, want %v", recovered.Ref, in.Ref)
	}

	counts := em.countByType()
	if counts[events.TypeRunFailed] != 1 {
		t.Errorf("run failed events = %d, want 1", counts[events.TypeRunFailed])
	}
	if counts[events.TypeMergeCompleted] != 0 {
		t.Errorf("merge completed events = %d, want 0", counts[events.TypeMergeCompleted])
	}
}

func TestRunFailsMergeAfterBudget(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	st := &fakeStager{}
	mg := &fakeMerger{stager: st, failFirst: 99}
	sink := &fakeSink{}

	r := NewLocalRunner(testRunnerConfig(), store, st, mg, sink, events.Noop())
	defer r.Close()

	id, err := r.Start(context.Background(), testInput(2))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	snap := waitTerminal(t, r, id)

	if snap.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", snap.Status, StatusFailed)
	}
	if mg.callCount() != 2 {
		t.Errorf("merge called %d times, want 2 (attempt budget)", mg.callCount())
	}
	if !strings.Contains(snap.Cause, "backend unavailable") {
		t.Errorf("cause = %q, want merge error", snap.Cause)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("failure sink received %d events, want 1", len(got))
	}
	if got[0].Attempts != 2 {
		t.Errorf("failure attempts = %d, want 2", got[0].Attempts)
	}
}

func TestDescribeFallsBackToManifest(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	st := &fakeStager{}
	mg := &fakeMerger{stager: st}

	r1 := NewLocalRunner(testRunnerConfig(), store, st, mg, &fakeSink{}, events.Noop())
	in := testInput(2)
	id, err := r1.Start(context.Background(), in)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTerminal(t, r1, id)
	r1.Close()

	// A fresh runner has no registry entry, only the staged manifest.
	r2 := NewLocalRunner(testRunnerConfig(), store, st, mg, &fakeSink{}, events.Noop())
	defer r2.Close()

	snap, err := r2.Describe(context.Background(), id)
	if err != nil {
		t.Fatalf("Describe after restart failed: %v", err)
	}
	if snap.Status != StatusUnknown {
		t.Errorf("recovered status = %s, want %s", snap.Status, StatusUnknown)
	}
	if snap.Input == nil || snap.Input.Run.RunID != in.Run.RunID {
		t.Errorf("recovered input does not match run %s", in.Run.RunID)
	}

	if _, err := r2.Describe(context.Background(), "no-such-execution"); !errors.Is(err, ErrUnknownExecution) {
		t.Errorf("Describe unknown = %v, want ErrUnknownExecution", err)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	r := NewLocalRunner(testRunnerConfig(), store, &fakeStager{}, &fakeMerger{}, &fakeSink{}, events.Noop())
	defer r.Close()

	in := testInput(2)
	in.Run.Chunks = nil
	if _, err := r.Start(context.Background(), in); err == nil {
		t.Error("Start should reject a run with no chunks")
	}

	in = testInput(2)
	in.Run.RunID = "../../evil"
	if _, err := r.Start(context.Background(), in); err == nil {
		t.Error("Start should reject a malformed run token")
	}
}

func TestCloseCancelsInFlightRuns(t *testing.T) {
	store := storage.NewMemStore()
	defer store.Close()
	st := &fakeStager{block: true}
	mg := &fakeMerger{stager: st}
	sink := &fakeSink{}

	r := NewLocalRunner(testRunnerConfig(), store, st, mg, sink, events.Noop())

	id, err := r.Start(context.Background(), testInput(2))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	snap, err := r.Describe(context.Background(), id)
	if err != nil {
		t.Fatalf("Describe after Close failed: %v", err)
	}
	if snap.Status != StatusFailed {
		t.Errorf("status after Close = %s, want %s", snap.Status, StatusFailed)
	}
	if len(sink.received()) != 1 {
		t.Errorf("failure sink received %d events, want 1", len(sink.received()))
	}

	if _, err := r.Start(context.Background(), testInput(1)); err == nil {
		t.Error("Start should be rejected after Close")
	}
}
