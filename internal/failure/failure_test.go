package failure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/orchestrator"
	"github.com/prooflab/gallery-archiver/internal/state"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

const testRunID = "run-0123456789ab"

func testRef() archive.Ref {
	return archive.Ref{GalleryID: "g1", OrderID: "o1", Kind: archive.KindOriginal}
}

func testInput(ref archive.Ref) orchestrator.Input {
	return orchestrator.Input{
		Ref: ref,
		Run: archive.Run{
			RunID:       testRunID,
			ContentHash: "sha256:" + strings.Repeat("cd", 32),
			WorkerCount: 2,
			Chunks: []archive.ChunkTask{
				{ChunkIndex: 0, Keys: []string{"a.jpg"}},
				{ChunkIndex: 1, Keys: []string{"b.jpg"}},
			},
		},
		FilesTotal: 2,
	}
}

func seedStaging(t *testing.T, store storage.ObjectStore, ref archive.Ref, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		key := archive.StagedKey(ref, testRunID, i%2, fmt.Sprintf("photo-%02d.jpg", i))
		if err := store.StreamPut(ctx, key, strings.NewReader("staged bytes")); err != nil {
			t.Fatalf("seed %s failed: %v", key, err)
		}
	}
}

func countPrefix(t *testing.T, store storage.ObjectStore, prefix string) int {
	t.Helper()
	count := 0
	pageToken := ""
	for {
		infos, next, err := store.List(context.Background(), prefix, pageToken, 1000)
		if err != nil {
			t.Fatalf("list %s failed: %v", prefix, err)
		}
		count += len(infos)
		if next == "" {
			return count
		}
		pageToken = next
	}
}

func failureEvent(t *testing.T, in orchestrator.Input, cause string, attempts int) orchestrator.FailureEvent {
	t.Helper()
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal input failed: %v", err)
	}
	return orchestrator.FailureEvent{
		ExecutionID: "exec-1",
		Status:      orchestrator.StatusFailed,
		Payload:     payload,
		Cause:       cause,
		Attempts:    attempts,
	}
}

func TestHandleFailurePersistsErrorAndCleans(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()
	states := state.NewMemoryStore()
	defer states.Close()

	ref := testRef()
	in := testInput(ref)
	seedStaging(t, store, ref, 6)
	if err := states.Set(ctx, ref, state.Generating(time.Now())); err != nil {
		t.Fatalf("seed state failed: %v", err)
	}

	// A half-done multipart session is still open for the archive key.
	session, err := store.MultipartCreate(ctx, archive.ArchiveKey(ref), nil)
	if err != nil {
		t.Fatalf("MultipartCreate failed: %v", err)
	}
	if _, err := session.UploadPart(ctx, 1, strings.NewReader("partial"), 7); err != nil {
		t.Fatalf("UploadPart failed: %v", err)
	}

	h := NewHandler(states, store)
	if err := h.HandleFailure(ctx, failureEvent(t, in, "2 of 2 chunks failed staging", 1)); err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}

	st, err := states.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	if st.Status != state.StatusError {
		t.Fatalf("status = %s, want %s", st.Status, state.StatusError)
	}
	if st.Error != "2 of 2 chunks failed staging" {
		t.Errorf("error message = %q", st.Error)
	}
	if st.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", st.Attempts)
	}

	if n := countPrefix(t, store, archive.StagingPrefix(ref, testRunID)); n != 0 {
		t.Errorf("%d staging objects survived cleanup", n)
	}
	if n := countPrefix(t, store, ".multipart/"); n != 0 {
		t.Errorf("%d multipart parts survived abort", n)
	}
}

func TestHandleFailureAcceptsWrappedEnvelope(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()
	states := state.NewMemoryStore()
	defer states.Close()

	ref := testRef()
	in := testInput(ref)
	payload, err := json.Marshal(map[string]any{
		"executionId": "exec-1",
		"input":       in,
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	h := NewHandler(states, store)
	ev := orchestrator.FailureEvent{
		ExecutionID: "exec-1",
		Status:      orchestrator.StatusFailed,
		Payload:     payload,
		Cause:       "merge failed",
		Attempts:    2,
	}
	if err := h.HandleFailure(ctx, ev); err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}

	st, err := states.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	if st.Status != state.StatusError || st.Attempts != 2 {
		t.Errorf("state = %s attempts %d, want ERROR attempts 2", st.Status, st.Attempts)
	}
}

// staticDescriber answers every describe call with one snapshot.
type staticDescriber struct {
	snap orchestrator.Snapshot
}

func (s *staticDescriber) Describe(context.Context, string) (orchestrator.Snapshot, error) {
	return s.snap, nil
}

func TestHandleFailureFallsBackToDescribe(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()
	states := state.NewMemoryStore()
	defer states.Close()

	ref := testRef()
	in := testInput(ref)

	h := NewHandler(states, store)
	h.SetDescriber(&staticDescriber{snap: orchestrator.Snapshot{
		ExecutionID: "exec-1",
		Status:      orchestrator.StatusFailed,
		Input:       &in,
	}})

	ev := orchestrator.FailureEvent{
		ExecutionID: "exec-1",
		Status:      orchestrator.StatusFailed,
		Cause:       "worker lost",
		Attempts:    1,
	}
	if err := h.HandleFailure(ctx, ev); err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}

	st, err := states.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	if st.Status != state.StatusError {
		t.Errorf("status = %s, want %s", st.Status, state.StatusError)
	}
	if st.Error != "worker lost" {
		t.Errorf("error message = %q, want worker lost", st.Error)
	}
}

func TestHandleFailureIgnoresNonFailures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()
	states := state.NewMemoryStore()
	defer states.Close()

	ref := testRef()
	in := testInput(ref)
	if err := states.Set(ctx, ref, state.Generating(time.Now())); err != nil {
		t.Fatalf("seed state failed: %v", err)
	}

	h := NewHandler(states, store)
	for _, status := range []orchestrator.Status{orchestrator.StatusRunning, orchestrator.StatusSucceeded} {
		ev := failureEvent(t, in, "noise", 1)
		ev.Status = status
		if err := h.HandleFailure(ctx, ev); err != nil {
			t.Fatalf("HandleFailure(%s) failed: %v", status, err)
		}
	}

	st, err := states.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	if st.Status != state.StatusGenerating {
		t.Errorf("status = %s, want untouched %s", st.Status, state.StatusGenerating)
	}
}

func TestHandleFailureDropsForeignEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()
	states := state.NewMemoryStore()
	defer states.Close()

	h := NewHandler(states, store)
	ev := orchestrator.FailureEvent{
		ExecutionID: "exec-other",
		Status:      orchestrator.StatusFailed,
		Payload:     json.RawMessage(`{"widget": "spinner", "speed": 9}`),
		Cause:       "spinner jammed",
	}
	if err := h.HandleFailure(ctx, ev); err != nil {
		t.Fatalf("foreign event should be dropped, got: %v", err)
	}

	st, err := states.Get(ctx, testRef())
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	if st.Status != state.StatusNotStarted {
		t.Errorf("status = %s, want untouched %s", st.Status, state.StatusNotStarted)
	}
}

func TestHandleFailureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()
	states := state.NewMemoryStore()
	defer states.Close()

	ref := testRef()
	in := testInput(ref)
	seedStaging(t, store, ref, 4)

	h := NewHandler(states, store)
	ev := failureEvent(t, in, "merge failed", 2)
	if err := h.HandleFailure(ctx, ev); err != nil {
		t.Fatalf("first HandleFailure failed: %v", err)
	}
	if err := h.HandleFailure(ctx, ev); err != nil {
		t.Fatalf("second HandleFailure failed: %v", err)
	}

	st, err := states.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	if st.Status != state.StatusError || st.Attempts != 2 {
		t.Errorf("state = %s attempts %d after replay, want ERROR attempts 2", st.Status, st.Attempts)
	}
	if n := countPrefix(t, store, archive.StagingPrefix(ref, testRunID)); n != 0 {
		t.Errorf("%d staging objects survived replayed cleanup", n)
	}
}

func TestHandleFailureKeepsPublishedSlot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()
	states := state.NewMemoryStore()
	defer states.Close()

	ref := testRef()
	in := testInput(ref)
	seedStaging(t, store, ref, 3)
	if err := states.Set(ctx, ref, state.Ready(in.Run.ContentHash)); err != nil {
		t.Fatalf("seed state failed: %v", err)
	}

	h := NewHandler(states, store)
	if err := h.HandleFailure(ctx, failureEvent(t, in, "stale failure", 1)); err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}

	st, err := states.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get state failed: %v", err)
	}
	if st.Status != state.StatusReady {
		t.Errorf("status = %s, a stale failure must not unpublish READY", st.Status)
	}
	// The dead run's staging data still gets cleaned.
	if n := countPrefix(t, store, archive.StagingPrefix(ref, testRunID)); n != 0 {
		t.Errorf("%d staging objects survived cleanup", n)
	}
}
