package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
)

func testRef() archive.Ref {
	return archive.Ref{GalleryID: "g1", OrderID: "o1", Kind: archive.KindOriginal}
}

func TestComputeEventHash(t *testing.T) {
	ev := Event{
		Version:   SchemaVersion,
		EventType: TypeRunStarted,
		Timestamp: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Archive: ArchiveInfo{
			GalleryID: "g1",
			OrderID:   "o1",
			Kind:      "original",
			RunID:     "run-12345678",
		},
		Details:  map[string]any{"files_total": 500},
		Producer: ProducerInfo{Name: "gallery-archiver", Version: "v0.1.0"},
	}

	ev.Chain.EventHash = ComputeEventHash(&ev)

	if ev.Chain.EventHash == "" {
		t.Error("EventHash should be computed")
	}
	if !strings.HasPrefix(ev.Chain.EventHash, "sha256:") {
		t.Errorf("EventHash should start with 'sha256:', got: %s", ev.Chain.EventHash)
	}

	// The hash field itself is excluded, so recomputing over the
	// hashed event reproduces the same value.
	if got := ComputeEventHash(&ev); got != ev.Chain.EventHash {
		t.Errorf("hash not reproducible: %s vs %s", got, ev.Chain.EventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	createEvent := func() Event {
		return Event{
			Version:   SchemaVersion,
			EventType: TypeMergeCompleted,
			Timestamp: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			Archive:   ArchiveInfo{GalleryID: "g1", OrderID: "o1", Kind: "final", RunID: "run-12345678"},
			Details: map[string]any{
				"zebra": "z",
				"alpha": "a",
			},
		}
	}

	ev1 := createEvent()
	ev1.Chain.PrevEventHash = "prev_hash_123"
	ev1.Chain.EventHash = ComputeEventHash(&ev1)

	ev2 := createEvent()
	ev2.Chain.PrevEventHash = "prev_hash_123"
	ev2.Chain.EventHash = ComputeEventHash(&ev2)

	if ev1.Chain.EventHash != ev2.Chain.EventHash {
		t.Errorf("identical events should produce identical hashes.\n  ev1: %s\n  ev2: %s",
			ev1.Chain.EventHash, ev2.Chain.EventHash)
	}
}

func TestHashChainDifferentPrevHash(t *testing.T) {
	createEvent := func() Event {
		return Event{
			EventType: TypeRunFailed,
			Archive:   ArchiveInfo{GalleryID: "g1", OrderID: "o1", Kind: "original"},
		}
	}

	ev1 := createEvent()
	ev1.Chain.PrevEventHash = "prev_hash_A"
	ev1.Chain.EventHash = ComputeEventHash(&ev1)

	ev2 := createEvent()
	ev2.Chain.PrevEventHash = "prev_hash_B"
	ev2.Chain.EventHash = ComputeEventHash(&ev2)

	if ev1.Chain.EventHash == ev2.Chain.EventHash {
		t.Error("different prev_hash should produce different event_hash")
	}
}

func TestHashChainDifferentContent(t *testing.T) {
	ev1 := Event{
		EventType: TypeChunkStaged,
		Archive:   ArchiveInfo{GalleryID: "g1", OrderID: "o1", Kind: "original"},
		Details:   map[string]any{"chunk_index": 0},
	}
	ev1.Chain.EventHash = ComputeEventHash(&ev1)

	ev2 := Event{
		EventType: TypeChunkStaged,
		Archive:   ArchiveInfo{GalleryID: "g1", OrderID: "o1", Kind: "original"},
		Details:   map[string]any{"chunk_index": 1},
	}
	ev2.Chain.EventHash = ComputeEventHash(&ev2)

	if ev1.Chain.EventHash == ev2.Chain.EventHash {
		t.Error("different content should produce different event_hash")
	}
}

func TestChainKey(t *testing.T) {
	info := ArchiveInfo{GalleryID: "g9", OrderID: "o3", Kind: "final", RunID: "run-12345678"}
	if got := info.ChainKey(); got != "g9/o3/final" {
		t.Errorf("ChainKey() = %s, want g9/o3/final", got)
	}
}

// readEmittedEvents loads every event document written under dir,
// skipping the chain head state file.
func readEmittedEvents(t *testing.T, dir string) []Event {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}

	var events []Event
	for _, entry := range entries {
		name := entry.Name()
		if name == "event-chain-heads.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s failed: %v", name, err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal %s failed: %v", name, err)
		}
		events = append(events, ev)
	}
	return events
}

// walkChain orders events by following prev_event_hash links from the
// genesis event (empty prev hash).
func walkChain(t *testing.T, events []Event) []Event {
	t.Helper()
	byPrev := make(map[string]Event, len(events))
	for _, ev := range events {
		byPrev[ev.Chain.PrevEventHash] = ev
	}

	ordered := make([]Event, 0, len(events))
	prev := ""
	for range events {
		ev, ok := byPrev[prev]
		if !ok {
			t.Fatalf("chain broken: no event links to %q", prev)
		}
		ordered = append(ordered, ev)
		prev = ev.Chain.EventHash
	}
	return ordered
}

func TestFileEmitterChainsEvents(t *testing.T) {
	dir := t.TempDir()
	em, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter failed: %v", err)
	}
	defer em.Close()

	ref := testRef()
	types := []string{TypeRunStarted, TypeChunkStaged, TypeMergeCompleted}
	for _, typ := range types {
		ev := Event{
			EventType: typ,
			Archive:   For(ref, "run-12345678"),
			Details:   map[string]any{"files_total": 500},
		}
		if err := em.Emit(context.Background(), ev); err != nil {
			t.Fatalf("Emit %s failed: %v", typ, err)
		}
	}

	events := readEmittedEvents(t, dir)
	if len(events) != 3 {
		t.Fatalf("got %d event files, want 3", len(events))
	}

	ordered := walkChain(t, events)
	for i, ev := range ordered {
		if ev.EventType != types[i] {
			t.Errorf("chain position %d: got %s, want %s", i, ev.EventType, types[i])
		}
		if ev.Version != SchemaVersion {
			t.Errorf("event %s: version %s, want %s", ev.EventType, ev.Version, SchemaVersion)
		}
		if ev.EventID == "" {
			t.Errorf("event %s: missing event ID", ev.EventType)
		}
		if got := ComputeEventHash(&ev); got != ev.Chain.EventHash {
			t.Errorf("event %s: stored hash does not verify", ev.EventType)
		}
	}
}

func TestFileEmitterChainsSlotsIndependently(t *testing.T) {
	dir := t.TempDir()
	em, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter failed: %v", err)
	}

	refA := testRef()
	refB := archive.Ref{GalleryID: "g2", OrderID: "o2", Kind: archive.KindFinal}

	for _, ref := range []archive.Ref{refA, refB} {
		ev := Event{EventType: TypeRunStarted, Archive: For(ref, "run-12345678")}
		if err := em.Emit(context.Background(), ev); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	for _, ev := range readEmittedEvents(t, dir) {
		if ev.Chain.PrevEventHash != "" {
			t.Errorf("slot %s: first event should have empty prev hash, got %s",
				ev.Archive.ChainKey(), ev.Chain.PrevEventHash)
		}
	}
}

func TestChainSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ref := testRef()

	em1, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter failed: %v", err)
	}
	if err := em1.Emit(context.Background(), Event{EventType: TypeRunStarted, Archive: For(ref, "run-12345678")}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	em1.Close()

	// A fresh emitter on the same directory continues the chain.
	em2, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter restart failed: %v", err)
	}
	if err := em2.Emit(context.Background(), Event{EventType: TypeRunFailed, Archive: For(ref, "run-12345678")}); err != nil {
		t.Fatalf("Emit after restart failed: %v", err)
	}

	events := readEmittedEvents(t, dir)
	if len(events) != 2 {
		t.Fatalf("got %d event files, want 2", len(events))
	}
	ordered := walkChain(t, events)
	if ordered[1].EventType != TypeRunFailed {
		t.Errorf("second chain entry = %s, want %s", ordered[1].EventType, TypeRunFailed)
	}
}

func TestHTTPEmitterDeliversEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode posted event failed: %v", err)
		}
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	em, err := NewHTTPEmitter(Config{Enabled: true, Sink: "http", Path: dir, Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}
	defer em.Close()

	ref := testRef()
	ev := Event{EventType: TypeRunStarted, Archive: For(ref, "run-12345678")}
	if err := em.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("endpoint received %d events, want 1", len(received))
	}
	got := received[0]
	if got.EventType != TypeRunStarted {
		t.Errorf("posted event type = %s, want %s", got.EventType, TypeRunStarted)
	}
	if got.Chain.EventHash == "" || got.EventID == "" {
		t.Error("posted event should be sealed with ID and hash")
	}

	// Local backup lands alongside the POST.
	if files := readEmittedEvents(t, dir); len(files) != 1 {
		t.Errorf("got %d backup files, want 1", len(files))
	}
}

func TestHTTPEmitterKeepsBackupWhenEndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	em, err := NewHTTPEmitter(Config{Enabled: true, Sink: "http", Path: dir, Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}

	// Short deadline cuts the retry loop off at the first backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ref := testRef()
	err = em.Emit(ctx, Event{EventType: TypeRunStarted, Archive: For(ref, "run-12345678")})
	if err == nil {
		t.Fatal("Emit should fail when the endpoint rejects every attempt")
	}

	if files := readEmittedEvents(t, dir); len(files) != 1 {
		t.Errorf("got %d backup files, want 1", len(files))
	}

	// The chain head only advances on accepted events.
	ct, err := NewChainTracker(dir)
	if err != nil {
		t.Fatalf("NewChainTracker failed: %v", err)
	}
	if _, err := ct.GetHead(For(ref, "").ChainKey()); !errors.Is(err, ErrNoChainHead) {
		t.Errorf("GetHead after failed emit = %v, want ErrNoChainHead", err)
	}
}

func TestNewEmitterDisabled(t *testing.T) {
	em := NewEmitter(Config{Enabled: false})
	ref := testRef()
	if err := em.Emit(context.Background(), Event{EventType: TypeRunStarted, Archive: For(ref, "")}); err != nil {
		t.Fatalf("disabled emitter should accept and drop events, got: %v", err)
	}
	if err := em.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
