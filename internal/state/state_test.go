package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
)

func testRef() archive.Ref {
	return archive.Ref{GalleryID: "g1", OrderID: "o1", Kind: archive.KindOriginal}
}

func TestMemoryStoreMissingReadsAsNotStarted(t *testing.T) {
	store := NewMemoryStore()

	st, err := store.Get(context.Background(), testRef())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.Status != StatusNotStarted {
		t.Errorf("status = %s, want %s", st.Status, StatusNotStarted)
	}
}

func TestMemoryStoreTransitionGuards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref := testRef()

	// Fresh slot: NOT_STARTED -> GENERATING succeeds.
	if err := store.Transition(ctx, ref, StatusNotStarted, Generating(time.Now())); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}

	// Second trigger loses the race.
	err := store.Transition(ctx, ref, StatusNotStarted, Generating(time.Now()))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("concurrent transition = %v, want ErrConflict", err)
	}

	// Commit and verify retry is rejected from READY.
	if err := store.Set(ctx, ref, Ready("sha256:abc")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	err = store.Transition(ctx, ref, StatusError, Generating(time.Now()))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("retry from READY = %v, want ErrConflict", err)
	}

	// ERROR -> GENERATING is the retry path.
	if err := store.Set(ctx, ref, Failed("merge exploded", 1)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Transition(ctx, ref, StatusError, Generating(time.Now())); err != nil {
		t.Errorf("retry from ERROR failed: %v", err)
	}
}

func TestMemoryStoreKindsAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	original := archive.Ref{GalleryID: "g1", OrderID: "o1", Kind: archive.KindOriginal}
	final := archive.Ref{GalleryID: "g1", OrderID: "o1", Kind: archive.KindFinal}

	if err := store.Set(ctx, original, Ready("sha256:aaa")); err != nil {
		t.Fatalf("Set original failed: %v", err)
	}

	st, err := store.Get(ctx, final)
	if err != nil {
		t.Fatalf("Get final failed: %v", err)
	}
	if st.Status != StatusNotStarted {
		t.Errorf("final kind status = %s, want %s after touching original only", st.Status, StatusNotStarted)
	}
}

func TestMemoryStoreProgressOnlyWhileGenerating(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref := testRef()

	// Progress before GENERATING is dropped.
	if err := store.SetProgress(ctx, ref, 5, 10); err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}
	st, _ := store.Get(ctx, ref)
	if st.Progress != nil {
		t.Error("progress should not stick to a NOT_STARTED slot")
	}

	if err := store.Set(ctx, ref, Generating(time.Now())); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.SetProgress(ctx, ref, 5, 10); err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}
	st, _ = store.Get(ctx, ref)
	if st.Progress == nil || st.Progress.Processed != 5 || st.Progress.Percent != 50 {
		t.Errorf("progress = %+v, want processed 5 at 50%%", st.Progress)
	}

	// After READY the percentage is frozen out.
	if err := store.Set(ctx, ref, Ready("sha256:abc")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.SetProgress(ctx, ref, 9, 10); err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}
	st, _ = store.Get(ctx, ref)
	if st.Progress != nil {
		t.Errorf("progress = %+v, want nil after READY", st.Progress)
	}
}

func TestNewProgressPercent(t *testing.T) {
	cases := []struct {
		processed, total, want int
	}{
		{0, 100, 0},
		{33, 100, 33},
		{100, 100, 100},
		{1, 3, 33},
		{0, 0, 0},
	}
	for _, tc := range cases {
		if got := NewProgress(tc.processed, tc.total).Percent; got != tc.want {
			t.Errorf("NewProgress(%d, %d).Percent = %d, want %d", tc.processed, tc.total, got, tc.want)
		}
	}
}

func TestMemoryStoreImplementsStore(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*PostgresStore)(nil)
}
