package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
)

// Tracker throttles progress persistence so a large run writes on the
// order of twenty snapshots, not one per file. A write happens when
// enough entries accumulated since the last one or when the run has
// been quiet for the heartbeat interval, whichever comes first. Flush
// forces the final snapshot out regardless of cadence.
type Tracker struct {
	store Store
	ref   archive.Ref
	total int
	every int
	beat  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	processed int
	flushed   int
	lastWrite time.Time
}

// NewTracker creates a tracker for a run of total entries. Writes are
// advisory: persistence failures are logged and never interrupt the
// run.
func NewTracker(store Store, ref archive.Ref, total int) *Tracker {
	every := total / 20
	if every < 1 {
		every = 1
	}
	return &Tracker{
		store: store,
		ref:   ref,
		total: total,
		every: every,
		beat:  2 * time.Second,
		now:   time.Now,
	}
}

// Add records n more processed entries, persisting a snapshot when the
// cadence allows.
func (t *Tracker) Add(ctx context.Context, n int) {
	t.mu.Lock()
	t.processed += n
	due := t.lastWrite.IsZero() ||
		t.processed-t.flushed >= t.every ||
		t.now().Sub(t.lastWrite) >= t.beat
	if !due {
		t.mu.Unlock()
		return
	}
	processed := t.processed
	t.flushed = processed
	t.lastWrite = t.now()
	t.mu.Unlock()

	t.write(ctx, processed)
}

// Flush persists the current count unconditionally.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	processed := t.processed
	t.flushed = processed
	t.lastWrite = t.now()
	t.mu.Unlock()

	t.write(ctx, processed)
}

func (t *Tracker) write(ctx context.Context, processed int) {
	if err := t.store.SetProgress(ctx, t.ref, processed, t.total); err != nil {
		slog.Warn("progress write failed",
			"gallery_id", t.ref.GalleryID,
			"order_id", t.ref.OrderID,
			"kind", t.ref.Kind,
			"error", err)
	}
}
