// Package merge assembles the published ZIP archive for one order. It
// streams staged (or source) objects through a zip writer into fixed
// size parts of one multipart upload, so the archive is never buffered
// whole and appears at its final key atomically on completion.
package merge

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/state"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

// abortTimeout bounds the session abort after a failed run, which runs
// on its own context because the run's context may already be dead.
const abortTimeout = 30 * time.Second

// Assembler builds and publishes order archives.
type Assembler struct {
	store    storage.ObjectStore
	states   state.Store
	cfg      config.MergeConfig
	pageSize int
	log      *slog.Logger
}

// New creates an assembler. pageSize is the staging listing page size.
func New(cfg config.MergeConfig, store storage.ObjectStore, states state.Store, pageSize int) *Assembler {
	if cfg.EntryConcurrency < 1 {
		cfg.EntryConcurrency = 1
	}
	if cfg.EntryConcurrency > 16 {
		cfg.EntryConcurrency = 16
	}
	if cfg.PartsInFlight < 1 {
		cfg.PartsInFlight = 1
	}
	if pageSize < 1 {
		pageSize = 1000
	}
	return &Assembler{
		store:    store,
		states:   states,
		cfg:      cfg,
		pageSize: pageSize,
		log:      logging.Component("merge"),
	}
}

// entry is one object headed into the archive.
type entry struct {
	name    string // name inside the archive
	key     string // object key to read
	size    int64
	modTime time.Time
}

// Merge assembles the archive for a chunked run from its staging area,
// then deletes the staged objects and persists READY.
//
// Merge is safe to invoke more than once for the same run: the staging
// prefix is derived from the run ID, every attempt opens a fresh upload
// session, and sessions left pending at the archive key are aborted
// before the new one opens.
func (a *Assembler) Merge(ctx context.Context, spec archive.MergeSpec) error {
	if err := spec.Ref.Validate(); err != nil {
		return err
	}
	if err := archive.ValidateRunID(spec.RunID); err != nil {
		return err
	}

	log := logging.RunLogger(logging.GenerateCorrelationID(),
		spec.Ref.GalleryID, spec.Ref.OrderID, string(spec.Ref.Kind), spec.RunID)

	entries, err := a.stagedEntries(ctx, spec.Ref, spec.RunID)
	if err != nil {
		return fmt.Errorf("list staging for run %s: %w", spec.RunID, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("nothing staged for run %s: %w", spec.RunID, archive.ErrNoFiles)
	}
	if len(entries) != spec.FilesTotal {
		log.Warn("staged entry count differs from plan",
			"staged", len(entries), "planned", spec.FilesTotal)
	}

	if err := a.assemble(ctx, spec.Ref, spec.ContentHash, spec.ExpiresAt, entries, log); err != nil {
		return err
	}

	a.cleanupStaging(ctx, spec.Ref, spec.RunID, log)
	return a.commitReady(ctx, spec.Ref, spec.ContentHash)
}

// Direct assembles the archive straight from the source objects, with
// no staging area and no run. Used for orders under the chunk
// threshold.
func (a *Assembler) Direct(ctx context.Context, spec archive.MergeSpec, files []archive.FileStat) error {
	if err := spec.Ref.Validate(); err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s: %w", spec.Ref, archive.ErrNoFiles)
	}

	log := logging.RunLogger(logging.GenerateCorrelationID(),
		spec.Ref.GalleryID, spec.Ref.OrderID, string(spec.Ref.Kind), "")

	prefix := archive.SourcePrefix(spec.Ref)
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, entry{
			name:    f.Name,
			key:     prefix + f.Name,
			size:    f.Size,
			modTime: f.ModifiedAt,
		})
	}

	if err := a.assemble(ctx, spec.Ref, spec.ContentHash, spec.ExpiresAt, entries, log); err != nil {
		return err
	}
	return a.commitReady(ctx, spec.Ref, spec.ContentHash)
}

// assemble runs the upload session lifecycle:
//  1. Compute the archive metadata from the fingerprint and expiration.
//  2. Abort sessions left pending at the key, then open a fresh one.
//  3. Stream every entry through the zip writer; entry reads come from
//     a bounded fetch pool, zip bytes accumulate into fixed-size parts,
//     and full parts upload concurrently under an in-flight cap.
//  4. Flush the trailing part, verify the part sequence is gap-free,
//     and complete the session -- the atomic publish point.
//
// Any failure aborts the session so no half-written archive survives.
func (a *Assembler) assemble(ctx context.Context, ref archive.Ref, contentHash string, expiresAt *time.Time, entries []entry, log *slog.Logger) (err error) {
	key := archive.ArchiveKey(ref)
	labels := metrics.Labels{Kind: string(ref.Kind)}
	start := time.Now()

	if err := a.precheckCapacity(entries); err != nil {
		return err
	}

	metadata := map[string]string{storage.MetaContentHash: contentHash}
	if expiresAt != nil {
		metadata[storage.MetaExpiresAt] = expiresAt.UTC().Format(time.RFC3339)
	}

	if err := a.store.AbortPending(ctx, key); err != nil {
		log.Warn("aborting pending sessions failed", "key", key, "error", err)
	}
	session, err := a.store.MultipartCreate(ctx, key, metadata)
	if err != nil {
		return fmt.Errorf("open upload session for %s: %w", key, err)
	}
	log.Info("upload session open", "key", key, "session", session.ID(), "entries", len(entries))

	committed := false
	defer func() {
		if committed {
			return
		}
		// The run's context may already be canceled; abort on its own.
		abortCtx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if abortErr := session.Abort(abortCtx); abortErr != nil {
			log.Error("session abort failed, sweeper will collect it",
				"key", key, "session", session.ID(), "error", abortErr)
		}
	}()

	uploader := newPartUploader(ctx, session, a.cfg.PartsInFlight, labels)
	parts := newPartBuffer(a.cfg.PartSize.Int64(), uploader.enqueue)

	zw := zip.NewWriter(parts)
	if a.cfg.Compression == "deflate" {
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestSpeed)
		})
	}

	tracker := state.NewTracker(a.states, ref, len(entries))
	written, err := a.writeEntries(ctx, zw, entries, tracker, labels, log)
	if err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	if err := parts.Flush(); err != nil {
		return fmt.Errorf("flush trailing part: %w", err)
	}
	uploaded, err := uploader.Wait()
	if err != nil {
		return err
	}

	if err := session.Complete(ctx, uploaded); err != nil {
		return fmt.Errorf("complete upload for %s: %w", key, err)
	}
	committed = true
	tracker.Flush(ctx)

	var archiveBytes int64
	for _, p := range uploaded {
		archiveBytes += p.Size
	}
	if m := metrics.Get(); m != nil {
		m.ObserveArchiveBytes(labels, float64(archiveBytes))
		m.ObserveMergeDuration(labels, time.Since(start).Seconds())
	}
	log.Info("archive published",
		"key", key,
		"entries", written,
		"parts", len(uploaded),
		"bytes", archiveBytes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// precheckCapacity fails fast when the stored entry bytes alone already
// need more parts than a session allows. Only sound for the store
// method, where zip output cannot be smaller than its input.
func (a *Assembler) precheckCapacity(entries []entry) error {
	if a.cfg.Compression == "deflate" {
		return nil
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	need := int(total/a.cfg.PartSize.Int64()) + 1
	if need > storage.MaxParts {
		return &archive.CapacityError{Parts: need, MaxParts: storage.MaxParts}
	}
	return nil
}

// fetchResult is one prefetched entry reader, indexed so the zip loop
// can restore entry order.
type fetchResult struct {
	index  int
	r      io.ReadCloser
	cancel context.CancelFunc
	err    error
}

func (f *fetchResult) discard() {
	if f.r != nil {
		f.r.Close()
	}
	if f.cancel != nil {
		f.cancel()
	}
}

// writeEntries streams every entry into the zip writer. Reads are
// opened by a fixed pool of fetchers running ahead of the writer, with
// the window capped at the pool size so a stalled upload holds at most
// that many readers open. Entries that fail to open are skipped within
// the failure tolerance; an error mid-copy has already corrupted the
// zip stream and fails the run.
func (a *Assembler) writeEntries(ctx context.Context, zw *zip.Writer, entries []entry, tracker *state.Tracker, labels metrics.Labels, log *slog.Logger) (int, error) {
	workers := a.cfg.EntryConcurrency
	if workers > len(entries) {
		workers = len(entries)
	}

	fctx, cancel := context.WithCancel(ctx)
	jobs := make(chan int)
	results := make(chan fetchResult, workers)
	window := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				r, rcancel, err := a.openEntry(fctx, entries[idx].key)
				res := fetchResult{index: idx, r: r, cancel: rcancel, err: err}
				select {
				case results <- res:
				case <-fctx.Done():
					res.discard()
					return
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range entries {
			select {
			case window <- struct{}{}:
			case <-fctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-fctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]fetchResult)
	defer func() {
		cancel()
		for res := range results {
			res.discard()
		}
		for _, res := range pending {
			res.discard()
		}
	}()

	written, failed, next := 0, 0, 0
	for next < len(entries) {
		res, ok := <-results
		if !ok {
			return written, fmt.Errorf("entry fetchers exited before entry %d", next)
		}
		pending[res.index] = res

		for {
			res, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			e := entries[next]
			next++

			if res.err != nil {
				res.discard()
				failed++
				log.Warn("entry unreadable, skipping", "key", e.key, "error", res.err)
				if m := metrics.Get(); m != nil {
					m.AddEntriesFailed(labels, 1)
				}
				if float64(failed)/float64(len(entries)) > a.cfg.FailureTolerance {
					return written, &archive.PartialFailureError{
						Failed:    failed,
						Total:     len(entries),
						Tolerance: a.cfg.FailureTolerance,
					}
				}
				<-window
				continue
			}

			if err := a.writeEntry(zw, e, res.r); err != nil {
				res.discard()
				return written, err
			}
			res.discard()
			written++
			tracker.Add(ctx, 1)
			if m := metrics.Get(); m != nil {
				m.AddEntriesWritten(labels, 1)
			}
			<-window
		}
	}
	return written, nil
}

// writeEntry copies one object into the archive under its entry name.
func (a *Assembler) writeEntry(zw *zip.Writer, e entry, r io.Reader) error {
	hdr := &zip.FileHeader{
		Name:     e.name,
		Method:   zip.Store,
		Modified: e.modTime,
	}
	if a.cfg.Compression == "deflate" {
		hdr.Method = zip.Deflate
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", e.name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write entry %s: %w", e.name, err)
	}
	return nil
}

// openEntry opens one object read, bounded by the stream timeout when
// one is configured. The returned cancel must be called once the read
// is finished.
func (a *Assembler) openEntry(ctx context.Context, key string) (io.ReadCloser, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if timeout := a.cfg.StreamTimeout.Std(); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	r, err := a.store.StreamGet(ctx, key)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return r, cancel, nil
}

// stagedEntries lists the run's staging area and derives entry names by
// stripping the staging and chunk prefixes. The run manifest lives at
// the staging root and is not archive content.
func (a *Assembler) stagedEntries(ctx context.Context, ref archive.Ref, runID string) ([]entry, error) {
	prefix := archive.StagingPrefix(ref, runID)
	manifestKey := archive.ManifestKey(ref, runID)

	var entries []entry
	token := ""
	for {
		page, next, err := a.store.List(ctx, prefix, token, a.pageSize)
		if err != nil {
			return nil, err
		}
		for _, obj := range page {
			if obj.Key == manifestKey {
				continue
			}
			name, err := archive.EntryName(prefix, obj.Key)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{
				name:    name,
				key:     obj.Key,
				size:    obj.Size,
				modTime: obj.ModTime,
			})
		}
		if next == "" {
			return entries, nil
		}
		token = next
	}
}

// cleanupStaging deletes the run's staged objects after a successful
// publish. Best-effort: failures are logged and the staleness sweeper
// is the backstop.
func (a *Assembler) cleanupStaging(ctx context.Context, ref archive.Ref, runID string, log *slog.Logger) {
	prefix := archive.StagingPrefix(ref, runID)
	deleted := 0
	for {
		page, _, err := a.store.List(ctx, prefix, "", a.pageSize)
		if err != nil {
			log.Warn("listing staging for cleanup failed", "prefix", prefix, "error", err)
			return
		}
		if len(page) == 0 {
			log.Info("staging cleaned", "prefix", prefix, "deleted", deleted)
			return
		}
		keys := make([]string, len(page))
		for i, obj := range page {
			keys[i] = obj.Key
		}
		if err := a.store.BatchDelete(ctx, keys); err != nil {
			log.Warn("staging cleanup failed, sweeper will collect it",
				"prefix", prefix, "error", err)
			return
		}
		deleted += len(keys)
	}
}

// commitReady clears GENERATING and persists READY with the published
// fingerprint. If this write loses (for example the failure handler
// already recorded an error), the archive itself is still current, and
// the next trigger short-circuits off its metadata.
func (a *Assembler) commitReady(ctx context.Context, ref archive.Ref, contentHash string) error {
	if err := a.states.Transition(ctx, ref, state.StatusGenerating, state.Ready(contentHash)); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStateErrors(metrics.Labels{Operation: "commit_ready"})
		}
		return fmt.Errorf("persist READY for %s: %w", ref, err)
	}
	return nil
}

// partBuffer accumulates zip output into fixed-size parts and hands
// each full part to send. Flush sends whatever remains.
type partBuffer struct {
	size int64
	buf  []byte
	send func([]byte) error
}

func newPartBuffer(size int64, send func([]byte) error) *partBuffer {
	return &partBuffer{
		size: size,
		buf:  make([]byte, 0, size),
		send: send,
	}
}

func (b *partBuffer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		room := int(b.size) - len(b.buf)
		if room == 0 {
			if err := b.flush(); err != nil {
				return written, err
			}
			continue
		}
		n := min(room, len(p))
		b.buf = append(b.buf, p[:n]...)
		p = p[n:]
		written += n
	}
	return written, nil
}

// Flush hands the trailing partial part to the uploader.
func (b *partBuffer) Flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	return b.flush()
}

func (b *partBuffer) flush() error {
	data := b.buf
	b.buf = make([]byte, 0, b.size)
	return b.send(data)
}

// partUploader uploads parts concurrently under an in-flight cap,
// assigning part numbers monotonically as parts are enqueued.
type partUploader struct {
	ctx     context.Context
	session storage.MultipartSession
	sem     chan struct{}
	labels  metrics.Labels

	wg    sync.WaitGroup
	mu    sync.Mutex
	parts []storage.Part
	err   error
	next  int
}

func newPartUploader(ctx context.Context, session storage.MultipartSession, inFlight int, labels metrics.Labels) *partUploader {
	return &partUploader{
		ctx:     ctx,
		session: session,
		sem:     make(chan struct{}, inFlight),
		labels:  labels,
		next:    1,
	}
}

// enqueue takes ownership of data and uploads it as the next part.
// Blocks while the in-flight cap is reached, which is the back-pressure
// that stalls the zip writer.
func (u *partUploader) enqueue(data []byte) error {
	u.mu.Lock()
	if u.err != nil {
		err := u.err
		u.mu.Unlock()
		return err
	}
	number := u.next
	u.next++
	u.mu.Unlock()

	if number > storage.MaxParts {
		err := &archive.CapacityError{Parts: number, MaxParts: storage.MaxParts}
		u.fail(err)
		return err
	}

	select {
	case u.sem <- struct{}{}:
	case <-u.ctx.Done():
		return u.ctx.Err()
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer func() { <-u.sem }()

		if m := metrics.Get(); m != nil {
			m.InFlightParts.Inc()
			defer m.InFlightParts.Dec()
		}

		part, err := u.session.UploadPart(u.ctx, number, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			u.fail(fmt.Errorf("upload part %d: %w", number, err))
			return
		}

		u.mu.Lock()
		u.parts = append(u.parts, part)
		u.mu.Unlock()
		if m := metrics.Get(); m != nil {
			m.IncPartsUploaded(u.labels)
		}
	}()
	return nil
}

func (u *partUploader) fail(err error) {
	u.mu.Lock()
	if u.err == nil {
		u.err = err
	}
	u.mu.Unlock()
}

// Wait blocks until every in-flight part settles, then returns the
// parts sorted by number after verifying the sequence is gap-free.
func (u *partUploader) Wait() ([]storage.Part, error) {
	u.wg.Wait()

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}

	sort.Slice(u.parts, func(i, j int) bool { return u.parts[i].Number < u.parts[j].Number })
	for i, p := range u.parts {
		if p.Number != i+1 {
			return nil, fmt.Errorf("part sequence has a gap: position %d holds part %d", i+1, p.Number)
		}
	}
	if len(u.parts) != u.next-1 {
		return nil, fmt.Errorf("uploaded %d parts, enqueued %d", len(u.parts), u.next-1)
	}
	return u.parts, nil
}
