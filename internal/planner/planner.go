// Package planner turns an archive request into an executable plan:
// it resolves the file set, fingerprints it, short-circuits when the
// published archive already matches, and decides between the
// single-worker path and the chunked fan-out path.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

// Mode is the execution path a plan selected.
type Mode string

const (
	// ModeReady short-circuits the run: the published archive already
	// matches the requested content.
	ModeReady Mode = "ready"
	// ModeSingle builds the archive in one worker, no staging area.
	ModeSingle Mode = "single"
	// ModeChunked fans staging out across workers, then merges.
	ModeChunked Mode = "chunked"
)

// Plan is the planner's decision for one request.
type Plan struct {
	Ref         archive.Ref
	Mode        Mode
	ContentHash string
	// Files is the resolved file set, names relative to the source
	// prefix. Populated for every mode so callers can report the count
	// even when the plan short-circuits.
	Files []archive.FileStat
	// Run carries the fan-out layout; nil unless ModeChunked.
	Run *archive.Run
}

// FilesTotal returns the number of files the plan covers.
func (p *Plan) FilesTotal() int { return len(p.Files) }

// Keys returns the relative source keys of the planned files.
func (p *Plan) Keys() []string {
	keys := make([]string, len(p.Files))
	for i, f := range p.Files {
		keys[i] = f.Name
	}
	return keys
}

// Planner resolves requests against the object store.
type Planner struct {
	store    storage.ObjectStore
	cfg      config.PlannerConfig
	pageSize int
	log      *slog.Logger
}

// New creates a planner. pageSize bounds source listing pages.
func New(cfg config.PlannerConfig, store storage.ObjectStore, pageSize int) *Planner {
	return &Planner{
		store:    store,
		cfg:      cfg,
		pageSize: pageSize,
		log:      logging.Component("planner"),
	}
}

// Plan resolves the request into an executable plan.
//
// Decision order:
//  1. Resolve the file set (explicit keys or source listing).
//  2. Reject empty sets with ErrNoFiles.
//  3. Fingerprint the set (caller-supplied hash wins).
//  4. Compare against the published archive's stored hash; a match
//     short-circuits to ModeReady with zero staging writes.
//  5. A stale archive with a different hash is deleted now, so a
//     half-finished regeneration can never be mistaken for current.
//  6. Pick single or chunked by the file-count threshold; chunked
//     plans get a fresh run ID and a verified partition.
func (p *Planner) Plan(ctx context.Context, req archive.Request) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	files, err := p.resolveFiles(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolve files for %s: %w", req.Ref, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", req.Ref, archive.ErrNoFiles)
	}

	contentHash := req.ContentHash
	if contentHash == "" {
		contentHash = archive.ComputeContentHash(files)
	}

	current, err := p.archiveIsCurrent(ctx, req.Ref, contentHash)
	if err != nil {
		return nil, err
	}
	if current {
		if m := metrics.Get(); m != nil {
			m.IncRunsShortCircuited(metrics.Labels{Kind: string(req.Kind)})
		}
		p.log.Info("archive already current, skipping generation",
			"gallery_id", req.GalleryID,
			"order_id", req.OrderID,
			"kind", req.Kind,
			"content_hash", contentHash)
		return &Plan{Ref: req.Ref, Mode: ModeReady, ContentHash: contentHash, Files: files}, nil
	}

	plan := &Plan{
		Ref:         req.Ref,
		ContentHash: contentHash,
		Files:       files,
	}

	if len(files) <= p.cfg.ChunkThreshold {
		plan.Mode = ModeSingle
		return plan, nil
	}

	workers := workerCount(len(files), p.cfg.FilesPerWorker, p.cfg.MaxWorkers)
	chunks := partition(plan.Keys(), workers)

	// A partition that loses or duplicates keys would silently produce
	// an incomplete archive; treat any mismatch as fatal.
	total := 0
	for _, c := range chunks {
		total += len(c.Keys)
	}
	if total != len(files) {
		return nil, fmt.Errorf("partition sum %d does not match file count %d for %s",
			total, len(files), req.Ref)
	}

	plan.Mode = ModeChunked
	plan.Run = &archive.Run{
		RunID:       archive.NewRunID(),
		ContentHash: contentHash,
		WorkerCount: workers,
		Chunks:      chunks,
	}
	return plan, nil
}

// resolveFiles produces the file set with the stats the fingerprint
// needs. Explicit keys are stat'ed individually; otherwise the source
// prefix is listed page by page.
func (p *Planner) resolveFiles(ctx context.Context, req archive.Request) ([]archive.FileStat, error) {
	prefix := archive.SourcePrefix(req.Ref)

	if len(req.Keys) > 0 {
		files := make([]archive.FileStat, 0, len(req.Keys))
		for _, key := range req.Keys {
			if archive.IsDerivativeKey(key) {
				continue
			}
			info, err := p.store.Stat(ctx, prefix+key)
			if err != nil {
				if storage.IsNotFound(err) {
					p.log.Warn("requested key missing from source, dropping",
						"gallery_id", req.GalleryID,
						"order_id", req.OrderID,
						"key", key)
					continue
				}
				return nil, err
			}
			files = append(files, archive.FileStat{
				Name:       key,
				Size:       info.Size,
				VersionTag: info.ETag,
				ModifiedAt: info.ModTime,
			})
		}
		return files, nil
	}

	var files []archive.FileStat
	token := ""
	for {
		page, next, err := p.store.List(ctx, prefix, token, p.pageSize)
		if err != nil {
			return nil, err
		}
		for _, obj := range page {
			name := strings.TrimPrefix(obj.Key, prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			if archive.IsDerivativeKey(name) {
				continue
			}
			files = append(files, archive.FileStat{
				Name:       name,
				Size:       obj.Size,
				VersionTag: obj.ETag,
				ModifiedAt: obj.ModTime,
			})
		}
		if next == "" {
			return files, nil
		}
		token = next
	}
}

// archiveIsCurrent reports whether the published archive carries the
// same content hash. A stale archive is deleted here, before any new
// session opens at its key.
func (p *Planner) archiveIsCurrent(ctx context.Context, ref archive.Ref, contentHash string) (bool, error) {
	key := archive.ArchiveKey(ref)
	info, err := p.store.Stat(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat archive %s: %w", key, err)
	}

	if info.Metadata[storage.MetaContentHash] == contentHash {
		return true, nil
	}

	p.log.Info("stored archive is stale, deleting",
		"gallery_id", ref.GalleryID,
		"order_id", ref.OrderID,
		"kind", ref.Kind,
		"stored_hash", info.Metadata[storage.MetaContentHash],
		"want_hash", contentHash)
	if err := p.store.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("delete stale archive %s: %w", key, err)
	}
	return false, nil
}

// workerCount maps a file count onto the fan-out width: one worker
// per filesPerWorker files, clamped to [2, maxWorkers].
func workerCount(filesCount, filesPerWorker, maxWorkers int) int {
	n := (filesCount + filesPerWorker - 1) / filesPerWorker
	if n < 2 {
		n = 2
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

// partition splits keys into exactly n chunks whose sizes differ by at
// most one, preserving order within each chunk.
func partition(keys []string, n int) []archive.ChunkTask {
	chunks := make([]archive.ChunkTask, n)
	base := len(keys) / n
	extra := len(keys) % n

	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		chunks[i] = archive.ChunkTask{
			ChunkIndex: i,
			Keys:       keys[offset : offset+size],
		}
		offset += size
	}
	return chunks
}
