// Package stager implements the chunk worker: it copies one chunk's
// assigned source objects into the run's staging area.
package stager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/metrics"
	"github.com/prooflab/gallery-archiver/internal/storage"
)

// Stager stages one chunk's objects under the run's staging prefix.
// It never touches the published archive or its upload session.
type Stager struct {
	store storage.ObjectStore
	cfg   config.StagerConfig
	log   *slog.Logger
}

// New creates a chunk worker backed by the given store.
func New(cfg config.StagerConfig, store storage.ObjectStore) *Stager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoffMs < 100 {
		cfg.RetryBackoffMs = 500
	}
	return &Stager{
		store: store,
		cfg:   cfg,
		log:   logging.Component("stager"),
	}
}

// Stage runs one chunk:
//  1. Validate the spec: run ID shape, key shapes, non-empty key set.
//  2. Copy each key from sourcePrefix+key to stagingPrefix+chunkIndex/key,
//     streaming, with bounded per-key retry on transient errors. Vanished
//     source objects are skipped with a log line; derivative sub-paths are
//     never staged.
//  3. Fail the chunk when nothing staged, or when more than the configured
//     tolerance of keys went missing. Partial success below the tolerance
//     is reported, not fatal.
func (s *Stager) Stage(ctx context.Context, spec archive.ChunkSpec) (*archive.ChunkReport, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	log := logging.ChunkLogger(logging.RunLogger(
		logging.GenerateCorrelationID(),
		spec.Ref.GalleryID,
		spec.Ref.OrderID,
		string(spec.Ref.Kind),
		spec.RunID,
	), spec.ChunkIndex)
	labels := metrics.Labels{Kind: string(spec.Ref.Kind)}

	log.Info("staging chunk", "keys", len(spec.Keys))
	start := time.Now()

	report := &archive.ChunkReport{ChunkIndex: spec.ChunkIndex}
	chunkDir := spec.StagingPrefix + strconv.Itoa(spec.ChunkIndex) + "/"

	for _, key := range spec.Keys {
		if archive.IsDerivativeKey(key) {
			report.FilesSkipped++
			continue
		}

		n, err := s.stageObject(ctx, spec.SourcePrefix+key, chunkDir+key, labels, log)
		if err != nil {
			if storage.IsNotFound(err) {
				log.Warn("source object missing, skipping", "key", key)
				report.FilesMissing++
				if m := metrics.Get(); m != nil {
					m.AddFilesMissing(labels, 1)
				}
				continue
			}
			if m := metrics.Get(); m != nil {
				m.IncChunksFailed(labels)
			}
			return nil, err
		}

		report.FilesStaged++
		report.BytesStaged += n
	}

	if err := s.checkLosses(spec, report); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncChunksFailed(labels)
		}
		return nil, err
	}

	report.DurationMs = time.Since(start).Milliseconds()

	if m := metrics.Get(); m != nil {
		m.IncChunksStaged(labels)
		m.AddFilesStaged(labels, float64(report.FilesStaged))
		m.AddBytesStaged(labels, float64(report.BytesStaged))
		m.ObserveChunkDuration(labels, time.Since(start).Seconds())
	}

	log.Info("chunk staged",
		"files_staged", report.FilesStaged,
		"bytes_staged", report.BytesStaged,
		"files_missing", report.FilesMissing,
		"files_skipped", report.FilesSkipped,
		"duration_ms", report.DurationMs,
	)
	return report, nil
}

// validateSpec rejects specs whose identifiers could escape the staging
// prefix or whose key set is empty.
func validateSpec(spec archive.ChunkSpec) error {
	if err := spec.Ref.Validate(); err != nil {
		return err
	}
	if err := archive.ValidateRunID(spec.RunID); err != nil {
		return err
	}
	if spec.ChunkIndex < 0 {
		return &archive.ValidationError{Field: "chunkIndex", Reason: "negative"}
	}
	if len(spec.Keys) == 0 {
		return &archive.ValidationError{Field: "keys", Reason: "empty"}
	}
	for _, key := range spec.Keys {
		if err := archive.ValidateKey(key); err != nil {
			return err
		}
	}
	return nil
}

// stageObject copies one object with bounded retry. Not-found is returned
// as-is on the first attempt; transient errors are retried with
// exponential backoff until the attempt budget is spent.
func (s *Stager) stageObject(ctx context.Context, srcKey, dstKey string, labels metrics.Labels, log *slog.Logger) (int64, error) {
	for attempt := 0; ; attempt++ {
		n, err := s.copyObject(ctx, srcKey, dstKey)
		if err == nil {
			return n, nil
		}
		if storage.IsNotFound(err) {
			return 0, err
		}
		if attempt >= s.cfg.MaxAttempts-1 {
			return 0, &archive.TransientError{
				Op:  fmt.Sprintf("stage %s after %d attempts", srcKey, attempt+1),
				Err: err,
			}
		}

		log.Warn("staging object failed, retrying", "key", srcKey, "attempt", attempt+1, "error", err)
		if m := metrics.Get(); m != nil {
			retryLabels := labels
			retryLabels.Operation = "stage_object"
			m.IncRetryAttempts(retryLabels)
		}

		backoff := time.Duration(s.cfg.RetryBackoffMs*(1<<attempt)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// copyObject streams srcKey to dstKey without buffering the whole object.
func (s *Stager) copyObject(ctx context.Context, srcKey, dstKey string) (int64, error) {
	if timeout := s.cfg.StreamTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r, err := s.store.StreamGet(ctx, srcKey)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	counted := &countingReader{r: r}
	if err := s.store.StreamPut(ctx, dstKey, counted); err != nil {
		return 0, fmt.Errorf("put %s: %w", dstKey, err)
	}
	return counted.n, nil
}

// checkLosses enforces the nothing-staged rule and the missing tolerance.
func (s *Stager) checkLosses(spec archive.ChunkSpec, report *archive.ChunkReport) error {
	assigned := len(spec.Keys) - report.FilesSkipped
	if assigned <= 0 {
		return nil
	}
	if report.FilesStaged == 0 {
		return &archive.PartialFailureError{
			Failed:    report.FilesMissing,
			Total:     assigned,
			Tolerance: s.cfg.MissingTolerance,
		}
	}
	if float64(report.FilesMissing)/float64(assigned) > s.cfg.MissingTolerance {
		return &archive.PartialFailureError{
			Failed:    report.FilesMissing,
			Total:     assigned,
			Tolerance: s.cfg.MissingTolerance,
		}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
