package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxParts is the part-count ceiling for a single multipart upload,
// matching the S3 protocol limit. Emulated backends enforce the same
// ceiling so archives stay portable across stores.
const MaxParts = 10000

// Object metadata keys attached to published archives.
const (
	MetaContentHash = "content-hash"
	MetaExpiresAt   = "expires-at"
)

// ErrNotFound reports that the requested object does not exist.
// Both backends normalize their driver-specific not-found errors to
// this sentinel so callers can classify with errors.Is.
var ErrNotFound = errors.New("object not found")

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	ETag     string // MD5 for S3/GCS single-part objects, empty when unknown
	ModTime  time.Time
	Metadata map[string]string // only populated by Stat, never by List
}

// Part identifies one uploaded part of a multipart session.
type Part struct {
	Number int
	Size   int64
	ETag   string
}

// MultipartSession is one in-flight multipart upload. Nothing is
// visible at the target key until Complete returns; Abort discards
// everything uploaded so far.
type MultipartSession interface {
	// ID returns the backend's upload identifier, for logging.
	ID() string

	// Key returns the target object key.
	Key() string

	// UploadPart uploads one numbered part. Numbers start at 1 and the
	// set passed to Complete must be contiguous. size is the exact
	// length of r.
	UploadPart(ctx context.Context, number int, r io.Reader, size int64) (Part, error)

	// Complete publishes the object assembled from parts. This is the
	// atomic commit point: readers see either the previous object or
	// the fully assembled new one, never an intermediate state.
	Complete(ctx context.Context, parts []Part) error

	// Abort discards the session and any uploaded parts.
	Abort(ctx context.Context) error
}

// ObjectStore abstracts the blob backend holding source images, the
// per-run staging area, and published archives.
type ObjectStore interface {
	// StreamGet opens the object at key for reading. The caller must
	// close the returned reader.
	StreamGet(ctx context.Context, key string) (io.ReadCloser, error)

	// StreamPut writes r to key without buffering the whole object.
	// The write is atomic: the object appears only on success.
	StreamPut(ctx context.Context, key string, r io.Reader) error

	// Stat returns metadata for the object at key, including
	// user-defined object metadata.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns one page of objects under prefix. Pass an empty
	// pageToken for the first page; a returned empty token means the
	// listing is exhausted.
	List(ctx context.Context, prefix, pageToken string, pageSize int) ([]ObjectInfo, string, error)

	// Delete removes the object at key. Deleting a missing object is
	// a no-op.
	Delete(ctx context.Context, key string) error

	// BatchDelete removes all keys, continuing past individual
	// failures and returning them joined.
	BatchDelete(ctx context.Context, keys []string) error

	// MultipartCreate opens a multipart session targeting key. The
	// metadata is attached to the published object on Complete.
	MultipartCreate(ctx context.Context, key string, metadata map[string]string) (MultipartSession, error)

	// AbortPending aborts every multipart session still open for key,
	// reclaiming parts left behind by crashed runs.
	AbortPending(ctx context.Context, key string) error

	// Close releases any resources.
	Close() error
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend"` // "s3" | "gcs" | "file" | "mem" | "bucket"

	// S3 (native multipart; also works for MinIO and R2 via Endpoint)
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // custom endpoint, forces path-style addressing

	// Local filesystem
	Dir string `yaml:"dir"`

	// Portable driver URL for the "bucket" backend, e.g.
	// "s3://bucket?region=us-east-1" or "gs://bucket".
	URL string `yaml:"url"`
}

// New creates an object store based on configuration.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return OpenBucketStore(ctx, "gs://"+cfg.Bucket)
	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir required for file backend")
		}
		return NewFileStore(cfg.Dir)
	case "mem":
		return NewMemStore(), nil
	case "bucket":
		if cfg.URL == "" {
			return nil, fmt.Errorf("url required for bucket backend")
		}
		return OpenBucketStore(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
