package archive

import "time"

// Ref identifies one archive slot: a gallery, an order within it, and
// which object set of that order is being archived.
type Ref struct {
	GalleryID string `json:"galleryId"`
	OrderID   string `json:"orderId"`
	Kind      Kind   `json:"kind"`
}

func (r Ref) String() string {
	return r.GalleryID + "/" + r.OrderID + "/" + string(r.Kind)
}

// Validate rejects refs whose fields are empty or unsafe to embed in
// storage keys.
func (r Ref) Validate() error {
	if err := validateID("galleryId", r.GalleryID); err != nil {
		return err
	}
	if err := validateID("orderId", r.OrderID); err != nil {
		return err
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return &ValidationError{Field: "kind", Reason: err.Error()}
	}
	return nil
}

// Request asks for an archive to be generated for one slot.
type Request struct {
	Ref
	// Keys optionally pins the exact source objects to include, relative
	// to the slot's source prefix. When empty the file set is resolved by
	// listing the source prefix.
	Keys []string `json:"keys,omitempty"`
	// ContentHash optionally pins the fingerprint computed by the caller.
	// When empty a fresh fingerprint is computed from the resolved files.
	ContentHash string `json:"contentHash,omitempty"`
}

// Validate checks the ref and every explicit key.
func (r Request) Validate() error {
	if err := r.Ref.Validate(); err != nil {
		return err
	}
	for _, k := range r.Keys {
		if err := ValidateKey(k); err != nil {
			return err
		}
	}
	if r.ContentHash != "" && !ValidContentHash(r.ContentHash) {
		return &ValidationError{Field: "contentHash", Reason: "not a sha256 fingerprint"}
	}
	return nil
}

// FileStat is the per-object input to the content hash. VersionTag is the
// storage backend's version identifier for the object (ETag or MD5).
type FileStat struct {
	Name       string
	Size       int64
	VersionTag string
	ModifiedAt time.Time
}

// ChunkTask assigns a slice of source keys to one staging worker.
type ChunkTask struct {
	ChunkIndex int      `json:"chunkIndex"`
	Keys       []string `json:"keys"`
}

// Run describes one chunked generation attempt. The run ID namespaces the
// staging area so concurrent or retried runs never collide.
type Run struct {
	RunID       string      `json:"runId"`
	ContentHash string      `json:"contentHash"`
	WorkerCount int         `json:"workerCount"`
	Chunks      []ChunkTask `json:"chunks"`
}

// ChunkSpec is the full input handed to a staging worker. Prefixes are
// precomputed by the planner so workers stay ignorant of the key layout.
type ChunkSpec struct {
	Ref           Ref      `json:"ref"`
	RunID         string   `json:"runId"`
	ChunkIndex    int      `json:"chunkIndex"`
	Keys          []string `json:"keys"`
	SourcePrefix  string   `json:"sourcePrefix"`
	StagingPrefix string   `json:"stagingPrefix"`
}

// ChunkReport summarizes what one staging worker accomplished.
type ChunkReport struct {
	ChunkIndex   int   `json:"chunkIndex"`
	FilesStaged  int   `json:"filesStaged"`
	BytesStaged  int64 `json:"bytesStaged"`
	FilesMissing int   `json:"filesMissing"`
	FilesSkipped int   `json:"filesSkipped"`
	DurationMs   int64 `json:"durationMs"`
}

// MergeSpec is the input handed to the merge assembler once every chunk
// has settled.
type MergeSpec struct {
	Ref         Ref        `json:"ref"`
	RunID       string     `json:"runId"`
	ContentHash string     `json:"contentHash"`
	FilesTotal  int        `json:"filesTotal"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}
