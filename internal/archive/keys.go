package archive

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Storage key layout. Everything lives in one bucket:
//
//	galleries/{gallery}/orders/{order}/{kind}/...    source objects, owned by the upload pipeline
//	staging/{gallery}/{order}/{runId}/{chunk}/...    per-run staging area
//	staging/{gallery}/{order}/{runId}/manifest.json  execution manifest, dies with the staging area
//	archives/{gallery}/{order}/{kind}.zip            published archives
const (
	SourceRoot  = "galleries/"
	StagingRoot = "staging/"
	ArchiveRoot = "archives/"

	// ManifestName is the run manifest's file name at the staging root.
	// It lives inside the staging area on purpose: whatever removes the
	// staging data removes the manifest with it.
	ManifestName = "manifest.json"
)

var (
	idPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{7,63}$`)
)

// skipSegments are derivative sub-paths the upload pipeline writes next to
// the full-size files. They never belong in a customer archive.
var skipSegments = map[string]bool{
	"thumbs":   true,
	"previews": true,
}

// NewRunID returns a fresh opaque run token.
func NewRunID() string {
	return uuid.New().String()
}

// ValidateRunID rejects run tokens that could not have been produced by
// NewRunID. Run IDs arrive in event payloads and are embedded in staging
// keys, so anything carrying path separators or dot segments must be
// refused before it reaches storage.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) {
		return &ValidationError{Field: "runId", Reason: fmt.Sprintf("malformed run token %q", id)}
	}
	return nil
}

func validateID(field, id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("unsafe identifier %q", id)}
	}
	return nil
}

// ValidateKey checks a source-relative object key from a request payload.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return &ValidationError{Field: "keys", Reason: "empty key"}
	case strings.HasPrefix(key, "/"):
		return &ValidationError{Field: "keys", Reason: fmt.Sprintf("absolute key %q", key)}
	case strings.Contains(key, ".."):
		return &ValidationError{Field: "keys", Reason: fmt.Sprintf("dot segment in key %q", key)}
	}
	return nil
}

// IsDerivativeKey reports whether a source-relative key points at a
// generated derivative rather than a deliverable file.
func IsDerivativeKey(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if skipSegments[seg] {
			return true
		}
	}
	return false
}

// SourcePrefix is where the order's objects of the given kind live.
func SourcePrefix(ref Ref) string {
	return fmt.Sprintf("%s%s/orders/%s/%s/", SourceRoot, ref.GalleryID, ref.OrderID, ref.Kind)
}

// StagingPrefix is the root of one run's staging area.
func StagingPrefix(ref Ref, runID string) string {
	return fmt.Sprintf("%s%s/%s/%s/", StagingRoot, ref.GalleryID, ref.OrderID, runID)
}

// ChunkPrefix is the staging sub-tree owned by one chunk worker.
func ChunkPrefix(ref Ref, runID string, chunkIndex int) string {
	return fmt.Sprintf("%s%d/", StagingPrefix(ref, runID), chunkIndex)
}

// StagedKey is the staging location for one source object.
func StagedKey(ref Ref, runID string, chunkIndex int, key string) string {
	return ChunkPrefix(ref, runID, chunkIndex) + key
}

// ArchiveKey is the published location of an order archive. It is stable
// across runs so a regeneration replaces the previous archive in place.
func ArchiveKey(ref Ref) string {
	return fmt.Sprintf("%s%s/%s/%s.zip", ArchiveRoot, ref.GalleryID, ref.OrderID, ref.Kind)
}

// ManifestKey is where a run's execution manifest is persisted for
// crash recovery.
func ManifestKey(ref Ref, runID string) string {
	return StagingPrefix(ref, runID) + ManifestName
}

// EntryName converts a staged key back into the name the object carries
// inside the archive: the staging prefix and the chunk index segment are
// stripped, leaving the source-relative key.
func EntryName(stagingPrefix, stagedKey string) (string, error) {
	rest := strings.TrimPrefix(stagedKey, stagingPrefix)
	if rest == stagedKey {
		return "", fmt.Errorf("staged key %q outside staging prefix %q", stagedKey, stagingPrefix)
	}
	_, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		return "", fmt.Errorf("staged key %q missing chunk segment", stagedKey)
	}
	return name, nil
}
