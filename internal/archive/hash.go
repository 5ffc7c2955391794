package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const checksumPrefix = "sha256:"

// ComputeChecksum produces the sha256 fingerprint format used in archive
// metadata.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return checksumPrefix + hex.EncodeToString(hash[:])
}

// ComputeContentHash fingerprints a file set. The hash is insensitive to
// listing order: entries are sorted by name before hashing. Any change to
// a file's name, size, version tag or modification time changes the hash.
func ComputeContentHash(stats []FileStat) string {
	sorted := make([]FileStat, len(stats))
	copy(sorted, stats)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, s := range sorted {
		fmt.Fprintf(h, "%s\x1f%d\x1f%s\x1f%d\x1e", s.Name, s.Size, s.VersionTag, s.ModifiedAt.UTC().UnixMilli())
	}
	return checksumPrefix + hex.EncodeToString(h.Sum(nil))
}

// ValidContentHash reports whether s looks like a fingerprint this package
// produced.
func ValidContentHash(s string) bool {
	return strings.HasPrefix(s, checksumPrefix) && len(s) == len(checksumPrefix)+sha256.Size*2
}
