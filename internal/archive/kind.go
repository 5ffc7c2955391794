// Package archive defines the domain types shared across the generation
// pipeline: archive kinds, the storage key layout, content hashing, and
// the error taxonomy surfaced to callers.
package archive

import "fmt"

// Kind selects which object set of an order is archived.
type Kind string

const (
	// KindOriginal archives the files the customer uploaded.
	KindOriginal Kind = "original"
	// KindFinal archives the retouched files delivered back to the customer.
	KindFinal Kind = "final"
)

// ParseKind validates a raw kind string from a request path or event payload.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindOriginal, KindFinal:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string { return string(k) }

// Kinds returns every archivable kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindOriginal, KindFinal}
}
