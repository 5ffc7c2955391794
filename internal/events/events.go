// Package events emits structured lifecycle events for archive runs:
// run started, chunks staged, merge completed, run failed, retry
// requested. Events are schema versioned and hash chained per archive
// slot so a consumer can detect gaps or tampering. Emission is always
// best-effort from the pipeline's point of view; callers log and move
// on when an emit fails.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/logging"
)

// SchemaVersion is the event schema carried in every emitted document.
const SchemaVersion = "1.0"

// Event types.
const (
	TypeRunStarted     = "archive_run_started"
	TypeChunkStaged    = "archive_chunk_staged"
	TypeMergeCompleted = "archive_merge_completed"
	TypeRunFailed      = "archive_run_failed"
	TypeRetryRequested = "archive_retry_requested"
)

// Event is one lifecycle event document.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Archive  ArchiveInfo    `json:"archive"`
	Details  map[string]any `json:"details,omitempty"`
	Producer ProducerInfo   `json:"producer"`
	Chain    ChainInfo      `json:"chain"`
}

// ArchiveInfo identifies the archive slot and run the event belongs to.
type ArchiveInfo struct {
	GalleryID string `json:"gallery_id"`
	OrderID   string `json:"order_id"`
	Kind      string `json:"kind"`
	RunID     string `json:"run_id,omitempty"`
}

// ProducerInfo identifies the software that emitted the event.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links each event to the previous one for its slot.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the hash-chain identity for this archive slot.
func (a ArchiveInfo) ChainKey() string {
	return a.GalleryID + "/" + a.OrderID + "/" + a.Kind
}

// producer identifies this binary in emitted events. main overrides the
// defaults at startup, before any emitter runs.
var producer = ProducerInfo{Name: "gallery-archiver", Version: "v0.1.0", GitSHA: "unknown"}

// SetProducer overrides the identity stamped on emitted events.
func SetProducer(name, version, gitSHA string) {
	producer = ProducerInfo{Name: name, Version: version, GitSHA: gitSHA}
}

// For builds the ArchiveInfo for a ref and run.
func For(ref archive.Ref, runID string) ArchiveInfo {
	return ArchiveInfo{
		GalleryID: ref.GalleryID,
		OrderID:   ref.OrderID,
		Kind:      string(ref.Kind),
		RunID:     runID,
	}
}

// ComputeEventHash hashes the canonical JSON of the event with the
// event_hash field blanked, so the hash can be embedded in the event.
func ComputeEventHash(ev *Event) string {
	cp := *ev
	cp.Chain.EventHash = ""
	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewEventID creates a unique event ID.
func NewEventID() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	return "arc_evt_" + hex.EncodeToString(sum[:8])
}

// Emitter delivers lifecycle events to wherever they are configured to
// go.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Config selects and parameterizes the emitter. Path is the directory
// the file sink (and the http sink's local backup) writes into.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Sink     string `yaml:"sink"` // "file" | "http"
	Path     string `yaml:"path"`
	Endpoint string `yaml:"endpoint"`
}

// NewEmitter builds the configured emitter. Disabled or broken
// configurations degrade to a no-op emitter so the pipeline never
// depends on eventing.
func NewEmitter(cfg Config) Emitter {
	log := logging.Component("events")
	if !cfg.Enabled {
		return &noopEmitter{}
	}

	if cfg.Sink == "http" && cfg.Endpoint != "" {
		em, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("http emitter unavailable, falling back to file sink", "error", err)
			return newFileOrNoop(cfg, log)
		}
		log.Info("emitting events over http", "endpoint", cfg.Endpoint)
		return em
	}

	return newFileOrNoop(cfg, log)
}

func newFileOrNoop(cfg Config, log interface{ Warn(string, ...any) }) Emitter {
	em, err := NewFileEmitter(cfg.Path)
	if err != nil {
		log.Warn("file emitter unavailable, events disabled", "error", err)
		return &noopEmitter{}
	}
	return em
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (n *noopEmitter) Emit(context.Context, Event) error { return nil }
func (n *noopEmitter) Close() error                      { return nil }

// Noop returns an emitter that discards everything, for tests and for
// components constructed without eventing.
func Noop() Emitter { return &noopEmitter{} }
