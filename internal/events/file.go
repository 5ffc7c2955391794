package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/util"
)

// FileEmitter writes each event to its own JSON file under a local
// directory. It is the default sink, and it doubles as the local
// backup path for the HTTP emitter.
type FileEmitter struct {
	dir   string
	chain *ChainTracker
	log   *slog.Logger
}

// NewFileEmitter creates an emitter that writes events under dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	if dir == "" {
		dir = "./events"
	}
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}

	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	return &FileEmitter{
		dir:   dir,
		chain: chain,
		log:   logging.Component("events"),
	}, nil
}

// Emit seals the event into its slot's chain and writes it to disk.
func (e *FileEmitter) Emit(_ context.Context, ev Event) error {
	if err := e.chain.seal(&ev); err != nil {
		return err
	}
	if err := e.save(&ev); err != nil {
		return err
	}
	if err := e.chain.SetHead(ev.Archive.ChainKey(), ev.Chain.EventHash); err != nil {
		e.log.Warn("chain head update failed", "chain", ev.Archive.ChainKey(), "error", err)
	}
	return nil
}

// save writes one event document. The name carries the slot, type and
// event ID so repeated events for a slot never overwrite each other.
func (e *FileEmitter) save(ev *Event) error {
	filename := fmt.Sprintf("%s_%s_%s_%s_%s.json",
		ev.Archive.GalleryID,
		ev.Archive.OrderID,
		ev.Archive.Kind,
		ev.EventType,
		ev.EventID,
	)
	path := filepath.Join(e.dir, filename)

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	e.log.Debug("event written",
		"path", path,
		"event_type", ev.EventType,
		"event_hash", ev.Chain.EventHash)
	return nil
}

// Close releases resources.
func (e *FileEmitter) Close() error { return nil }
