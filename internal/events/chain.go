package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prooflab/gallery-archiver/internal/util"
)

// ErrNoChainHead indicates no previous event exists for a slot's chain.
var ErrNoChainHead = errors.New("no chain head found")

// ChainTracker persists the last event hash per archive slot so every
// new event can link back to its predecessor across process restarts.
type ChainTracker struct {
	mu       sync.RWMutex
	heads    map[string]string // chain key -> event hash
	filePath string
}

// NewChainTracker creates a tracker that persists heads under dir.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if dir == "" {
		dir = "./events"
	}
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}

	ct := &ChainTracker{
		heads:    make(map[string]string),
		filePath: filepath.Join(dir, "event-chain-heads.json"),
	}
	if err := ct.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load chain heads: %w", err)
	}
	return ct, nil
}

// GetHead returns the last event hash for a chain.
func (ct *ChainTracker) GetHead(chainKey string) (string, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	hash, ok := ct.heads[chainKey]
	if !ok || hash == "" {
		return "", ErrNoChainHead
	}
	return hash, nil
}

// SetHead records the hash of the event just emitted for a chain.
func (ct *ChainTracker) SetHead(chainKey, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.heads[chainKey] = eventHash
	return ct.save()
}

func (ct *ChainTracker) load() error {
	data, err := os.ReadFile(ct.filePath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &ct.heads)
}

// save writes the heads atomically through a temp file so a crash
// mid-write never corrupts the chain state.
func (ct *ChainTracker) save() error {
	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := ct.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, ct.filePath)
}

// seal stamps identity and chain linkage onto ev using the tracker's
// current head for the event's slot. The event hash is computed last so
// it covers everything else.
func (ct *ChainTracker) seal(ev *Event) error {
	prev, err := ct.GetHead(ev.Archive.ChainKey())
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	if ev.EventID == "" {
		ev.EventID = NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Producer == (ProducerInfo{}) {
		ev.Producer = producer
	}
	ev.Version = SchemaVersion
	ev.Chain.PrevEventHash = prev
	ev.Chain.EventHash = ComputeEventHash(ev)
	return nil
}
