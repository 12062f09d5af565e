package multiplex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/petervdpas/sirenconsole/internal/proto"
	"github.com/petervdpas/sirenconsole/internal/util"
)

// Snapshot is what survives a restart: the last configuration of every
// console and the playback state.
type Snapshot struct {
	SavedAt  time.Time                      `json:"savedAt"`
	Playback proto.PlaybackState            `json:"playback"`
	Consoles map[string]proto.PlaybackState `json:"consoles"`
	Configs  map[string]json.RawMessage     `json:"configs"`
}

// SaveSnapshot writes the snapshot atomically. It is a no-op without a
// snapshot path.
func (m *Manager) SaveSnapshot() error {
	if m.opts.SnapshotPath == "" {
		return nil
	}
	snap := Snapshot{
		SavedAt:  m.clk.Now(),
		Consoles: make(map[string]proto.PlaybackState),
		Configs:  make(map[string]json.RawMessage),
	}
	m.mu.RLock()
	snap.Playback = m.aggregate
	for _, id := range m.order {
		s := m.stations[id]
		snap.Consoles[id] = s.playback
		if s.config == nil {
			continue
		}
		b, err := json.Marshal(s.config)
		if err != nil {
			m.mu.RUnlock()
			return fmt.Errorf("config %s: %w", id, err)
		}
		snap.Configs[id] = b
	}
	m.mu.RUnlock()

	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return util.WriteJSONFile(m.opts.SnapshotPath, snap)
}

// LoadSnapshot seeds state from a previous run. A missing file is not an
// error. Consoles that are no longer configured are skipped.
func (m *Manager) LoadSnapshot() error {
	if m.opts.SnapshotPath == "" {
		return nil
	}
	var snap Snapshot
	if err := util.ReadJSONFile(m.opts.SnapshotPath, &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Playback.Playing = false
	m.aggregate = snap.Playback
	restored := 0
	for id, s := range m.stations {
		if pb, ok := snap.Consoles[id]; ok {
			pb.Playing = false
			s.playback = pb
		}
		raw, ok := snap.Configs[id]
		if !ok {
			continue
		}
		var cfg map[string]any
		if err := json.Unmarshal(raw, &cfg); err != nil || cfg == nil {
			log.Printf("MUX: snapshot config for %s unreadable, skipped", id)
			continue
		}
		s.config = cfg
		restored++
	}
	log.Printf("MUX: snapshot from %s restored (%d configurations)", snap.SavedAt.Format(time.RFC3339), restored)
	return nil
}
