package multiplex

import (
	"github.com/petervdpas/sirenconsole/internal/console"
	"github.com/petervdpas/sirenconsole/internal/proto"
	"github.com/petervdpas/sirenconsole/internal/siren"
)

type ConsoleStatus struct {
	console.Status
	Outputs       int                 `json:"outputs"`
	Transposition int                 `json:"transposition"`
	Playback      proto.PlaybackState `json:"playback"`
	HasConfig     bool                `json:"hasConfig"`
	GameMode      bool                `json:"gameMode"`
	Siren         *siren.Reading      `json:"siren,omitempty"`
}

type Status struct {
	Consoles  []ConsoleStatus     `json:"consoles"`
	Playback  proto.PlaybackState `json:"playback"`
	Connected int                 `json:"connected"`
	Total     int                 `json:"total"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Consoles: make([]ConsoleStatus, 0, len(m.order)),
		Playback: m.aggregate,
		Total:    len(m.order),
	}
	for _, id := range m.order {
		s := m.stations[id]
		cs := ConsoleStatus{
			Status:        s.conn.Status(),
			Outputs:       s.siren.Outputs,
			Transposition: s.siren.Transposition,
			Playback:      s.playback,
			HasConfig:     s.config != nil,
			GameMode:      s.gameMode,
		}
		if s.reading != nil {
			r := *s.reading
			cs.Siren = &r
		}
		if cs.Connected {
			st.Connected++
		}
		st.Consoles = append(st.Consoles, cs)
	}
	return st
}

// Config returns the last full configuration received from a console.
func (m *Manager) Config(id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stations[id]
	if !ok || s.config == nil {
		return nil, false
	}
	return cloneMap(s.config), true
}

func cloneMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

// Known reports whether id is a configured console.
func (m *Manager) Known(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stations[id]
	return ok
}

func (m *Manager) broadcastStatus() {
	if m.collab == nil {
		return
	}
	st := m.Status()
	m.collab.BroadcastJSON(map[string]any{
		"type":      proto.TypeConsoleStatus,
		"consoles":  st.Consoles,
		"playback":  st.Playback,
		"connected": st.Connected,
	})
}
