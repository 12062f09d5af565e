package multiplex

import (
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the inbound log.
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Console string    `json:"console"`
	Kind    string    `json:"kind"`
	Data    any       `json:"data,omitempty"`
}

func (m *Manager) record(id, kind string, data any) {
	m.events.Push(Event{
		ID:      uuid.New().String(),
		Time:    m.clk.Now(),
		Console: id,
		Kind:    kind,
		Data:    data,
	})
}

// Events returns logged events newer than since (zero for all), optionally
// restricted to one console, oldest first.
func (m *Manager) Events(since time.Time, consoleID string) []Event {
	return m.events.Filter(func(e Event) bool {
		if consoleID != "" && e.Console != consoleID {
			return false
		}
		return since.IsZero() || e.Time.After(since)
	})
}
