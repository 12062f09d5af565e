package sequencer

import (
	"math"
	"sort"
)

// DefaultMPQ is 120 BPM in microseconds per quarter note.
const DefaultMPQ = 500000

// TempoChange sets the tempo from Tick onward.
type TempoChange struct {
	Tick uint64
	MPQ  uint32 // microseconds per quarter note
}

func MPQToBPM(mpq uint32) float64 { return 60e6 / float64(mpq) }

func BPMToMPQ(bpm float64) uint32 { return uint32(math.Round(60e6 / bpm)) }

// TempoMap converts between ticks and milliseconds across tempo changes.
type TempoMap struct {
	ppq     float64
	changes []TempoChange
	startMs []float64 // elapsed ms at each change
}

// NewTempoMap sorts changes by tick and guarantees an entry at tick 0. When
// several changes share a tick the last one wins.
func NewTempoMap(ppq int, changes []TempoChange) *TempoMap {
	sorted := make([]TempoChange, 0, len(changes)+1)
	for _, c := range changes {
		if c.MPQ > 0 {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tick < sorted[j].Tick })

	var out []TempoChange
	if len(sorted) == 0 || sorted[0].Tick != 0 {
		out = append(out, TempoChange{Tick: 0, MPQ: DefaultMPQ})
	}
	for _, c := range sorted {
		if n := len(out); n > 0 && out[n-1].Tick == c.Tick {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}

	m := &TempoMap{ppq: float64(ppq), changes: out, startMs: make([]float64, len(out))}
	for i := 1; i < len(out); i++ {
		m.startMs[i] = m.startMs[i-1] + m.span(out[i-1].MPQ, float64(out[i].Tick-out[i-1].Tick))
	}
	return m
}

// span is the duration in ms of ticks at tempo mpq.
func (m *TempoMap) span(mpq uint32, ticks float64) float64 {
	return ticks * float64(mpq) / (m.ppq * 1000)
}

func (m *TempoMap) index(tick float64) int {
	i := sort.Search(len(m.changes), func(i int) bool { return float64(m.changes[i].Tick) > tick })
	if i == 0 {
		return 0
	}
	return i - 1
}

// TickToMs returns the elapsed time at tick.
func (m *TempoMap) TickToMs(tick float64) float64 {
	if tick <= 0 {
		return 0
	}
	i := m.index(tick)
	c := m.changes[i]
	return m.startMs[i] + m.span(c.MPQ, tick-float64(c.Tick))
}

// MsToTick is the inverse of TickToMs.
func (m *TempoMap) MsToTick(ms float64) float64 {
	if ms <= 0 {
		return 0
	}
	i := sort.Search(len(m.startMs), func(i int) bool { return m.startMs[i] > ms }) - 1
	if i < 0 {
		i = 0
	}
	c := m.changes[i]
	return float64(c.Tick) + (ms-m.startMs[i])*m.ppq*1000/float64(c.MPQ)
}

// At returns the tempo in effect at tick.
func (m *TempoMap) At(tick float64) uint32 {
	return m.changes[m.index(tick)].MPQ
}

func (m *TempoMap) Changes() []TempoChange {
	out := make([]TempoChange, len(m.changes))
	copy(out, m.changes)
	return out
}
