package sequencer

import "sort"

// MeterChange is a time signature starting at Tick, which falls on Bar.
type MeterChange struct {
	Tick        uint64
	Numerator   uint8
	Denominator uint8
	Bar         int
}

// MeterMap locates bars and beats. A beat is one quarter note and a bar holds
// Numerator beats.
type MeterMap struct {
	ppq     uint64
	changes []MeterChange
}

// NewMeterMap numbers bars by counting whole bars between successive changes.
// A 4/4 entry at tick 0 is added when the source has none.
func NewMeterMap(ppq int, changes []MeterChange) *MeterMap {
	sorted := make([]MeterChange, 0, len(changes)+1)
	for _, c := range changes {
		if c.Numerator > 0 && c.Denominator > 0 {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tick < sorted[j].Tick })

	var out []MeterChange
	if len(sorted) == 0 || sorted[0].Tick != 0 {
		out = append(out, MeterChange{Tick: 0, Numerator: 4, Denominator: 4})
	}
	for _, c := range sorted {
		if n := len(out); n > 0 && out[n-1].Tick == c.Tick {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}

	m := &MeterMap{ppq: uint64(ppq), changes: out}
	out[0].Bar = 1
	for i := 1; i < len(out); i++ {
		prev := out[i-1]
		out[i].Bar = prev.Bar + int((out[i].Tick-prev.Tick)/m.ticksPerBar(prev))
	}
	return m
}

func (m *MeterMap) ticksPerBar(c MeterChange) uint64 {
	return m.ppq * uint64(c.Numerator)
}

// At returns the meter in effect at tick.
func (m *MeterMap) At(tick uint64) MeterChange {
	i := sort.Search(len(m.changes), func(i int) bool { return m.changes[i].Tick > tick })
	if i == 0 {
		return m.changes[0]
	}
	return m.changes[i-1]
}

// BarBeat returns the 1-based bar and beat within the bar at tick.
func (m *MeterMap) BarBeat(tick uint64) (bar, beatInBar int, sig MeterChange) {
	sig = m.At(tick)
	since := tick - sig.Tick
	per := m.ticksPerBar(sig)
	bar = sig.Bar + int(since/per)
	beatInBar = int((since%per)/m.ppq) + 1
	return bar, beatInBar, sig
}

func (m *MeterMap) Changes() []MeterChange {
	out := make([]MeterChange, len(m.changes))
	copy(out, m.changes)
	return out
}
