package sequencer

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

var (
	ErrNotLoaded  = errors.New("no file loaded")
	ErrTimeFormat = errors.New("only metric (PPQ) time formats are supported")
	ErrEmpty      = errors.New("file has no events")
)

// LoadError is returned when a file cannot be read or understood.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Path, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

type EventKind int

const (
	EventNote EventKind = iota
	EventTempo
	EventMeter
)

// Event is one scheduled item at an absolute tick. Velocity 0 is a note-off.
type Event struct {
	Tick     uint64
	Kind     EventKind
	Track    int
	Channel  uint8
	Key      uint8
	Velocity uint8
	MPQ      uint32
	Num, Den uint8
}

// Song is a parsed file, ready to schedule.
type Song struct {
	Name       string
	PPQ        int
	Events     []Event
	Tempo      *TempoMap
	Meter      *MeterMap
	TotalTicks uint64
	TotalBeats int
	DurationMs int64
}

// LoadFile reads a standard MIDI file.
func LoadFile(path string) (*Song, error) {
	sm, err := smf.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	song, err := FromSMF(filepath.Base(path), sm)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return song, nil
}

// FromSMF merges all tracks into one tick-ordered event list and derives the
// tempo and meter maps.
func FromSMF(name string, sm *smf.SMF) (*Song, error) {
	mt, ok := sm.TimeFormat.(smf.MetricTicks)
	if !ok || mt.Resolution() == 0 {
		return nil, ErrTimeFormat
	}
	ppq := int(mt.Resolution())

	var (
		events []Event
		tempos []TempoChange
		meters []MeterChange
		total  uint64
	)
	for ti, track := range sm.Tracks {
		var tick uint64
		for _, ev := range track {
			tick += uint64(ev.Delta)
			if tick > total {
				total = tick
			}

			var bpm float64
			var num, den uint8
			switch {
			case ev.Message.GetMetaTempo(&bpm):
				if bpm <= 0 || math.IsInf(bpm, 0) {
					continue
				}
				mpq := BPMToMPQ(bpm)
				tempos = append(tempos, TempoChange{Tick: tick, MPQ: mpq})
				events = append(events, Event{Tick: tick, Kind: EventTempo, Track: ti, MPQ: mpq})

			case ev.Message.GetMetaMeter(&num, &den):
				meters = append(meters, MeterChange{Tick: tick, Numerator: num, Denominator: den})
				events = append(events, Event{Tick: tick, Kind: EventMeter, Track: ti, Num: num, Den: den})

			default:
				msg := midi.Message(ev.Message)
				var ch, key, vel uint8
				if msg.GetNoteStart(&ch, &key, &vel) {
					events = append(events, Event{Tick: tick, Kind: EventNote, Track: ti, Channel: ch, Key: key, Velocity: vel})
				} else if msg.GetNoteEnd(&ch, &key) {
					events = append(events, Event{Tick: tick, Kind: EventNote, Track: ti, Channel: ch, Key: key})
				}
			}
		}
	}
	if len(events) == 0 {
		return nil, ErrEmpty
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Tick < events[j].Tick })

	song := &Song{
		Name:       name,
		PPQ:        ppq,
		Events:     events,
		Tempo:      NewTempoMap(ppq, tempos),
		Meter:      NewMeterMap(ppq, meters),
		TotalTicks: total,
		TotalBeats: int(total / uint64(ppq)),
	}
	song.DurationMs = int64(math.Round(song.Tempo.TickToMs(float64(total))))
	return song, nil
}
