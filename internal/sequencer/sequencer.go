// Package sequencer plays a MIDI file against a wall clock and broadcasts
// position, tempo, meter and note traffic to the consoles.
package sequencer

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/sirenconsole/internal/frame"
	"github.com/petervdpas/sirenconsole/internal/proto"
	"github.com/petervdpas/sirenconsole/internal/util"
)

var logger = logging.Logger("sequencer")

var ErrTempo = errors.New("tempo must be between 1 and 65535 BPM")

// Sink receives everything the sequencer emits.
type Sink interface {
	BroadcastBinary(b []byte) int
	Broadcast(cmd proto.Command) int
	UpdatePlayback(st proto.PlaybackState)
}

type Status int

const (
	Stopped Status = iota
	Playing
	Paused
)

func (s Status) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return "stopped"
}

// Sequencer owns the loaded song and its play cursor.
type Sequencer struct {
	sink   Sink
	clk    clock.Clock
	period time.Duration

	mu     sync.Mutex
	emitMu sync.Mutex // keeps emissions in the order they were produced

	song   *Song
	path   string
	status Status
	cursor int
	tick   float64
	mpq    uint32 // tempo used for time→tick conversion
	meter  MeterChange

	anchorTime time.Time
	anchorTick float64

	task *util.Task
}

// New returns a stopped sequencer. period is the tick interval.
func New(sink Sink, clk clock.Clock, period time.Duration) *Sequencer {
	if clk == nil {
		clk = clock.New()
	}
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	return &Sequencer{sink: sink, clk: clk, period: period, mpq: DefaultMPQ}
}

// batch collects output while the state lock is held.
type batch struct {
	frames [][]byte
	cmds   []proto.Command
	state  *proto.PlaybackState
}

func (b *batch) frame(f frame.Frame) { b.frames = append(b.frames, frame.Encode(f)) }

// release hands the lock over to the emitter so output order matches state
// order without holding mu while writing to consoles.
func (s *Sequencer) release(b *batch) {
	st := s.stateLocked()
	b.state = &st
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	if s.sink == nil {
		return
	}
	for _, c := range b.cmds {
		s.sink.Broadcast(c)
	}
	for _, f := range b.frames {
		s.sink.BroadcastBinary(f)
	}
	s.sink.UpdatePlayback(*b.state)
}

// Load reads path and resets to Stopped at tick 0. On failure the current
// song and position are kept.
func (s *Sequencer) Load(path string) error {
	song, err := LoadFile(path)
	if err != nil {
		log.Printf("SEQ: %v", err)
		return err
	}

	s.mu.Lock()
	s.cancelTaskLocked()
	s.song = song
	s.path = path
	s.resetLocked()
	log.Printf("SEQ: loaded %s (%d events, ppq %d, %d beats, %d ms)", song.Name, len(song.Events), song.PPQ, song.TotalBeats, song.DurationMs)

	var b batch
	b.frame(s.fileInfoLocked())
	s.positionLocked(&b)
	b.frame(frame.Tempo{BPM: bpmWord(s.mpq)})
	b.frame(frame.TimeSig{Numerator: s.meter.Numerator, Denominator: s.meter.Denominator})
	s.release(&b)
	return nil
}

func (s *Sequencer) resetLocked() {
	s.status = Stopped
	s.cursor = 0
	s.tick = 0
	s.anchorTick = 0
	s.mpq = DefaultMPQ
	if s.song != nil {
		s.mpq = s.song.Tempo.At(0)
		s.meter = s.song.Meter.At(0)
	}
}

// Play starts or resumes from the current position.
func (s *Sequencer) Play() error {
	s.mu.Lock()
	if s.song == nil {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if s.status == Playing {
		s.mu.Unlock()
		return nil
	}
	s.status = Playing
	s.anchorTime = s.clk.Now()
	s.anchorTick = s.tick
	s.task = util.Every(s.clk, "sequencer", s.period, s.Tick)
	log.Printf("SEQ: play from tick %.0f", s.tick)

	var b batch
	b.frame(s.fileInfoLocked())
	b.frame(frame.Tempo{BPM: bpmWord(s.mpq)})
	s.positionLocked(&b)
	s.release(&b)
	return nil
}

// Pause freezes the position.
func (s *Sequencer) Pause() error {
	s.mu.Lock()
	if s.song == nil {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if s.status != Playing {
		s.mu.Unlock()
		return nil
	}
	var b batch
	s.advanceLocked(&b)
	s.status = Paused
	s.cancelTaskLocked()
	log.Printf("SEQ: paused at tick %.0f", s.tick)
	s.positionLocked(&b)
	s.release(&b)
	return nil
}

// Stop rewinds to the start.
func (s *Sequencer) Stop() error {
	s.mu.Lock()
	if s.song == nil {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	var b batch
	s.stopLocked(&b)
	s.release(&b)
	return nil
}

func (s *Sequencer) stopLocked(b *batch) {
	s.cancelTaskLocked()
	prev, prevMeter := s.mpq, s.meter
	s.resetLocked()
	if s.mpq != prev {
		b.frame(frame.Tempo{BPM: bpmWord(s.mpq)})
	}
	if s.meter.Numerator != prevMeter.Numerator || s.meter.Denominator != prevMeter.Denominator {
		b.frame(frame.TimeSig{Numerator: s.meter.Numerator, Denominator: s.meter.Denominator})
	}
	s.positionLocked(b)
	log.Printf("SEQ: stopped")
}

// Seek moves to ms, skipping every event before the target.
func (s *Sequencer) Seek(ms float64) error {
	s.mu.Lock()
	if s.song == nil {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if ms < 0 || math.IsNaN(ms) {
		ms = 0
	}
	// DurationMs is rounded, so converting it back can fall short of the
	// last tick.
	var target float64
	if ms >= float64(s.song.DurationMs) {
		ms = float64(s.song.DurationMs)
		target = float64(s.song.TotalTicks)
	} else {
		target = s.song.Tempo.MsToTick(ms)
	}
	s.tick = target
	s.cursor = sort.Search(len(s.song.Events), func(i int) bool {
		return float64(s.song.Events[i].Tick) >= target
	})
	s.anchorTime = s.clk.Now()
	s.anchorTick = target

	var b batch
	if mpq := s.song.Tempo.At(target); mpq != s.mpq {
		s.mpq = mpq
		b.frame(frame.Tempo{BPM: bpmWord(mpq)})
	}
	s.meter = s.song.Meter.At(uint64(target))
	b.frame(frame.TimeSig{Numerator: s.meter.Numerator, Denominator: s.meter.Denominator})
	s.positionLocked(&b)
	logger.Debugf("seek %.0fms -> tick %.0f, cursor %d", ms, target, s.cursor)
	s.release(&b)
	return nil
}

// SetTempo overrides the tempo used from now on. Applied events are not
// reinterpreted; the next tempo event in the file takes over again.
func (s *Sequencer) SetTempo(bpm float64) error {
	if bpm < 1 || bpm > 65535 || math.IsNaN(bpm) {
		return ErrTempo
	}
	s.mu.Lock()
	if s.status == Playing {
		s.anchorTick = s.targetLocked(s.clk.Now())
		s.anchorTime = s.clk.Now()
	}
	s.mpq = BPMToMPQ(bpm)
	log.Printf("SEQ: tempo set to %.0f BPM", bpm)

	var b batch
	b.frame(frame.Tempo{BPM: uint16(math.Round(bpm))})
	s.release(&b)
	return nil
}

// Tick advances playback to the current wall-clock time. It is a no-op
// unless playing.
func (s *Sequencer) Tick() {
	s.mu.Lock()
	if s.status != Playing || s.song == nil {
		s.mu.Unlock()
		return
	}
	var b batch
	s.advanceLocked(&b)
	s.positionLocked(&b)

	beat := s.tick / float64(s.song.PPQ)
	if s.cursor >= len(s.song.Events) || beat >= float64(s.song.TotalBeats) || s.tick >= float64(s.song.TotalTicks) {
		log.Printf("SEQ: end of %s", s.song.Name)
		s.stopLocked(&b)
	}
	s.release(&b)
}

func (s *Sequencer) targetLocked(now time.Time) float64 {
	elapsed := float64(now.Sub(s.anchorTime)) / float64(time.Millisecond)
	if elapsed < 0 {
		elapsed = 0
	}
	return s.anchorTick + elapsed*float64(s.song.PPQ)*1000/float64(s.mpq)
}

// advanceLocked applies every due event in order. A tempo event rebases the
// anchor at its own tick so later events are timed at the new tempo.
func (s *Sequencer) advanceLocked(b *batch) {
	now := s.clk.Now()
	target := s.targetLocked(now)
	events := s.song.Events
	for s.cursor < len(events) && float64(events[s.cursor].Tick) <= target {
		ev := events[s.cursor]
		s.cursor++
		switch ev.Kind {
		case EventTempo:
			at := float64(ev.Tick)
			if at > s.anchorTick {
				ms := (at - s.anchorTick) * float64(s.mpq) / (float64(s.song.PPQ) * 1000)
				s.anchorTime = s.anchorTime.Add(time.Duration(ms * float64(time.Millisecond)))
				s.anchorTick = at
			}
			if ev.MPQ == s.mpq {
				continue
			}
			s.mpq = ev.MPQ
			target = s.targetLocked(now)
			logger.Debugf("tempo %.1f BPM at tick %d", MPQToBPM(ev.MPQ), ev.Tick)
			b.frame(frame.Tempo{BPM: bpmWord(ev.MPQ)})
		case EventMeter:
			if ev.Num == s.meter.Numerator && ev.Den == s.meter.Denominator {
				continue
			}
			s.meter = s.song.Meter.At(ev.Tick)
			b.frame(frame.TimeSig{Numerator: ev.Num, Denominator: ev.Den})
		case EventNote:
			b.cmds = append(b.cmds, proto.Note(ev.Key, ev.Velocity, ev.Channel))
		}
	}
	s.tick = target
}

func (s *Sequencer) positionLocked(b *batch) {
	var flags uint8
	if s.status == Playing {
		flags = frame.FlagPlaying
	}
	bar, beatInBar, _ := s.song.Meter.BarBeat(uint64(s.tick))
	b.frame(frame.Position{
		Flags:     flags,
		Bar:       clampWord(bar),
		BeatInBar: clampWord(beatInBar),
		Beat:      float32(s.tick / float64(s.song.PPQ)),
	})
	b.frame(frame.TickPosition{
		Flags:  flags,
		Tick:   uint32(math.Min(s.tick, math.MaxUint32)),
		PPQ:    uint16(s.song.PPQ),
		HasPPQ: true,
	})
}

func (s *Sequencer) fileInfoLocked() frame.FileInfo {
	return frame.FileInfo{
		DurationMs: uint32(s.song.DurationMs),
		TotalBeats: uint32(s.song.TotalBeats),
	}
}

func (s *Sequencer) cancelTaskLocked() {
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
}

// State returns the current transport state.
func (s *Sequencer) State() proto.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Status returns the transport status.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sequencer) stateLocked() proto.PlaybackState {
	st := proto.DefaultPlayback()
	st.Tempo = int(math.Round(MPQToBPM(s.mpq)))
	if s.song == nil {
		return st
	}
	bar, beatInBar, sig := s.song.Meter.BarBeat(uint64(s.tick))
	st.Playing = s.status == Playing
	st.Bar = bar
	st.BeatInBar = beatInBar
	st.Beat = s.tick / float64(s.song.PPQ)
	st.TimeSignature = proto.TimeSignature{Numerator: int(sig.Numerator), Denominator: int(sig.Denominator)}
	st.DurationMs = s.song.DurationMs
	st.TotalBeats = s.song.TotalBeats
	st.File = s.song.Name
	st.PositionMs = int64(s.song.Tempo.TickToMs(s.tick))
	return st
}

// Close stops the tick task. The loaded song is kept.
func (s *Sequencer) Close() {
	s.mu.Lock()
	t := s.task
	s.task = nil
	if s.status == Playing {
		s.status = Paused
	}
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (s *Sequencer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := "-"
	if s.song != nil {
		name = s.song.Name
	}
	return fmt.Sprintf("%s %s @%.0f", s.status, name, s.tick)
}

func bpmWord(mpq uint32) uint16 {
	return clampWord(int(math.Round(MPQToBPM(mpq))))
}

func clampWord(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
