package sequencer

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/petervdpas/sirenconsole/internal/frame"
	"github.com/petervdpas/sirenconsole/internal/proto"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

type sink struct {
	mu     sync.Mutex
	frames []frame.Frame
	cmds   []proto.Command
	last   proto.PlaybackState
}

func (s *sink) BroadcastBinary(b []byte) int {
	f, err := frame.Decode(b)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return 1
}

func (s *sink) Broadcast(cmd proto.Command) int {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	return 1
}

func (s *sink) UpdatePlayback(st proto.PlaybackState) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

func (s *sink) reset() {
	s.mu.Lock()
	s.frames, s.cmds = nil, nil
	s.mu.Unlock()
}

func (s *sink) noteOns() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []uint8
	for _, c := range s.cmds {
		if v, _ := c.Fields["velocity"].(uint8); v > 0 {
			keys = append(keys, c.Fields["note"].(uint8))
		}
	}
	return keys
}

func (s *sink) lastPosition() (frame.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if p, ok := s.frames[i].(frame.Position); ok {
			return p, true
		}
	}
	return frame.Position{}, false
}

func (s *sink) snapshot() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

func (s *sink) tempos() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint16
	for _, f := range s.frames {
		if t, ok := f.(frame.Tempo); ok {
			out = append(out, t.BPM)
		}
	}
	return out
}

// writeSong writes a two-track file: a conductor track with 4/4 and the
// given tempo changes, and eight one-beat notes starting at key 60.
func writeSong(t *testing.T, tempos []TempoChange) string {
	t.Helper()
	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(480)

	var conductor smf.Track
	conductor.Add(0, smf.MetaMeter(4, 4))
	var at uint64
	for _, tc := range tempos {
		conductor.Add(uint32(tc.Tick-at), smf.MetaTempo(MPQToBPM(tc.MPQ)))
		at = tc.Tick
	}
	conductor.Close(uint32(3840 - at))
	if err := sm.Add(conductor); err != nil {
		t.Fatal(err)
	}

	var notes smf.Track
	for i := 0; i < 8; i++ {
		notes.Add(0, midi.NoteOn(0, uint8(60+i), 100))
		notes.Add(480, midi.NoteOff(0, uint8(60+i)))
	}
	notes.Close(0)
	if err := sm.Add(notes); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "song.mid")
	if err := sm.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSequencer(t *testing.T) (*Sequencer, *sink, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	out := &sink{}
	// Ticks are driven by hand; the period only matters for the background task.
	s := New(out, mock, time.Hour)
	t.Cleanup(s.Close)
	return s, out, mock
}

func TestTempoMapSegments(t *testing.T) {
	m := NewTempoMap(480, []TempoChange{
		{Tick: 0, MPQ: 500000},
		{Tick: 1920, MPQ: 400000},
		{Tick: 3840, MPQ: 600000},
	})
	if got := m.TickToMs(1920); got != 2000 {
		t.Fatalf("tickToMs(1920) = %v", got)
	}
	if got := m.TickToMs(3840); got != 2000+1600 {
		t.Fatalf("tickToMs(3840) = %v, want 3600", got)
	}
	if got := m.TickToMs(4320); got != 3600+600 {
		t.Fatalf("tickToMs(4320) = %v", got)
	}
	for _, tick := range []float64{0, 100, 1920, 2500, 3840, 5000} {
		if back := m.MsToTick(m.TickToMs(tick)); math.Abs(back-tick) > 1e-9 {
			t.Fatalf("round trip of %v gave %v", tick, back)
		}
	}
}

func TestTempoMapDefaultsAtZero(t *testing.T) {
	m := NewTempoMap(480, []TempoChange{{Tick: 960, MPQ: 400000}})
	c := m.Changes()
	if len(c) != 2 || c[0] != (TempoChange{Tick: 0, MPQ: DefaultMPQ}) {
		t.Fatalf("got %+v", c)
	}
	if m.At(959) != DefaultMPQ || m.At(960) != 400000 {
		t.Fatal("wrong tempo lookup")
	}
}

func TestMeterMapCountsBars(t *testing.T) {
	m := NewMeterMap(480, []MeterChange{
		{Tick: 0, Numerator: 4, Denominator: 4},
		{Tick: 3840, Numerator: 3, Denominator: 4}, // after two bars of 4/4
	})
	cases := []struct {
		tick      uint64
		bar, beat int
	}{
		{0, 1, 1},
		{480, 1, 2},
		{1920, 2, 1},
		{3839, 2, 4},
		{3840, 3, 1},
		{3840 + 1440, 4, 1},
		{3840 + 1440 + 960, 4, 3},
	}
	for _, tc := range cases {
		bar, beat, _ := m.BarBeat(tc.tick)
		if bar != tc.bar || beat != tc.beat {
			t.Fatalf("tick %d: got %d.%d, want %d.%d", tc.tick, bar, beat, tc.bar, tc.beat)
		}
	}
}

func TestLoadScenario(t *testing.T) {
	s, out, _ := newTestSequencer(t)
	if err := s.Load(writeSong(t, []TempoChange{{Tick: 0, MPQ: 500000}})); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.TotalBeats != 8 || st.DurationMs != 4000 {
		t.Fatalf("got %d beats, %d ms", st.TotalBeats, st.DurationMs)
	}
	if st.Playing || st.Bar != 1 || st.BeatInBar != 1 || st.Tempo != 120 {
		t.Fatalf("not reset: %+v", st)
	}

	if err := s.Seek(2000); err != nil {
		t.Fatal(err)
	}
	st = s.State()
	if math.Abs(st.Beat-4.0) > 1e-9 || st.Bar != 2 || st.BeatInBar != 1 {
		t.Fatalf("after seek: %+v", st)
	}
	p, ok := out.lastPosition()
	if !ok || p.Bar != 2 || p.BeatInBar != 1 || p.Playing() {
		t.Fatalf("position frame %+v", p)
	}
}

func TestSeekToEndThenTickStops(t *testing.T) {
	s, out, _ := newTestSequencer(t)
	if err := s.Load(writeSong(t, nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	s.Seek(0)
	dur := float64(s.State().DurationMs)
	s.Seek(dur)
	out.reset()

	s.Tick()

	if s.Status() != Stopped {
		t.Fatalf("status %s", s.Status())
	}
	if on := out.noteOns(); len(on) != 0 {
		t.Fatalf("re-fired note-ons %v", on)
	}
	p, ok := out.lastPosition()
	if !ok || p.Playing() || p.Bar != 1 || p.Beat != 0 {
		t.Fatalf("stopped frame %+v", p)
	}
}

func TestTickAppliesEventsInOrder(t *testing.T) {
	s, out, mock := newTestSequencer(t)
	if err := s.Load(writeSong(t, nil)); err != nil {
		t.Fatal(err)
	}
	s.Play()

	mock.Add(1000 * time.Millisecond)
	s.Tick()
	if got := out.noteOns(); len(got) != 3 || got[0] != 60 || got[1] != 61 || got[2] != 62 {
		t.Fatalf("note-ons after 1s: %v", got)
	}
	st := s.State()
	if !st.Playing || st.Beat != 2 || st.BeatInBar != 3 {
		t.Fatalf("state %+v", st)
	}

	// Ticking again at the same instant fires nothing new.
	s.Tick()
	if got := out.noteOns(); len(got) != 3 {
		t.Fatalf("duplicate events: %v", got)
	}
}

func TestSeekToEndStopsOnFractionalDuration(t *testing.T) {
	s, out, _ := newTestSequencer(t)
	// 130 BPM: eight beats last 3692.3 ms, which rounds down.
	if err := s.Load(writeSong(t, []TempoChange{{Tick: 0, MPQ: 461538}})); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.DurationMs != 3692 || st.TotalBeats != 8 {
		t.Fatalf("got %d ms, %d beats", st.DurationMs, st.TotalBeats)
	}
	s.Play()
	s.Seek(0)
	s.Seek(float64(st.DurationMs))
	if b := s.State().Beat; b != 8 {
		t.Fatalf("seek to end landed on beat %v", b)
	}
	out.reset()

	s.Tick()

	if s.Status() != Stopped {
		t.Fatalf("status %s", s.Status())
	}
	if on := out.noteOns(); len(on) != 0 {
		t.Fatalf("re-fired note-ons %v", on)
	}
}

func TestFileInfoOnLoadAndPlay(t *testing.T) {
	s, out, _ := newTestSequencer(t)
	if err := s.Load(writeSong(t, nil)); err != nil {
		t.Fatal(err)
	}
	count := func() (n int) {
		for _, f := range out.snapshot() {
			if fi, ok := f.(frame.FileInfo); ok {
				if fi.DurationMs != 4000 || fi.TotalBeats != 8 {
					t.Fatalf("file info %+v", fi)
				}
				n++
			}
		}
		return n
	}
	if n := count(); n != 1 {
		t.Fatalf("%d FILE_INFO frames after load", n)
	}
	out.reset()
	s.Play()
	if n := count(); n != 1 {
		t.Fatalf("%d FILE_INFO frames after play", n)
	}
}

func TestTickSendsTickPosition(t *testing.T) {
	s, out, mock := newTestSequencer(t)
	s.Load(writeSong(t, nil))
	s.Play()
	out.reset()

	mock.Add(250 * time.Millisecond)
	s.Tick()

	var got []frame.TickPosition
	for _, f := range out.snapshot() {
		if tp, ok := f.(frame.TickPosition); ok {
			got = append(got, tp)
		}
	}
	if len(got) != 1 {
		t.Fatalf("tick positions %+v", got)
	}
	if tp := got[0]; tp.Tick != 240 || !tp.HasPPQ || tp.PPQ != 480 || tp.Flags&frame.FlagPlaying == 0 {
		t.Fatalf("tick position %+v", tp)
	}
}

func TestTickSkipsUnchangedMeter(t *testing.T) {
	s, out, mock := newTestSequencer(t)
	s.Load(writeSong(t, nil))
	s.Play()
	out.reset()

	mock.Add(100 * time.Millisecond)
	s.Tick()
	for _, f := range out.snapshot() {
		if ts, ok := f.(frame.TimeSig); ok {
			t.Fatalf("resent meter %+v", ts)
		}
	}
	if tempos := out.tempos(); len(tempos) != 0 {
		t.Fatalf("resent tempo %v", tempos)
	}
}

func TestTempoEventRebasesClock(t *testing.T) {
	s, out, mock := newTestSequencer(t)
	err := s.Load(writeSong(t, []TempoChange{
		{Tick: 0, MPQ: 500000},
		{Tick: 1920, MPQ: 400000},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if d := s.State().DurationMs; d != 2000+1600 {
		t.Fatalf("duration %d", d)
	}
	s.Play()
	out.reset()

	mock.Add(2000 * time.Millisecond)
	s.Tick()
	if st := s.State(); st.Beat != 4 || st.Tempo != 150 {
		t.Fatalf("at 2s: %+v", st)
	}
	if tempos := out.tempos(); len(tempos) != 1 || tempos[0] != 150 {
		t.Fatalf("tempo frames %v", tempos)
	}

	mock.Add(800 * time.Millisecond)
	s.Tick()
	if st := s.State(); st.Beat != 6 {
		t.Fatalf("at 2.8s: beat %v", st.Beat)
	}
}

func TestSetTempoAffectsConversion(t *testing.T) {
	s, out, mock := newTestSequencer(t)
	s.Load(writeSong(t, nil))
	s.Play()
	if err := s.SetTempo(60); err != nil {
		t.Fatal(err)
	}
	if tempos := out.tempos(); tempos[len(tempos)-1] != 60 {
		t.Fatalf("tempo frames %v", tempos)
	}
	mock.Add(1000 * time.Millisecond)
	s.Tick()
	if st := s.State(); st.Beat != 1 {
		t.Fatalf("beat %v at 60 BPM after 1s", st.Beat)
	}
	if err := s.SetTempo(0); !errors.Is(err, ErrTempo) {
		t.Fatalf("got %v", err)
	}
}

func TestPauseResumeKeepsPosition(t *testing.T) {
	s, _, mock := newTestSequencer(t)
	s.Load(writeSong(t, nil))
	s.Play()
	mock.Add(500 * time.Millisecond)
	s.Pause()
	if s.Status() != Paused {
		t.Fatalf("status %s", s.Status())
	}
	mock.Add(10 * time.Second)
	s.Tick()
	if b := s.State().Beat; b != 1 {
		t.Fatalf("paused beat %v", b)
	}
	s.Play()
	mock.Add(500 * time.Millisecond)
	s.Tick()
	if b := s.State().Beat; b != 2 {
		t.Fatalf("resumed beat %v", b)
	}
}

func TestBadFileKeepsState(t *testing.T) {
	s, _, _ := newTestSequencer(t)
	if err := s.Load(writeSong(t, nil)); err != nil {
		t.Fatal(err)
	}
	s.Seek(2000)
	before := s.State()

	bad := filepath.Join(t.TempDir(), "bad.mid")
	os.WriteFile(bad, []byte("not a midi file"), 0o644)
	err := s.Load(bad)
	var le *LoadError
	if !errors.As(err, &le) || le.Path != bad {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if err := s.Load(filepath.Join(t.TempDir(), "missing.mid")); err == nil {
		t.Fatal("missing file loaded")
	}
	if after := s.State(); after != before {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
}

func TestUnloadedIsNoop(t *testing.T) {
	s, out, _ := newTestSequencer(t)
	s.Tick()
	if err := s.Play(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("got %v", err)
	}
	if err := s.Seek(100); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("got %v", err)
	}
	if len(out.frames) != 0 || len(out.cmds) != 0 {
		t.Fatal("unloaded sequencer emitted output")
	}

	s.Load(writeSong(t, nil))
	out.reset()
	s.Tick()
	if len(out.frames) != 0 {
		t.Fatal("stopped sequencer emitted on tick")
	}
}
