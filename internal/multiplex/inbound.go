package multiplex

import (
	"bytes"
	"errors"
	"fmt"
	"log"

	"github.com/petervdpas/sirenconsole/internal/chunk"
	"github.com/petervdpas/sirenconsole/internal/frame"
	"github.com/petervdpas/sirenconsole/internal/proto"
)

// OnOpen is called by a connection once its transport is up.
func (m *Manager) OnOpen(id string) {
	m.record(id, "open", nil)
	m.notify(id, "connected", nil)
}

// OnClose is called once per lost transport.
func (m *Manager) OnClose(id string, err error) {
	m.reasm.Reset(id)
	m.mu.Lock()
	if s, ok := m.stations[id]; ok {
		s.playback.Playing = false
	}
	m.mu.Unlock()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.record(id, "close", reason)
	m.notify(id, "disconnected", map[string]any{"reason": reason})
}

func (m *Manager) notify(id, event string, extra map[string]any) {
	if m.collab == nil {
		return
	}
	msg := map[string]any{"type": proto.TypeConsoleEvent, "pupitreId": id, "event": event, "timestamp": m.clk.Now().UnixMilli()}
	for k, v := range extra {
		msg[k] = v
	}
	m.collab.BroadcastJSON(msg)
}

// OnMessage routes one inbound buffer from console id.
func (m *Manager) OnMessage(id string, b []byte) {
	in := frame.Classify(b)
	switch in.Kind {
	case frame.KindHeartbeat:
		return

	case frame.KindChunk:
		if f, ok := m.frameNotChunk(id, b, in.Chunk); ok {
			m.handleFrame(id, f)
			return
		}
		obj, err := m.reasm.Feed(id, in.Chunk)
		if err != nil {
			m.reportError(id, "config", err)
			return
		}
		if obj != nil {
			m.dispatchObject(id, obj)
		}

	case frame.KindJSON:
		obj, err := chunk.ParseObject(in.JSON)
		if err != nil {
			m.reportError(id, "config", &chunk.ParseError{Console: id, Size: len(in.JSON), Err: err})
			return
		}
		m.dispatchObject(id, obj)

	case frame.KindFrame:
		m.handleFrame(id, in.Frame)

	default:
		m.reportError(id, "frame", in.Err)
	}
}

// frameNotChunk resolves buffers that parse both as an envelope and as a
// fixed frame. Small counters in a POSITION or FILE_INFO frame read as a
// plausible envelope header. The buffer is taken as a frame unless it
// continues an assembly of the same size or opens a JSON document.
func (m *Manager) frameNotChunk(id string, b []byte, c frame.Chunk) (frame.Frame, bool) {
	if m.reasm.Expecting(id, c.TotalSize) {
		return nil, false
	}
	if c.Position == 0 && bytes.HasPrefix(bytes.TrimLeft(c.Payload, " \t\r\n"), []byte("{")) {
		return nil, false
	}
	f, err := frame.Decode(b)
	if err != nil {
		return nil, false
	}
	logger.Debugf("%s: %s frame looked like an envelope", id, f.Type())
	return f, true
}

// reportError logs at most one error per console and class per window.
func (m *Manager) reportError(id, class string, err error) {
	m.record(id, "error", err.Error())
	ok, suppressed := m.throttle.Allow(id + ":" + class)
	if !ok {
		logger.Debugf("%s %s error: %v", id, class, err)
		return
	}
	if suppressed > 0 {
		log.Printf("MUX: [%s] %s error: %v (%d more suppressed)", id, class, err, suppressed)
		return
	}
	log.Printf("MUX: [%s] %s error: %v", id, class, err)
}

func (m *Manager) handleFrame(id string, f frame.Frame) {
	logger.Debugf("%s frame %s", id, f.Type())
	m.record(id, f.Type().String(), f)

	switch v := f.(type) {
	case frame.NoteHit, frame.ScoreUpdate:
		m.routeGame(v)
		if m.collab != nil {
			m.collab.BroadcastBinary(frame.Encode(v))
		}
		return
	case frame.Leaderboard:
		// Leaderboards only flow outward.
		return
	}

	m.mu.Lock()
	s, ok := m.stations[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	pb := &s.playback
	switch v := f.(type) {
	case frame.Position:
		pb.Playing = v.Playing()
		pb.Bar = int(v.Bar)
		pb.BeatInBar = int(v.BeatInBar)
		pb.Beat = float64(v.Beat)
	case frame.FileInfo:
		pb.DurationMs = int64(v.DurationMs)
		pb.TotalBeats = int(v.TotalBeats)
	case frame.Tempo:
		pb.Tempo = int(v.BPM)
	case frame.TimeSig:
		pb.TimeSignature = proto.TimeSignature{Numerator: int(v.Numerator), Denominator: int(v.Denominator)}
	case frame.TickPosition:
		pb.Playing = v.Playing()
	}
	m.mu.Unlock()
}

func (m *Manager) routeGame(f frame.Frame) {
	m.mu.RLock()
	g := m.game
	m.mu.RUnlock()
	if g == nil {
		return
	}
	switch v := f.(type) {
	case frame.NoteHit:
		g.HandleNoteHit(v)
	case frame.ScoreUpdate:
		g.HandleScoreUpdate(v)
	}
}

func (m *Manager) dispatchObject(id string, obj map[string]any) {
	msg, err := proto.ParseInbound(obj)
	if err != nil {
		m.reportError(id, "message", fmt.Errorf("%v: %w", obj["type"], err))
		return
	}
	m.record(id, msg.MessageType(), cloneMap(obj))

	switch v := msg.(type) {
	case proto.ParamChanged:
		m.mu.Lock()
		if s, ok := m.stations[id]; ok && s.config != nil {
			if err := setPath(s.config, v.Path, cloneValue(v.Value)); err != nil {
				logger.Debugf("%s: cached config not updated at %v: %v", id, v.Path, err)
			}
		}
		m.mu.Unlock()
		if m.collab != nil {
			m.collab.OnParamChanged(id, v.Path, v.Value)
		}

	case proto.ConfigFull:
		c := m.conn(id)
		if c == nil {
			return
		}
		requested := c.TakeRequested()
		m.mu.Lock()
		m.stations[id].config = v.Config
		m.mu.Unlock()
		log.Printf("MUX: [%s] full configuration received (requested: %v)", id, requested)
		if m.collab != nil {
			m.collab.OnFullConfig(id, cloneMap(v.Config), requested)
		}
		if err := m.SaveSnapshot(); err != nil {
			log.Printf("MUX: snapshot: %v", err)
		}

	case proto.PlaybackReport:
		m.mu.Lock()
		if s, ok := m.stations[id]; ok {
			s.playback = v.State
		}
		m.mu.Unlock()

	case proto.GameMode:
		m.mu.Lock()
		if s, ok := m.stations[id]; ok {
			s.gameMode = v.Enabled
		}
		m.mu.Unlock()
		m.notify(id, "gameMode", map[string]any{"enabled": v.Enabled})

	case proto.GameEnd:
		n, ok := proto.ConsoleNumber(v.ConsoleID)
		if !ok {
			n, ok = proto.ConsoleNumber(id)
		}
		m.mu.RLock()
		g := m.game
		m.mu.RUnlock()
		if ok && g != nil {
			g.HandleGameEnd(n, v)
		}

	case proto.Control:
		m.handleControl(id, v)

	default:
		m.mu.Lock()
		seen := m.unknown[msg.MessageType()]
		m.unknown[msg.MessageType()] = true
		m.mu.Unlock()
		if !seen {
			log.Printf("MUX: [%s] ignoring message type %q", id, msg.MessageType())
		}
	}
}

func (m *Manager) handleControl(id string, c proto.Control) {
	m.mu.Lock()
	s, ok := m.stations[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	r, err := s.siren.Read(c.Note, c.PitchBend)
	if err == nil {
		s.reading = &r
	}
	m.mu.Unlock()

	if err != nil {
		m.reportError(id, "control", err)
		return
	}
	if m.collab != nil {
		m.collab.BroadcastJSON(map[string]any{
			"type":      proto.TypeSirenState,
			"pupitreId": id,
			"note":      r.Note,
			"pitchBend": r.PitchBend,
			"frequency": r.Frequency,
			"rpm":       r.RPM,
		})
	}
}

var errPath = errors.New("path crosses a non-object value")

// setPath writes value at path inside cfg, creating intermediate objects.
func setPath(cfg map[string]any, path []string, value any) error {
	cur := cfg
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = value
			return nil
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if _, exists := cur[seg]; exists {
				return errPath
			}
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	return nil
}
