// Package multiplex owns the set of console connections. It decodes what the
// consoles send, fans commands out to them and keeps per-console and global
// playback state.
package multiplex

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/sirenconsole/internal/chunk"
	"github.com/petervdpas/sirenconsole/internal/console"
	"github.com/petervdpas/sirenconsole/internal/frame"
	"github.com/petervdpas/sirenconsole/internal/proto"
	"github.com/petervdpas/sirenconsole/internal/siren"
	"github.com/petervdpas/sirenconsole/internal/util"
)

var logger = logging.Logger("multiplex")

// Collaborator is the presentation layer above the multiplexer.
type Collaborator interface {
	BroadcastJSON(msg any)
	BroadcastBinary(b []byte)
	OnParamChanged(consoleID string, path []string, value any)
	OnFullConfig(consoleID string, config map[string]any, wasRequested bool)
}

// Game receives the game telemetry the consoles report.
type Game interface {
	HandleScoreUpdate(u frame.ScoreUpdate)
	HandleNoteHit(h frame.NoteHit)
	HandleGameEnd(id uint8, ge proto.GameEnd)
}

type Options struct {
	Clock  clock.Clock
	Dialer console.Dialer
	Conn   console.Options

	HealthInterval time.Duration
	RetryInterval  time.Duration
	StatusInterval time.Duration
	ErrorWindow    time.Duration
	EventsMax      int
	SnapshotPath   string
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Dialer == nil {
		o.Dialer = console.WebsocketDialer{HandshakeTimeout: o.Conn.HandshakeTimeout}
	}
	if o.Conn.Clock == nil {
		o.Conn.Clock = o.Clock
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 2 * time.Second
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = time.Second
	}
	if o.ErrorWindow <= 0 {
		o.ErrorWindow = 10 * time.Second
	}
	if o.EventsMax <= 0 {
		o.EventsMax = 500
	}
}

type station struct {
	conn     *console.Conn
	siren    siren.Siren
	playback proto.PlaybackState
	config   map[string]any
	gameMode bool
	reading  *siren.Reading
}

// Manager is the protocol multiplexer.
type Manager struct {
	opts   Options
	clk    clock.Clock
	collab Collaborator

	reasm    *chunk.Reassembler
	throttle *util.Throttle
	events   *util.RingBuffer[Event]

	mu        sync.RWMutex
	stations  map[string]*station
	order     []string
	aggregate proto.PlaybackState
	unknown   map[string]bool
	game      Game

	snapMu sync.Mutex // serialises snapshot writes

	maint  util.Tasks // retry sweep, health check
	status *util.Task
	closed bool
}

// New builds a manager for the given consoles. Connections are not dialed
// until Start.
func New(consoles []console.Descriptor, collab Collaborator, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		opts:      opts,
		clk:       opts.Clock,
		collab:    collab,
		reasm:     chunk.New(),
		throttle:  util.NewThrottle(opts.Clock, opts.ErrorWindow),
		events:    util.NewRingBuffer[Event](opts.EventsMax),
		stations:  make(map[string]*station),
		aggregate: proto.DefaultPlayback(),
		unknown:   make(map[string]bool),
	}
	for _, d := range consoles {
		if _, dup := m.stations[d.ID]; dup {
			log.Printf("MUX: duplicate console %s ignored", d.ID)
			continue
		}
		m.stations[d.ID] = &station{
			conn:     console.New(d, opts.Dialer, m, opts.Conn),
			siren:    siren.Siren{Outputs: d.Outputs, Transposition: d.Transposition},
			playback: proto.DefaultPlayback(),
		}
		m.order = append(m.order, d.ID)
	}
	return m
}

// SetGame attaches the game coordinator.
func (m *Manager) SetGame(g Game) {
	m.mu.Lock()
	m.game = g
	m.mu.Unlock()
}

// Start dials every console and starts the periodic jobs.
func (m *Manager) Start() {
	log.Printf("MUX: starting %d consoles", len(m.order))
	for _, id := range m.order {
		m.stations[id].conn.Start()
	}
	m.maint.Add(util.Every(m.clk, "retry-sweep", m.opts.RetryInterval, m.retrySweep))
	m.maint.Add(util.Every(m.clk, "health-check", m.opts.HealthInterval, m.healthCheck))
	m.status = util.Every(m.clk, "status", m.opts.StatusInterval, m.broadcastStatus)
}

func (m *Manager) conns() []*console.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*console.Conn, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.stations[id].conn)
	}
	return out
}

func (m *Manager) conn(id string) *console.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stations[id]; ok {
		return s.conn
	}
	return nil
}

func (m *Manager) retrySweep() {
	for _, c := range m.conns() {
		c.Flush()
	}
}

func (m *Manager) healthCheck() {
	for _, c := range m.conns() {
		c.HealthCheck()
	}
}

// Broadcast sends cmd to every open console and returns how many accepted it.
func (m *Manager) Broadcast(cmd proto.Command) int {
	n := 0
	for _, c := range m.conns() {
		if !c.Connected() {
			continue
		}
		if c.Send(cmd) {
			n++
		}
	}
	return n
}

// BroadcastBinary sends a frame to every open console and mirrors it to the
// collaborator.
func (m *Manager) BroadcastBinary(b []byte) int {
	n := 0
	for _, c := range m.conns() {
		if c.SendBinary(b) {
			n++
		}
	}
	if m.collab != nil {
		m.collab.BroadcastBinary(b)
	}
	return n
}

// SendTo addresses one console. A command for a console that is not ready is
// queued and SendTo reports false.
func (m *Manager) SendTo(id string, cmd proto.Command) bool {
	c := m.conn(id)
	if c == nil {
		log.Printf("MUX: send %s to unknown console %s", cmd.Type, id)
		return false
	}
	return c.Send(cmd)
}

func (m *Manager) SendBinaryTo(id string, b []byte) bool {
	c := m.conn(id)
	if c == nil {
		return false
	}
	return c.SendBinary(b)
}

// RequestConfig asks one console for its full configuration.
func (m *Manager) RequestConfig(id string) bool {
	return m.SendTo(id, proto.RequestConfig())
}

// Connect dials a console that is not connected. Unknown ids report false.
func (m *Manager) Connect(id string) bool {
	c := m.conn(id)
	if c == nil {
		return false
	}
	if !c.Connected() {
		log.Printf("MUX: manual connect to %s", id)
		c.Start()
	}
	return true
}

// UpdatePlayback records the global playback state.
func (m *Manager) UpdatePlayback(st proto.PlaybackState) {
	m.mu.Lock()
	m.aggregate = st
	m.mu.Unlock()
}

// CancelTimers stops every reconnect timer, then the retry sweep and the
// health check. Transports stay open until Close.
func (m *Manager) CancelTimers() {
	for _, c := range m.conns() {
		c.CancelTimers()
	}
	m.maint.StopAll()
}

// Close stops the status broadcast, saves the snapshot and closes every
// transport.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	st := m.status
	m.status = nil
	m.mu.Unlock()

	m.CancelTimers()
	st.Stop()
	if err := m.SaveSnapshot(); err != nil {
		log.Printf("MUX: snapshot: %v", err)
	}
	for _, c := range m.conns() {
		c.Close()
	}
	log.Printf("MUX: closed")
}
