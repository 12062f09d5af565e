// Package console owns the link to one console: dialing, liveness, reconnect
// and the outbound retry queue.
package console

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/sirenconsole/internal/proto"
)

var logger = logging.Logger("console")

var ErrStale = errors.New("transport found closed by health check")

// Descriptor identifies a console and where to reach it.
type Descriptor struct {
	ID            string
	Name          string
	Host          string
	Port          int
	Outputs       int
	Transposition int
}

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed   // reconnect scheduled
	StateShutdown // final
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "shutdown"
}

// Handler receives connection events. OnMessage calls for one console come
// from a single goroutine.
type Handler interface {
	OnOpen(id string)
	OnClose(id string, err error)
	OnMessage(id string, b []byte)
}

type Options struct {
	ReconnectDelay   time.Duration
	FlushStagger     time.Duration
	HandshakeTimeout time.Duration
	QueueMax         int
	Clock            clock.Clock
}

func (o *Options) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.QueueMax <= 0 {
		o.QueueMax = 64
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Status is a point-in-time view of a connection.
type Status struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	State      string     `json:"state"`
	Connected  bool       `json:"connected"`
	LastSeen   *time.Time `json:"lastSeen"`
	Queued     int        `json:"queued"`
	Reconnects int        `json:"reconnects"`
}

// Conn is the connection to one console.
type Conn struct {
	desc    Descriptor
	opts    Options
	dialer  Dialer
	handler Handler
	clk     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	transport  Transport
	gen        uint64
	connected  bool
	lastSeen   time.Time
	queue      []proto.Command
	flushing   bool
	reconnect  *clock.Timer
	reconnects int
	failures   int
	requested  bool // a REQUEST_CONFIG went out and no CONFIG_FULL came back yet
	stopping   bool // no new reconnects
	closed     bool
}

func New(d Descriptor, dialer Dialer, h Handler, opts Options) *Conn {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		desc:    d,
		opts:    opts,
		dialer:  dialer,
		handler: h,
		clk:     opts.Clock,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateClosed,
	}
}

func (c *Conn) ID() string             { return c.desc.ID }
func (c *Conn) Descriptor() Descriptor { return c.desc }

// Start makes the first connection attempt.
func (c *Conn) Start() { c.connect() }

func (c *Conn) connect() {
	c.mu.Lock()
	if c.closed || c.stopping {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen)
}

func (c *Conn) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	t, err := c.dialer.Dial(ctx, c.desc)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.failures++
		n := c.failures
		c.mu.Unlock()
		if n == 1 || n%20 == 0 {
			log.Printf("CONSOLE [%s]: connect to %s:%d failed (%d attempts): %v", c.desc.ID, c.desc.Host, c.desc.Port, n, err)
		}
		c.handleClose(gen, err)
		return
	}

	c.mu.Lock()
	if c.closed || c.stopping || gen != c.gen {
		c.mu.Unlock()
		t.Close()
		return
	}
	c.transport = t
	c.state = StateOpen
	c.connected = true
	c.lastSeen = c.clk.Now()
	c.failures = 0
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	queued := len(c.queue)
	c.mu.Unlock()

	log.Printf("CONSOLE [%s]: connected (%d queued)", c.desc.ID, queued)
	c.handler.OnOpen(c.desc.ID)
	go c.readLoop(t, gen)

	c.flush(gen)
	c.mu.Lock()
	already := c.requested
	c.mu.Unlock()
	if !already {
		c.Send(proto.RequestConfig())
	}
}

func (c *Conn) readLoop(t Transport, gen uint64) {
	for {
		b, err := t.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.lastSeen = c.clk.Now()
		c.mu.Unlock()
		c.handler.OnMessage(c.desc.ID, b)
	}
}

// handleClose demotes the connection of generation gen. Repeated signals for
// the same generation are ignored, so one close schedules one reconnect.
func (c *Conn) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed || c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	c.connected = false
	c.requested = false
	t := c.transport
	c.transport = nil
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if wasOpen {
		log.Printf("CONSOLE [%s]: disconnected: %v", c.desc.ID, err)
		c.handler.OnClose(c.desc.ID, err)
	}
}

func (c *Conn) scheduleReconnectLocked() {
	if c.reconnect != nil || c.stopping || c.closed {
		return
	}
	c.reconnects++
	c.reconnect = c.clk.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		c.mu.Unlock()
		c.connect()
	})
}

func (c *Conn) readyLocked() bool {
	return c.connected && c.transport != nil && c.transport.Open()
}

// Send writes cmd now when the console is ready and nothing is waiting ahead
// of it. Otherwise cmd is queued and Send reports false.
func (c *Conn) Send(cmd proto.Command) bool {
	b, err := cmd.Encode()
	if err != nil {
		log.Printf("CONSOLE [%s]: cannot encode %s: %v", c.desc.ID, cmd.Type, err)
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if !c.readyLocked() || c.flushing || len(c.queue) > 0 {
		c.enqueueLocked(cmd)
		c.mu.Unlock()
		return false
	}
	t := c.transport
	c.mu.Unlock()

	if err := t.WriteMessage(b); err != nil {
		logger.Debugf("send %s to %s failed: %v", cmd.Type, c.desc.ID, err)
		c.mu.Lock()
		c.enqueueLocked(cmd)
		c.mu.Unlock()
		return false
	}
	c.sent(cmd)
	return true
}

// SendBinary writes a frame to an open console. Frames are never queued:
// a stale position is worse than a missing one.
func (c *Conn) SendBinary(b []byte) bool {
	c.mu.Lock()
	if !c.readyLocked() {
		c.mu.Unlock()
		return false
	}
	t := c.transport
	c.mu.Unlock()
	return t.WriteMessage(b) == nil
}

func (c *Conn) sent(cmd proto.Command) {
	if cmd.Type != proto.TypeRequestConfig {
		return
	}
	c.mu.Lock()
	c.requested = true
	c.mu.Unlock()
}

// TakeRequested reports whether a configuration request is outstanding and
// clears it.
func (c *Conn) TakeRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.requested
	c.requested = false
	return r
}

func (c *Conn) enqueueLocked(cmd proto.Command) {
	if cmd.Idempotent {
		for _, q := range c.queue {
			if q.Type == cmd.Type {
				return
			}
		}
	}
	if len(c.queue) >= c.opts.QueueMax {
		logger.Warnf("queue for %s full, dropping %s", c.desc.ID, c.queue[0].Type)
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, cmd)
}

// Flush drains the retry queue if the console is ready. It returns at once
// when a flush is already running.
func (c *Conn) Flush() {
	c.mu.Lock()
	gen := c.gen
	pending := len(c.queue) > 0 && c.readyLocked() && !c.flushing
	c.mu.Unlock()
	if pending {
		c.flush(gen)
	}
}

func (c *Conn) flush(gen uint64) {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	c.mu.Unlock()

	delivered := 0
	for {
		c.mu.Lock()
		if c.closed || gen != c.gen || !c.readyLocked() || len(c.queue) == 0 {
			c.flushing = false
			c.mu.Unlock()
			break
		}
		cmd := c.queue[0]
		t := c.transport
		c.mu.Unlock()

		if delivered > 0 && c.opts.FlushStagger > 0 {
			c.clk.Sleep(c.opts.FlushStagger)
		}
		b, err := cmd.Encode()
		if err == nil {
			err = t.WriteMessage(b)
		}

		c.mu.Lock()
		if err != nil {
			c.flushing = false
			c.mu.Unlock()
			logger.Debugf("flush to %s stopped: %v", c.desc.ID, err)
			break
		}
		// Only pop after a successful write so a failure keeps order.
		if len(c.queue) > 0 && c.queue[0].ID == cmd.ID {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
		c.sent(cmd)
		delivered++
	}
	if delivered > 0 {
		logger.Debugf("flushed %d queued commands to %s", delivered, c.desc.ID)
	}
}

// HealthCheck pings an apparently open transport and demotes it when the
// ping shows it closed.
func (c *Conn) HealthCheck() {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	t, gen := c.transport, c.gen
	c.mu.Unlock()

	if t == nil || !t.Open() {
		c.handleClose(gen, ErrStale)
		return
	}
	if err := t.Ping(); err != nil {
		c.handleClose(gen, err)
	}
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		ID:         c.desc.ID,
		Name:       c.desc.Name,
		Host:       c.desc.Host,
		Port:       c.desc.Port,
		State:      c.state.String(),
		Connected:  c.readyLocked(),
		Queued:     len(c.queue),
		Reconnects: c.reconnects,
	}
	if !c.lastSeen.IsZero() {
		ls := c.lastSeen
		s.LastSeen = &ls
	}
	return s
}

// CancelTimers stops the pending reconnect and prevents new ones. The
// transport stays up until Close.
func (c *Conn) CancelTimers() {
	c.mu.Lock()
	c.stopping = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.mu.Unlock()
}

// Close shuts the connection down for good.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopping = true
	c.state = StateShutdown
	c.connected = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	c.cancel()
	if t != nil {
		t.Close()
	}
}
