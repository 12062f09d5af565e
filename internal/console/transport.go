package console

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/sirenconsole/internal/frame"
)

const writeWait = 2 * time.Second

// Transport is one live duplex link to a console.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Ping() error
	Open() bool
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, d Descriptor) (Transport, error)
}

// WebsocketDialer reaches consoles at ws://host:port.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (wd WebsocketDialer) Dial(ctx context.Context, d Descriptor) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wd.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(d.Host, strconv.Itoa(d.Port))}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(frame.MaxChunkTotal + frame.ChunkHeaderSize)
	return NewWebsocketTransport(conn), nil
}

type wsTransport struct {
	conn   *websocket.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

// NewWebsocketTransport wraps an established connection. Writes are
// serialised; reads must come from a single goroutine.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, b, err := t.conn.ReadMessage()
	if err != nil {
		t.closed.Store(true)
	}
	return b, err
}

// WriteMessage sends b as a binary message, which is what the console peers
// expect for JSON as well as frames.
func (t *wsTransport) WriteMessage(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.closed.Load() {
		return websocket.ErrCloseSent
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) Ping() error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.closed.Load() {
		return websocket.ErrCloseSent
	}
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) Open() bool { return !t.closed.Load() }

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return t.conn.Close()
	}
	t.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	t.wmu.Unlock()
	return t.conn.Close()
}
