package viewer

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/sirenconsole/internal/proto"
)

const (
	writeWait   = 2 * time.Second
	clientQueue = 256
	maxUIFrame  = 1 << 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The control UI may be served from any local origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type outMsg struct {
	kind int
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan outMsg
}

// Hub fans console traffic out to the UI websockets and hands UI requests
// to the core. It is the presentation collaborator of the multiplexer.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	// Handle applies one request sent by a UI client.
	Handle func(in proto.Inbound) error
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) fanout(m outMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			// drop on slow client
		}
	}
}

func (h *Hub) BroadcastJSON(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("UI: cannot encode message: %v", err)
		return
	}
	h.fanout(outMsg{websocket.TextMessage, b})
}

func (h *Hub) BroadcastBinary(b []byte) {
	h.fanout(outMsg{websocket.BinaryMessage, append([]byte(nil), b...)})
}

func (h *Hub) OnParamChanged(consoleID string, path []string, value any) {
	h.BroadcastJSON(map[string]any{
		"type":      proto.TypeParamChanged,
		"pupitreId": consoleID,
		"path":      path,
		"value":     value,
	})
}

func (h *Hub) OnFullConfig(consoleID string, config map[string]any, wasRequested bool) {
	h.BroadcastJSON(map[string]any{
		"type":      proto.TypeConfigFull,
		"pupitreId": consoleID,
		"config":    config,
		"requested": wasRequested,
	})
}

// GET /ws
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("UI: websocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(maxUIFrame)
	c := &client{conn: conn, send: make(chan outMsg, clientQueue)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("UI: client connected from %s (%d total)", r.RemoteAddr, n)

	done := make(chan struct{})
	go h.writeLoop(c, done)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(done)
	conn.Close()
	log.Printf("UI: client %s disconnected", r.RemoteAddr)
}

func (h *Hub) writeLoop(c *client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case m := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(m.kind, m.data); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(c *client) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		in, err := proto.ParseJSON(data)
		if err != nil {
			h.reply(c, map[string]any{"type": "ERROR", "error": err.Error()})
			continue
		}
		if h.Handle == nil {
			continue
		}
		if err := h.Handle(in); err != nil {
			h.reply(c, map[string]any{"type": "ERROR", "request": in.MessageType(), "error": err.Error()})
		}
	}
}

func (h *Hub) reply(c *client, msg any) {
	b, _ := json.Marshal(msg)
	select {
	case c.send <- outMsg{websocket.TextMessage, b}:
	default:
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}
}
