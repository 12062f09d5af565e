package viewer

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/sirenconsole/internal/proto"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("kind = %d", kind)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestHubFansOut(t *testing.T) {
	h := NewHub()
	c := dialHub(t, h)

	h.OnParamChanged("P2", []string{"outputs", "volume"}, 3)
	m := readJSON(t, c)
	if m["type"] != proto.TypeParamChanged || m["pupitreId"] != "P2" || m["value"] != float64(3) {
		t.Fatalf("got %v", m)
	}

	h.BroadcastBinary([]byte{0x01, 0x02})
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := c.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || len(data) != 2 {
		t.Fatalf("binary: kind=%d data=%v err=%v", kind, data, err)
	}
}

func TestHubRoutesRequests(t *testing.T) {
	h := NewHub()
	got := make(chan proto.Inbound, 1)
	h.Handle = func(in proto.Inbound) error {
		if s, ok := in.(proto.Seek); ok && s.PositionMs < 0 {
			return errors.New("negative position")
		}
		got <- in
		return nil
	}
	c := dialHub(t, h)

	c.WriteMessage(websocket.TextMessage, []byte(`{"type":"TRANSPORT","action":"play","file":"a.mid"}`))
	select {
	case in := <-got:
		tr, ok := in.(proto.Transport)
		if !ok || tr.Action != "play" || tr.File != "a.mid" {
			t.Fatalf("got %#v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request not handled")
	}

	c.WriteMessage(websocket.TextMessage, []byte(`{"type":"SEEK","position":-5}`))
	if m := readJSON(t, c); m["type"] != "ERROR" || m["request"] != proto.TypeSeek {
		t.Fatalf("got %v", m)
	}

	c.WriteMessage(websocket.TextMessage, []byte(`not json`))
	if m := readJSON(t, c); m["type"] != "ERROR" {
		t.Fatalf("got %v", m)
	}
}

func TestLogBufferTagsSubsystems(t *testing.T) {
	b := NewLogBuffer(3)
	l := log.New(b, "", log.LstdFlags)
	l.Printf("MUX: starting 7 consoles")
	l.Printf("CONSOLE [P3]: connected")
	l.Printf("plain line")

	got := b.Snapshot()
	if len(got) != 3 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Subsystem != "MUX" || got[1].Subsystem != "CONSOLE" || got[2].Subsystem != "" {
		t.Fatalf("subsystems = %q %q %q", got[0].Subsystem, got[1].Subsystem, got[2].Subsystem)
	}
	if only := b.Since(time.Time{}, "CONSOLE"); len(only) != 1 {
		t.Fatalf("filtered = %+v", only)
	}

	l.Printf("SEQ: loaded")
	if got := b.Snapshot(); len(got) != 3 || got[2].Subsystem != "SEQ" {
		t.Fatalf("ring did not roll: %+v", got)
	}
}

func TestLogBufferJoinsPartialWrites(t *testing.T) {
	b := NewLogBuffer(10)
	b.Write([]byte("GAME: half"))
	if len(b.Snapshot()) != 0 {
		t.Fatal("partial line stored")
	}
	b.Write([]byte(" done\r\n\n"))
	got := b.Snapshot()
	if len(got) != 1 || got[0].Msg != "GAME: half done" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestServeLogsJSON(t *testing.T) {
	b := NewLogBuffer(10)
	b.Write([]byte("MUX: a\nSEQ: b\n"))

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?subsystem=seq", nil))
	var entries []LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Msg != "SEQ: b" {
		t.Fatalf("entries = %+v", entries)
	}

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?since=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestHandlerSetsNoCache(t *testing.T) {
	h := NewHub()
	rec := httptest.NewRecorder()
	Handler(Viewer{Hub: h, Logs: NewLogBuffer(10)}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Cache-Control"), "no-store") {
		t.Fatalf("code=%d headers=%v", rec.Code, rec.Header())
	}
	if h.Handle == nil {
		t.Fatal("hub not wired to the controller")
	}
}
