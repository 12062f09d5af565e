package viewer

import (
	"net/http"
	"time"

	"github.com/petervdpas/sirenconsole/internal/game"
	"github.com/petervdpas/sirenconsole/internal/library"
	"github.com/petervdpas/sirenconsole/internal/multiplex"
	"github.com/petervdpas/sirenconsole/internal/sequencer"
	"github.com/petervdpas/sirenconsole/internal/viewer/routes"
)

type Viewer struct {
	Mux     *multiplex.Manager
	Seq     *sequencer.Sequencer
	Game    *game.Engine
	Library *library.Library
	Logs    *LogBuffer
	Hub     *Hub
}

// Handler builds the HTTP API and the UI websocket. Requests sent over the
// websocket go through the same controller as the HTTP transport API.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Mux:     v.Mux,
		Seq:     v.Seq,
		Game:    v.Game,
		Library: v.Library,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	ctl := routes.Register(mux, deps)

	if v.Hub != nil {
		v.Hub.Handle = ctl.Apply
		mux.HandleFunc("/ws", v.Hub.ServeWS)
	}

	return noCache(mux)
}

func NewServer(addr string, v Viewer) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
