// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/sirenconsole/internal/game"
	"github.com/petervdpas/sirenconsole/internal/library"
	"github.com/petervdpas/sirenconsole/internal/multiplex"
	"github.com/petervdpas/sirenconsole/internal/sequencer"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Mux     *multiplex.Manager
	Seq     *sequencer.Sequencer
	Game    *game.Engine
	Library *library.Library
	Logs    Logs
}

func Register(mux *http.ServeMux, d Deps) *Controller {
	ctl := NewController(d)

	registerAPILogRoutes(mux, d)
	registerStatusRoutes(mux, d, ctl)
	registerTransportRoutes(mux, ctl)
	registerMidiRoutes(mux, d)
	registerGameRoutes(mux, d)

	return ctl
}
