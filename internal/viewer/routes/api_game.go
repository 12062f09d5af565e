// internal/viewer/routes/api_game.go

package routes

import (
	"net/http"

	"github.com/petervdpas/sirenconsole/internal/game"
)

func registerGameRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/game", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Game.State())
	})

	handlePost(mux, "/api/game/start", func(w http.ResponseWriter, r *http.Request, opts game.Options) {
		if opts.MidiFile != "" {
			// Consoles load the file themselves; make sure it is one we serve.
			if _, err := d.Library.Resolve(opts.MidiFile); err != nil {
				writeError(w, err)
				return
			}
		}
		sync, err := d.Game.Start(opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"started": true, "syncTimestamp": sync})
	})

	handlePost(mux, "/api/game/pause", func(w http.ResponseWriter, r *http.Request, req struct {
		Paused *bool `json:"paused"`
	}) {
		paused := true
		if req.Paused != nil {
			paused = *req.Paused
		}
		d.Game.Pause(paused)
		writeJSON(w, map[string]any{"paused": paused})
	})

	handlePost(mux, "/api/game/abort", func(w http.ResponseWriter, r *http.Request, req struct {
		Reason string `json:"reason"`
	}) {
		writeJSON(w, d.Game.Abort(req.Reason))
	})
}
