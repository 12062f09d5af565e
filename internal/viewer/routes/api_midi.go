// internal/viewer/routes/api_midi.go

package routes

import "net/http"

func registerMidiRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/midi/files", func(w http.ResponseWriter, r *http.Request) {
		files := d.Library.List()
		writeJSON(w, map[string]any{"files": files, "count": len(files)})
	})

	handleGet(mux, "/api/midi/categories", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"categories": d.Library.Categories()})
	})
}
