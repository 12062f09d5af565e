// internal/viewer/routes/api_status.go

package routes

import (
	"fmt"
	"net/http"

	"github.com/petervdpas/sirenconsole/internal/proto"
)

type consoleSendRequest struct {
	ConsoleID string         `json:"console_id"`
	Command   map[string]any `json:"command"`
}

func registerStatusRoutes(mux *http.ServeMux, d Deps, ctl *Controller) {
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Mux.Status())
	})

	// GET /api/events?since=<ms|rfc3339>&console=P3
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		since, err := parseSince(q.Get("since"))
		if err != nil {
			writeError(w, fmt.Errorf("%w: since must be epoch ms or RFC 3339", err))
			return
		}
		id := q.Get("console")
		if id != "" && !d.Mux.Known(id) {
			writeError(w, fmt.Errorf("%w: %s", errUnknownConsole, id))
			return
		}
		writeJSON(w, d.Mux.Events(since, id))
	})

	// GET /api/console/config?console=P3
	handleGet(mux, "/api/console/config", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("console")
		if !d.Mux.Known(id) {
			writeError(w, fmt.Errorf("%w: %q", errUnknownConsole, id))
			return
		}
		cfg, ok := d.Mux.Config(id)
		writeJSON(w, map[string]any{"console": id, "available": ok, "config": cfg})
	})

	handlePost(mux, "/api/console/send", func(w http.ResponseWriter, r *http.Request, req consoleSendRequest) {
		typ, _ := req.Command["type"].(string)
		if req.ConsoleID == "" || typ == "" {
			writeError(w, fmt.Errorf("%w: console_id and command.type are required", errBadRequest))
			return
		}
		fields := make(map[string]any, len(req.Command))
		for k, v := range req.Command {
			if k != "type" {
				fields[k] = v
			}
		}
		cmd := proto.NewCommand(typ, fields)
		if !d.Mux.Known(req.ConsoleID) {
			writeError(w, fmt.Errorf("%w: %s", errUnknownConsole, req.ConsoleID))
			return
		}
		sent := d.Mux.SendTo(req.ConsoleID, cmd)
		writeJSON(w, map[string]any{"id": cmd.ID, "sent": sent, "queued": !sent})
	})

	handlePost(mux, "/api/console/connect", func(w http.ResponseWriter, r *http.Request, req struct {
		ConsoleID string `json:"console_id"`
	}) {
		if err := ctl.Apply(proto.ConsoleConnect{ConsoleID: req.ConsoleID}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
}
