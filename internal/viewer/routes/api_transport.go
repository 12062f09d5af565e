// internal/viewer/routes/api_transport.go

package routes

import (
	"fmt"
	"log"
	"net/http"

	"github.com/petervdpas/sirenconsole/internal/proto"
)

type TransportRequest struct {
	Action     string   `json:"action"`
	File       string   `json:"file,omitempty"`
	PositionMs *float64 `json:"position_ms,omitempty"`
	BPM        *float64 `json:"bpm,omitempty"`
}

// Controller applies transport and console requests from the HTTP API and
// the UI websocket.
type Controller struct {
	d Deps
}

func NewController(d Deps) *Controller {
	return &Controller{d: d}
}

// Transport runs one transport action and returns the resulting playback
// state.
func (c *Controller) Transport(req TransportRequest) (proto.PlaybackState, error) {
	seq := c.d.Seq
	var err error
	switch req.Action {
	case "play":
		if req.File != "" {
			if err = c.load(req.File); err != nil {
				break
			}
		}
		err = seq.Play()
	case "pause":
		err = seq.Pause()
	case "stop":
		err = seq.Stop()
	case "load":
		err = c.load(req.File)
	case "seek":
		if req.PositionMs == nil {
			return seq.State(), fmt.Errorf("%w: seek needs position_ms", errBadRequest)
		}
		err = seq.Seek(*req.PositionMs)
	case "tempo":
		if req.BPM == nil {
			return seq.State(), fmt.Errorf("%w: tempo needs bpm", errBadRequest)
		}
		err = seq.SetTempo(*req.BPM)
	default:
		return seq.State(), fmt.Errorf("%w: unknown action %q", errBadRequest, req.Action)
	}
	return seq.State(), err
}

func (c *Controller) load(name string) error {
	if name == "" {
		return fmt.Errorf("%w: load needs a file", errBadRequest)
	}
	path, err := c.d.Library.Resolve(name)
	if err != nil {
		return err
	}
	return c.d.Seq.Load(path)
}

// Apply routes one request sent by a UI websocket client.
func (c *Controller) Apply(in proto.Inbound) error {
	switch m := in.(type) {
	case proto.Transport:
		req := TransportRequest{Action: m.Action, File: m.File}
		if m.Action == "seek" {
			req.PositionMs = &m.PositionMs
		}
		if m.Action == "tempo" {
			req.BPM = &m.BPM
		}
		_, err := c.Transport(req)
		return err
	case proto.Seek:
		return c.d.Seq.Seek(m.PositionMs)
	case proto.TempoChange:
		return c.d.Seq.SetTempo(m.BPM)
	case proto.ParamUpdateRequest:
		cmd := proto.ParamUpdate(m.Path, m.Value)
		if m.ConsoleID == "" {
			c.d.Mux.Broadcast(cmd)
			return nil
		}
		return c.sendTo(m.ConsoleID, cmd)
	case proto.RequestConfigRequest:
		if m.ConsoleID == "" {
			c.d.Mux.Broadcast(proto.RequestConfig())
			return nil
		}
		return c.sendTo(m.ConsoleID, proto.RequestConfig())
	case proto.ConsoleConnect:
		if !c.d.Mux.Connect(m.ConsoleID) {
			return fmt.Errorf("%w: %s", errUnknownConsole, m.ConsoleID)
		}
		return nil
	}
	return fmt.Errorf("%w: %s is not accepted from the UI", errBadRequest, in.MessageType())
}

// sendTo fails only for unknown consoles. A command for a console that is
// down stays queued.
func (c *Controller) sendTo(id string, cmd proto.Command) error {
	if !c.d.Mux.Known(id) {
		return fmt.Errorf("%w: %s", errUnknownConsole, id)
	}
	if !c.d.Mux.SendTo(id, cmd) {
		log.Printf("UI: %s for %s queued", cmd.Type, id)
	}
	return nil
}

func registerTransportRoutes(mux *http.ServeMux, ctl *Controller) {
	handleGet(mux, "/api/playback", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":   ctl.d.Seq.Status().String(),
			"playback": ctl.d.Seq.State(),
		})
	})

	handlePost(mux, "/api/transport", func(w http.ResponseWriter, r *http.Request, req TransportRequest) {
		st, err := ctl.Transport(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"status":   ctl.d.Seq.Status().String(),
			"playback": st,
		})
	})
}
