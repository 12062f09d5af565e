// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/sirenconsole/internal/game"
	"github.com/petervdpas/sirenconsole/internal/library"
	"github.com/petervdpas/sirenconsole/internal/sequencer"
)

const maxBody = 1 << 20

var (
	errUnknownConsole = errors.New("unknown console")
	errBadRequest     = errors.New("bad request")
)

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into a T before calling fn. An empty
// body decodes to the zero T.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("HTTP: encode response: %v", err)
	}
}

// writeError reports err as {"error": ...} with the status it maps to.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var le *sequencer.LoadError
	switch {
	case errors.Is(err, errUnknownConsole), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, sequencer.ErrNotLoaded), errors.Is(err, game.ErrNoFile):
		return http.StatusConflict
	case errors.Is(err, errBadRequest), errors.Is(err, library.ErrInvalidName),
		errors.Is(err, sequencer.ErrTempo), errors.As(err, &le):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// parseSince accepts epoch milliseconds or an RFC 3339 timestamp. Empty
// means the beginning of time.
func parseSince(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errBadRequest
	}
	return t, nil
}
