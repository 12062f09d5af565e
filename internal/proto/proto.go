// Package proto defines the JSON messages exchanged with the consoles and with
// the presentation layer.
package proto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message type discriminators carried in the "type" field.
const (
	TypeParamChanged   = "PARAM_CHANGED"
	TypeParamUpdate    = "PARAM_UPDATE"
	TypeRequestConfig  = "REQUEST_CONFIG"
	TypeConfigFull     = "CONFIG_FULL"
	TypeConsoleStatus  = "CONSOLE_STATUS"
	TypePlaybackState  = "PLAYBACK_STATE"
	TypeGameMode       = "GAME_MODE"
	TypeGameStart      = "GAME_START"
	TypeGamePause      = "GAME_PAUSE"
	TypeGameAbort      = "GAME_ABORT"
	TypeGameEnd        = "GAME_END"
	TypeNote           = "MIDI_NOTE"
	TypeTransport      = "TRANSPORT"
	TypeSeek           = "SEEK"
	TypeTempoChange    = "TEMPO_CHANGE"
	TypeConsoleConnect = "CONSOLE_CONNECT"
	TypeControl        = "CONTROL"

	// Emitted upward only.
	TypeConsoleEvent = "CONSOLE_EVENT"
	TypeSirenState   = "SIREN_STATE"
)

// Command is one outbound directive. Fields never include "type"; Encode adds it.
type Command struct {
	ID         string
	Type       string
	Fields     map[string]any
	Idempotent bool // at most one queued per type
}

func NewCommand(typ string, fields map[string]any) Command {
	return Command{ID: uuid.NewString(), Type: typ, Fields: fields}
}

// Encode returns the canonical serialisation: one JSON object with sorted keys.
func (c Command) Encode() ([]byte, error) {
	m := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		m[k] = v
	}
	m["type"] = c.Type
	return json.Marshal(m)
}

func RequestConfig() Command {
	c := NewCommand(TypeRequestConfig, nil)
	c.Idempotent = true
	return c
}

func ParamUpdate(path []string, value any) Command {
	return NewCommand(TypeParamUpdate, map[string]any{"path": path, "value": value})
}

// Note carries one sequencer note; velocity 0 is a note-off.
func Note(note, velocity, channel uint8) Command {
	return NewCommand(TypeNote, map[string]any{
		"note":     note,
		"velocity": velocity,
		"channel":  channel,
	})
}

func GamePause(paused bool) Command {
	return NewCommand(TypeGamePause, map[string]any{"paused": paused})
}

func GameAbort(reason string) Command {
	return NewCommand(TypeGameAbort, map[string]any{"reason": reason})
}

// TimeSignature is a meter as carried in JSON.
type TimeSignature struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// PlaybackState is the transport position of one console or of the sequencer.
type PlaybackState struct {
	Playing       bool          `json:"playing"`
	Bar           int           `json:"bar"`
	BeatInBar     int           `json:"beatInBar"`
	Beat          float64       `json:"beat"`
	Tempo         int           `json:"tempo"`
	TimeSignature TimeSignature `json:"timeSignature"`
	DurationMs    int64         `json:"duration"`
	TotalBeats    int           `json:"totalBeats"`
	File          string        `json:"file,omitempty"`
	PositionMs    int64         `json:"position"`
}

// DefaultPlayback is the state of an idle transport.
func DefaultPlayback() PlaybackState {
	return PlaybackState{
		Bar:           1,
		BeatInBar:     1,
		Tempo:         120,
		TimeSignature: TimeSignature{Numerator: 4, Denominator: 4},
	}
}
