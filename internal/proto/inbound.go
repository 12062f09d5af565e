package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrNotNumeric = errors.New("value is not numeric")
	ErrNoType     = errors.New("message has no type")
	ErrField      = errors.New("missing or invalid field")
)

// ToFloat converts a JSON value to a finite number. Strings are accepted only
// when they parse completely; anything else is an error.
func ToFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint8:
		f = float64(n)
	case json.Number:
		p, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, n.String())
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, n)
		}
		f = p
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, f)
	}
	return f, nil
}

// ToInt is ToFloat truncated toward zero.
func ToInt(v any) (int, error) {
	f, err := ToFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Inbound is a decoded JSON message. The concrete types below are the only
// implementations.
type Inbound interface {
	MessageType() string
}

type ParamChanged struct {
	Path  []string
	Value any
}

type ConfigFull struct {
	Config map[string]any
}

type PlaybackReport struct {
	State PlaybackState
}

type GameMode struct {
	Enabled bool
}

type GameEnd struct {
	ConsoleID  string
	FinalScore float64
	Accuracy   float64
	Rank       int
	Stats      map[string]any
}

// Control is continuous-control telemetry: the rotary position expressed as a
// (possibly fractional) note and the 14-bit pitch bend.
type Control struct {
	Note      float64
	PitchBend int
}

type Transport struct {
	Action     string
	File       string
	PositionMs float64
	BPM        float64
}

type Seek struct {
	PositionMs float64
}

type TempoChange struct {
	BPM float64
}

type ParamUpdateRequest struct {
	ConsoleID string
	Path      []string
	Value     any
}

type RequestConfigRequest struct {
	ConsoleID string
}

type ConsoleConnect struct {
	ConsoleID string
}

// Unknown is any message with an unrecognised type.
type Unknown struct {
	Type string
	Raw  map[string]any
}

func (ParamChanged) MessageType() string         { return TypeParamChanged }
func (ConfigFull) MessageType() string           { return TypeConfigFull }
func (PlaybackReport) MessageType() string       { return TypePlaybackState }
func (GameMode) MessageType() string             { return TypeGameMode }
func (GameEnd) MessageType() string              { return TypeGameEnd }
func (Control) MessageType() string              { return TypeControl }
func (Transport) MessageType() string            { return TypeTransport }
func (Seek) MessageType() string                 { return TypeSeek }
func (TempoChange) MessageType() string          { return TypeTempoChange }
func (ParamUpdateRequest) MessageType() string   { return TypeParamUpdate }
func (RequestConfigRequest) MessageType() string { return TypeRequestConfig }
func (ConsoleConnect) MessageType() string       { return TypeConsoleConnect }
func (u Unknown) MessageType() string            { return u.Type }

// ParseJSON decodes raw bytes into an object and parses it.
func ParseJSON(b []byte) (Inbound, error) {
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: null document", ErrField)
	}
	return ParseInbound(obj)
}

// ParseInbound maps a decoded object onto its message type.
func ParseInbound(obj map[string]any) (Inbound, error) {
	typ, _ := obj["type"].(string)
	if typ == "" {
		return nil, ErrNoType
	}

	switch typ {
	case TypeParamChanged:
		path, err := parsePath(obj["path"])
		if err != nil {
			return nil, err
		}
		return ParamChanged{Path: path, Value: obj["value"]}, nil

	case TypeConfigFull:
		cfg, ok := obj["config"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: config", ErrField)
		}
		return ConfigFull{Config: cfg}, nil

	case TypePlaybackState:
		st, err := parsePlayback(obj)
		if err != nil {
			return nil, err
		}
		return PlaybackReport{State: st}, nil

	case TypeGameMode:
		enabled, _ := obj["enabled"].(bool)
		return GameMode{Enabled: enabled}, nil

	case TypeGameEnd:
		ge := GameEnd{ConsoleID: idField(obj, "pupitreId")}
		var err error
		if ge.FinalScore, err = optFloat(obj, "finalScore"); err != nil {
			return nil, err
		}
		if ge.Accuracy, err = optFloat(obj, "accuracy"); err != nil {
			return nil, err
		}
		rank, err := optFloat(obj, "rank")
		if err != nil {
			return nil, err
		}
		ge.Rank = int(rank)
		ge.Stats, _ = obj["stats"].(map[string]any)
		return ge, nil

	case TypeControl:
		note, err := ToFloat(obj["note"])
		if err != nil {
			return nil, fmt.Errorf("note: %w", err)
		}
		c := Control{Note: note, PitchBend: 8192}
		if v, ok := obj["pitchBend"]; ok {
			if c.PitchBend, err = ToInt(v); err != nil {
				return nil, fmt.Errorf("pitchBend: %w", err)
			}
		}
		return c, nil

	case TypeTransport:
		t := Transport{Action: stringField(obj, "action"), File: stringField(obj, "file")}
		if t.Action == "" {
			return nil, fmt.Errorf("%w: action", ErrField)
		}
		var err error
		if t.PositionMs, err = optFloat(obj, "position"); err != nil {
			return nil, err
		}
		if t.BPM, err = optFloat(obj, "tempo"); err != nil {
			return nil, err
		}
		return t, nil

	case TypeSeek:
		ms, err := ToFloat(obj["position"])
		if err != nil {
			return nil, fmt.Errorf("position: %w", err)
		}
		return Seek{PositionMs: ms}, nil

	case TypeTempoChange:
		bpm, err := ToFloat(obj["tempo"])
		if err != nil {
			return nil, fmt.Errorf("tempo: %w", err)
		}
		return TempoChange{BPM: bpm}, nil

	case TypeParamUpdate:
		path, err := parsePath(obj["path"])
		if err != nil {
			return nil, err
		}
		return ParamUpdateRequest{ConsoleID: idField(obj, "pupitreId"), Path: path, Value: obj["value"]}, nil

	case TypeRequestConfig:
		return RequestConfigRequest{ConsoleID: idField(obj, "pupitreId")}, nil

	case TypeConsoleConnect:
		id := idField(obj, "pupitreId")
		if id == "" {
			return nil, fmt.Errorf("%w: pupitreId", ErrField)
		}
		return ConsoleConnect{ConsoleID: id}, nil
	}
	return Unknown{Type: typ, Raw: obj}, nil
}

// parsePath accepts ["a","b"] or "a.b".
func parsePath(v any) ([]string, error) {
	switch p := v.(type) {
	case string:
		if p == "" {
			break
		}
		return strings.Split(p, "."), nil
	case []any:
		if len(p) == 0 {
			break
		}
		out := make([]string, len(p))
		for i, seg := range p {
			switch s := seg.(type) {
			case string:
				out[i] = s
			case json.Number:
				out[i] = s.String()
			case float64:
				out[i] = strconv.FormatFloat(s, 'f', -1, 64)
			default:
				return nil, fmt.Errorf("%w: path segment %T", ErrField, seg)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: path", ErrField)
}

func parsePlayback(obj map[string]any) (PlaybackState, error) {
	st := DefaultPlayback()
	st.Playing, _ = obj["playing"].(bool)
	st.File = stringField(obj, "file")

	ints := []struct {
		key string
		dst *int
	}{
		{"bar", &st.Bar},
		{"beatInBar", &st.BeatInBar},
		{"tempo", &st.Tempo},
		{"totalBeats", &st.TotalBeats},
	}
	for _, f := range ints {
		v, ok := obj[f.key]
		if !ok {
			continue
		}
		n, err := ToInt(v)
		if err != nil {
			return st, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = n
	}

	var err error
	if v, ok := obj["beat"]; ok {
		if st.Beat, err = ToFloat(v); err != nil {
			return st, fmt.Errorf("beat: %w", err)
		}
	}
	for key, dst := range map[string]*int64{"duration": &st.DurationMs, "position": &st.PositionMs} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		f, err := ToFloat(v)
		if err != nil {
			return st, fmt.Errorf("%s: %w", key, err)
		}
		*dst = int64(f)
	}
	if ts, ok := obj["timeSignature"].(map[string]any); ok {
		num, err1 := ToInt(ts["numerator"])
		den, err2 := ToInt(ts["denominator"])
		if err1 != nil || err2 != nil {
			return st, fmt.Errorf("%w: timeSignature", ErrField)
		}
		st.TimeSignature = TimeSignature{Numerator: num, Denominator: den}
	}
	return st, nil
}

// idField reads a console id given either as a string or as a number.
func idField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// ConsoleNumber extracts the station number from ids such as "P3" or "3".
func ConsoleNumber(id string) (uint8, bool) {
	s := strings.TrimLeft(strings.TrimSpace(id), "Pp")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 255 {
		return 0, false
	}
	return uint8(n), true
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// optFloat returns 0 for an absent key and an error for a present
// non-numeric one.
func optFloat(obj map[string]any, key string) (float64, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return 0, nil
	}
	f, err := ToFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
