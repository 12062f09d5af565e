// Package frame implements the fixed-layout little-endian binary frames
// exchanged with the consoles, the chunk envelope used for fragmented JSON
// payloads, and the classification of raw inbound buffers.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type is the leading byte of every binary frame.
type Type byte

const (
	TypePosition     Type = 0x01
	TypeFileInfo     Type = 0x02
	TypeTempo        Type = 0x03
	TypeTimeSig      Type = 0x04
	TypeConfigJSON   Type = 0x05 // type byte followed by one complete JSON document
	TypeTickPosition Type = 0x06

	TypeGameNoteHit     Type = 0x10
	TypeGameScoreUpdate Type = 0x11
	TypeGameLeaderboard Type = 0x12
)

func (t Type) String() string {
	switch t {
	case TypePosition:
		return "POSITION"
	case TypeFileInfo:
		return "FILE_INFO"
	case TypeTempo:
		return "TEMPO"
	case TypeTimeSig:
		return "TIMESIG"
	case TypeConfigJSON:
		return "CONFIG_JSON"
	case TypeTickPosition:
		return "TICK_POSITION"
	case TypeGameNoteHit:
		return "GAME_NOTE_HIT"
	case TypeGameScoreUpdate:
		return "GAME_SCORE_UPDATE"
	case TypeGameLeaderboard:
		return "GAME_LEADERBOARD"
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// Wire sizes, type byte included.
const (
	PositionSize         = 10
	FileInfoSize         = 10 // last byte reserved, always zero
	TempoSize            = 3
	TimeSigSize          = 3
	TickPositionSize     = 6
	TickPositionPPQSize  = 8
	NoteHitSize          = 9
	ScoreUpdateSize      = 14
	LeaderboardEntrySize = 9
)

// FlagPlaying is bit 0 of the POSITION and TICK_POSITION flags byte.
const FlagPlaying uint8 = 0x01

var (
	ErrTooShort    = errors.New("frame too short")
	ErrLength      = errors.New("frame length mismatch")
	ErrUnknownType = errors.New("unknown frame type")
	ErrField       = errors.New("frame field out of range")
)

// DecodeError describes a dropped frame. It wraps one of the sentinel errors.
type DecodeError struct {
	Type Type
	Len  int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame %s (%d bytes): %v", e.Type, e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is one decoded fixed-layout message.
type Frame interface {
	Type() Type
}

type Position struct {
	Flags     uint8
	Bar       uint16
	BeatInBar uint16
	Beat      float32
}

func (Position) Type() Type       { return TypePosition }
func (p Position) Playing() bool { return p.Flags&FlagPlaying != 0 }

type FileInfo struct {
	DurationMs uint32
	TotalBeats uint32
}

func (FileInfo) Type() Type { return TypeFileInfo }

type Tempo struct {
	BPM uint16
}

func (Tempo) Type() Type { return TypeTempo }

type TimeSig struct {
	Numerator   uint8
	Denominator uint8
}

func (TimeSig) Type() Type { return TypeTimeSig }

// TickPosition carries the raw sequencer tick. PPQ is on the wire only when
// HasPPQ is set (8-byte form).
type TickPosition struct {
	Flags  uint8
	Tick   uint32
	PPQ    uint16
	HasPPQ bool
}

func (TickPosition) Type() Type       { return TypeTickPosition }
func (p TickPosition) Playing() bool { return p.Flags&FlagPlaying != 0 }

// Rating grades a single game note.
type Rating uint8

const (
	RatingMiss    Rating = 0
	RatingGood    Rating = 1
	RatingPerfect Rating = 2
)

func (r Rating) String() string {
	switch r {
	case RatingMiss:
		return "MISS"
	case RatingGood:
		return "GOOD"
	case RatingPerfect:
		return "PERFECT"
	}
	return "UNKNOWN"
}

type NoteHit struct {
	ConsoleID  uint8
	Note       uint8
	Expected   uint8
	Actual     uint8
	TimingMs   int16
	Rating     Rating
	ScoreDiv10 uint8 // points gained divided by ten
}

func (NoteHit) Type() Type { return TypeGameNoteHit }

// Points returns the score gained by the hit.
func (h NoteHit) Points() int { return int(h.ScoreDiv10) * 10 }

type ScoreUpdate struct {
	ConsoleID uint8
	Score     uint32
	Combo     uint16
	MaxCombo  uint16
	Accuracy  uint8
	Perfect   uint8
	Good      uint8
	Miss      uint8
}

func (ScoreUpdate) Type() Type { return TypeGameScoreUpdate }

type LeaderboardEntry struct {
	Rank      uint8
	ConsoleID uint8
	Score     uint32
	Combo     uint16
	Accuracy  uint8
}

type Leaderboard struct {
	Entries []LeaderboardEntry
}

func (Leaderboard) Type() Type { return TypeGameLeaderboard }

var le = binary.LittleEndian

// Encode serialises f. It is the exact inverse of Decode.
func Encode(f Frame) []byte {
	switch v := f.(type) {
	case Position:
		b := make([]byte, PositionSize)
		b[0] = byte(TypePosition)
		b[1] = v.Flags
		le.PutUint16(b[2:], v.Bar)
		le.PutUint16(b[4:], v.BeatInBar)
		le.PutUint32(b[6:], math.Float32bits(v.Beat))
		return b
	case FileInfo:
		b := make([]byte, FileInfoSize)
		b[0] = byte(TypeFileInfo)
		le.PutUint32(b[1:], v.DurationMs)
		le.PutUint32(b[5:], v.TotalBeats)
		return b
	case Tempo:
		b := make([]byte, TempoSize)
		b[0] = byte(TypeTempo)
		le.PutUint16(b[1:], v.BPM)
		return b
	case TimeSig:
		return []byte{byte(TypeTimeSig), v.Numerator, v.Denominator}
	case TickPosition:
		size := TickPositionSize
		if v.HasPPQ {
			size = TickPositionPPQSize
		}
		b := make([]byte, size)
		b[0] = byte(TypeTickPosition)
		b[1] = v.Flags
		le.PutUint32(b[2:], v.Tick)
		if v.HasPPQ {
			le.PutUint16(b[6:], v.PPQ)
		}
		return b
	case NoteHit:
		b := make([]byte, NoteHitSize)
		b[0] = byte(TypeGameNoteHit)
		b[1] = v.ConsoleID
		b[2] = v.Note
		b[3] = v.Expected
		b[4] = v.Actual
		le.PutUint16(b[5:], uint16(v.TimingMs))
		b[7] = byte(v.Rating)
		b[8] = v.ScoreDiv10
		return b
	case ScoreUpdate:
		b := make([]byte, ScoreUpdateSize)
		b[0] = byte(TypeGameScoreUpdate)
		b[1] = v.ConsoleID
		le.PutUint32(b[2:], v.Score)
		le.PutUint16(b[6:], v.Combo)
		le.PutUint16(b[8:], v.MaxCombo)
		b[10] = v.Accuracy
		b[11] = v.Perfect
		b[12] = v.Good
		b[13] = v.Miss
		return b
	case Leaderboard:
		b := make([]byte, 1+LeaderboardEntrySize*len(v.Entries))
		b[0] = byte(TypeGameLeaderboard)
		off := 1
		for _, e := range v.Entries {
			b[off] = e.Rank
			b[off+1] = e.ConsoleID
			le.PutUint32(b[off+2:], e.Score)
			le.PutUint16(b[off+6:], e.Combo)
			b[off+8] = e.Accuracy
			off += LeaderboardEntrySize
		}
		return b
	}
	return nil
}

// IsHeartbeat reports whether b is an empty or two-byte all-zero keepalive.
func IsHeartbeat(b []byte) bool {
	return len(b) == 0 || (len(b) == 2 && b[0] == 0 && b[1] == 0)
}

// Decode parses one fixed-layout frame. Heartbeats decode to (nil, nil).
// Any other failure is a *DecodeError and nothing of the frame is returned.
func Decode(b []byte) (Frame, error) {
	if IsHeartbeat(b) {
		return nil, nil
	}
	t := Type(b[0])
	fail := func(err error) (Frame, error) {
		return nil, &DecodeError{Type: t, Len: len(b), Err: err}
	}
	exact := func(size int) error {
		switch {
		case len(b) < size:
			return ErrTooShort
		case len(b) != size:
			return ErrLength
		}
		return nil
	}

	switch t {
	case TypePosition:
		if err := exact(PositionSize); err != nil {
			return fail(err)
		}
		return Position{
			Flags:     b[1],
			Bar:       le.Uint16(b[2:]),
			BeatInBar: le.Uint16(b[4:]),
			Beat:      math.Float32frombits(le.Uint32(b[6:])),
		}, nil

	case TypeFileInfo:
		if err := exact(FileInfoSize); err != nil {
			return fail(err)
		}
		return FileInfo{
			DurationMs: le.Uint32(b[1:]),
			TotalBeats: le.Uint32(b[5:]),
		}, nil

	case TypeTempo:
		if err := exact(TempoSize); err != nil {
			return fail(err)
		}
		return Tempo{BPM: le.Uint16(b[1:])}, nil

	case TypeTimeSig:
		if err := exact(TimeSigSize); err != nil {
			return fail(err)
		}
		return TimeSig{Numerator: b[1], Denominator: b[2]}, nil

	case TypeTickPosition:
		switch {
		case len(b) < TickPositionSize:
			return fail(ErrTooShort)
		case len(b) != TickPositionSize && len(b) != TickPositionPPQSize:
			return fail(ErrLength)
		}
		p := TickPosition{Flags: b[1], Tick: le.Uint32(b[2:])}
		if len(b) == TickPositionPPQSize {
			p.PPQ = le.Uint16(b[6:])
			p.HasPPQ = true
		}
		return p, nil

	case TypeGameNoteHit:
		if err := exact(NoteHitSize); err != nil {
			return fail(err)
		}
		if Rating(b[7]) > RatingPerfect {
			return fail(ErrField)
		}
		return NoteHit{
			ConsoleID:  b[1],
			Note:       b[2],
			Expected:   b[3],
			Actual:     b[4],
			TimingMs:   int16(le.Uint16(b[5:])),
			Rating:     Rating(b[7]),
			ScoreDiv10: b[8],
		}, nil

	case TypeGameScoreUpdate:
		if err := exact(ScoreUpdateSize); err != nil {
			return fail(err)
		}
		return ScoreUpdate{
			ConsoleID: b[1],
			Score:     le.Uint32(b[2:]),
			Combo:     le.Uint16(b[6:]),
			MaxCombo:  le.Uint16(b[8:]),
			Accuracy:  b[10],
			Perfect:   b[11],
			Good:      b[12],
			Miss:      b[13],
		}, nil

	case TypeGameLeaderboard:
		if (len(b)-1)%LeaderboardEntrySize != 0 {
			return fail(ErrLength)
		}
		n := (len(b) - 1) / LeaderboardEntrySize
		var lb Leaderboard
		if n > 0 {
			lb.Entries = make([]LeaderboardEntry, n)
		}
		for i := 0; i < n; i++ {
			off := 1 + i*LeaderboardEntrySize
			lb.Entries[i] = LeaderboardEntry{
				Rank:      b[off],
				ConsoleID: b[off+1],
				Score:     le.Uint32(b[off+2:]),
				Combo:     le.Uint16(b[off+6:]),
				Accuracy:  b[off+8],
			}
		}
		return lb, nil
	}
	return fail(ErrUnknownType)
}
