package frame

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
	}{
		{"position zero", Position{}},
		{"position playing", Position{Flags: FlagPlaying, Bar: 12, BeatInBar: 3, Beat: 47.25}},
		{"position max", Position{Flags: 0xFF, Bar: math.MaxUint16, BeatInBar: math.MaxUint16, Beat: math.MaxFloat32}},
		{"file info", FileInfo{DurationMs: 4000, TotalBeats: 8}},
		{"file info max", FileInfo{DurationMs: math.MaxUint32, TotalBeats: math.MaxUint32}},
		{"tempo zero", Tempo{BPM: 0}},
		{"tempo 120", Tempo{BPM: 120}},
		{"tempo max", Tempo{BPM: 65535}},
		{"timesig", TimeSig{Numerator: 7, Denominator: 8}},
		{"tick short", TickPosition{Flags: FlagPlaying, Tick: 1920}},
		{"tick with ppq", TickPosition{Tick: math.MaxUint32, PPQ: 480, HasPPQ: true}},
		{"note hit", NoteHit{ConsoleID: 3, Note: 60, Expected: 60, Actual: 61, TimingMs: -42, Rating: RatingGood, ScoreDiv10: 5}},
		{"note hit bounds", NoteHit{ConsoleID: 7, Note: 127, TimingMs: math.MinInt16, Rating: RatingPerfect, ScoreDiv10: 255}},
		{"score update", ScoreUpdate{ConsoleID: 2, Score: 123456, Combo: 12, MaxCombo: 40, Accuracy: 93, Perfect: 20, Good: 5, Miss: 1}},
		{"leaderboard empty", Leaderboard{}},
		{"leaderboard", Leaderboard{Entries: []LeaderboardEntry{
			{Rank: 1, ConsoleID: 4, Score: 9000, Combo: 30, Accuracy: 99},
			{Rank: 2, ConsoleID: 1, Score: 100, Combo: 2, Accuracy: 50},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := Encode(tc.f)
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.f) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", got, tc.f)
			}
			if again := Encode(got); !bytes.Equal(again, b) {
				t.Fatalf("re-encode mismatch: got % x, want % x", again, b)
			}
		})
	}
}

func TestDecodeTempoBytes(t *testing.T) {
	in := []byte{0x03, 0x78, 0x00}
	f, err := Decode(in)
	if err != nil {
		t.Fatal(err)
	}
	if f != (Tempo{BPM: 120}) {
		t.Fatalf("got %#v", f)
	}
	if out := Encode(f); !bytes.Equal(out, in) {
		t.Fatalf("re-encode: got % x", out)
	}
}

func TestDecodeFailures(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"position short", []byte{0x01, 0x01, 0x02}, ErrTooShort},
		{"position long", append(Encode(Position{}), 0x00), ErrLength},
		{"tempo short", []byte{0x03, 0x78}, ErrTooShort},
		{"tick odd size", []byte{0x06, 0, 0, 0, 0, 0, 0}, ErrLength},
		{"zero type", make([]byte, 5), ErrUnknownType},
		{"score truncated", append([]byte{0x11}, make([]byte, 10)...), ErrTooShort},
		{"leaderboard ragged", append([]byte{0x12}, make([]byte, 10)...), ErrLength},
		{"bad rating", []byte{0x10, 1, 60, 60, 60, 0, 0, 3, 1}, ErrField},
		{"unknown", []byte{0x7F, 1, 2}, ErrUnknownType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode(tc.in)
			if f != nil {
				t.Fatalf("expected no frame, got %#v", f)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
		})
	}
}

func TestHeartbeats(t *testing.T) {
	for _, in := range [][]byte{nil, {}, {0, 0}} {
		f, err := Decode(in)
		if f != nil || err != nil {
			t.Fatalf("heartbeat % x decoded to %v, %v", in, f, err)
		}
		if k := Classify(in).Kind; k != KindHeartbeat {
			t.Fatalf("heartbeat % x classified as %s", in, k)
		}
	}
}

func TestClassify(t *testing.T) {
	doc := []byte(`{"type":"CONFIG_FULL","config":{"a":1}}`)

	t.Run("raw json", func(t *testing.T) {
		in := Classify(doc)
		if in.Kind != KindJSON || !bytes.Equal(in.JSON, doc) {
			t.Fatalf("got %s %q", in.Kind, in.JSON)
		}
	})

	t.Run("type byte json", func(t *testing.T) {
		in := Classify(EncodeConfigJSON(doc))
		if in.Kind != KindJSON || !bytes.Equal(in.JSON, doc) {
			t.Fatalf("got %s %q", in.Kind, in.JSON)
		}
	})

	t.Run("envelope", func(t *testing.T) {
		parts := Split(doc, 16)
		in := Classify(parts[1])
		if in.Kind != KindChunk {
			t.Fatalf("got %s", in.Kind)
		}
		if in.Chunk.TotalSize != uint32(len(doc)) || in.Chunk.Position != 16 {
			t.Fatalf("bad header %+v", in.Chunk)
		}
		if !bytes.Equal(in.Chunk.Payload, doc[16:32]) {
			t.Fatalf("bad payload %q", in.Chunk.Payload)
		}
	})

	t.Run("short frames bypass envelope", func(t *testing.T) {
		in := Classify(Encode(Tempo{BPM: 90}))
		if in.Kind != KindFrame || in.Frame != (Tempo{BPM: 90}) {
			t.Fatalf("got %s %#v", in.Kind, in.Frame)
		}
	})

	t.Run("position beyond total falls through", func(t *testing.T) {
		b := EncodeChunk(Chunk{TotalSize: 4, Position: 9, Payload: []byte("ab")})
		in := Classify(b)
		if in.Kind == KindChunk {
			t.Fatal("out of range envelope accepted")
		}
	})

	t.Run("oversized total falls through", func(t *testing.T) {
		b := EncodeChunk(Chunk{TotalSize: MaxChunkTotal + 1, Payload: []byte("ab")})
		if _, ok := ParseChunk(b); ok {
			t.Fatal("oversized envelope accepted")
		}
	})

	t.Run("zero total falls through", func(t *testing.T) {
		b := EncodeChunk(Chunk{TotalSize: 0, Payload: []byte("abc")})
		if _, ok := ParseChunk(b); ok {
			t.Fatal("zero-size envelope accepted")
		}
	})
}

func TestSplitCoversPayload(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	parts := Split(payload, 33)
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(parts))
	}
	var joined []byte
	for _, p := range parts {
		c, ok := ParseChunk(p)
		if !ok {
			t.Fatalf("part not an envelope: % x", p[:8])
		}
		if int(c.Position) != len(joined) {
			t.Fatalf("position %d, expected %d", c.Position, len(joined))
		}
		joined = append(joined, c.Payload...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatal("reassembled payload differs")
	}
}
