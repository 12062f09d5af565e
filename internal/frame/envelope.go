package frame

import logging "github.com/ipfs/go-log/v2"

var logger = logging.Logger("frame")

// ChunkHeaderSize is the size of the {totalSize, position} envelope header.
const ChunkHeaderSize = 8

// MaxChunkTotal caps the declared size of one reassembled payload.
const MaxChunkTotal = 10 << 20

// Chunk is one fragment of a larger JSON payload.
type Chunk struct {
	TotalSize uint32
	Position  uint32
	Payload   []byte
}

// ParseChunk tests b as a chunk envelope. It reports false when b is too
// short, declares a zero or oversized total, or places its payload outside
// the declared total; such buffers fall through to fixed-frame decoding.
// The returned payload aliases b.
func ParseChunk(b []byte) (Chunk, bool) {
	if len(b) < ChunkHeaderSize {
		return Chunk{}, false
	}
	c := Chunk{
		TotalSize: le.Uint32(b[0:]),
		Position:  le.Uint32(b[4:]),
		Payload:   b[ChunkHeaderSize:],
	}
	if c.TotalSize == 0 || c.TotalSize > MaxChunkTotal {
		return Chunk{}, false
	}
	if c.Position >= c.TotalSize || uint64(c.Position)+uint64(len(c.Payload)) > uint64(c.TotalSize) {
		return Chunk{}, false
	}
	return c, true
}

// EncodeChunk serialises one envelope.
func EncodeChunk(c Chunk) []byte {
	b := make([]byte, ChunkHeaderSize+len(c.Payload))
	le.PutUint32(b[0:], c.TotalSize)
	le.PutUint32(b[4:], c.Position)
	copy(b[ChunkHeaderSize:], c.Payload)
	return b
}

// Split fragments payload into envelopes carrying at most size payload bytes.
func Split(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = len(payload)
	}
	total := uint32(len(payload))
	var out [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, EncodeChunk(Chunk{
			TotalSize: total,
			Position:  uint32(off),
			Payload:   payload[off:end],
		}))
	}
	return out
}

// Kind says how an inbound buffer should be handled.
type Kind int

const (
	KindHeartbeat Kind = iota
	KindChunk
	KindJSON
	KindFrame
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindChunk:
		return "chunk"
	case KindJSON:
		return "json"
	case KindFrame:
		return "frame"
	}
	return "invalid"
}

// Inbound is the classification of one raw buffer received from a console.
type Inbound struct {
	Kind  Kind
	Chunk Chunk
	JSON  []byte
	Frame Frame
	Err   error
}

// Classify routes a raw buffer. Order matters: envelope first, then the two
// unframed JSON forms, then fixed frames.
//
// TODO: consoles still send configuration in three framings (envelope, bare
// '{' and the 0x05 type byte). Drop the last two once every console firmware
// sends envelopes only.
func Classify(b []byte) Inbound {
	if IsHeartbeat(b) {
		return Inbound{Kind: KindHeartbeat}
	}
	if c, ok := ParseChunk(b); ok {
		logger.Debugf("chunk at %d of %d, %d bytes", c.Position, c.TotalSize, len(c.Payload))
		return Inbound{Kind: KindChunk, Chunk: c}
	}
	if b[0] == '{' {
		return Inbound{Kind: KindJSON, JSON: b}
	}
	if Type(b[0]) == TypeConfigJSON {
		if len(b) < 3 {
			return Inbound{Kind: KindInvalid, Err: &DecodeError{Type: TypeConfigJSON, Len: len(b), Err: ErrTooShort}}
		}
		return Inbound{Kind: KindJSON, JSON: b[1:]}
	}
	f, err := Decode(b)
	if err != nil {
		logger.Debugf("undecodable %d-byte buffer: %v", len(b), err)
		return Inbound{Kind: KindInvalid, Err: err}
	}
	return Inbound{Kind: KindFrame, Frame: f}
}

// EncodeConfigJSON wraps a JSON document in the type-byte framing.
func EncodeConfigJSON(doc []byte) []byte {
	b := make([]byte, 1+len(doc))
	b[0] = byte(TypeConfigJSON)
	copy(b[1:], doc)
	return b
}
