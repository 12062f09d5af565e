// Package chunk reassembles length-prefixed fragments of one logical JSON
// payload per console.
package chunk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/petervdpas/sirenconsole/internal/frame"
)

var (
	ErrOutOfRange = errors.New("chunk outside declared payload")
	ErrCorrupt    = errors.New("corrupt payload")
	ErrNotObject  = errors.New("payload is not a JSON object")
)

// ParseError is a ConfigParseError: the reassembled payload was dropped.
type ParseError struct {
	Console string
	Size    int
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("console %s: payload of %d bytes: %v", e.Console, e.Size, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type assembly struct {
	expected int
	received int
	buf      []byte
}

// Reassembler keeps at most one in-progress assembly per console.
type Reassembler struct {
	mu     sync.Mutex
	states map[string]*assembly
}

func New() *Reassembler {
	return &Reassembler{states: make(map[string]*assembly)}
}

// Feed adds one fragment. It returns the parsed object once the declared size
// has been received, (nil, nil) while more fragments are expected, and a
// *ParseError when the fragment or the completed payload is rejected. State
// for the console is cleared after every completed or failed payload.
func (r *Reassembler) Feed(consoleID string, c frame.Chunk) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := int(c.TotalSize)
	if total <= 0 || total > frame.MaxChunkTotal {
		delete(r.states, consoleID)
		return nil, &ParseError{Console: consoleID, Size: total, Err: ErrOutOfRange}
	}
	end := uint64(c.Position) + uint64(len(c.Payload))
	if uint64(c.Position) >= uint64(total) || end > uint64(total) {
		delete(r.states, consoleID)
		return nil, &ParseError{Console: consoleID, Size: total, Err: ErrOutOfRange}
	}

	st, ok := r.states[consoleID]
	if !ok || st.expected != total {
		st = &assembly{expected: total, buf: make([]byte, total)}
		r.states[consoleID] = st
	}

	copy(st.buf[c.Position:], c.Payload)
	st.received += len(c.Payload)
	if st.received < st.expected {
		return nil, nil
	}

	delete(r.states, consoleID)
	obj, err := ParseObject(st.buf)
	if err != nil {
		return nil, &ParseError{Console: consoleID, Size: total, Err: err}
	}
	return obj, nil
}

// Pending reports whether an assembly is in progress for the console.
func (r *Reassembler) Pending(consoleID string) bool {
	r.mu.Lock()
	_, ok := r.states[consoleID]
	r.mu.Unlock()
	return ok
}

// Expecting reports whether an assembly of exactly total bytes is in
// progress for the console.
func (r *Reassembler) Expecting(consoleID string, total uint32) bool {
	r.mu.Lock()
	st, ok := r.states[consoleID]
	r.mu.Unlock()
	return ok && st.expected == int(total)
}

// Reset drops any partial assembly for the console.
func (r *Reassembler) Reset(consoleID string) {
	r.mu.Lock()
	delete(r.states, consoleID)
	r.mu.Unlock()
}

// ParseObject validates a complete payload and decodes it as a non-null JSON
// object. All-zero buffers, invalid UTF-8, replacement characters and blank
// documents are rejected.
func ParseObject(b []byte) (map[string]any, error) {
	if len(bytes.Trim(b, "\x00")) == 0 {
		return nil, fmt.Errorf("%w: empty or zero-filled", ErrCorrupt)
	}
	if !utf8.Valid(b) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrCorrupt)
	}
	s := string(b)
	if strings.ContainsRune(s, utf8.RuneError) {
		return nil, fmt.Errorf("%w: replacement character", ErrCorrupt)
	}
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: blank", ErrCorrupt)
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rest := strings.Trim(s[dec.InputOffset():], " \t\r\n\x00"); rest != "" {
		return nil, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}
	obj, ok := v.(map[string]any)
	if !ok || obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}
