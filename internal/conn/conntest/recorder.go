// Package conntest provides an in-memory connection handle that records every
// delivered frame, for use in registry and coordinator tests.
package conntest

import (
	"encoding/json"
	"sync"
)

// Frame is one decoded envelope received by a Recorder.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Recorder implements conn.Handle.
type Recorder struct {
	id string

	mu     sync.Mutex
	frames []Frame
	full   bool
}

// New creates a Recorder with the given connection id.
func New(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

// Deliver records payload. It refuses delivery after SetFull(true).
func (r *Recorder) Deliver(payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		f = Frame{Event: "", Data: payload}
	}
	r.frames = append(r.frames, f)
	return true
}

// SetFull makes the recorder behave like a connection with a full send buffer.
func (r *Recorder) SetFull(full bool) {
	r.mu.Lock()
	r.full = full
	r.mu.Unlock()
}

// Frames returns a copy of everything delivered so far.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// Named returns the delivered frames whose event name equals name.
func (r *Recorder) Named(name string) []Frame {
	var out []Frame
	for _, f := range r.Frames() {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

// Count returns how many frames named name were delivered.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}

// Reset forgets recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

// Decode unmarshals a frame's data into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}
