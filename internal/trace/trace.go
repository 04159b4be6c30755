// Package trace records a per-session log of frame-level events to
// disk, msgpack-encoded, for offline replay and debugging. It is pure
// observability: nothing in the core codec or session state machine
// depends on it.
package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind classifies one recorded event.
type Kind string

const (
	KindHelloNegotiated Kind = "hello_negotiated"
	KindNotifyReceived  Kind = "notify_received"
	KindAckSent         Kind = "ack_sent"
	KindAbortSeen       Kind = "abort_seen"
	KindDisconnect      Kind = "disconnect"
)

// Event is one msgpack-encoded record in a session's trace file.
type Event struct {
	Seq      uint64    `msgpack:"seq"`
	At       time.Time `msgpack:"at"`
	Kind     Kind      `msgpack:"kind"`
	StreamID uint64    `msgpack:"stream_id"`
	FrameID  uint64    `msgpack:"frame_id"`
	Detail   string    `msgpack:"detail"`
}

// Recorder opens per-session trace files under a common directory.
type Recorder struct {
	dir string
}

// NewRecorder creates a Recorder rooted at dir, creating dir if it
// does not exist.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// SessionTrace is an append-only msgpack event stream for one session,
// named by an xid so trace files sort by creation time and never
// collide across concurrently accepted connections.
type SessionTrace struct {
	ID  xid.ID
	mu  sync.Mutex
	f   *os.File
	enc *msgpack.Encoder
	seq uint64
}

// NewSession opens a new trace file for one connection.
func (r *Recorder) NewSession() (*SessionTrace, error) {
	id := xid.New()
	path := filepath.Join(r.dir, id.String()+".trace")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	return &SessionTrace{ID: id, f: f, enc: msgpack.NewEncoder(f)}, nil
}

// Record appends one event, filling in Seq and At.
func (st *SessionTrace) Record(kind Kind, streamID, frameID uint64, detail string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	ev := Event{
		Seq:      st.seq,
		At:       time.Now(),
		Kind:     kind,
		StreamID: streamID,
		FrameID:  frameID,
		Detail:   detail,
	}
	return st.enc.Encode(&ev)
}

// Close closes the underlying trace file.
func (st *SessionTrace) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.f.Close()
}

// ReadAll decodes every event in a trace file, in order. Nothing on the
// hot path calls it; in this module only the tests do.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)
	var events []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		events = append(events, ev)
	}
	return events, nil
}
