package spop

import "fmt"

// FrameType identifies one of the six SPOP frame kinds.
type FrameType byte

const (
	FrameHaproxyHello      FrameType = 1
	FrameHaproxyDisconnect FrameType = 2
	FrameNotify            FrameType = 3
	FrameAgentHello        FrameType = 101
	FrameAgentDisconnect   FrameType = 102
	FrameAck               FrameType = 103
)

func (t FrameType) String() string {
	switch t {
	case FrameHaproxyHello:
		return "HAPROXY-HELLO"
	case FrameHaproxyDisconnect:
		return "HAPROXY-DISCONNECT"
	case FrameNotify:
		return "NOTIFY"
	case FrameAgentHello:
		return "AGENT-HELLO"
	case FrameAgentDisconnect:
		return "AGENT-DISCONNECT"
	case FrameAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// Flags is the 32-bit frame flag set. Only bits 0 (FIN) and 1 (ABORT)
// are defined; bits 2..31 are reserved and a receiver must reject any
// frame that sets one.
type Flags uint32

const (
	FlagFIN   Flags = 1 << 0
	FlagABORT Flags = 1 << 1

	flagsReservedMask = ^(FlagFIN | FlagABORT)
)

func (f Flags) FIN() bool   { return f&FlagFIN != 0 }
func (f Flags) Abort() bool { return f&FlagABORT != 0 }

// HasReservedBits reports whether any undefined bit (2..31) is set.
func (f Flags) HasReservedBits() bool { return f&flagsReservedMask != 0 }

// Scope is the target of a SetVar/UnsetVar action.
type Scope byte

const (
	ScopeProcess     Scope = 0
	ScopeSession     Scope = 1
	ScopeTransaction Scope = 2
	ScopeRequest     Scope = 3
	ScopeResponse    Scope = 4
)

// String renders the scope the way the reference SPOP agent examples
// log it, rather than as a bare numeric value.
func (s Scope) String() string {
	switch s {
	case ScopeProcess:
		return "proc"
	case ScopeSession:
		return "sess"
	case ScopeTransaction:
		return "txn"
	case ScopeRequest:
		return "req"
	case ScopeResponse:
		return "res"
	default:
		return fmt.Sprintf("scope(%d)", byte(s))
	}
}

func validScope(s Scope) bool { return s <= ScopeResponse }

// KV is one key/value pair of a KVMap. KVMap is represented as a slice
// rather than a Go map so wire order (irrelevant semantically, per
// distilled spec §9) is preserved for deterministic re-serialization
// and so duplicate-key detection can run during decode without a
// separate pass.
type KV struct {
	Key   string
	Value TypedData
}

// KVMap is an unordered mapping of unique string keys to TypedData.
type KVMap []KV

// Get returns the value for key and whether it was present.
func (m KVMap) Get(key string) (TypedData, bool) {
	for _, kv := range m {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return TypedData{}, false
}

// Message is one named entry of a NOTIFY frame's MessageList.
type Message struct {
	Name string
	Args KVMap
}

// MessageList is the ordered payload of a NOTIFY frame.
type MessageList []Message

// ActionType distinguishes the two ACK action kinds.
type ActionType byte

const (
	ActionSetVar   ActionType = 1
	ActionUnsetVar ActionType = 2
)

// Action is one ACK action: set a variable to a value, or unset one.
// Value is only meaningful when Type == ActionSetVar.
type Action struct {
	Type  ActionType
	Scope Scope
	Name  string
	Value TypedData
}

// SetVar builds a SetVar action.
func SetVar(scope Scope, name string, value TypedData) Action {
	return Action{Type: ActionSetVar, Scope: scope, Name: name, Value: value}
}

// UnsetVar builds an UnsetVar action.
func UnsetVar(scope Scope, name string) Action {
	return Action{Type: ActionUnsetVar, Scope: scope, Name: name}
}

// ActionList is the ordered payload of an ACK frame.
type ActionList []Action

// Payload is implemented by KVMap, MessageList, and ActionList — the
// three shapes distilled spec §3 allows a Frame's Payload to take. The
// marker method makes the set closed: no external type can satisfy it.
type Payload interface {
	isPayload()
}

func (KVMap) isPayload()       {}
func (MessageList) isPayload() {}
func (ActionList) isPayload()  {}

// payloadShapeFor reports which Payload implementation a FrameType
// requires, per distilled spec §3: "A frame's payload shape is
// determined by its type."
func payloadShapeFor(t FrameType) (shape string, ok bool) {
	switch t {
	case FrameHaproxyHello, FrameHaproxyDisconnect, FrameAgentHello, FrameAgentDisconnect:
		return "kvmap", true
	case FrameNotify:
		return "messagelist", true
	case FrameAck:
		return "actionlist", true
	default:
		return "", false
	}
}

func shapeOf(p Payload) string {
	switch p.(type) {
	case KVMap:
		return "kvmap"
	case MessageList:
		return "messagelist"
	case ActionList:
		return "actionlist"
	default:
		return "unknown"
	}
}

// Frame is the tagged union over the six SPOP frame kinds. It is
// immutable once constructed: decode it, inspect it, optionally build
// a reply, then drop it.
type Frame struct {
	Type     FrameType
	Flags    Flags
	StreamID uint64
	FrameID  uint64
	Payload  Payload
}

// NewFrame builds a Frame, enforcing the payload-shape invariant (a
// mismatched payload for the given type is rejected here, not at the
// serializer) and the stream/frame-id invariant for handshake and
// disconnect frames (distilled spec §3: both must be zero).
func NewFrame(t FrameType, flags Flags, streamID, frameID uint64, payload Payload) (*Frame, error) {
	wantShape, ok := payloadShapeFor(t)
	if !ok {
		return nil, newProtoErr(KindUnknownFrameType, "unknown frame type 0x%02x", byte(t))
	}
	if gotShape := shapeOf(payload); gotShape != wantShape {
		return nil, fmt.Errorf("spop: frame type %s requires %s payload, got %s", t, wantShape, gotShape)
	}

	switch t {
	case FrameHaproxyHello, FrameHaproxyDisconnect, FrameAgentHello, FrameAgentDisconnect:
		if streamID != 0 || frameID != 0 {
			return nil, fmt.Errorf("spop: %s frame must have stream_id=0, frame_id=0, got (%d,%d)", t, streamID, frameID)
		}
	}

	return &Frame{Type: t, Flags: flags, StreamID: streamID, FrameID: frameID, Payload: payload}, nil
}

// NewHello builds a HAPROXY-HELLO or AGENT-HELLO frame.
func NewHello(from FrameType, kv KVMap) (*Frame, error) {
	if from != FrameHaproxyHello && from != FrameAgentHello {
		return nil, fmt.Errorf("spop: NewHello requires FrameHaproxyHello or FrameAgentHello, got %s", from)
	}
	return NewFrame(from, FlagFIN, 0, 0, kv)
}

// NewDisconnect builds a HAPROXY-DISCONNECT or AGENT-DISCONNECT frame.
func NewDisconnect(from FrameType, statusCode uint32, message string) (*Frame, error) {
	if from != FrameHaproxyDisconnect && from != FrameAgentDisconnect {
		return nil, fmt.Errorf("spop: NewDisconnect requires FrameHaproxyDisconnect or FrameAgentDisconnect, got %s", from)
	}
	kv := KVMap{
		{Key: "status-code", Value: UInt32Value(statusCode)},
		{Key: "message", Value: StringValue(message)},
	}
	return NewFrame(from, FlagFIN, 0, 0, kv)
}

// NewNotify builds a NOTIFY frame carrying messages, identified for
// correlation by (streamID, frameID).
func NewNotify(streamID, frameID uint64, messages MessageList) (*Frame, error) {
	return NewFrame(FrameNotify, FlagFIN, streamID, frameID, messages)
}

// NewAck builds an ACK frame echoing a NOTIFY's correlation pair.
func NewAck(streamID, frameID uint64, actions ActionList) (*Frame, error) {
	return NewFrame(FrameAck, FlagFIN, streamID, frameID, actions)
}

// KVMap returns the frame's payload as a KVMap. ok is false if the
// frame's actual payload shape is not KVMap.
func (f *Frame) KVMap() (KVMap, bool) {
	kv, ok := f.Payload.(KVMap)
	return kv, ok
}

// Messages returns the frame's payload as a MessageList.
func (f *Frame) Messages() (MessageList, bool) {
	m, ok := f.Payload.(MessageList)
	return m, ok
}

// Actions returns the frame's payload as an ActionList.
func (f *Frame) Actions() (ActionList, bool) {
	a, ok := f.Payload.(ActionList)
	return a, ok
}
