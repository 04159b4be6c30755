package spop

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Disconnect status codes. SPOP defines only status_code 0 (success);
// the wire frame format for anything else is implementation-defined
// (neither the distilled spec nor the reference examples enumerate a
// table), so this library picks a small, stable set for its own
// diagnostic DISCONNECT frames. A peer is only ever required to treat
// them as "nonzero, look at message".
const (
	statusOK                   uint32 = 0
	statusInvalidFrameReceived uint32 = 1
	statusVersionMismatch      uint32 = 2
	statusCapabilityMismatch   uint32 = 3
	statusUnexpectedFrame      uint32 = 4
	statusIOError              uint32 = 5
	statusFrameTooLarge        uint32 = 6
)

func statusForKind(k ErrorKind) uint32 {
	switch k {
	case KindVersionMismatch:
		return statusVersionMismatch
	case KindCapabilityMismatch:
		return statusCapabilityMismatch
	case KindUnexpectedFrame:
		return statusUnexpectedFrame
	case KindFrameTooLarge:
		return statusFrameTooLarge
	default:
		return statusInvalidFrameReceived
	}
}

type sessionState int

const (
	stateAwaitHello sessionState = iota
	stateEstablished
	stateDraining
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitHello:
		return "await-hello"
	case stateEstablished:
		return "established"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosing is returned by FeedBytes when the peer itself sent
// HAPROXY-DISCONNECT: an expected, non-protocol-error shutdown.
var ErrSessionClosing = fmt.Errorf("spop: peer requested disconnect")

// ErrSessionClosed is returned by FeedBytes once the session has
// finished draining; no further input is accepted.
var ErrSessionClosed = fmt.Errorf("spop: session closed")

// Config holds the local side's HELLO negotiation terms.
type Config struct {
	// SupportedVersions is matched against the peer's
	// supported-versions list; the highest mutually supported
	// major.minor pair wins, whatever the order of either list.
	SupportedVersions []string
	// MaxFrameSize is this side's ceiling on a single frame's wire
	// size; the negotiated value is min(local, peer).
	MaxFrameSize uint32
	// Capabilities this side is willing to negotiate. Today only
	// CapPipelining has any effect.
	Capabilities []Capability
	// OutboundQueue is the size of the single-writer output channel.
	// A full queue makes Session.FeedBytes / handler goroutines block
	// on send, which is the library's backpressure mechanism — set
	// this to the number of in-flight frames the transport can
	// tolerate having buffered before a slow writer should stall the
	// reader.
	OutboundQueue int
	// HandlerTimeout bounds how long a single NOTIFY handler invocation
	// may run before its context is cancelled and the ACK is dropped.
	// Zero means no timeout beyond the session's own lifetime.
	HandlerTimeout time.Duration
}

func (c Config) outboundQueue() int {
	if c.OutboundQueue <= 0 {
		return 64
	}
	return c.OutboundQueue
}

type correlationKey struct {
	streamID uint64
	frameID  uint64
}

// Session is one HAPROXY<->agent connection's state machine: HELLO
// negotiation, then NOTIFY/ACK exchange (optionally pipelined,
// correlated by (stream_id, frame_id)), then DISCONNECT draining.
// A Session does no I/O itself; FeedBytes consumes inbound bytes and
// Output yields outbound bytes, so the caller owns the actual
// net.Conn (or any other transport).
type Session struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             sessionState
	negotiatedVersion string
	maxFrameSize      uint32
	capabilities      []Capability
	pipelining        bool
	healthcheck       bool
	inFlight          map[correlationKey]context.CancelFunc
	lastActivity      time.Time

	out       chan []byte
	closeOnce sync.Once

	wg sync.WaitGroup

	// onEvent, if set, is called for each notable state transition.
	// Used by cmd/spop-agent to feed the msgpack trace recorder and
	// the admin live tap; nil by default so the core never pays for
	// observability it isn't asked for.
	onEvent func(kind string, streamID, frameID uint64, detail string)
}

// SetEventHook installs a callback invoked on hello negotiation,
// NOTIFY receipt, ACK send, ABORT, and DISCONNECT. It must be called
// before the first FeedBytes.
func (s *Session) SetEventHook(fn func(kind string, streamID, frameID uint64, detail string)) {
	s.onEvent = fn
}

func (s *Session) emit(kind string, streamID, frameID uint64, detail string) {
	if s.onEvent != nil {
		s.onEvent(kind, streamID, frameID, detail)
	}
}

// NewSession creates a session in the await-hello state. logger may be
// nil, in which case the session runs silently.
func NewSession(cfg Config, handler Handler, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:          cfg,
		handler:      handler,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		state:        stateAwaitHello,
		inFlight:     make(map[correlationKey]context.CancelFunc),
		out:          make(chan []byte, cfg.outboundQueue()),
		lastActivity: time.Now(),
	}
}

// Output returns the channel of outbound wire bytes the caller must
// drain and write to the transport. It is closed once no further
// output will ever be produced (after the session's final DISCONNECT,
// or immediately on a healthcheck HELLO).
func (s *Session) Output() <-chan []byte { return s.out }

// State reports the session's current state, for logging/introspection.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Pipelining reports whether pipelining was negotiated.
func (s *Session) Pipelining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelining
}

// NegotiatedVersion returns the HELLO-negotiated SPOP version, or "" if
// negotiation has not completed.
func (s *Session) NegotiatedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiatedVersion
}

// Close forces the session to a terminal state without sending a
// final DISCONNECT, for use when the transport itself has failed.
// It cancels every in-flight handler and closes Output.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()

	s.cancel()
	s.closeOutput()
}

func (s *Session) closeOutput() {
	s.closeOnce.Do(func() { close(s.out) })
}

// tryEnqueue sends data on the output channel unless the session is
// already closed, in which case it is silently dropped (the transport
// is assumed gone).
func (s *Session) tryEnqueue(data []byte) {
	s.mu.Lock()
	closed := s.state == stateClosed
	s.mu.Unlock()
	if closed {
		return
	}
	s.out <- data
}

// negotiatedMaxFrameSize returns the max-frame-size this session
// enforces right now: the HELLO-negotiated value once established, or
// the local configured ceiling beforehand (bounding HELLO itself).
// Used both to size outbound Serialize calls and to reject oversized
// inbound frames in FeedBytes.
func (s *Session) negotiatedMaxFrameSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxFrameSize != 0 {
		return s.maxFrameSize
	}
	return s.cfg.MaxFrameSize
}

// IdleSince returns the time of the most recent FeedBytes call that
// delivered at least one byte. Callers use it to close sessions that
// have gone quiet longer than a configured TTL.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// FeedBytes decodes as many complete frames as buf holds and dispatches
// each through the state machine, returning the number of bytes
// consumed. A partial trailing frame is left unconsumed: the caller
// must keep it and append subsequent reads before calling again.
//
// A non-nil error means the session will accept no further input: a
// protocol violation (*ProtocolError) has already produced an outbound
// DISCONNECT, or the peer cleanly requested one (ErrSessionClosing), or
// the session was already closed (ErrSessionClosed). The caller should
// keep draining Output until it closes, then close the transport.
func (s *Session) FeedBytes(buf []byte) (consumed int, err error) {
	if len(buf) > 0 {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}

	for {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == stateClosed {
			if consumed == 0 {
				return 0, ErrSessionClosed
			}
			return consumed, nil
		}

		f, n, perr := Parse(buf[consumed:], DecodeOptions{MaxFrameSize: s.negotiatedMaxFrameSize()})
		if perr == ErrNeedMore {
			return consumed, nil
		}
		if perr != nil {
			if pe, ok := AsProtocolError(perr); ok && pe.Kind == KindAbortRequested {
				consumed += n
				s.handleAbort(pe.StreamID, pe.FrameID)
				continue
			}

			consumed += n
			var kind ErrorKind = KindTruncated
			if pe, ok := AsProtocolError(perr); ok {
				kind = pe.Kind
			}
			s.logf(slog.LevelWarn, "rejecting malformed frame", "error", perr)
			s.sendDisconnectAndClose(statusForKind(kind), perr.Error(), "agent")
			return consumed, perr
		}

		consumed += n
		if derr := s.dispatch(f); derr != nil {
			return consumed, derr
		}
	}
}

func (s *Session) logf(level slog.Level, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Log(s.ctx, level, msg, args...)
	}
}

func (s *Session) dispatch(f *Frame) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case stateAwaitHello:
		return s.handleAwaitHello(f)
	case stateEstablished:
		return s.handleEstablished(f)
	default:
		// Draining/Closed: no further inbound frames are accepted;
		// the connection is already on its way down.
		return nil
	}
}

func (s *Session) handleAwaitHello(f *Frame) error {
	if f.Type != FrameHaproxyHello {
		msg := fmt.Sprintf("expected HAPROXY-HELLO, got %s", f.Type)
		s.sendDisconnectAndClose(statusInvalidFrameReceived, msg, "agent")
		return newProtoErr(KindUnexpectedFrame, "%s", msg)
	}

	kv, _ := f.KVMap()

	supportedVersions, _ := kv.Get("supported-versions")
	peerVersions := splitVersions(supportedVersions.String())

	maxFrameSize, _ := kv.Get("max-frame-size")
	peerMax := maxFrameSize.UInt32()

	capsStr, _ := kv.Get("capabilities")
	peerCaps, unknown := ParseCapabilities(capsStr.String())
	if len(unknown) > 0 {
		s.logf(slog.LevelDebug, "ignoring unknown capabilities", "tokens", unknown)
	}

	healthcheck := false
	if hc, ok := kv.Get("healthcheck"); ok {
		healthcheck = hc.Bool()
	}

	version, ok := negotiateVersion(peerVersions, s.cfg.SupportedVersions)
	if !ok {
		msg := fmt.Sprintf("no overlapping SPOP version: peer supports %v, we support %v", peerVersions, s.cfg.SupportedVersions)
		s.sendDisconnectAndClose(statusVersionMismatch, msg, "agent")
		return newProtoErr(KindVersionMismatch, "%s", msg)
	}

	negotiatedMax := peerMax
	if s.cfg.MaxFrameSize != 0 && s.cfg.MaxFrameSize < negotiatedMax {
		negotiatedMax = s.cfg.MaxFrameSize
	}
	negotiatedCaps := IntersectCapabilities(peerCaps, s.cfg.Capabilities)

	s.mu.Lock()
	s.negotiatedVersion = version
	s.maxFrameSize = negotiatedMax
	s.capabilities = negotiatedCaps
	s.pipelining = HasCapability(negotiatedCaps, CapPipelining)
	s.healthcheck = healthcheck
	s.mu.Unlock()

	replyKV := KVMap{
		{Key: "version", Value: StringValue(version)},
		{Key: "max-frame-size", Value: UInt32Value(negotiatedMax)},
		{Key: "capabilities", Value: StringValue(FormatCapabilities(negotiatedCaps))},
	}
	reply, err := NewHello(FrameAgentHello, replyKV)
	if err != nil {
		return err
	}
	data, err := Serialize(reply, negotiatedMax)
	if err != nil {
		return err
	}

	if healthcheck {
		s.logf(slog.LevelDebug, "healthcheck HELLO, closing after reply")
		s.emit("hello_negotiated", 0, 0, fmt.Sprintf("version=%s healthcheck=true", version))
		s.tryEnqueue(data)
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		s.cancel()
		s.closeOutput()
		return nil
	}

	s.tryEnqueue(data)
	s.mu.Lock()
	s.state = stateEstablished
	s.mu.Unlock()
	s.logf(slog.LevelInfo, "session established",
		"version", version, "max_frame_size", negotiatedMax, "pipelining", s.pipelining)
	s.emit("hello_negotiated", 0, 0, fmt.Sprintf("version=%s max_frame_size=%d pipelining=%v", version, negotiatedMax, s.pipelining))
	return nil
}

func (s *Session) handleEstablished(f *Frame) error {
	switch f.Type {
	case FrameNotify:
		return s.handleNotify(f)

	case FrameHaproxyDisconnect:
		kv, _ := f.KVMap()
		code, _ := kv.Get("status-code")
		message, _ := kv.Get("message")
		s.sendDisconnectAndClose(code.UInt32(), message.String(), "peer")
		return ErrSessionClosing

	default:
		msg := fmt.Sprintf("unexpected frame %s while established", f.Type)
		s.sendDisconnectAndClose(statusUnexpectedFrame, msg, "agent")
		return newProtoErr(KindUnexpectedFrame, "%s", msg)
	}
}

func (s *Session) handleNotify(f *Frame) error {
	messages, _ := f.Messages()
	key := correlationKey{f.StreamID, f.FrameID}

	s.mu.Lock()
	if !s.pipelining && len(s.inFlight) > 0 {
		s.mu.Unlock()
		msg := fmt.Sprintf("NOTIFY (%d,%d) received while a previous NOTIFY is still outstanding and pipelining was not negotiated", f.StreamID, f.FrameID)
		s.sendDisconnectAndClose(statusUnexpectedFrame, msg, "agent")
		return newProtoErr(KindUnexpectedFrame, "%s", msg)
	}
	if _, dup := s.inFlight[key]; dup {
		s.mu.Unlock()
		msg := fmt.Sprintf("duplicate in-flight NOTIFY (%d,%d)", f.StreamID, f.FrameID)
		s.sendDisconnectAndClose(statusUnexpectedFrame, msg, "agent")
		return newProtoErr(KindUnexpectedFrame, "%s", msg)
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if s.cfg.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.HandlerTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	s.inFlight[key] = cancel
	pipelining := s.pipelining
	s.mu.Unlock()

	s.emit("notify_received", f.StreamID, f.FrameID, fmt.Sprintf("%d message(s)", len(messages)))

	run := func() {
		defer cancel()
		actions, err := s.handler.Handle(ctx, f.StreamID, f.FrameID, messages)

		s.mu.Lock()
		_, stillTracked := s.inFlight[key]
		delete(s.inFlight, key)
		closing := s.state == stateDraining || s.state == stateClosed
		s.mu.Unlock()

		if !stillTracked || closing {
			// Cancelled by ABORT, or the connection is already
			// closing: the reply is dropped either way.
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logf(slog.LevelWarn, "handler returned error, sending empty ack",
				"stream_id", f.StreamID, "frame_id", f.FrameID, "error", err)
			actions = nil
		}

		ack, buildErr := NewAck(f.StreamID, f.FrameID, actions)
		if buildErr != nil {
			s.logf(slog.LevelError, "building ack failed", "error", buildErr)
			return
		}
		data, serErr := Serialize(ack, s.negotiatedMaxFrameSize())
		if serErr != nil {
			s.logf(slog.LevelError, "serializing ack failed", "error", serErr)
			return
		}
		s.tryEnqueue(data)
		s.emit("ack_sent", f.StreamID, f.FrameID, fmt.Sprintf("%d action(s)", len(actions)))
	}

	if pipelining {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			run()
		}()
	} else {
		run()
	}
	return nil
}

// handleAbort cancels the handler correlated to (streamID, frameID), if
// one is still running. A no-op if no matching handler is in flight —
// the ABORT may have raced an ACK that already went out.
func (s *Session) handleAbort(streamID, frameID uint64) {
	key := correlationKey{streamID, frameID}
	s.mu.Lock()
	cancel, ok := s.inFlight[key]
	if ok {
		delete(s.inFlight, key)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	s.emit("abort_seen", streamID, frameID, fmt.Sprintf("handler_was_in_flight=%v", ok))
}

// sendDisconnectAndClose queues a DISCONNECT with the given status and
// message, cancels every in-flight handler, and closes Output once the
// frame is queued. initiator is "peer" when the peer itself asked to
// disconnect (HAPROXY-DISCONNECT) and "agent" when this side is
// terminating the connection over a protocol violation; it is carried
// in the emitted event's detail string for callers (e.g. metrics) to
// label the disconnect by who caused it.
func (s *Session) sendDisconnectAndClose(statusCode uint32, message, initiator string) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateDraining
	s.mu.Unlock()

	s.emit("disconnect", 0, 0, fmt.Sprintf("initiator=%s status_code=%d message=%q", initiator, statusCode, message))
	s.cancelAll()

	maxFrameSize := s.negotiatedMaxFrameSize()
	f, err := NewDisconnect(FrameAgentDisconnect, statusCode, message)
	if err == nil {
		if data, serErr := Serialize(f, maxFrameSize); serErr == nil {
			s.tryEnqueue(data)
		} else {
			s.logf(slog.LevelError, "serializing disconnect failed", "error", serErr)
		}
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.cancel()
	s.closeOutput()
}

func (s *Session) cancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.inFlight))
	for k, c := range s.inFlight {
		cancels = append(cancels, c)
		delete(s.inFlight, k)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func splitVersions(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseVersion(s string) (major, minor int, ok bool) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(parts[0])
	mnr, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, mnr, true
}

// negotiateVersion picks the highest version present in both lists.
func negotiateVersion(peerVersions, localVersions []string) (string, bool) {
	local := make(map[string]bool, len(localVersions))
	for _, v := range localVersions {
		local[v] = true
	}

	best := ""
	bestMajor, bestMinor := -1, -1
	for _, v := range peerVersions {
		if !local[v] {
			continue
		}
		maj, mnr, ok := parseVersion(v)
		if !ok {
			continue
		}
		if maj > bestMajor || (maj == bestMajor && mnr > bestMinor) {
			best, bestMajor, bestMinor = v, maj, mnr
		}
	}
	return best, best != ""
}
