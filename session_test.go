package spop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testConfig(caps ...Capability) Config {
	return Config{
		SupportedVersions: []string{"2.0"},
		MaxFrameSize:      16384,
		Capabilities:      caps,
		OutboundQueue:     8,
	}
}

func helloFrame(t *testing.T, caps string, healthcheck bool) []byte {
	t.Helper()
	kv := KVMap{
		{Key: "supported-versions", Value: StringValue("2.0")},
		{Key: "max-frame-size", Value: UInt32Value(16384)},
		{Key: "capabilities", Value: StringValue(caps)},
	}
	if healthcheck {
		kv = append(kv, KV{Key: "healthcheck", Value: BoolValue(true)})
	}
	f, err := NewHello(FrameHaproxyHello, kv)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Serialize(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// drainOutput reads every frame off a session's Output channel until it
// closes, with a generous timeout so a stuck test fails instead of
// hanging forever.
func drainOutput(t *testing.T, s *Session) []*Frame {
	t.Helper()
	var frames []*Frame
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-s.Output():
			if !ok {
				return frames
			}
			f, _, err := Parse(data, DecodeOptions{})
			if err != nil {
				t.Fatalf("failed to parse own output: %v", err)
			}
			frames = append(frames, f)
		case <-deadline:
			t.Fatal("timed out waiting for session output to close")
			return nil
		}
	}
}

func recvOne(t *testing.T, s *Session) *Frame {
	t.Helper()
	select {
	case data, ok := <-s.Output():
		if !ok {
			t.Fatal("output closed before expected frame")
		}
		f, _, err := Parse(data, DecodeOptions{})
		if err != nil {
			t.Fatalf("failed to parse own output: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// TestSessionHandshake is distilled spec §8 scenario 2's handshake half:
// a well-formed HAPROXY-HELLO is answered with AGENT-HELLO and the
// session moves to Established.
func TestSessionHandshake(t *testing.T) {
	s := NewSession(testConfig(CapPipelining), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		return nil, nil
	}), nil)

	buf := helloFrame(t, "pipelining", false)
	consumed, err := s.FeedBytes(buf)
	if err != nil {
		t.Fatalf("FeedBytes failed: %v", err)
	}
	if consumed != len(buf) {
		t.Errorf("consumed %d, want %d", consumed, len(buf))
	}

	reply := recvOne(t, s)
	if reply.Type != FrameAgentHello {
		t.Fatalf("reply type = %s, want AGENT-HELLO", reply.Type)
	}
	kv, _ := reply.KVMap()
	if v, _ := kv.Get("version"); v.String() != "2.0" {
		t.Errorf("negotiated version = %q, want 2.0", v.String())
	}

	if s.State() != "established" {
		t.Errorf("state = %s, want established", s.State())
	}
	if !s.Pipelining() {
		t.Error("expected pipelining negotiated")
	}
}

// TestSessionHealthcheckAutoClose is distilled spec §8 scenario 2's
// healthcheck half: the session replies with AGENT-HELLO and closes
// immediately, without ever sending a DISCONNECT.
func TestSessionHealthcheckAutoClose(t *testing.T) {
	s := NewSession(testConfig(), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		return nil, nil
	}), nil)

	buf := helloFrame(t, "", true)
	if _, err := s.FeedBytes(buf); err != nil {
		t.Fatalf("FeedBytes failed: %v", err)
	}

	frames := drainOutput(t, s)
	if len(frames) != 1 {
		t.Fatalf("got %d output frames, want exactly 1 (no DISCONNECT)", len(frames))
	}
	if frames[0].Type != FrameAgentHello {
		t.Errorf("frame type = %s, want AGENT-HELLO", frames[0].Type)
	}
}

// TestSessionPipelinedNotifyAck is distilled spec §8 scenario 3: two
// NOTIFYs for distinct correlation pairs arrive back-to-back under a
// pipelining-negotiated session, and each gets its own ACK.
func TestSessionPipelinedNotifyAck(t *testing.T) {
	s := NewSession(testConfig(CapPipelining), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		if streamID == 7 && frameID == 1 {
			return ActionList{SetVar(ScopeSession, "x", UInt32Value(42))}, nil
		}
		return ActionList{}, nil
	}), nil)

	if _, err := s.FeedBytes(helloFrame(t, "pipelining", false)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	recvOne(t, s) // AGENT-HELLO

	n1, err := NewNotify(7, 1, MessageList{{Name: "score", Args: KVMap{{Key: "v", Value: Int32Value(1)}}}})
	if err != nil {
		t.Fatal(err)
	}
	n2, err := NewNotify(7, 2, MessageList{{Name: "score", Args: KVMap{{Key: "v", Value: Int32Value(2)}}}})
	if err != nil {
		t.Fatal(err)
	}
	d1, _ := Serialize(n1, 0)
	d2, _ := Serialize(n2, 0)

	if _, err := s.FeedBytes(append(d1, d2...)); err != nil {
		t.Fatalf("FeedBytes(notify x2) failed: %v", err)
	}

	acks := map[uint64]*Frame{}
	for i := 0; i < 2; i++ {
		ack := recvOne(t, s)
		if ack.Type != FrameAck {
			t.Fatalf("frame type = %s, want ACK", ack.Type)
		}
		acks[ack.FrameID] = ack
	}

	actions1, _ := acks[1].Actions()
	if len(actions1) != 1 || actions1[0].Name != "x" {
		t.Errorf("ack(7,1) actions = %+v, want one SetVar(x)", actions1)
	}
	actions2, _ := acks[2].Actions()
	if len(actions2) != 0 {
		t.Errorf("ack(7,2) actions = %+v, want none", actions2)
	}
}

// TestSessionNonPipelinedOrderingViolation is distilled spec §8
// scenario 4: a second NOTIFY arrives while the first is still
// outstanding and pipelining was not negotiated, so the session rejects
// it with AGENT-DISCONNECT and a nonzero status code. Since a
// non-pipelined handler runs synchronously inside FeedBytes, the only
// way to observe this window is to feed the first NOTIFY from a second
// goroutine and let it block in its handler.
func TestSessionNonPipelinedOrderingViolation(t *testing.T) {
	handlerStarted := make(chan struct{})
	blockHandler := make(chan struct{})
	s := NewSession(testConfig(), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		close(handlerStarted)
		<-blockHandler
		return nil, nil
	}), nil)

	if _, err := s.FeedBytes(helloFrame(t, "", false)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	recvOne(t, s) // AGENT-HELLO
	if s.Pipelining() {
		t.Fatal("expected pipelining not negotiated")
	}

	n1, _ := NewNotify(7, 1, MessageList{{Name: "a", Args: KVMap{}}})
	d1, _ := Serialize(n1, 0)

	firstErr := make(chan error, 1)
	go func() {
		_, err := s.FeedBytes(d1)
		firstErr <- err
	}()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first NOTIFY's handler never started")
	}

	n2, _ := NewNotify(7, 2, MessageList{{Name: "b", Args: KVMap{}}})
	d2, _ := Serialize(n2, 0)
	_, err := s.FeedBytes(d2)

	pe, ok := AsProtocolError(err)
	if !ok || pe.Kind != KindUnexpectedFrame {
		t.Fatalf("second FeedBytes got %v, want KindUnexpectedFrame", err)
	}

	disc := recvOne(t, s)
	if disc.Type != FrameAgentDisconnect {
		t.Fatalf("frame type = %s, want AGENT-DISCONNECT", disc.Type)
	}
	kv, _ := disc.KVMap()
	code, _ := kv.Get("status-code")
	if code.UInt32() == 0 {
		t.Error("expected nonzero status-code")
	}

	close(blockHandler)
	<-firstErr
}

// TestSessionAbortCancelsInFlightHandler is distilled spec §8 scenario
// 6: an ABORT for an in-flight NOTIFY cancels its handler's context, no
// ACK is produced, and the session remains Established.
func TestSessionAbortCancelsInFlightHandler(t *testing.T) {
	cancelled := make(chan struct{})
	s := NewSession(testConfig(CapPipelining), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}), nil)

	if _, err := s.FeedBytes(helloFrame(t, "pipelining", false)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	recvOne(t, s) // AGENT-HELLO

	n, _ := NewNotify(7, 1, MessageList{{Name: "a", Args: KVMap{}}})
	nd, _ := Serialize(n, 0)
	if _, err := s.FeedBytes(nd); err != nil {
		t.Fatalf("FeedBytes(notify) failed: %v", err)
	}

	abortBody := []byte{byte(FrameNotify), 0, 0, 0, byte(FlagFIN | FlagABORT)}
	abortBody = EncodeVarint(abortBody, 7)
	abortBody = EncodeVarint(abortBody, 1)
	abortBuf := lengthPrefixed(abortBody)

	if _, err := s.FeedBytes(abortBuf); err != nil {
		t.Fatalf("FeedBytes(abort) failed: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never cancelled")
	}

	if s.State() != "established" {
		t.Errorf("state = %s, want established (ABORT is not fatal)", s.State())
	}

	select {
	case data := <-s.Output():
		f, _, _ := Parse(data, DecodeOptions{})
		t.Fatalf("unexpected output after ABORT: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSessionRejectsOversizedInboundNotify exercises spec §5 Backpressure:
// a NOTIFY declaring a frame_length above the HELLO-negotiated
// max-frame-size must be rejected with KindFrameTooLarge and an
// AGENT-DISCONNECT, never buffered or dispatched to the handler.
func TestSessionRejectsOversizedInboundNotify(t *testing.T) {
	handlerCalled := make(chan struct{}, 1)
	cfg := Config{SupportedVersions: []string{"2.0"}, MaxFrameSize: 128}
	s := NewSession(cfg, HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		handlerCalled <- struct{}{}
		return nil, nil
	}), nil)

	if _, err := s.FeedBytes(helloFrame(t, "", false)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	hello := recvOne(t, s)
	kv, _ := hello.KVMap()
	if v, _ := kv.Get("max-frame-size"); v.UInt32() != 128 {
		t.Fatalf("negotiated max-frame-size = %d, want 128 (local ceiling wins)", v.UInt32())
	}

	big, err := NewNotify(1, 1, MessageList{
		{Name: "m", Args: KVMap{{Key: "k", Value: BinaryValue(make([]byte, 200))}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := Serialize(big, 0) // unbounded at the wire-building step
	if err != nil {
		t.Fatal(err)
	}

	_, feedErr := s.FeedBytes(data)
	pe, ok := AsProtocolError(feedErr)
	if !ok || pe.Kind != KindFrameTooLarge {
		t.Fatalf("got %v, want KindFrameTooLarge", feedErr)
	}

	disc := recvOne(t, s)
	if disc.Type != FrameAgentDisconnect {
		t.Fatalf("frame type = %s, want AGENT-DISCONNECT", disc.Type)
	}

	select {
	case <-handlerCalled:
		t.Fatal("handler must not run for an oversized NOTIFY")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSessionHandlerTimeoutCancelsContext covers the HandlerTimeout knob:
// a handler that outlives it observes ctx.Err() and produces no ACK.
func TestSessionHandlerTimeoutCancelsContext(t *testing.T) {
	timedOut := make(chan struct{})
	cfg := testConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	s := NewSession(cfg, HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		<-ctx.Done()
		close(timedOut)
		return nil, ctx.Err()
	}), nil)

	if _, err := s.FeedBytes(helloFrame(t, "", false)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	recvOne(t, s) // AGENT-HELLO

	n, _ := NewNotify(1, 1, MessageList{{Name: "a", Args: KVMap{}}})
	nd, _ := Serialize(n, 0)

	done := make(chan error, 1)
	go func() {
		_, err := s.FeedBytes(nd)
		done <- err
	}()

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was never cancelled by HandlerTimeout")
	}
	if err := <-done; err != nil {
		t.Fatalf("FeedBytes(notify) failed: %v", err)
	}

	select {
	case data := <-s.Output():
		f, _, _ := Parse(data, DecodeOptions{})
		t.Fatalf("unexpected ack after handler timeout: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionIdleSinceAdvancesOnFeedBytes(t *testing.T) {
	s := NewSession(testConfig(), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		return nil, nil
	}), nil)

	before := s.IdleSince()
	time.Sleep(5 * time.Millisecond)
	if _, err := s.FeedBytes(helloFrame(t, "", false)); err != nil {
		t.Fatal(err)
	}
	if !s.IdleSince().After(before) {
		t.Error("IdleSince did not advance after FeedBytes")
	}
}

func TestSessionVersionMismatchDisconnects(t *testing.T) {
	s := NewSession(Config{SupportedVersions: []string{"3.0"}, MaxFrameSize: 16384}, HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		return nil, nil
	}), nil)

	_, err := s.FeedBytes(helloFrame(t, "", false))
	pe, ok := AsProtocolError(err)
	if !ok || pe.Kind != KindVersionMismatch {
		t.Fatalf("got %v, want KindVersionMismatch", err)
	}

	frames := drainOutput(t, s)
	if len(frames) != 1 || frames[0].Type != FrameAgentDisconnect {
		t.Fatalf("got %+v, want exactly one AGENT-DISCONNECT", frames)
	}
	kv, _ := frames[0].KVMap()
	code, _ := kv.Get("status-code")
	if code.UInt32() == 0 {
		t.Error("expected nonzero status-code for version mismatch")
	}
}

func TestSessionHaproxyDisconnectIsClean(t *testing.T) {
	s := NewSession(testConfig(), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		return nil, nil
	}), nil)
	if _, err := s.FeedBytes(helloFrame(t, "", false)); err != nil {
		t.Fatal(err)
	}
	recvOne(t, s)

	disc, err := NewDisconnect(FrameHaproxyDisconnect, 0, "normal shutdown")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := Serialize(disc, 0)

	_, err = s.FeedBytes(data)
	if err != ErrSessionClosing {
		t.Fatalf("got %v, want ErrSessionClosing", err)
	}

	frames := drainOutput(t, s)
	if len(frames) != 1 || frames[0].Type != FrameAgentDisconnect {
		t.Fatalf("got %+v, want exactly one AGENT-DISCONNECT echo", frames)
	}
}

func TestSessionEventHook(t *testing.T) {
	var mu sync.Mutex
	var kinds []string
	// No pipelining: handleNotify runs synchronously, so every emit()
	// call lands on the same goroutine that calls FeedBytes/recvOne and
	// the mutex is a formality, not a requirement for correctness here.
	s := NewSession(testConfig(), HandlerFunc(func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
		return nil, nil
	}), nil)
	s.SetEventHook(func(kind string, streamID, frameID uint64, detail string) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	})

	if _, err := s.FeedBytes(helloFrame(t, "", false)); err != nil {
		t.Fatal(err)
	}
	recvOne(t, s)

	n, _ := NewNotify(1, 1, MessageList{{Name: "a", Args: KVMap{}}})
	nd, _ := Serialize(n, 0)
	if _, err := s.FeedBytes(nd); err != nil {
		t.Fatal(err)
	}
	recvOne(t, s) // ack

	mu.Lock()
	defer mu.Unlock()
	found := map[string]bool{}
	for _, k := range kinds {
		found[k] = true
	}
	for _, want := range []string{"hello_negotiated", "notify_received", "ack_sent"} {
		if !found[want] {
			t.Errorf("missing event %q in %v", want, kinds)
		}
	}
}
