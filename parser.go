package spop

import "encoding/binary"

// lengthPrefixSize is the size of the frame-length field that precedes
// every frame on the wire.
const lengthPrefixSize = 4

// Parse attempts to decode one frame from the front of buf. It returns
// the decoded frame and the number of bytes it occupied (always
// 4+frame_length) on success. If buf does not yet hold a complete
// frame, it returns ErrNeedMore and buf is left untouched — callers
// must not advance their read offset in that case (distilled spec §8,
// "partial-frame preservation"). Any other error is a *ProtocolError.
func Parse(buf []byte, opts DecodeOptions) (frame *Frame, consumed int, err error) {
	if len(buf) < lengthPrefixSize {
		return nil, 0, ErrNeedMore
	}

	frameLength := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if frameLength == 0 {
		return nil, 0, newProtoErr(KindTruncated, "frame_length must be nonzero")
	}
	if opts.MaxFrameSize != 0 && frameLength > opts.MaxFrameSize {
		return nil, 0, newProtoErr(KindFrameTooLarge, "frame_length %d exceeds negotiated max-frame-size %d", frameLength, opts.MaxFrameSize)
	}

	total := lengthPrefixSize + int(frameLength)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}
	body := buf[lengthPrefixSize:total]

	f, err := parseBody(body, opts)
	if err != nil {
		if pe, ok := AsProtocolError(err); ok && pe.Kind == KindAbortRequested {
			// Non-fatal: the whole frame is still consumed so the
			// caller can keep parsing the rest of the stream.
			return nil, total, err
		}
		return nil, 0, err
	}
	return f, total, nil
}

func parseBody(body []byte, opts DecodeOptions) (*Frame, error) {
	if len(body) < 1+4+1+1 {
		// type(1) + flags(4) + at least a 1-byte stream_id varint + 1-byte frame_id varint
		return nil, newProtoErr(KindTruncated, "frame body too short (%d bytes)", len(body))
	}

	rawType := body[0]
	ft := FrameType(rawType)
	if _, ok := payloadShapeFor(ft); !ok {
		return nil, newProtoErr(KindUnknownFrameType, "unknown frame type 0x%02x", rawType)
	}

	flags := Flags(binary.BigEndian.Uint32(body[1:5]))
	if !flags.FIN() {
		return nil, newProtoErr(KindInvalidFlags, "FIN bit not set")
	}
	if flags.HasReservedBits() {
		return nil, newProtoErr(KindInvalidFlags, "reserved flag bits set (0x%08x)", uint32(flags))
	}
	rest := body[5:]

	streamID, n, err := DecodeVarint(rest)
	if err != nil {
		return nil, wrapVarintErr(err, "stream_id")
	}
	rest = rest[n:]

	frameID, n, err := DecodeVarint(rest)
	if err != nil {
		return nil, wrapVarintErr(err, "frame_id")
	}
	rest = rest[n:]

	if flags.Abort() {
		// The frame is discarded whole: payload is not parsed, only
		// the correlation pair the caller needs to cancel a handler.
		return nil, &ProtocolError{Kind: KindAbortRequested, Message: "ABORT bit set", StreamID: streamID, FrameID: frameID}
	}

	if (ft == FrameHaproxyHello || ft == FrameHaproxyDisconnect || ft == FrameAgentHello || ft == FrameAgentDisconnect) &&
		(streamID != 0 || frameID != 0) {
		return nil, newProtoErr(KindTruncated, "%s frame must carry stream_id=0, frame_id=0, got (%d,%d)", ft, streamID, frameID)
	}

	var payload Payload
	switch ft {
	case FrameHaproxyHello, FrameHaproxyDisconnect, FrameAgentHello, FrameAgentDisconnect:
		kv, leftover, err := parseKVList(rest, opts)
		if err != nil {
			return nil, err
		}
		if len(leftover) != 0 {
			return nil, newProtoErr(KindTrailingGarbage, "%d trailing bytes after %s payload", len(leftover), ft)
		}
		if err := validateRequiredKeys(ft, kv); err != nil {
			return nil, err
		}
		payload = kv

	case FrameNotify:
		msgs, leftover, err := parseMessageList(rest, opts)
		if err != nil {
			return nil, err
		}
		if len(leftover) != 0 {
			return nil, newProtoErr(KindTrailingGarbage, "%d trailing bytes after NOTIFY payload", len(leftover))
		}
		payload = msgs

	case FrameAck:
		actions, leftover, err := parseActionList(rest, opts)
		if err != nil {
			return nil, err
		}
		if len(leftover) != 0 {
			return nil, newProtoErr(KindTrailingGarbage, "%d trailing bytes after ACK payload", len(leftover))
		}
		payload = actions
	}

	return &Frame{Type: ft, Flags: flags, StreamID: streamID, FrameID: frameID, Payload: payload}, nil
}

func wrapVarintErr(err error, field string) error {
	if err == ErrNeedMore || err == ErrVarintOverflow {
		return newProtoErr(KindTruncated, "decoding %s: %v", field, err)
	}
	return err
}

// parseKVList decodes key/value pairs to the end of buf. An empty buf
// yields an empty, non-nil KVMap.
func parseKVList(buf []byte, opts DecodeOptions) (KVMap, []byte, error) {
	kv := KVMap{}
	seen := make(map[string]struct{})

	for len(buf) > 0 {
		key, rest, err := decodeString(buf)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[key]; dup {
			return nil, nil, newProtoErrKey(KindDuplicateKey, key, "duplicate key in KvMap")
		}
		seen[key] = struct{}{}

		val, n, err := DecodeTypedData(rest, opts)
		if err != nil {
			if pe, ok := AsProtocolError(err); ok {
				return nil, nil, pe
			}
			return nil, nil, newProtoErr(KindTruncated, "decoding value for key %q: %v", key, err)
		}
		kv = append(kv, KV{Key: key, Value: val})
		buf = rest[n:]
	}
	return kv, buf, nil
}

// parseMessageList decodes a NOTIFY MessageList to the end of buf.
func parseMessageList(buf []byte, opts DecodeOptions) (MessageList, []byte, error) {
	msgs := MessageList{}

	for len(buf) > 0 {
		name, rest, err := decodeString(buf)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < 1 {
			return nil, nil, newProtoErr(KindTruncated, "message %q missing nb_args byte", name)
		}
		nbArgs := int(rest[0])
		rest = rest[1:]

		args := KVMap{}
		seen := make(map[string]struct{})
		for i := 0; i < nbArgs; i++ {
			key, r2, err := decodeString(rest)
			if err != nil {
				return nil, nil, err
			}
			if _, dup := seen[key]; dup {
				return nil, nil, newProtoErrKey(KindDuplicateKey, key, "duplicate key in message %q args", name)
			}
			seen[key] = struct{}{}

			val, n, err := DecodeTypedData(r2, opts)
			if err != nil {
				if pe, ok := AsProtocolError(err); ok {
					return nil, nil, pe
				}
				return nil, nil, newProtoErr(KindTruncated, "decoding arg %q of message %q: %v", key, name, err)
			}
			args = append(args, KV{Key: key, Value: val})
			rest = r2[n:]
		}

		msgs = append(msgs, Message{Name: name, Args: args})
		buf = rest
	}
	return msgs, buf, nil
}

// parseActionList decodes an ACK ActionList to the end of buf.
func parseActionList(buf []byte, opts DecodeOptions) (ActionList, []byte, error) {
	actions := ActionList{}

	for len(buf) > 0 {
		if len(buf) < 3 {
			return nil, nil, newProtoErr(KindTruncated, "action header truncated")
		}
		actionType := ActionType(buf[0])
		nbArgs := int(buf[1])
		scope := Scope(buf[2])
		rest := buf[3:]

		if !validScope(scope) {
			return nil, nil, newProtoErr(KindTruncated, "invalid scope %d", byte(scope))
		}

		var wantArgs int
		switch actionType {
		case ActionSetVar:
			wantArgs = 3
		case ActionUnsetVar:
			wantArgs = 2
		default:
			return nil, nil, newProtoErr(KindTruncated, "unknown action type %d", byte(actionType))
		}
		if nbArgs != wantArgs {
			return nil, nil, newProtoErr(KindTruncated, "action type %d requires nb_args=%d, got %d", actionType, wantArgs, nbArgs)
		}

		name, rest, err := decodeString(rest)
		if err != nil {
			return nil, nil, err
		}

		act := Action{Type: actionType, Scope: scope, Name: name}
		if actionType == ActionSetVar {
			val, n, err := DecodeTypedData(rest, opts)
			if err != nil {
				if pe, ok := AsProtocolError(err); ok {
					return nil, nil, pe
				}
				return nil, nil, newProtoErr(KindTruncated, "decoding value for set-var %q: %v", name, err)
			}
			act.Value = val
			rest = rest[n:]
		}

		actions = append(actions, act)
		buf = rest
	}
	return actions, buf, nil
}

// decodeString reads a varint-length-prefixed string and returns the
// remaining buffer after it.
func decodeString(buf []byte) (string, []byte, error) {
	length, n, err := DecodeVarint(buf)
	if err != nil {
		return "", nil, wrapVarintErr(err, "string length")
	}
	buf = buf[n:]
	if uint64(len(buf)) < length {
		return "", nil, newProtoErr(KindTruncated, "string of length %d truncated", length)
	}
	return string(buf[:length]), buf[length:], nil
}

func validateRequiredKeys(ft FrameType, kv KVMap) error {
	require := func(key string, wantType ValueType) error {
		v, ok := kv.Get(key)
		if !ok {
			return newProtoErrKey(KindMissingRequiredKey, key, "missing required key for %s", ft)
		}
		if v.Type != wantType {
			return newProtoErrKey(KindWrongTypeForKey, key, "expected %s for key %q in %s, got %s", wantType, key, ft, v.Type)
		}
		return nil
	}

	switch ft {
	case FrameHaproxyHello:
		if err := require("supported-versions", TypeString); err != nil {
			return err
		}
		if v, _ := kv.Get("supported-versions"); v.String() == "" {
			return newProtoErrKey(KindMissingRequiredKey, "supported-versions", "supported-versions must not be empty")
		}
		if err := require("max-frame-size", TypeUInt32); err != nil {
			return err
		}
		if v, _ := kv.Get("max-frame-size"); v.UInt32() < 256 {
			return newProtoErrKey(KindWrongTypeForKey, "max-frame-size", "max-frame-size must be >= 256, got %d", v.UInt32())
		}
		if err := require("capabilities", TypeString); err != nil {
			return err
		}
	case FrameAgentHello:
		if err := require("version", TypeString); err != nil {
			return err
		}
		if err := require("max-frame-size", TypeUInt32); err != nil {
			return err
		}
		if err := require("capabilities", TypeString); err != nil {
			return err
		}
	case FrameHaproxyDisconnect, FrameAgentDisconnect:
		if err := require("status-code", TypeUInt32); err != nil {
			return err
		}
		if err := require("message", TypeString); err != nil {
			return err
		}
	}
	return nil
}
