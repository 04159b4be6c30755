package spop

import "encoding/binary"

// Serialize encodes f to its wire form, including the 4-byte length
// prefix. It returns FrameTooLarge if the frame_length (the encoded
// frame without its 4-byte length prefix, the same measure Parse checks)
// would exceed maxFrameSize, the value negotiated during HELLO; a
// maxFrameSize of 0 disables the check (used before negotiation
// completes, e.g. for the HELLO frames themselves).
func Serialize(f *Frame, maxFrameSize uint32) ([]byte, error) {
	body := make([]byte, 0, 64)
	body = append(body, byte(f.Type))

	var flagsBuf [4]byte
	binary.BigEndian.PutUint32(flagsBuf[:], uint32(f.Flags))
	body = append(body, flagsBuf[:]...)

	body = EncodeVarint(body, f.StreamID)
	body = EncodeVarint(body, f.FrameID)

	var err error
	body, err = appendPayload(body, f.Payload)
	if err != nil {
		return nil, err
	}

	total := lengthPrefixSize + len(body)
	if maxFrameSize != 0 && uint32(len(body)) > maxFrameSize {
		return nil, newProtoErr(KindFrameTooLarge, "frame_length %d exceeds max_frame_size %d", len(body), maxFrameSize)
	}

	out := make([]byte, lengthPrefixSize, total)
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out, nil
}

func appendPayload(dst []byte, p Payload) ([]byte, error) {
	switch v := p.(type) {
	case KVMap:
		return appendKVList(dst, v), nil
	case MessageList:
		return appendMessageList(dst, v), nil
	case ActionList:
		return appendActionList(dst, v), nil
	default:
		return nil, newProtoErr(KindTruncated, "frame has no payload")
	}
}

func appendKVList(dst []byte, kv KVMap) []byte {
	for _, pair := range kv {
		dst = encodeString(dst, pair.Key)
		dst = EncodeTypedData(dst, pair.Value)
	}
	return dst
}

func appendMessageList(dst []byte, msgs MessageList) []byte {
	for _, m := range msgs {
		dst = encodeString(dst, m.Name)
		dst = append(dst, byte(len(m.Args)))
		dst = appendKVList(dst, m.Args)
	}
	return dst
}

func appendActionList(dst []byte, actions ActionList) []byte {
	for _, a := range actions {
		dst = append(dst, byte(a.Type))
		switch a.Type {
		case ActionSetVar:
			dst = append(dst, 3, byte(a.Scope))
			dst = encodeString(dst, a.Name)
			dst = EncodeTypedData(dst, a.Value)
		case ActionUnsetVar:
			dst = append(dst, 2, byte(a.Scope))
			dst = encodeString(dst, a.Name)
		}
	}
	return dst
}

func encodeString(dst []byte, s string) []byte {
	dst = EncodeVarint(dst, uint64(len(s)))
	return append(dst, s...)
}
