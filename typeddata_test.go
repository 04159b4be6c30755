package spop

import (
	"net"
	"testing"
)

func TestTypedDataRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    TypedData
	}{
		{"null", NullValue()},
		{"bool-true", BoolValue(true)},
		{"bool-false", BoolValue(false)},
		{"int32-positive", Int32Value(42)},
		{"int32-negative", Int32Value(-42)},
		{"uint32-zero", UInt32Value(0)},
		{"uint32-max", UInt32Value(4294967295)},
		{"int64-negative", Int64Value(-1)},
		{"uint64-max", UInt64Value(1<<64 - 1)},
		{"ipv4", IPv4Value(net.ParseIP("192.0.2.1"))},
		{"ipv6", IPv6Value(net.ParseIP("2001:db8::1"))},
		{"string-empty", StringValue("")},
		{"string-ascii", StringValue("score")},
		{"binary-empty", BinaryValue(nil)},
		{"binary", BinaryValue([]byte{0x00, 0xff, 0x10})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := EncodeTypedData(nil, tt.v)
			got, n, err := DecodeTypedData(buf, DecodeOptions{})
			if err != nil {
				t.Fatalf("DecodeTypedData failed: %v", err)
			}
			if n != len(buf) {
				t.Errorf("consumed %d bytes, want %d", n, len(buf))
			}
			if !got.Equal(tt.v) {
				t.Errorf("got %+v, want %+v", got, tt.v)
			}
		})
	}
}

func TestDecodeTypedDataNeedMore(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"ipv4 truncated", []byte{byte(TypeIPv4), 1, 2}},
		{"ipv6 truncated", []byte{byte(TypeIPv6), 1, 2}},
		{"string length truncated", append([]byte{byte(TypeString)}, EncodeVarint(nil, 10)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeTypedData(tt.buf, DecodeOptions{})
			if err != ErrNeedMore {
				t.Errorf("got %v, want ErrNeedMore", err)
			}
		})
	}
}

func TestDecodeTypedDataUnknownType(t *testing.T) {
	_, _, err := DecodeTypedData([]byte{0x0a}, DecodeOptions{})
	pe, ok := AsProtocolError(err)
	if !ok || pe.Kind != KindUnknownValueType {
		t.Fatalf("got %v, want KindUnknownValueType", err)
	}
}

func TestDecodeTypedDataStrictUTF8(t *testing.T) {
	invalid := []byte{0xff, 0xfe}
	buf := []byte{byte(TypeString)}
	buf = EncodeVarint(buf, uint64(len(invalid)))
	buf = append(buf, invalid...)

	_, _, err := DecodeTypedData(buf, DecodeOptions{StrictUTF8: true})
	pe, ok := AsProtocolError(err)
	if !ok || pe.Kind != KindInvalidUtf8 {
		t.Fatalf("got %v, want KindInvalidUtf8", err)
	}

	// Lenient mode (the default) accepts it.
	v, _, err := DecodeTypedData(buf, DecodeOptions{})
	if err != nil {
		t.Fatalf("lenient decode failed: %v", err)
	}
	if v.Type != TypeString {
		t.Errorf("got type %s, want string", v.Type)
	}
}

func TestBoolHeaderByteEncoding(t *testing.T) {
	// Verifies the literal header byte distilled spec §8 scenario 1 uses
	// for healthcheck=true: type nibble TypeBool (1), flag nibble 1.
	buf := EncodeTypedData(nil, BoolValue(true))
	if len(buf) != 1 || buf[0] != 0x11 {
		t.Errorf("EncodeTypedData(true) = %#v, want [0x11]", buf)
	}
}
