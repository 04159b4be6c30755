package spop

import (
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValueType identifies the ten SPOP scalar/compound value types. Values
// in [10, 15] are reserved by SPOP and surfaced as KindUnknownValueType.
type ValueType byte

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeIPv4
	TypeIPv6
	TypeString
	TypeBinary
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt32:
		return "int32"
	case TypeUInt32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUInt64:
		return "uint64"
	case TypeIPv4:
		return "ipv4"
	case TypeIPv6:
		return "ipv6"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	default:
		return "reserved"
	}
}

// TypedData is a tagged SPOP value. Go has no sum types, so exactly one
// of the fields below is meaningful, selected by Type; the constructor
// functions and accessors are the only sanctioned way to build or read
// one.
type TypedData struct {
	Type ValueType

	boolVal bool
	intVal  int64  // Int32, Int64 (sign-extended)
	uintVal uint64 // UInt32, UInt64
	ip      net.IP // IPv4 (4 bytes), IPv6 (16 bytes)
	bytes   []byte // String, Binary
}

func NullValue() TypedData            { return TypedData{Type: TypeNull} }
func BoolValue(v bool) TypedData      { return TypedData{Type: TypeBool, boolVal: v} }
func Int32Value(v int32) TypedData    { return TypedData{Type: TypeInt32, intVal: int64(v)} }
func UInt32Value(v uint32) TypedData  { return TypedData{Type: TypeUInt32, uintVal: uint64(v)} }
func Int64Value(v int64) TypedData    { return TypedData{Type: TypeInt64, intVal: v} }
func UInt64Value(v uint64) TypedData  { return TypedData{Type: TypeUInt64, uintVal: v} }
func StringValue(s string) TypedData  { return TypedData{Type: TypeString, bytes: []byte(s)} }
func BinaryValue(b []byte) TypedData  { return TypedData{Type: TypeBinary, bytes: append([]byte(nil), b...)} }

// IPv4Value builds an IPv4 value. A 16-byte-form IPv4 address (as
// returned by net.ParseIP) is converted to its 4-byte form via To4.
func IPv4Value(ip net.IP) TypedData {
	v4 := ip.To4()
	return TypedData{Type: TypeIPv4, ip: append(net.IP(nil), v4...)}
}

// IPv6Value builds an IPv6 value from a 16-byte address.
func IPv6Value(ip net.IP) TypedData {
	v6 := ip.To16()
	return TypedData{Type: TypeIPv6, ip: append(net.IP(nil), v6...)}
}

func (v TypedData) Bool() bool      { return v.boolVal }
func (v TypedData) Int32() int32    { return int32(v.intVal) }
func (v TypedData) UInt32() uint32  { return uint32(v.uintVal) }
func (v TypedData) Int64() int64    { return v.intVal }
func (v TypedData) UInt64() uint64  { return v.uintVal }
func (v TypedData) IP() net.IP      { return v.ip }
func (v TypedData) String() string  { return string(v.bytes) }
func (v TypedData) Binary() []byte  { return v.bytes }

// Equal reports whether two TypedData values are identical in type and
// content. Used by round-trip tests.
func (v TypedData) Equal(o TypedData) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNull:
		return true
	case TypeBool:
		return v.boolVal == o.boolVal
	case TypeInt32, TypeInt64:
		return v.intVal == o.intVal
	case TypeUInt32, TypeUInt64:
		return v.uintVal == o.uintVal
	case TypeIPv4, TypeIPv6:
		return v.ip.Equal(o.ip)
	case TypeString, TypeBinary:
		return string(v.bytes) == string(o.bytes)
	default:
		return false
	}
}

// DecodeOptions controls lenient vs. strict decoding of TypedData
// strings. The default (zero value) is lossy UTF-8 substitution, which
// matches real-world SPOP deployments (distilled spec §4.2).
type DecodeOptions struct {
	StrictUTF8 bool

	// MaxFrameSize bounds the declared frame_length Parse will accept,
	// in bytes. Zero means unbounded (no negotiated limit yet, e.g.
	// before HELLO). Parse rejects with KindFrameTooLarge before
	// touching the frame body.
	MaxFrameSize uint32
}

// EncodeTypedData appends the wire encoding of v to dst: a header byte
// (type in the low nibble, flags in the high nibble) followed by the
// type-specific body.
func EncodeTypedData(dst []byte, v TypedData) []byte {
	switch v.Type {
	case TypeNull:
		return append(dst, byte(TypeNull))
	case TypeBool:
		flags := byte(0)
		if v.boolVal {
			flags = 1
		}
		return append(dst, byte(TypeBool)|(flags<<4))
	case TypeInt32:
		dst = append(dst, byte(TypeInt32))
		return EncodeVarint(dst, uint64(uint32(v.intVal)))
	case TypeUInt32:
		dst = append(dst, byte(TypeUInt32))
		return EncodeVarint(dst, v.uintVal)
	case TypeInt64:
		dst = append(dst, byte(TypeInt64))
		return EncodeVarint(dst, uint64(v.intVal))
	case TypeUInt64:
		dst = append(dst, byte(TypeUInt64))
		return EncodeVarint(dst, v.uintVal)
	case TypeIPv4:
		dst = append(dst, byte(TypeIPv4))
		return append(dst, v.ip.To4()...)
	case TypeIPv6:
		dst = append(dst, byte(TypeIPv6))
		return append(dst, v.ip.To16()...)
	case TypeString:
		dst = append(dst, byte(TypeString))
		dst = EncodeVarint(dst, uint64(len(v.bytes)))
		return append(dst, v.bytes...)
	case TypeBinary:
		dst = append(dst, byte(TypeBinary))
		dst = EncodeVarint(dst, uint64(len(v.bytes)))
		return append(dst, v.bytes...)
	default:
		return dst
	}
}

// DecodeTypedData reads one TypedData from the front of buf, returning
// the value and the number of bytes consumed.
func DecodeTypedData(buf []byte, opts DecodeOptions) (TypedData, int, error) {
	if len(buf) == 0 {
		return TypedData{}, 0, ErrNeedMore
	}

	header := buf[0]
	typeID := ValueType(header & 0x0F)
	flags := header >> 4

	switch typeID {
	case TypeNull:
		return NullValue(), 1, nil

	case TypeBool:
		return BoolValue(flags&1 != 0), 1, nil

	case TypeInt32:
		x, n, err := DecodeVarint(buf[1:])
		if err != nil {
			return TypedData{}, 0, err
		}
		return Int32Value(int32(uint32(x))), 1 + n, nil

	case TypeUInt32:
		x, n, err := DecodeVarint(buf[1:])
		if err != nil {
			return TypedData{}, 0, err
		}
		return UInt32Value(uint32(x)), 1 + n, nil

	case TypeInt64:
		x, n, err := DecodeVarint(buf[1:])
		if err != nil {
			return TypedData{}, 0, err
		}
		return Int64Value(int64(x)), 1 + n, nil

	case TypeUInt64:
		x, n, err := DecodeVarint(buf[1:])
		if err != nil {
			return TypedData{}, 0, err
		}
		return UInt64Value(x), 1 + n, nil

	case TypeIPv4:
		if len(buf) < 1+4 {
			return TypedData{}, 0, ErrNeedMore
		}
		ip := make(net.IP, 4)
		copy(ip, buf[1:5])
		return IPv4Value(ip), 5, nil

	case TypeIPv6:
		if len(buf) < 1+16 {
			return TypedData{}, 0, ErrNeedMore
		}
		ip := make(net.IP, 16)
		copy(ip, buf[1:17])
		return IPv6Value(ip), 17, nil

	case TypeString, TypeBinary:
		length, n, err := DecodeVarint(buf[1:])
		if err != nil {
			return TypedData{}, 0, err
		}
		start := 1 + n
		end := start + int(length)
		if end > len(buf) {
			return TypedData{}, 0, ErrNeedMore
		}
		data := buf[start:end]
		if typeID == TypeString {
			if opts.StrictUTF8 && !utf8.Valid(data) {
				return TypedData{}, 0, &ProtocolError{Kind: KindInvalidUtf8, Message: "string value is not valid UTF-8"}
			}
			return StringValue(lossyUTF8(data)), end, nil
		}
		return BinaryValue(data), end, nil

	default:
		return TypedData{}, 0, &ProtocolError{Kind: KindUnknownValueType, Message: "reserved value type id " + strconv.Itoa(int(typeID))}
	}
}

// lossyUTF8 replaces each run of ill-formed bytes in b with U+FFFD and
// passes valid UTF-8 through unchanged. A String value decoded this way
// holds the substituted text, so re-encoding it writes the substituted
// bytes, not the original ones; a value built with StringValue is
// encoded with exactly the bytes it was given.
func lossyUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

