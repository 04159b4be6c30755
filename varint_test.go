package spop

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 100, 239, 240, 241,
		2287, 2288, 2289,
		264431, 264432, 264433,
		33818863, 33818864, 33818865,
		4328786159,
		1 << 40,
		1 << 63,
		1<<64 - 1,
	}
	for _, x := range values {
		buf := EncodeVarint(nil, x)
		got, n, err := DecodeVarint(buf)
		if err != nil {
			t.Fatalf("DecodeVarint(encode(%d)) failed: %v", x, err)
		}
		if got != x {
			t.Errorf("DecodeVarint(encode(%d)) = %d, want %d", x, got, x)
		}
		if n != len(buf) {
			t.Errorf("DecodeVarint(encode(%d)) consumed %d bytes, want %d", x, n, len(buf))
		}
	}
}

// TestVarintCornerValue is distilled spec §8 scenario 5, a literal
// vector drawn from the SPOP reference encoding.
func TestVarintCornerValue(t *testing.T) {
	buf := []byte{0xf0, 0x80, 0x00}
	got, n, err := DecodeVarint(buf)
	if err != nil {
		t.Fatalf("DecodeVarint failed: %v", err)
	}
	if got != 2288 {
		t.Errorf("DecodeVarint(f0 80 00) = %d, want 2288", got)
	}
	if n != len(buf) {
		t.Errorf("DecodeVarint(f0 80 00) consumed %d bytes, want %d", n, len(buf))
	}
}

func TestVarintMaxFrameSizeVector(t *testing.T) {
	// Drawn from distilled spec §8 scenario 1's HaproxyHello frame:
	// max-frame-size is encoded as fc f0 06 and decodes to 16380.
	buf := []byte{0xfc, 0xf0, 0x06}
	got, n, err := DecodeVarint(buf)
	if err != nil {
		t.Fatalf("DecodeVarint failed: %v", err)
	}
	if got != 16380 {
		t.Errorf("DecodeVarint(fc f0 06) = %d, want 16380", got)
	}
	if n != 3 {
		t.Errorf("DecodeVarint(fc f0 06) consumed %d bytes, want 3", n)
	}
}

func TestVarintNeedMore(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"truncated continuation", []byte{0xf0}},
		{"truncated mid-continuation", []byte{0xf0, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeVarint(tt.buf)
			if err != ErrNeedMore {
				t.Errorf("DecodeVarint(%v) = %v, want ErrNeedMore", tt.buf, err)
			}
		})
	}
}

func TestVarintOverflow(t *testing.T) {
	buf := make([]byte, 0, 16)
	buf = append(buf, 0xf0)
	for i := 0; i < maxVarintContinuationBytes+2; i++ {
		buf = append(buf, 0x80)
	}
	_, _, err := DecodeVarint(buf)
	if err != ErrVarintOverflow {
		t.Errorf("DecodeVarint(long non-terminating sequence) = %v, want ErrVarintOverflow", err)
	}
}

func TestVarintNonCanonicalAccepted(t *testing.T) {
	// distilled spec §9: the decoder accepts any terminating sequence,
	// even a needlessly long one the encoder would never produce.
	buf := []byte{0xf0, 0x80, 0x80, 0x00}
	_, _, err := DecodeVarint(buf)
	if err != nil {
		t.Errorf("DecodeVarint(non-canonical) failed: %v", err)
	}
}

func TestEncodeVarintSingleByteBoundary(t *testing.T) {
	if got := EncodeVarint(nil, 239); len(got) != 1 {
		t.Errorf("EncodeVarint(239) = %v, want 1 byte", got)
	}
	if got := EncodeVarint(nil, 240); len(got) < 2 {
		t.Errorf("EncodeVarint(240) = %v, want >= 2 bytes", got)
	}
}
