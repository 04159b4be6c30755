package spop

// Codec is a stateless push-based adapter over Parse/Serialize,
// grounded on the reference implementation's tokio_util Decoder/Encoder
// pair (original_source/src/codec.rs): it owns no protocol state, only
// the decode options, and can be fed arbitrarily chunked reads.
type Codec struct {
	Options DecodeOptions
}

// Decode attempts to pull one frame out of the front of buf. It
// returns the same (frame, consumed, err) contract as Parse.
func (c Codec) Decode(buf []byte) (*Frame, int, error) {
	return Parse(buf, c.Options)
}

// Encode serializes f under the given max frame size.
func (c Codec) Encode(f *Frame, maxFrameSize uint32) ([]byte, error) {
	return Serialize(f, maxFrameSize)
}
