package audio

import "encoding/binary"

// U8ToS16 converts 8-bit unsigned PCM (center 128) to 16-bit signed PCM.
func U8ToS16(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = (int16(b) - 128) << 8
	}
	return out
}

// S16ToU8 converts 16-bit signed PCM to 8-bit unsigned PCM (center 128).
func S16ToU8(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = uint8((s >> 8) + 128)
	}
	return out
}

// BytesToS16 reinterprets little-endian PCM bytes as 16-bit signed samples.
// An odd trailing byte is ignored.
func BytesToS16(in []byte) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(in[i*2:]))
	}
	return out
}

// S16ToBytes serializes 16-bit signed samples as little-endian PCM bytes.
func S16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
