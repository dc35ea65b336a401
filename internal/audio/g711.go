// Package audio provides the pure sample-format conversions used by the
// call bridge: G.711 u-law/A-law transcoding, linear-interpolation
// resampling between the telephony and AI sample rates, and 8/16-bit
// PCM depth conversion. All functions are stateless and safe for
// concurrent use.
package audio

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table, precomputed for the full 16-bit signed range.
var linearToUlaw [65536]uint8

// G.711 a-law encoding table, precomputed for the full 16-bit signed range.
var linearToAlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	// Reconstruct the magnitude around the encoder bias.
	sample := int16(((mantissa<<3 | 0x84) << uint(exponent)) - 0x84)
	return sign * sample
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte,
// using the standard ITU-T G.711 bias and clip values.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	v := int(sample)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > clip {
		v = clip
	}
	v += bias

	exponent := 7
	mask := 0x4000
	for exponent > 0 {
		if v&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (v >> uint(exponent+3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
// The sign bit is set for positive samples per ITU-T G.711.
func encodeAlaw(sample int16) uint8 {
	sign := uint8(0xD5)
	v := int(sample)
	if v < 0 {
		sign = 0x55
		v = -v
	}
	if v > 32767 {
		v = 32767
	}

	var exponent int
	var mantissa int
	if v < 256 {
		mantissa = v >> 4
	} else {
		exponent = 1
		bound := 512
		for exponent < 7 && v >= bound {
			exponent++
			bound <<= 1
		}
		mantissa = (v >> uint(exponent+3)) & 0x0F
	}

	return uint8(exponent<<4|mantissa) ^ sign
}

// UlawDecode converts G.711 u-law bytes to 16-bit linear PCM samples.
func UlawDecode(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = ulawToLinear[b]
	}
	return out
}

// AlawDecode converts G.711 a-law bytes to 16-bit linear PCM samples.
func AlawDecode(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = alawToLinear[b]
	}
	return out
}

// UlawEncode converts 16-bit linear PCM samples to G.711 u-law bytes.
func UlawEncode(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = linearToUlaw[uint16(s)]
	}
	return out
}

// AlawEncode converts 16-bit linear PCM samples to G.711 a-law bytes.
func AlawEncode(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = linearToAlaw[uint16(s)]
	}
	return out
}

// UlawSilence is the u-law encoding of silence, used to pad partial frames.
const UlawSilence = 0xFF

// AlawSilence is the a-law encoding of silence.
const AlawSilence = 0xD5
