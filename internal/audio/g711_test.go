package audio

import (
	"math"
	"testing"
)

func TestUlawRoundTrip(t *testing.T) {
	// G.711 u-law quantization error grows with amplitude; the bound below
	// covers the largest segment step.
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000, 32767, -32768}
	for _, s := range samples {
		enc := encodeUlaw(s)
		dec := decodeUlaw(enc)
		diff := math.Abs(float64(s) - float64(dec))
		if diff > 1000 {
			t.Errorf("ulaw round trip %d -> %d: error %.0f too large", s, dec, diff)
		}
	}
}

func TestAlawRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 4000, -4000}
	for _, s := range samples {
		enc := encodeAlaw(s)
		dec := decodeAlaw(enc)
		diff := math.Abs(float64(s) - float64(dec))
		if diff > 512 {
			t.Errorf("alaw round trip %d -> %d: error %.0f too large", s, dec, diff)
		}
	}
}

func TestUlawTableConsistency(t *testing.T) {
	// The precomputed tables must agree with the scalar functions.
	for i := 0; i < 256; i++ {
		if got := ulawToLinear[i]; got != decodeUlaw(uint8(i)) {
			t.Fatalf("ulaw table mismatch at %d: %d != %d", i, got, decodeUlaw(uint8(i)))
		}
	}
	for _, s := range []int16{-32768, -1000, -1, 0, 1, 1000, 32767} {
		if got := linearToUlaw[uint16(s)]; got != encodeUlaw(s) {
			t.Fatalf("ulaw encode table mismatch at %d", s)
		}
	}
}

func TestUlawDecodeEncodeStable(t *testing.T) {
	// Decoding a u-law byte and re-encoding it must yield the same byte:
	// the decode output is a codebook value.
	for i := 0; i < 256; i++ {
		b := uint8(i)
		again := encodeUlaw(decodeUlaw(b))
		// 0x7F and 0xFF both decode to values near zero; accept either
		// representation of silence.
		if again != b && decodeUlaw(again) != decodeUlaw(b) {
			t.Errorf("ulaw byte %#02x unstable: re-encoded to %#02x", b, again)
		}
	}
}

func TestSliceCodecs(t *testing.T) {
	pcm := []int16{0, 500, -500, 12000, -12000}
	if got := UlawDecode(UlawEncode(pcm)); len(got) != len(pcm) {
		t.Fatalf("ulaw slice length = %d, want %d", len(got), len(pcm))
	}
	if got := AlawDecode(AlawEncode(pcm)); len(got) != len(pcm) {
		t.Fatalf("alaw slice length = %d, want %d", len(got), len(pcm))
	}
}

func TestSilenceBytes(t *testing.T) {
	if v := decodeUlaw(UlawSilence); v < -8 || v > 8 {
		t.Errorf("ulaw silence decodes to %d, want near zero", v)
	}
	if v := decodeAlaw(AlawSilence); v < -16 || v > 16 {
		t.Errorf("alaw silence decodes to %d, want near zero", v)
	}
}
