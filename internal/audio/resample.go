package audio

// Resample converts signed 16-bit PCM from one sample rate to another using
// linear interpolation. The conversion is frame-boundary aligned and carries
// no state across calls, so each 20ms frame can be converted independently.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	outLen := len(in) * toRate / fromRate
	if outLen == 0 {
		return []int16{}
	}

	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(in[idx])
		b := float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
