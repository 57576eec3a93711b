package media

import (
	"log/slog"
	"math"
)

// Mix sums two tracks sample by sample, aligned at the start. The result has
// the length of the longer track and is clipped to the int16 range.
func Mix(a, b []int16) []int16 {
	n := max(len(a), len(b))
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		if i < len(a) {
			sum += int32(a[i])
		}
		if i < len(b) {
			sum += int32(b[i])
		}
		out[i] = clip16(sum)
	}
	return out
}

func clip16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Resample converts mono PCM between rates using linear interpolation.
func Resample(in []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(in)) / ratio)
	out := make([]int16, 0, outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx >= len(in)-1 {
			out = append(out, in[len(in)-1])
			continue
		}
		s1 := float64(in[srcIdx])
		s2 := float64(in[srcIdx+1])
		out = append(out, clip16(int32(math.Round(s1*(1-frac)+s2*frac))))
	}

	slog.Debug("[Audio] Resampled", "from", from, "to", to, "in_samples", len(in), "out_samples", len(out))
	return out
}
