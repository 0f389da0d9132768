package playback

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts interleaved PCM16 between sample rates. Each channel is
// resampled on its own and the filter tail is flushed, so the result holds
// exactly len(samples)/channels * to/from frames (rounded).
func Resample(samples []int16, channels, from, to int) ([]int16, error) {
	if from == to || len(samples) == 0 {
		return samples, nil
	}
	if from <= 0 || to <= 0 || channels <= 0 {
		return nil, fmt.Errorf("resample: invalid rates %d -> %d with %d channels", from, to, channels)
	}
	frames := len(samples) / channels
	want := int((int64(frames)*int64(to) + int64(from)/2) / int64(from))

	out := make([]int16, want*channels)
	for ch := range channels {
		in := make([]float64, frames)
		for i := range in {
			in[i] = float64(samples[i*channels+ch]) / 32768.0
		}
		res, err := resampling.ResampleMono(in, float64(from), float64(to), resampling.QualityHigh)
		if err != nil {
			return nil, fmt.Errorf("resample channel %d: %w", ch, err)
		}
		// Any shortfall after the flush is padded with silence.
		for i := range min(len(res), want) {
			out[i*channels+ch] = toPCM16(res[i])
		}
	}
	return out, nil
}

func toPCM16(s float64) int16 {
	switch {
	case s > 1.0:
		return 32767
	case s < -1.0:
		return -32768
	}
	return int16(s * 32767.0)
}
