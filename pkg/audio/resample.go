package audio

import (
	"fmt"
	"math"
)

// Downsample decimates mono float32 PCM from srcRate to dstRate by block
// averaging: each output sample is the mean of the source samples that fall
// into its bucket. The output length is round(len(samples)·dstRate/srcRate).
//
// When dstRate ≥ srcRate the input slice is returned unchanged — capture
// devices are assumed to run at or above the transport rate, so upsampling
// is deliberately not implemented.
//
// Returns an error only for non-positive rates.
func Downsample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: downsample: invalid rates %d -> %d", srcRate, dstRate)
	}
	if dstRate >= srcRate || len(samples) == 0 {
		return samples, nil
	}

	dstLen := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	if dstLen == 0 {
		return nil, nil
	}

	ratio := float64(len(samples)) / float64(dstLen)
	out := make([]float32, dstLen)
	for i := range out {
		lo := int(float64(i) * ratio)
		hi := int(float64(i+1) * ratio)
		if hi > len(samples) {
			hi = len(samples)
		}
		if hi <= lo {
			hi = lo + 1
		}
		var sum float64
		for _, s := range samples[lo:hi] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(hi-lo))
	}
	return out, nil
}

// DownsampleFrame applies [Downsample] to a frame and retags its sample rate.
// A frame already at or below dstRate passes through unchanged.
func DownsampleFrame(f Frame, dstRate int) (Frame, error) {
	if f.SampleRate <= dstRate {
		return f, nil
	}
	samples, err := Downsample(f.Samples, f.SampleRate, dstRate)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Samples: samples, SampleRate: dstRate}, nil
}
