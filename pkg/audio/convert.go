package audio

import (
	"log/slog"
	"sync"
)

// RateConverter resamples mono s16le PCM to a target sample rate. The live
// pipeline runs at fixed rates, so under normal operation Convert is a
// zero-allocation pass-through; the converter only does work when an audio
// device cannot honour the requested rate. It logs a warning on the first
// mismatch and drops misaligned frames.
//
// Create one per stream; not designed for shared use across goroutines.
type RateConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert resamples pcm from srcRate to the target rate. Returns nil for
// frames whose byte count is not a multiple of the sample width.
func (c *RateConverter) Convert(pcm []byte, srcRate int) []byte {
	if len(pcm)%BytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio rate converter: odd byte count in PCM data, dropping frame",
				"bytes", len(pcm), "sampleRate", srcRate)
		})
		return nil
	}
	if srcRate == c.TargetRate {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio sample rate mismatch: resampling", "from", srcRate, "to", c.TargetRate)
	})
	return ResampleMono16(pcm, srcRate, c.TargetRate)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples.
// If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
