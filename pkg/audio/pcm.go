package audio

import "encoding/binary"

// PCM16ToFloat32 decodes little-endian signed 16-bit PCM into normalised
// float32 samples in [-1, 1]. Negative samples are scaled by 1/32768 and
// non-negative samples by 1/32767 so that both extremes map exactly to
// -1 and +1.
//
// The buffer length must be even; frame sizes are controlled by the capture
// and transport layers, so this is not validated here.
func PCM16ToFloat32(buf []byte) []float32 {
	out := make([]float32, len(buf)/BytesPerSample)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(buf[i*BytesPerSample:]))
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

// Float32ToPCM16 encodes normalised float32 samples as little-endian signed
// 16-bit PCM. Samples are clamped to [-1, 1] first; negative samples are
// scaled by 32768 and non-negative samples by 32767, making this the exact
// inverse of [PCM16ToFloat32] up to integer quantisation.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		var s int16
		if f < 0 {
			s = int16(f * 32768)
		} else {
			s = int16(f * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}
