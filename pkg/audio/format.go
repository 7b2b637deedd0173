// Package audio provides the PCM primitives shared by the Aria voice
// pipeline: the 16-bit codec, the fixed format contract of the live
// endpoint, a loudness meter, and a defensive sample-rate converter.
//
// All audio flowing through Aria is mono 16-bit little-endian PCM. Input
// (microphone) audio is 16 kHz; output (model) audio is 24 kHz. These are
// contract values of the remote endpoint, not tunables.
package audio

import "time"

const (
	// InputSampleRate is the capture sample rate expected by the live endpoint.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of audio synthesised by the model.
	OutputSampleRate = 24000

	// Channels is the channel count for both directions. Always mono.
	Channels = 1

	// BytesPerSample is the width of one s16le PCM sample.
	BytesPerSample = 2

	// CaptureFrameSamples is the fixed number of samples per capture frame.
	CaptureFrameSamples = 4096

	// LevelInterval is the polling period of the input/output loudness meters.
	LevelInterval = 50 * time.Millisecond
)

// Duration returns the playback duration of a PCM byte buffer at the given
// sample rate.
func Duration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DurationMillis returns the duration of a PCM byte buffer in whole
// milliseconds, rounded to nearest.
func DurationMillis(byteLen, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / BytesPerSample
	ms := float64(samples) / float64(sampleRate) * 1000
	return int64(ms + 0.5)
}
