package audio_test

import (
	"math"
	"testing"

	"github.com/veridian-labs/aria/pkg/audio"
)

func TestMeter_SilenceIsZero(t *testing.T) {
	var m audio.Meter
	m.Observe(samplesToBytes(make([]int16, 512)))
	if got := m.Level(); got != 0 {
		t.Errorf("silent frame: got level %v, want 0", got)
	}
}

func TestMeter_FullScaleSquareWave(t *testing.T) {
	samples := make([]int16, 512)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 32767
		} else {
			samples[i] = -32768
		}
	}
	var m audio.Meter
	m.Observe(samplesToBytes(samples))
	if got := m.Level(); math.Abs(got-1) > 0.001 {
		t.Errorf("full-scale square wave: got level %v, want ~1", got)
	}
}

func TestMeter_HalfScaleSine(t *testing.T) {
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(16384 * math.Sin(2*math.Pi*float64(i)/160))
	}
	var m audio.Meter
	m.Observe(samplesToBytes(samples))
	// RMS of a sine is amplitude/sqrt(2).
	want := 0.5 / math.Sqrt2
	if got := m.Level(); math.Abs(got-want) > 0.01 {
		t.Errorf("half-scale sine: got level %v, want ~%v", got, want)
	}
}

func TestMeter_EmptyFrameKeepsLevel(t *testing.T) {
	var m audio.Meter
	m.Observe(samplesToBytes([]int16{16384, -16384}))
	before := m.Level()
	m.Observe(nil)
	if got := m.Level(); got != before {
		t.Errorf("empty frame changed level: got %v, want %v", got, before)
	}
}

func TestMeter_Reset(t *testing.T) {
	var m audio.Meter
	m.Observe(samplesToBytes([]int16{32767, 32767}))
	m.Reset()
	if got := m.Level(); got != 0 {
		t.Errorf("after reset: got level %v, want 0", got)
	}
}
