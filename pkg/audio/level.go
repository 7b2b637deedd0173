package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// Meter tracks the loudness of an audio stream as a normalised 0–1 level.
//
// The level is the RMS energy of the most recently observed frame, scaled by
// the maximum representable sample magnitude. Engines feed every frame they
// process through [Meter.Observe] and poll [Meter.Level] on a fixed interval.
//
// Safe for concurrent use: frames arrive on device/transport goroutines while
// the level is polled from a ticker goroutine.
type Meter struct {
	mu    sync.Mutex
	level float64
}

// Observe updates the meter with one s16le PCM frame.
func (m *Meter) Observe(pcm []byte) {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		f := float64(s) / 32768
		sum += f * f
	}
	level := math.Sqrt(sum / float64(n))
	if level > 1 {
		level = 1
	}

	m.mu.Lock()
	m.level = level
	m.mu.Unlock()
}

// Level returns the current normalised loudness in [0, 1].
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset forces the level back to zero, e.g. when capture pauses or playback
// drains.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
}
