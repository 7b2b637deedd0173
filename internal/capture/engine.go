// Package capture drives the microphone input device and streams fixed-size
// PCM frames to a registered consumer.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veridian-labs/aria/pkg/audio"
	"github.com/veridian-labs/aria/pkg/audio/device"
)

// State is the capture engine lifecycle state.
type State int

const (
	StateInactive State = iota
	StateCapturing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateCapturing:
		return "capturing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Callbacks bundles the engine's event consumers. Nil fields are skipped.
type Callbacks struct {
	// OnFrame receives each captured PCM frame (16 kHz, s16le, mono,
	// 4096 samples) while the engine is capturing. The slice may be
	// reused after the callback returns.
	OnFrame func(pcm []byte)
	// OnLevel receives the normalized input loudness every 50ms.
	OnLevel func(level float64)
	// OnError receives classified device errors.
	OnError func(err error)
}

// Engine owns the input device and the loudness sampler. Safe for concurrent
// use; the frame callback runs on the device's capture goroutine.
type Engine struct {
	opener     device.Opener
	deviceName string
	cb         Callbacks

	mu        sync.Mutex
	state     State
	dev       device.InputDevice
	meter     *audio.Meter
	levelDone chan struct{}
}

// New creates an Engine that opens its input device through opener.
// deviceName selects a specific device; empty means the system default.
func New(opener device.Opener, deviceName string, cb Callbacks) *Engine {
	return &Engine{
		opener:     opener,
		deviceName: deviceName,
		cb:         cb,
		meter:      &audio.Meter{},
	}
}

// Start opens the microphone and begins producing frames. Only valid from
// the inactive state; otherwise a no-op. Device failures are surfaced both
// through the error callback and the returned error, and leave the state
// unchanged.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != StateInactive {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	dev, err := e.opener.OpenInput(device.InputConfig{
		SampleRate:       audio.InputSampleRate,
		FrameSamples:     audio.CaptureFrameSamples,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGain:         true,
		DeviceName:       e.deviceName,
	})
	if err != nil {
		err = classify("capture start", err)
		e.emitError(err)
		return err
	}

	if err := dev.Start(e.onFrame); err != nil {
		dev.Close()
		err = classify("capture start", err)
		e.emitError(err)
		return err
	}

	e.mu.Lock()
	e.state = StateCapturing
	e.dev = dev
	e.meter.Reset()
	e.levelDone = make(chan struct{})
	done := e.levelDone
	e.mu.Unlock()

	go e.levelLoop(done)
	return nil
}

// Stop releases the device and transitions to inactive. Idempotent. Emits a
// final loudness level of zero.
func (e *Engine) Stop() {
	e.mu.Lock()
	dev := e.dev
	done := e.levelDone
	e.dev = nil
	e.levelDone = nil
	wasActive := e.state != StateInactive
	e.state = StateInactive
	e.meter.Reset()
	e.mu.Unlock()

	if done != nil {
		close(done)
	}
	if dev != nil {
		dev.Close()
	}
	if wasActive {
		e.emitLevel(0)
	}
}

// Pause disables frame production without releasing the device. Only valid
// from capturing; otherwise a no-op.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StateCapturing {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	dev := e.dev
	e.meter.Reset()
	e.mu.Unlock()

	dev.SetEnabled(false)
	e.emitLevel(0)
}

// Resume re-enables frame production. Only valid from paused; otherwise a
// no-op.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return
	}
	e.state = StateCapturing
	dev := e.dev
	e.mu.Unlock()

	dev.SetEnabled(true)
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// onFrame runs on the device's capture goroutine.
func (e *Engine) onFrame(pcm []byte) {
	e.mu.Lock()
	capturing := e.state == StateCapturing
	e.mu.Unlock()
	if !capturing {
		return
	}

	e.meter.Observe(pcm)
	if e.cb.OnFrame != nil {
		e.cb.OnFrame(pcm)
	}
}

// levelLoop emits the input loudness on a fixed interval until done closes.
func (e *Engine) levelLoop(done chan struct{}) {
	ticker := time.NewTicker(audio.LevelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.mu.Lock()
			capturing := e.state == StateCapturing
			e.mu.Unlock()
			if capturing {
				e.emitLevel(e.meter.Level())
			} else {
				e.emitLevel(0)
			}
		}
	}
}

func (e *Engine) emitLevel(level float64) {
	if e.cb.OnLevel != nil {
		e.cb.OnLevel(level)
	}
}

func (e *Engine) emitError(err error) {
	if e.cb.OnError != nil {
		e.cb.OnError(err)
	}
}

// classify wraps err as a device.Error if it is not one already.
func classify(op string, err error) error {
	var derr *device.Error
	if errors.As(err, &derr) {
		return derr
	}
	return &device.Error{Kind: device.KindGeneric, Op: op, Err: err}
}
