// Package mock provides deterministic in-memory implementations of the
// device interfaces for tests. The output device clock is advanced manually
// via [OutputDevice.Advance], making scheduling behaviour fully repeatable.
package mock

import (
	"sync"
	"time"

	"github.com/veridian-labs/aria/pkg/audio"
	"github.com/veridian-labs/aria/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Opener       = (*Opener)(nil)
	_ device.InputDevice  = (*InputDevice)(nil)
	_ device.OutputDevice = (*OutputDevice)(nil)
	_ device.Scheduled    = (*ScheduledBuffer)(nil)
)

// Opener hands out the configured mock devices.
type Opener struct {
	In  *InputDevice
	Out *OutputDevice

	// InputErr / OutputErr, when non-nil, are returned instead of a device.
	InputErr  error
	OutputErr error

	// OnOpenInput, when set, runs synchronously inside OpenInput before the
	// device is handed out. Lets tests inject events mid-startup.
	OnOpenInput func()

	mu         sync.Mutex
	inputCfg   device.InputConfig
	outputCfg  device.OutputConfig
	inputOpens int
}

// NewOpener creates an Opener with fresh mock devices.
func NewOpener() *Opener {
	return &Opener{In: &InputDevice{}, Out: NewOutputDevice(audio.OutputSampleRate)}
}

// OpenInput implements [device.Opener].
func (o *Opener) OpenInput(cfg device.InputConfig) (device.InputDevice, error) {
	if o.OnOpenInput != nil {
		o.OnOpenInput()
	}
	if o.InputErr != nil {
		return nil, o.InputErr
	}
	o.mu.Lock()
	o.inputCfg = cfg
	o.inputOpens++
	o.mu.Unlock()
	return o.In, nil
}

// InputOpens returns how many times OpenInput has succeeded.
func (o *Opener) InputOpens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inputOpens
}

// OpenOutput implements [device.Opener].
func (o *Opener) OpenOutput(cfg device.OutputConfig) (device.OutputDevice, error) {
	if o.OutputErr != nil {
		return nil, o.OutputErr
	}
	o.mu.Lock()
	o.outputCfg = cfg
	if cfg.SampleRate > 0 {
		o.Out.sampleRate = cfg.SampleRate
	}
	o.mu.Unlock()
	return o.Out, nil
}

// InputConfig returns the config passed to the last OpenInput call.
func (o *Opener) InputConfig() device.InputConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inputCfg
}

// InputDevice is a scriptable microphone. Tests push frames with
// [InputDevice.EmitFrame].
type InputDevice struct {
	mu      sync.Mutex
	onFrame func([]byte)
	started bool
	enabled bool
	closed  bool
}

// Start implements [device.InputDevice].
func (d *InputDevice) Start(onFrame func(pcm []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFrame = onFrame
	d.started = true
	d.enabled = true
	return nil
}

// SetEnabled implements [device.InputDevice].
func (d *InputDevice) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

// Close implements [device.InputDevice].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.started = false
	d.mu.Unlock()
	return nil
}

// EmitFrame delivers a frame as if captured from hardware. Dropped while the
// device is disabled or closed, mirroring real pause semantics.
func (d *InputDevice) EmitFrame(pcm []byte) {
	d.mu.Lock()
	cb := d.onFrame
	deliver := d.started && d.enabled && !d.closed
	d.mu.Unlock()
	if deliver && cb != nil {
		cb(pcm)
	}
}

// Enabled reports whether frame delivery is currently enabled.
func (d *InputDevice) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Closed reports whether Close has been called.
func (d *InputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// OutputDevice is a speaker with a manually driven clock.
type OutputDevice struct {
	mu         sync.Mutex
	sampleRate int
	started    bool
	closed     bool
	gain       float64
	now        time.Duration
	sched      []*ScheduledBuffer
}

// NewOutputDevice creates a mock output device with the given sample rate.
func NewOutputDevice(sampleRate int) *OutputDevice {
	return &OutputDevice{sampleRate: sampleRate, gain: 1}
}

// Start implements [device.OutputDevice].
func (d *OutputDevice) Start() error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

// Now implements [device.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// ScheduleAt implements [device.OutputDevice].
func (d *OutputDevice) ScheduleAt(pcm []byte, at time.Duration, onDone func()) (device.Scheduled, error) {
	b := &ScheduledBuffer{
		PCM:     pcm,
		StartAt: at,
		dur:     audio.Duration(len(pcm), d.sampleRate),
		onDone:  onDone,
	}
	d.mu.Lock()
	d.sched = append(d.sched, b)
	d.mu.Unlock()
	return b, nil
}

// SetGain implements [device.OutputDevice].
func (d *OutputDevice) SetGain(gain float64) {
	d.mu.Lock()
	d.gain = gain
	d.mu.Unlock()
}

// Gain returns the last gain applied via SetGain.
func (d *OutputDevice) Gain() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gain
}

// Close implements [device.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.started = false
	d.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (d *OutputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Advance moves the device clock forward and fires completion callbacks for
// every buffer whose end time has been reached. Callbacks run after the
// internal lock is released so they may call back into the device.
func (d *OutputDevice) Advance(delta time.Duration) {
	d.mu.Lock()
	d.now += delta
	var done []func()
	for _, b := range d.sched {
		if b.finish(d.now) {
			done = append(done, b.onDone)
		}
	}
	d.mu.Unlock()

	for _, fn := range done {
		if fn != nil {
			fn()
		}
	}
}

// Scheduled returns the buffers that are queued or playing (not finished,
// not stopped), ordered by schedule time.
func (d *OutputDevice) Scheduled() []*ScheduledBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*ScheduledBuffer
	for _, b := range d.sched {
		if !b.isDone() {
			out = append(out, b)
		}
	}
	return out
}

// All returns every buffer ever scheduled, in schedule order.
func (d *OutputDevice) All() []*ScheduledBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*ScheduledBuffer, len(d.sched))
	copy(out, d.sched)
	return out
}

// ScheduledBuffer records one ScheduleAt call.
type ScheduledBuffer struct {
	PCM     []byte
	StartAt time.Duration

	dur    time.Duration
	onDone func()

	mu      sync.Mutex
	stopped bool
	played  bool
}

// Stop implements [device.Scheduled]. Like a real source node, stopping a
// pending or playing buffer still fires its completion callback.
func (b *ScheduledBuffer) Stop() {
	b.mu.Lock()
	already := b.stopped || b.played
	b.stopped = true
	fn := b.onDone
	b.mu.Unlock()
	if !already && fn != nil {
		fn()
	}
}

// Stopped reports whether Stop was called before the buffer finished.
func (b *ScheduledBuffer) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// EndAt returns the device-clock time at which the buffer finishes.
func (b *ScheduledBuffer) EndAt() time.Duration { return b.StartAt + b.dur }

func (b *ScheduledBuffer) finish(now time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.played || now < b.StartAt+b.dur {
		return false
	}
	b.played = true
	return true
}

func (b *ScheduledBuffer) isDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped || b.played
}
