package miniaudio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/veridian-labs/aria/pkg/audio"
	"github.com/veridian-labs/aria/pkg/audio/device"
)

// outputDevice adapts a miniaudio playback device to [device.OutputDevice].
//
// The device clock is a running sample counter advanced by the playback data
// callback: samplePos / sampleRate is "now". Scheduled buffers are kept in
// start-time order (the playback engine schedules back-to-back, so the list
// is naturally sorted) and mixed into the output as their start time passes,
// with silence in any gaps.
type outputDevice struct {
	dev        *malgo.Device
	sampleRate int

	mu        sync.Mutex
	started   bool
	closed    bool
	gain      float64
	samplePos int64
	sched     []*scheduledBuffer
}

func newOutputDevice(ctx *malgo.AllocatedContext, cfg device.OutputConfig) (*outputDevice, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.OutputSampleRate
	}

	d := &outputDevice{
		sampleRate: cfg.SampleRate,
		gain:       1,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatS16
	devCfg.Playback.Channels = audio.Channels
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			d.fill(output, frameCount)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, classify("open output", err)
	}
	d.dev = dev
	return d, nil
}

// Start implements [device.OutputDevice].
func (d *outputDevice) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	if err := d.dev.Start(); err != nil {
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		return classify("start output", err)
	}
	return nil
}

// Now implements [device.OutputDevice].
func (d *outputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clockLocked()
}

func (d *outputDevice) clockLocked() time.Duration {
	return time.Duration(d.samplePos) * time.Second / time.Duration(d.sampleRate)
}

// ScheduleAt implements [device.OutputDevice].
func (d *outputDevice) ScheduleAt(pcm []byte, at time.Duration, onDone func()) (device.Scheduled, error) {
	b := &scheduledBuffer{
		dev:         d,
		pcm:         pcm,
		startSample: int64(at) * int64(d.sampleRate) / int64(time.Second),
		onDone:      onDone,
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &device.Error{Kind: device.KindGeneric, Op: "schedule"}
	}
	d.sched = append(d.sched, b)
	d.mu.Unlock()
	return b, nil
}

// SetGain implements [device.OutputDevice].
func (d *outputDevice) SetGain(gain float64) {
	if math.IsNaN(gain) {
		return
	}
	d.mu.Lock()
	d.gain = gain
	d.mu.Unlock()
}

// Close implements [device.OutputDevice].
func (d *outputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.started = false
	d.sched = nil
	d.mu.Unlock()

	d.dev.Uninit()
	return nil
}

// fill runs on the miniaudio playback thread. It advances the sample clock
// by frameCount and renders every scheduled buffer whose start time falls in
// the window, applying the gain stage per sample.
func (d *outputDevice) fill(output []byte, frameCount uint32) {
	d.mu.Lock()
	start := d.samplePos
	d.samplePos += int64(frameCount)
	gain := d.gain

	var finished []func()
	for _, b := range d.sched {
		if b.render(output, start, int64(frameCount), gain) {
			finished = append(finished, b.onDone)
		}
	}
	d.compactLocked()
	d.mu.Unlock()

	// Completion callbacks run off the audio thread.
	for _, fn := range finished {
		if fn != nil {
			go fn()
		}
	}
}

// compactLocked drops finished and stopped buffers from the schedule.
func (d *outputDevice) compactLocked() {
	live := d.sched[:0]
	for _, b := range d.sched {
		if !b.done {
			live = append(live, b)
		}
	}
	d.sched = live
}

// scheduledBuffer is one PCM buffer queued on the device clock.
type scheduledBuffer struct {
	dev         *outputDevice
	pcm         []byte
	startSample int64
	offset      int // bytes already rendered
	onDone      func()
	done        bool
}

// render mixes the portion of the buffer that falls inside the callback
// window [windowStart, windowStart+frames) into output. It returns true
// exactly once, when the buffer has been fully rendered. Caller holds the
// device lock.
func (b *scheduledBuffer) render(output []byte, windowStart, frames int64, gain float64) bool {
	if b.done {
		return false
	}

	samplesPlayed := (int64(b.offset) / audio.BytesPerSample)
	cur := b.startSample + samplesPlayed
	if cur >= windowStart+frames {
		return false // starts after this window
	}

	outIdx := int64(0)
	if cur > windowStart {
		outIdx = cur - windowStart
	} else if cur < windowStart {
		// The window opened past our cursor (late schedule); skip ahead.
		skip := (windowStart - cur) * audio.BytesPerSample
		if int(skip) >= len(b.pcm)-b.offset {
			b.done = true
			return true
		}
		b.offset += int(skip)
	}

	for outIdx < frames && b.offset+audio.BytesPerSample <= len(b.pcm) {
		s := int16(binary.LittleEndian.Uint16(b.pcm[b.offset:]))
		scaled := int32(float64(s) * gain)
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(output[outIdx*audio.BytesPerSample:], uint16(int16(scaled)))
		b.offset += audio.BytesPerSample
		outIdx++
	}

	if b.offset >= len(b.pcm) {
		b.done = true
		return true
	}
	return false
}

// Stop implements [device.Scheduled].
func (b *scheduledBuffer) Stop() {
	b.dev.mu.Lock()
	already := b.done
	b.done = true
	fn := b.onDone
	b.dev.mu.Unlock()
	if !already && fn != nil {
		go fn()
	}
}
