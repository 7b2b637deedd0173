package miniaudio

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/veridian-labs/aria/pkg/audio"
	"github.com/veridian-labs/aria/pkg/audio/device"
)

// inputDevice adapts a miniaudio capture device to [device.InputDevice].
//
// miniaudio delivers capture data at whatever granularity the backend
// chooses, so the adapter reassembles the stream into the fixed frame size
// the engine contract requires before invoking the frame callback.
type inputDevice struct {
	dev        *malgo.Device
	frameBytes int

	// Backends may open the device at a rate other than the requested one;
	// conv resamples the stream back to the contract rate before framing.
	conv    *audio.RateConverter
	devRate int

	enabled atomic.Bool

	mu      sync.Mutex
	onFrame func([]byte)
	buf     []byte
	closed  bool
}

func newInputDevice(ctx *malgo.AllocatedContext, cfg device.InputConfig) (*inputDevice, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.InputSampleRate
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = audio.CaptureFrameSamples
	}

	d := &inputDevice{
		frameBytes: cfg.FrameSamples * audio.BytesPerSample,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = audio.Channels
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.onData(input)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, classify("open input", err)
	}
	d.dev = dev
	d.devRate = int(dev.SampleRate())
	d.conv = &audio.RateConverter{TargetRate: cfg.SampleRate}
	return d, nil
}

// Start implements [device.InputDevice].
func (d *inputDevice) Start(onFrame func(pcm []byte)) error {
	d.mu.Lock()
	d.onFrame = onFrame
	d.mu.Unlock()
	d.enabled.Store(true)

	if err := d.dev.Start(); err != nil {
		return classify("start input", err)
	}
	return nil
}

// SetEnabled implements [device.InputDevice]. Data keeps flowing from the
// hardware while disabled but is discarded before framing, so resume is
// instant and the partial frame buffer never carries stale audio.
func (d *inputDevice) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
	if !enabled {
		d.mu.Lock()
		d.buf = d.buf[:0]
		d.mu.Unlock()
	}
}

// Close implements [device.InputDevice].
func (d *inputDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.onFrame = nil
	d.buf = nil
	d.mu.Unlock()

	d.dev.Uninit()
	return nil
}

// onData runs on the miniaudio capture thread. It resamples to the contract
// rate when the device opened at a different one, appends the result to the
// partial frame buffer, and emits every complete frame.
func (d *inputDevice) onData(input []byte) {
	if !d.enabled.Load() {
		return
	}
	input = d.conv.Convert(input, d.devRate)
	if len(input) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed || d.onFrame == nil {
		d.mu.Unlock()
		return
	}
	d.buf = append(d.buf, input...)
	var frames [][]byte
	for len(d.buf) >= d.frameBytes {
		frame := make([]byte, d.frameBytes)
		copy(frame, d.buf[:d.frameBytes])
		d.buf = d.buf[d.frameBytes:]
		frames = append(frames, frame)
	}
	cb := d.onFrame
	d.mu.Unlock()

	for _, frame := range frames {
		cb(frame)
	}
}
