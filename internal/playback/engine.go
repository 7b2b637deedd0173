// Package playback schedules model audio for gap-free output. Frames are
// queued FIFO and scheduled back-to-back on the output device clock; a
// monotonic cursor guarantees each buffer starts exactly where the previous
// one ends.
package playback

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/veridian-labs/aria/pkg/audio"
	"github.com/veridian-labs/aria/pkg/audio/device"
)

// Events bundles the engine's event consumers. Nil fields are skipped.
type Events struct {
	// OnStarted fires on the first frame after a quiescent period.
	OnStarted func()
	// OnEnded fires when the scheduled set and the pending queue drain.
	OnEnded func()
	// OnLevel receives the normalized output loudness every 50ms.
	OnLevel func(level float64)
}

// Engine owns the output device and the scheduling cursor. Safe for
// concurrent use.
type Engine struct {
	opener     device.Opener
	deviceName string
	ev         Events
	log        *slog.Logger

	mu        sync.Mutex
	dev       device.OutputDevice
	queue     [][]byte
	scheduled map[int]device.Scheduled
	nextID    int
	cursor    time.Duration
	playing   bool
	volume    float64
	meter     *audio.Meter
	levelDone chan struct{}
}

// New creates an Engine that opens its output device through opener.
// deviceName selects a specific device; empty means the system default.
func New(opener device.Opener, deviceName string, ev Events, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		opener:     opener,
		deviceName: deviceName,
		ev:         ev,
		log:        log,
		scheduled:  make(map[int]device.Scheduled),
		volume:     1,
		meter:      &audio.Meter{},
	}
}

// Initialize lazily opens the 24 kHz output device and applies any cached
// volume. Idempotent.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	if e.dev != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	dev, err := e.opener.OpenOutput(device.OutputConfig{
		SampleRate: audio.OutputSampleRate,
		DeviceName: e.deviceName,
	})
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Close()
		return err
	}

	e.mu.Lock()
	e.dev = dev
	dev.SetGain(e.volume)
	e.levelDone = make(chan struct{})
	done := e.levelDone
	e.mu.Unlock()

	go e.levelLoop(done)
	return nil
}

// Enqueue appends a PCM frame (24 kHz, s16le, mono) and immediately schedules
// as much of the queue as possible. A no-op before Initialize.
func (e *Engine) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	e.mu.Lock()
	if e.dev == nil {
		e.mu.Unlock()
		return
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	e.queue = append(e.queue, buf)

	started := false
	if !e.playing {
		e.playing = true
		e.cursor = e.dev.Now()
		started = true
	}

	e.meter.Observe(buf)
	e.drainLocked()
	e.mu.Unlock()

	if started && e.ev.OnStarted != nil {
		e.ev.OnStarted()
	}
}

// drainLocked schedules every pending frame at the cursor, clamping the
// cursor forward when it has fallen behind the device clock. A failure
// scheduling one chunk does not abort the queue. Caller holds e.mu.
func (e *Engine) drainLocked() {
	for len(e.queue) > 0 {
		buf := e.queue[0]
		e.queue = e.queue[1:]

		if now := e.dev.Now(); e.cursor < now {
			e.cursor = now
		}

		id := e.nextID
		e.nextID++
		handle, err := e.dev.ScheduleAt(buf, e.cursor, func() { e.onBufferDone(id) })
		if err != nil {
			e.log.Warn("playback: schedule failed", "error", err)
			continue
		}
		e.scheduled[id] = handle
		e.cursor += audio.Duration(len(buf), audio.OutputSampleRate)
	}
}

// onBufferDone removes a finished buffer from the scheduled set and fires
// the ended event when nothing remains. Ignores ids already cleared by Stop.
func (e *Engine) onBufferDone(id int) {
	e.mu.Lock()
	if _, ok := e.scheduled[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.scheduled, id)

	ended := e.playing && len(e.scheduled) == 0 && len(e.queue) == 0
	if ended {
		e.playing = false
		e.cursor = 0
		e.meter.Reset()
	}
	e.mu.Unlock()

	if ended && e.ev.OnEnded != nil {
		e.ev.OnEnded()
	}
}

// Stop halts every scheduled buffer, clears the pending queue, and resets the
// cursor. Emits the ended event if playback was active, and loudness zero.
func (e *Engine) Stop() {
	e.mu.Lock()
	handles := make([]device.Scheduled, 0, len(e.scheduled))
	for _, h := range e.scheduled {
		handles = append(handles, h)
	}
	e.scheduled = make(map[int]device.Scheduled)
	e.queue = nil
	e.cursor = 0
	wasPlaying := e.playing
	e.playing = false
	e.meter.Reset()
	e.mu.Unlock()

	// Handles are stopped outside the lock: their completion callbacks run
	// synchronously and re-enter onBufferDone.
	for _, h := range handles {
		h.Stop()
	}

	if wasPlaying && e.ev.OnEnded != nil {
		e.ev.OnEnded()
	}
	e.emitLevel(0)
}

// SetVolume clamps v to [0,1] and applies it to the device if one exists;
// otherwise it is cached for Initialize. Non-finite input is rejected.
func (e *Engine) SetVolume(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	v = math.Min(1, math.Max(0, v))

	e.mu.Lock()
	e.volume = v
	dev := e.dev
	e.mu.Unlock()

	if dev != nil {
		dev.SetGain(v)
	}
}

// Volume returns the current volume.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// Playing reports whether audio is currently queued or scheduled.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Destroy stops playback and closes the device. Idempotent.
func (e *Engine) Destroy() {
	e.Stop()

	e.mu.Lock()
	dev := e.dev
	done := e.levelDone
	e.dev = nil
	e.levelDone = nil
	e.mu.Unlock()

	if done != nil {
		close(done)
	}
	if dev != nil {
		dev.Close()
	}
}

// levelLoop emits the output loudness on a fixed interval until done closes.
func (e *Engine) levelLoop(done chan struct{}) {
	ticker := time.NewTicker(audio.LevelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.mu.Lock()
			playing := e.playing
			e.mu.Unlock()
			if playing {
				e.emitLevel(e.meter.Level())
			} else {
				e.emitLevel(0)
			}
		}
	}
}

func (e *Engine) emitLevel(level float64) {
	if e.ev.OnLevel != nil {
		e.ev.OnLevel(level)
	}
}
