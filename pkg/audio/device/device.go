// Package device defines the interfaces and error taxonomy for audio
// hardware access within Aria.
//
// The two primary abstractions are:
//
//   - [InputDevice] — a microphone delivering fixed-size PCM frames via a
//     callback, with pause/resume semantics that keep the hardware open.
//   - [OutputDevice] — a speaker with a monotonic sample clock against which
//     PCM buffers are scheduled to start at exact times.
//
// Implementations are provided by backend packages (device/miniaudio for real
// hardware, device/mock for deterministic tests). The interfaces are
// intentionally narrow so the capture and playback engines stay decoupled
// from the audio backend.
package device

import (
	"fmt"
	"time"
)

// ErrorKind classifies device failures into the categories the UI layer can
// present meaningfully.
type ErrorKind int

const (
	// KindGeneric covers failures with no more specific classification.
	KindGeneric ErrorKind = iota

	// KindPermissionDenied means the OS or user refused microphone access.
	KindPermissionDenied

	// KindNotFound means no matching device exists.
	KindNotFound

	// KindNotReadable means the device exists but is busy or unreadable.
	KindNotReadable

	// KindOverconstrained means the requested format is unsupported.
	KindOverconstrained
)

// String returns the stable identifier for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission-denied"
	case KindNotFound:
		return "not-found"
	case KindNotReadable:
		return "not-readable"
	case KindOverconstrained:
		return "overconstrained"
	default:
		return "generic"
	}
}

// Message returns a user-readable description of the kind.
func (k ErrorKind) Message() string {
	switch k {
	case KindPermissionDenied:
		return "microphone access was denied"
	case KindNotFound:
		return "no audio device was found"
	case KindNotReadable:
		return "the audio device is busy or cannot be read"
	case KindOverconstrained:
		return "the audio device does not support the required format"
	default:
		return "an audio device error occurred"
	}
}

// Error is a classified device failure.
type Error struct {
	Kind ErrorKind
	Op   string // the operation that failed, e.g. "open input"
	Err  error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("device: %s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// InputConfig describes the capture stream an [Opener] should provide.
type InputConfig struct {
	// SampleRate in Hz, e.g. 16000.
	SampleRate int

	// FrameSamples is the fixed number of samples delivered per frame.
	FrameSamples int

	// EchoCancellation, NoiseSuppression and AutoGain request the backend's
	// corresponding preprocessing where available. Best effort.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool

	// DeviceName selects a specific input device. Empty means system default.
	DeviceName string
}

// OutputConfig describes the playback stream an [Opener] should provide.
type OutputConfig struct {
	// SampleRate in Hz, e.g. 24000.
	SampleRate int

	// DeviceName selects a specific output device. Empty means system default.
	DeviceName string
}

// InputDevice is an open microphone stream. Frames are mono s16le PCM of
// exactly InputConfig.FrameSamples samples, delivered on an internal
// goroutine. Implementations must be safe for concurrent use.
type InputDevice interface {
	// Start begins frame delivery. onFrame is invoked once per captured
	// frame; the slice is only valid for the duration of the call and must
	// be copied if retained.
	Start(onFrame func(pcm []byte)) error

	// SetEnabled pauses (false) or resumes (true) frame delivery without
	// releasing the hardware. Frames are dropped at the source while
	// disabled.
	SetEnabled(enabled bool)

	// Close stops delivery and releases the hardware. Idempotent.
	Close() error
}

// Scheduled is a handle to a buffer scheduled on an [OutputDevice].
type Scheduled interface {
	// Stop prevents the buffer from starting, or halts it mid-playback.
	// Already-finished buffers ignore Stop.
	Stop()
}

// OutputDevice is an open speaker stream with a monotonic sample clock.
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Start opens (or resumes) the stream. Idempotent.
	Start() error

	// Now returns the current position of the device clock. The clock is
	// monotonic and advances only while the stream is open.
	Now() time.Duration

	// ScheduleAt queues a mono s16le PCM buffer to begin playing at the given
	// device-clock time. onDone is invoked once, on an internal goroutine,
	// when the buffer finishes or is stopped. The device takes ownership of
	// the buffer.
	ScheduleAt(pcm []byte, at time.Duration, onDone func()) (Scheduled, error)

	// SetGain applies a linear volume factor in [0, 1] to all scheduled audio.
	SetGain(gain float64)

	// Close halts playback and releases the hardware. Idempotent.
	Close() error
}

// Opener creates device streams. It is the seam between the audio engines
// and the backend: real hardware in production, mocks in tests.
type Opener interface {
	OpenInput(cfg InputConfig) (InputDevice, error)
	OpenOutput(cfg OutputConfig) (OutputDevice, error)
}
