// Package live defines the provider abstraction for realtime voice sessions.
//
// A live provider wraps a bidirectional streaming endpoint that accepts raw
// PCM audio and returns synthesised audio, incremental transcripts, and turn
// control signals over a single stateful connection. Event delivery uses a
// fixed callback record ([Handlers]) rather than channels: the session
// demultiplexes inbound frames and invokes exactly one handler per event, in
// arrival order, from its receive goroutine.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"fmt"
)

// Modality selects the form of the model's responses.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	return m == ModalityAudio || m == ModalityText
}

// VADConfig tunes the endpoint's voice-activity detection, which decides
// where user turns begin and end.
type VADConfig struct {
	// Enabled turns automatic activity detection on. When false the endpoint
	// expects explicit activity markers, which Aria does not send, so leave
	// this on for microphone sessions.
	Enabled bool

	// StartSensitivity and EndSensitivity select how eagerly speech onset
	// and offset are detected. Valid values: "high", "low", or empty for the
	// endpoint default.
	StartSensitivity string
	EndSensitivity   string

	// SilenceDurationMs is how much trailing silence ends a user turn.
	// Zero means the endpoint default.
	SilenceDurationMs int
}

// SessionConfig is the immutable configuration captured at session start.
// Changing any field requires ending the session and starting a new one.
type SessionConfig struct {
	// Model is the live model identifier, e.g. "gemini-2.0-flash-live-001".
	Model string

	// ResponseModality selects audio or text responses.
	ResponseModality Modality

	// Voice is the prebuilt voice identifier for audio responses.
	Voice string

	// SystemInstruction is the session-level system prompt. May be empty.
	SystemInstruction string

	// ThinkingBudget bounds the model's reasoning tokens. Zero disables
	// thinking; negative requests dynamic budgeting; not sent when nil
	// semantics are wanted use zero.
	ThinkingBudget int

	// AffectiveDialog enables emotion-aware responses.
	AffectiveDialog bool

	// ProactiveAudio lets the model decide not to respond to non-speech.
	ProactiveAudio bool

	// InputTranscription and OutputTranscription request incremental
	// transcripts of user speech and model speech respectively.
	InputTranscription  bool
	OutputTranscription bool

	// VAD configures remote voice-activity detection.
	VAD VADConfig
}

// Usage carries the token counts reported by the endpoint.
type Usage struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

// Handlers is the callback record wired into a session at connect time.
// Every field is optional; nil handlers are skipped. Handlers are invoked
// sequentially from the session's receive goroutine — implementations must
// not block, and transcription deltas must be applied in arrival order since
// each delta carries only the new substring.
type Handlers struct {
	// OnSetupComplete fires once, when the endpoint acknowledges the setup
	// message. The session is not usable for realtime input before this.
	OnSetupComplete func()

	// OnAudio receives one PCM chunk of model speech (24 kHz mono s16le).
	// The slice is owned by the receiver.
	OnAudio func(pcm []byte)

	// OnText receives a chunk of model text (text modality only).
	OnText func(text string)

	// OnInputTranscription receives an incremental transcript delta of the
	// user's speech.
	OnInputTranscription func(delta string)

	// OnOutputTranscription receives an incremental transcript delta of the
	// model's speech.
	OnOutputTranscription func(delta string)

	// OnInterrupted fires when the model's turn was cut off by user speech.
	// The receiver must stop local playback immediately.
	OnInterrupted func()

	// OnTurnComplete fires when the model finishes a turn. The receiver
	// should flush per-turn accumulated state.
	OnTurnComplete func()

	// OnUsage receives token usage metadata.
	OnUsage func(u Usage)

	// OnError receives classified, user-readable transport errors. The
	// transport never retries; recovery policy belongs to the caller.
	OnError func(err error)

	// OnClose fires exactly once when the connection is closed, locally or
	// remotely, with a human-readable reason.
	OnClose func(reason string)
}

// Session is an open realtime connection.
type Session interface {
	// SendAudio frames one PCM chunk (16 kHz mono s16le) as realtime input.
	// Returns an error if the session is not open; callers are expected to
	// guard rather than retry.
	SendAudio(pcm []byte) error

	// SendText frames a text snippet as realtime input.
	SendText(text string) error

	// Close tears the connection down. Idempotent; always triggers OnClose.
	Close() error
}

// Provider establishes live sessions.
type Provider interface {
	// Connect opens a connection, sends the setup message built from cfg,
	// and starts dispatching events to h. The returned Session accepts
	// realtime input once OnSetupComplete has fired.
	Connect(ctx context.Context, cfg SessionConfig, h Handlers) (Session, error)
}

// ── Error taxonomy ─────────────────────────────────────────────────────────

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// ErrConnection covers dial failures and mid-session transport faults.
	ErrConnection ErrorKind = iota

	// ErrTimeout covers remote-enforced session time limits.
	ErrTimeout

	// ErrProtocol covers endpoint-reported errors and malformed traffic.
	ErrProtocol

	// ErrClosed is returned by operations on a closed session.
	ErrClosed
)

// Message returns a user-readable description of the kind.
func (k ErrorKind) Message() string {
	switch k {
	case ErrConnection:
		return "connection error"
	case ErrTimeout:
		return "session timeout"
	case ErrProtocol:
		return "protocol error"
	case ErrClosed:
		return "session is closed"
	default:
		return "transport error"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind   ErrorKind
	Detail string // optional endpoint-provided detail
	Err    error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.Message()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("live: %s: %v", msg, e.Err)
	}
	return "live: " + msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }
