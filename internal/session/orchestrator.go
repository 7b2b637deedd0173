// Package session coordinates capture, transport, playback, and turn
// accumulation into one user-facing live session. At most one session is
// active per Orchestrator at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/veridian-labs/aria/internal/capture"
	"github.com/veridian-labs/aria/internal/observe"
	"github.com/veridian-labs/aria/internal/playback"
	"github.com/veridian-labs/aria/internal/turn"
	"github.com/veridian-labs/aria/pkg/audio/device"
	"github.com/veridian-labs/aria/pkg/live"
)

// Status is the session connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Speaker identifies who is currently audible. Purely a UI signal; message
// routing is by role, independent of this flag.
type Speaker int

const (
	SpeakerNone Speaker = iota
	SpeakerUser
	SpeakerModel
)

func (s Speaker) String() string {
	switch s {
	case SpeakerNone:
		return "none"
	case SpeakerUser:
		return "user"
	case SpeakerModel:
		return "model"
	default:
		return fmt.Sprintf("Speaker(%d)", int(s))
	}
}

// TranscriptEntry is one finalized line of the session transcript log.
type TranscriptEntry struct {
	Role      turn.Role
	Text      string
	Timestamp time.Time
}

// Config is the immutable per-session configuration, captured at Start time.
type Config struct {
	// APIKey is the remote endpoint credential. Start fails fast when empty.
	APIKey string

	// Live is the model session configuration sent in the setup message.
	Live live.SessionConfig

	// InputDevice / OutputDevice select audio hardware; empty means default.
	InputDevice  string
	OutputDevice string
}

// Deps bundles the orchestrator's injected collaborators.
type Deps struct {
	Provider live.Provider
	Devices  device.Opener
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Orchestrator wires capture→transport→accumulator and
// transport→playback→accumulator. All exported methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg      Config
	provider live.Provider
	devices  device.Opener
	metrics  *observe.Metrics
	log      *slog.Logger

	mu          sync.Mutex
	status      Status
	speaker     Speaker
	lastErr     string
	muted       bool
	volume      float64
	inputLevel  float64
	outputLevel float64
	sessionID   string
	startedAt   time.Time

	cap  *capture.Engine
	play *playback.Engine
	sess live.Session

	acc             *turn.Accumulator
	pending         []turn.Message
	userTranscript  strings.Builder
	modelTranscript strings.Builder
	transcript      []TranscriptEntry

	// closing suppresses fatal-error handling during deliberate teardown.
	closing bool
}

// New creates an Orchestrator in the disconnected state.
func New(cfg Config, deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Orchestrator{
		cfg:      cfg,
		provider: deps.Provider,
		devices:  deps.Devices,
		metrics:  m,
		log:      log,
		volume:   1,
		acc:      turn.New(),
	}
}

// Start establishes a new live session: playback initialization, then
// transport connection, then capture start. No-op while connecting or
// connected. Fails fast without a connection attempt when no credential is
// configured. On any step failure every previously started resource is torn
// down and the session moves to the error state.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.status == StatusConnecting || o.status == StatusConnected {
		o.mu.Unlock()
		return nil
	}
	if strings.TrimSpace(o.cfg.APIKey) == "" {
		o.status = StatusError
		o.lastErr = "no API credential configured"
		o.mu.Unlock()
		return errors.New("session: no API credential configured")
	}
	o.status = StatusConnecting
	o.lastErr = ""
	o.closing = false
	o.sessionID = uuid.NewString()
	o.mu.Unlock()

	begin := time.Now()

	play := playback.New(o.devices, o.cfg.OutputDevice, playback.Events{
		OnStarted: o.onPlaybackStarted,
		OnEnded:   o.onPlaybackEnded,
		OnLevel:   o.onOutputLevel,
	}, o.log)
	play.SetVolume(o.OutputVolume())
	if err := play.Initialize(); err != nil {
		return o.startFailed(fmt.Errorf("session: initialize playback: %w", err), nil, nil, nil)
	}

	sess, err := o.provider.Connect(ctx, o.cfg.Live, live.Handlers{
		OnSetupComplete: func() {
			o.log.Debug("session: setup acknowledged")
		},
		OnAudio: func(pcm []byte) { o.handleModelAudio(play, pcm) },
		OnText: func(text string) {
			o.appendModelTranscript(text)
		},
		OnInputTranscription:  o.appendUserTranscript,
		OnOutputTranscription: o.appendModelTranscript,
		OnInterrupted:         func() { o.handleInterrupted(play) },
		OnTurnComplete:        o.handleTurnComplete,
		OnUsage: func(u live.Usage) {
			o.log.Debug("session: usage",
				"prompt_tokens", u.PromptTokens,
				"response_tokens", u.ResponseTokens,
				"total_tokens", u.TotalTokens,
			)
		},
		OnError: o.handleTransportError,
		OnClose: o.handleTransportClose,
	})
	if err != nil {
		return o.startFailed(fmt.Errorf("session: connect transport: %w", err), play, nil, nil)
	}

	capt := capture.New(o.devices, o.cfg.InputDevice, capture.Callbacks{
		OnFrame: o.onCaptureFrame,
		OnLevel: o.onInputLevel,
		OnError: o.handleDeviceError,
	})
	if err := capt.Start(); err != nil {
		return o.startFailed(fmt.Errorf("session: start capture: %w", err), play, sess, nil)
	}

	o.mu.Lock()
	if o.closing {
		// A fatal error landed while the session was still assembling, so
		// fatal() had nothing to tear down and the error state is already
		// recorded. Release the locally-built resources instead of promoting
		// a dead session to connected.
		msg := o.lastErr
		o.mu.Unlock()
		capt.Stop()
		_ = sess.Close()
		play.Destroy()
		return errors.New("session: " + msg)
	}
	o.play = play
	o.sess = sess
	o.cap = capt
	o.status = StatusConnected
	o.startedAt = time.Now()
	id := o.sessionID
	o.mu.Unlock()

	o.metrics.ActiveSessions.Add(ctx, 1)
	o.metrics.ConnectDuration.Record(ctx, time.Since(begin).Seconds())

	o.log.Info("session started",
		"session_id", id,
		"model", o.cfg.Live.Model,
		"voice", o.cfg.Live.Voice,
	)
	return nil
}

// startFailed tears down whatever Start had already built, records the error
// state, and returns err.
func (o *Orchestrator) startFailed(err error, play *playback.Engine, sess live.Session, capt *capture.Engine) error {
	o.mu.Lock()
	o.closing = true
	o.status = StatusError
	o.lastErr = friendlyError(err)
	o.mu.Unlock()

	if capt != nil {
		capt.Stop()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if play != nil {
		play.Destroy()
	}

	o.log.Error("session start failed", "error", err)
	return err
}

// End tears down transport, capture, and playback unconditionally and resets
// all transient state. Idempotent.
func (o *Orchestrator) End() {
	o.mu.Lock()
	o.closing = true
	capt, sess, play := o.cap, o.sess, o.play
	wasConnected := o.status == StatusConnected
	id := o.sessionID
	o.resetLocked()
	o.mu.Unlock()

	if capt != nil {
		capt.Stop()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if play != nil {
		play.Destroy()
	}

	if wasConnected {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
		o.log.Info("session ended", "session_id", id)
	}
}

// resetLocked restores all transient state to initial values. Caller holds
// o.mu.
func (o *Orchestrator) resetLocked() {
	o.cap = nil
	o.sess = nil
	o.play = nil
	o.status = StatusDisconnected
	o.speaker = SpeakerNone
	o.muted = false
	o.inputLevel = 0
	o.outputLevel = 0
	o.pending = nil
	o.transcript = nil
	o.userTranscript.Reset()
	o.modelTranscript.Reset()
	o.acc.Reset()
	o.sessionID = ""
	o.startedAt = time.Time{}
}

// fatal releases all session resources and moves to the terminal error
// state. Restarting requires an explicit Start call.
func (o *Orchestrator) fatal(msg string) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	capt, sess, play := o.cap, o.sess, o.play
	wasConnected := o.status == StatusConnected
	o.cap = nil
	o.sess = nil
	o.play = nil
	o.status = StatusError
	o.lastErr = msg
	o.speaker = SpeakerNone
	o.inputLevel = 0
	o.outputLevel = 0
	o.mu.Unlock()

	if capt != nil {
		capt.Stop()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if play != nil {
		play.Destroy()
	}

	if wasConnected {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	o.log.Error("session failed", "error", msg)
}

// ToggleMute pauses or resumes the capture engine without touching the
// transport or playback. No-op while no session is active. Returns the new
// muted state.
func (o *Orchestrator) ToggleMute() bool {
	o.mu.Lock()
	if o.status != StatusConnected || o.cap == nil {
		muted := o.muted
		o.mu.Unlock()
		return muted
	}
	o.muted = !o.muted
	muted := o.muted
	capt := o.cap
	o.mu.Unlock()

	if muted {
		capt.Pause()
	} else {
		capt.Resume()
	}
	return muted
}

// SetOutputVolume clamps v to [0,1] and applies it to the playback engine.
// Non-finite input leaves the volume unchanged.
func (o *Orchestrator) SetOutputVolume(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	v = math.Min(1, math.Max(0, v))

	o.mu.Lock()
	o.volume = v
	play := o.play
	o.mu.Unlock()

	if play != nil {
		play.SetVolume(v)
	}
}

// ConsumePendingMessages atomically reads and clears the completed-message
// queue. This is the sole handoff point to the persistence layer; messages
// are gone after this call returns.
func (o *Orchestrator) ConsumePendingMessages() []turn.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.pending
	o.pending = nil
	return msgs
}

// SendText forwards a text snippet to the live session. Returns an error
// when no session is connected.
func (o *Orchestrator) SendText(text string) error {
	o.mu.Lock()
	sess := o.sess
	connected := o.status == StatusConnected
	o.mu.Unlock()
	if !connected || sess == nil {
		return errors.New("session: not connected")
	}
	return sess.SendText(text)
}

// ── Accessors ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) Speaker() Speaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaker
}

// LastError returns the most recent session-level error message, or "".
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

func (o *Orchestrator) OutputVolume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

// Levels returns the most recent input and output loudness (0–1).
func (o *Orchestrator) Levels() (in, out float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inputLevel, o.outputLevel
}

// Transcript returns a copy of the finalized transcript log.
func (o *Orchestrator) Transcript() []TranscriptEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]TranscriptEntry(nil), o.transcript...)
}

// ID returns the active session's identifier, or "" when disconnected.
func (o *Orchestrator) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// ── Event handlers ─────────────────────────────────────────────────────────────

// onCaptureFrame runs on the capture goroutine. The engine only delivers
// frames while capturing, so mute is already enforced upstream.
func (o *Orchestrator) onCaptureFrame(pcm []byte) {
	o.mu.Lock()
	sess := o.sess
	play := o.play
	connected := o.status == StatusConnected
	o.mu.Unlock()
	if !connected || sess == nil {
		return
	}

	if err := sess.SendAudio(pcm); err != nil {
		o.log.Warn("session: send audio failed", "error", err)
		return
	}
	o.acc.Append(turn.RoleUser, pcm)

	ctx := context.Background()
	o.metrics.FramesSent.Add(ctx, 1)
	o.metrics.RecordAudioBytes(ctx, "in", len(pcm))

	if play == nil || !play.Playing() {
		o.setSpeaker(SpeakerUser)
	}
}

// handleModelAudio runs on the transport receive goroutine.
func (o *Orchestrator) handleModelAudio(play *playback.Engine, pcm []byte) {
	play.Enqueue(pcm)
	o.acc.Append(turn.RoleModel, pcm)

	ctx := context.Background()
	o.metrics.FramesReceived.Add(ctx, 1)
	o.metrics.RecordAudioBytes(ctx, "out", len(pcm))
}

// handleInterrupted stops local playback immediately. The pending queue is
// cleared before any further inbound frame can be scheduled.
func (o *Orchestrator) handleInterrupted(play *playback.Engine) {
	play.Stop()
	o.setSpeaker(SpeakerNone)
	o.metrics.Interruptions.Add(context.Background(), 1)
	o.log.Debug("session: model interrupted")
}

// handleTurnComplete drains the accumulator into the pending-message queue
// and finalizes both pending transcripts into the transcript log. The
// accumulator is reset synchronously before control returns to the receive
// loop.
func (o *Orchestrator) handleTurnComplete() {
	o.mu.Lock()
	user := o.userTranscript.String()
	model := o.modelTranscript.String()
	o.userTranscript.Reset()
	o.modelTranscript.Reset()

	msgs := o.acc.Complete(user, model)
	o.pending = append(o.pending, msgs...)

	var turnStart time.Time
	for _, m := range msgs {
		if m.Transcript != "" {
			o.transcript = append(o.transcript, TranscriptEntry{
				Role:      m.Role,
				Text:      m.Transcript,
				Timestamp: m.Timestamp,
			})
		}
		if turnStart.IsZero() || m.Timestamp.Before(turnStart) {
			turnStart = m.Timestamp
		}
	}
	o.mu.Unlock()

	if !turnStart.IsZero() {
		o.metrics.TurnDuration.Record(context.Background(),
			time.Since(turnStart).Seconds(),
			metric.WithAttributes(observe.Attr("model", o.cfg.Live.Model)),
		)
	}
	o.log.Debug("session: turn complete", "messages", len(msgs))
}

// handleTransportError classifies inbound transport errors. Connection and
// timeout failures are fatal; protocol noise is logged and the session keeps
// running.
func (o *Orchestrator) handleTransportError(err error) {
	kind := "generic"
	fatal := false
	var lerr *live.Error
	if errors.As(err, &lerr) {
		switch lerr.Kind {
		case live.ErrConnection:
			kind, fatal = "connection", true
		case live.ErrTimeout:
			kind, fatal = "timeout", true
		case live.ErrProtocol:
			kind = "protocol"
		case live.ErrClosed:
			kind = "closed"
		}
	}
	o.metrics.RecordTransportError(context.Background(), kind)

	if fatal {
		o.fatal(friendlyError(err))
		return
	}
	o.log.Warn("session: transport error", "kind", kind, "error", err)
}

// handleTransportClose reacts to remote-initiated closes. Deliberate local
// teardown sets closing first, making this a no-op.
func (o *Orchestrator) handleTransportClose(reason string) {
	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return
	}
	o.fatal("connection closed: " + reason)
}

// handleDeviceError surfaces capture device errors after startup (e.g. the
// device being revoked mid-session).
func (o *Orchestrator) handleDeviceError(err error) {
	kind := "generic"
	var derr *device.Error
	if errors.As(err, &derr) {
		kind = derr.Kind.String()
	}
	o.metrics.RecordDeviceError(context.Background(), kind)
	o.log.Warn("session: device error", "kind", kind, "error", err)
}

func (o *Orchestrator) onPlaybackStarted() {
	o.setSpeaker(SpeakerModel)
}

func (o *Orchestrator) onPlaybackEnded() {
	o.mu.Lock()
	if o.speaker == SpeakerModel {
		o.speaker = SpeakerNone
	}
	o.mu.Unlock()
}

func (o *Orchestrator) onInputLevel(level float64) {
	o.mu.Lock()
	o.inputLevel = level
	o.mu.Unlock()
}

func (o *Orchestrator) onOutputLevel(level float64) {
	o.mu.Lock()
	o.outputLevel = level
	o.mu.Unlock()
}

func (o *Orchestrator) setSpeaker(s Speaker) {
	o.mu.Lock()
	o.speaker = s
	o.mu.Unlock()
}

// appendUserTranscript applies an incremental input-transcription delta.
// Deltas carry only the new substring, so arrival order matters.
func (o *Orchestrator) appendUserTranscript(text string) {
	o.mu.Lock()
	o.userTranscript.WriteString(text)
	o.mu.Unlock()
}

func (o *Orchestrator) appendModelTranscript(text string) {
	o.mu.Lock()
	o.modelTranscript.WriteString(text)
	o.mu.Unlock()
}

// friendlyError reduces a wrapped error chain to a single human-readable
// message for UI display.
func friendlyError(err error) string {
	var lerr *live.Error
	if errors.As(err, &lerr) {
		return lerr.Kind.Message()
	}
	var derr *device.Error
	if errors.As(err, &derr) {
		return derr.Kind.Message()
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}
