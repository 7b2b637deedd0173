// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol: one setup message on open, base64 PCM realtimeInput messages
// outbound, and serverContent demultiplexing inbound.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/veridian-labs/aria/pkg/audio"
	"github.com/veridian-labs/aria/pkg/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session with the given configuration
// and handler bundle. The session accepts realtime input once the endpoint
// acknowledges the setup message (Handlers.OnSetupComplete).
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, h live.Handlers) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.Error{Kind: live.ErrConnection, Detail: "dial failed", Err: err}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		handlers: h,
		state:    stateOpening,
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &live.Error{Kind: live.ErrConnection, Detail: "setup send failed", Err: err}
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
	EnableAffectiveDialog    bool                 `json:"enableAffectiveDialog,omitempty"`
	Proactivity              *proactivityConfig   `json:"proactivity,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string        `json:"responseModalities"`
	SpeechConfig       *speechConfig   `json:"speechConfig,omitempty"`
	ThinkingConfig     *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type proactivityConfig struct {
	ProactiveAudio bool `json:"proactiveAudio"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *activityDetection `json:"automaticActivityDetection,omitempty"`
}

type activityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks,omitempty"`
	Text        string       `json:"text,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	UsageMetadata *usageMetadata   `json:"usageMetadata,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *apiError        `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type usageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount"`
	ResponseTokenCount int `json:"responseTokenCount"`
	TotalTokenCount    int `json:"totalTokenCount"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type sessionState int

const (
	stateClosed sessionState = iota
	stateOpening
	stateOpen
)

type session struct {
	conn     *websocket.Conn
	handlers live.Handlers

	mu    sync.Mutex
	state sessionState

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeReason string
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(cfg live.SessionConfig) error {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	modality := "AUDIO"
	if cfg.ResponseModality == live.ModalityText {
		modality = "TEXT"
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{modality},
			},
		},
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.ThinkingBudget != 0 {
		msg.Setup.GenerationConfig.ThinkingConfig = &thinkingConfig{ThinkingBudget: cfg.ThinkingBudget}
	}

	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	if cfg.AffectiveDialog {
		msg.Setup.EnableAffectiveDialog = true
	}
	if cfg.ProactiveAudio {
		msg.Setup.Proactivity = &proactivityConfig{ProactiveAudio: true}
	}

	msg.Setup.RealtimeInputConfig = &realtimeInputConfig{
		AutomaticActivityDetection: &activityDetection{
			Disabled:                 !cfg.VAD.Enabled,
			StartOfSpeechSensitivity: sensitivityValue("START", cfg.VAD.StartSensitivity),
			EndOfSpeechSensitivity:   sensitivityValue("END", cfg.VAD.EndSensitivity),
			SilenceDurationMs:        cfg.VAD.SilenceDurationMs,
		},
	}

	return s.writeJSON(msg)
}

// sensitivityValue maps the config-level "high"/"low" values onto the enum
// names the endpoint expects, e.g. START_SENSITIVITY_HIGH.
func sensitivityValue(kind, v string) string {
	switch strings.ToLower(v) {
	case "high":
		return kind + "_SENSITIVITY_HIGH"
	case "low":
		return kind + "_SENSITIVITY_LOW"
	default:
		return ""
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// handler bundle, in arrival order, until the connection drops or the
// session is closed.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, Close already ran.
			if s.ctx.Err() != nil {
				return
			}
			s.emitError(&live.Error{Kind: live.ErrConnection, Detail: "connection lost", Err: err})
			s.closeWith("connection lost")
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emitError(&live.Error{Kind: live.ErrProtocol, Detail: "malformed frame", Err: err})
			continue
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		detail := msg.Error.Message
		if detail == "" {
			detail = "unknown error"
		}
		kind := live.ErrProtocol
		if msg.Error.Status == "DEADLINE_EXCEEDED" {
			kind = live.ErrTimeout
		}
		s.emitError(&live.Error{Kind: kind, Detail: detail})
	}

	if msg.SetupComplete != nil {
		s.mu.Lock()
		if s.state == stateOpening {
			s.state = stateOpen
		}
		s.mu.Unlock()
		if s.handlers.OnSetupComplete != nil {
			s.handlers.OnSetupComplete()
		}
	}

	if msg.UsageMetadata != nil {
		if s.handlers.OnUsage != nil {
			s.handlers.OnUsage(live.Usage{
				PromptTokens:   msg.UsageMetadata.PromptTokenCount,
				ResponseTokens: msg.UsageMetadata.ResponseTokenCount,
				TotalTokens:    msg.UsageMetadata.TotalTokenCount,
			})
		}
	}

	if msg.GoAway != nil {
		s.emitError(&live.Error{Kind: live.ErrTimeout, Detail: "session deadline approaching"})
	}

	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	// Interruption is dispatched before any remaining audio parts so the
	// receiver can flush playback first.
	if sc.Interrupted && s.handlers.OnInterrupted != nil {
		s.handlers.OnInterrupted()
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				if s.handlers.OnAudio != nil {
					s.handlers.OnAudio(pcm)
				}
			}
			if p.Text != "" && s.handlers.OnText != nil {
				s.handlers.OnText(p.Text)
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if s.handlers.OnInputTranscription != nil {
			s.handlers.OnInputTranscription(sc.InputTranscription.Text)
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if s.handlers.OnOutputTranscription != nil {
			s.handlers.OnOutputTranscription(sc.OutputTranscription.Text)
		}
	}

	if sc.TurnComplete && s.handlers.OnTurnComplete != nil {
		s.handlers.OnTurnComplete()
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) emitError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio frames a raw PCM chunk (16 kHz, s16le, mono) as realtime input.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	open := s.state == stateOpen
	s.mu.Unlock()
	if !open {
		return &live.Error{Kind: live.ErrClosed, Detail: "cannot send audio"}
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{
					MIMEType: fmt.Sprintf("audio/pcm;rate=%d", audio.InputSampleRate),
					Data:     base64.StdEncoding.EncodeToString(pcm),
				},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendText frames a text snippet as realtime input.
func (s *session) SendText(text string) error {
	s.mu.Lock()
	open := s.state == stateOpen
	s.mu.Unlock()
	if !open {
		return &live.Error{Kind: live.ErrClosed, Detail: "cannot send text"}
	}

	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{Text: text},
	})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeWith("session closed")
	return nil
}

// closeWith transitions to closed exactly once, tears down the connection,
// and fires the close callback with reason.
func (s *session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.closeReason = reason
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, reason)

		if s.handlers.OnClose != nil {
			s.handlers.OnClose(reason)
		}
	})
}
