// Package mock provides an in-process live.Provider for testing. The mock
// session records outbound traffic and exposes the handler bundle so tests
// can fire inbound events at will.
package mock

import (
	"context"
	"sync"

	"github.com/veridian-labs/aria/pkg/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*Session)(nil)

// Provider implements live.Provider. Each Connect call produces a fresh
// Session unless ConnectErr is set.
type Provider struct {
	mu         sync.Mutex
	sessions   []*Session
	ConnectErr error

	// AckSetup controls whether Connect immediately fires OnSetupComplete.
	// Defaults to true via NewProvider.
	AckSetup bool
}

// NewProvider returns a Provider that acknowledges setup on Connect.
func NewProvider() *Provider {
	return &Provider{AckSetup: true}
}

// Connect returns a new mock session wired to h.
func (p *Provider) Connect(_ context.Context, cfg live.SessionConfig, h live.Handlers) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := &Session{Config: cfg, Handlers: h}
	p.sessions = append(p.sessions, s)
	if p.AckSetup && h.OnSetupComplete != nil {
		h.OnSetupComplete()
	}
	return s, nil
}

// Sessions returns all sessions created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session implements live.Session. Outbound audio and text are recorded;
// inbound events are fired through the Fire* helpers.
type Session struct {
	Config   live.SessionConfig
	Handlers live.Handlers

	SendAudioErr error
	SendTextErr  error

	mu     sync.Mutex
	audio  [][]byte
	texts  []string
	closed bool
}

// SendAudio records the chunk.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &live.Error{Kind: live.ErrClosed, Detail: "cannot send audio"}
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.audio = append(s.audio, buf)
	return nil
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &live.Error{Kind: live.ErrClosed, Detail: "cannot send text"}
	}
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	s.texts = append(s.texts, text)
	return nil
}

// Close marks the session closed and fires OnClose once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.Handlers.OnClose != nil {
		s.Handlers.OnClose("session closed")
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentAudio returns all audio chunks sent so far.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// SentTexts returns all text snippets sent so far.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// ── Inbound event helpers ──────────────────────────────────────────────────────

func (s *Session) FireAudio(pcm []byte) {
	if s.Handlers.OnAudio != nil {
		s.Handlers.OnAudio(pcm)
	}
}

func (s *Session) FireText(text string) {
	if s.Handlers.OnText != nil {
		s.Handlers.OnText(text)
	}
}

func (s *Session) FireInputTranscription(text string) {
	if s.Handlers.OnInputTranscription != nil {
		s.Handlers.OnInputTranscription(text)
	}
}

func (s *Session) FireOutputTranscription(text string) {
	if s.Handlers.OnOutputTranscription != nil {
		s.Handlers.OnOutputTranscription(text)
	}
}

func (s *Session) FireInterrupted() {
	if s.Handlers.OnInterrupted != nil {
		s.Handlers.OnInterrupted()
	}
}

func (s *Session) FireTurnComplete() {
	if s.Handlers.OnTurnComplete != nil {
		s.Handlers.OnTurnComplete()
	}
}

func (s *Session) FireUsage(u live.Usage) {
	if s.Handlers.OnUsage != nil {
		s.Handlers.OnUsage(u)
	}
}

func (s *Session) FireError(err error) {
	if s.Handlers.OnError != nil {
		s.Handlers.OnError(err)
	}
}
