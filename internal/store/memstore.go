package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is
// suitable for running without a database and for testing.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
	blobs    map[string]AudioBlob
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		blobs:    make(map[string]AudioBlob),
	}
}

// CreateSession implements [Store.CreateSession].
func (s *MemStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = newID()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("store: session %q: %w", sess.ID, ErrDuplicateID)
	}
	s.sessions[sess.ID] = *sess
	return nil
}

// EndSession implements [Store.EndSession].
func (s *MemStore) EndSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("store: end session %q: %w", id, ErrNotFound)
	}
	now := time.Now()
	sess.EndedAt = &now
	s.sessions[id] = sess
	return nil
}

// Session returns a session record by ID.
func (s *MemStore) Session(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("store: session %q: %w", id, ErrNotFound)
	}
	return &sess, nil
}

// AppendMessage implements [Store.AppendMessage].
func (s *MemStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	return nil
}

// SaveAudio implements [Store.SaveAudio]. The PCM bytes are copied.
func (s *MemStore) SaveAudio(ctx context.Context, b *AudioBlob) error {
	if b.ID == "" {
		b.ID = newID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[b.ID]; exists {
		return fmt.Errorf("store: blob %q: %w", b.ID, ErrDuplicateID)
	}
	stored := *b
	stored.PCM = append([]byte(nil), b.PCM...)
	s.blobs[b.ID] = stored
	return nil
}

// Messages implements [Store.Messages].
func (s *MemStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := append([]Message(nil), s.messages[sessionID]...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// Audio implements [Store.Audio]. The returned PCM is a copy.
func (s *MemStore) Audio(ctx context.Context, id string) (*AudioBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("store: audio %q: %w", id, ErrNotFound)
	}
	out := b
	out.PCM = append([]byte(nil), b.PCM...)
	return &out, nil
}
