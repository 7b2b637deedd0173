// Package store persists finished live sessions: session records, per-turn
// messages, and the raw PCM audio each message carries.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/aria/internal/turn"
	"github.com/veridian-labs/aria/pkg/audio"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateID is returned when creating a record whose ID already exists.
var ErrDuplicateID = errors.New("store: duplicate id")

// Session is one live conversation from connect to teardown.
type Session struct {
	ID        string
	Model     string
	Voice     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Message is one finished turn side: the merged audio reference, its length,
// and the finalized transcript.
type Message struct {
	ID         string
	SessionID  string
	Role       turn.Role
	AudioID    string
	DurationMs int64
	Transcript string
	CreatedAt  time.Time
}

// AudioBlob holds the merged PCM bytes for one message, mono s16le.
type AudioBlob struct {
	ID         string
	SampleRate int
	PCM        []byte
}

// Store provides persistence for sessions, messages, and audio.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession inserts a new session record, assigning a UUID when the
	// ID is empty. Returns [ErrDuplicateID] if the ID is already taken.
	CreateSession(ctx context.Context, s *Session) error

	// EndSession stamps the session's end time. Returns [ErrNotFound] when
	// no session with the given ID exists.
	EndSession(ctx context.Context, id string) error

	// AppendMessage inserts a message record, assigning a UUID when the ID
	// is empty.
	AppendMessage(ctx context.Context, m *Message) error

	// SaveAudio stores a PCM blob, assigning a UUID when the ID is empty.
	SaveAudio(ctx context.Context, b *AudioBlob) error

	// Messages returns a session's messages in chronological order.
	Messages(ctx context.Context, sessionID string) ([]Message, error)

	// Audio retrieves a stored blob by ID. Returns [ErrNotFound] when no
	// blob with the given ID exists.
	Audio(ctx context.Context, id string) (*AudioBlob, error)
}

// SaveTurn persists one completed turn message: the merged audio first, then
// the message row referencing it. The blob's sample rate follows the message
// role, since user audio is captured at the input rate and model audio
// arrives at the output rate.
func SaveTurn(ctx context.Context, s Store, sessionID string, msg turn.Message) (Message, error) {
	rate := audio.InputSampleRate
	if msg.Role == turn.RoleModel {
		rate = audio.OutputSampleRate
	}

	blob := &AudioBlob{SampleRate: rate, PCM: msg.Audio}
	if err := s.SaveAudio(ctx, blob); err != nil {
		return Message{}, fmt.Errorf("store: save turn audio: %w", err)
	}

	rec := &Message{
		SessionID:  sessionID,
		Role:       msg.Role,
		AudioID:    blob.ID,
		DurationMs: msg.DurationMs,
		Transcript: msg.Transcript,
		CreatedAt:  msg.Timestamp,
	}
	if err := s.AppendMessage(ctx, rec); err != nil {
		return Message{}, fmt.Errorf("store: save turn message: %w", err)
	}
	return *rec, nil
}

// newID produces a fresh record identifier.
func newID() string {
	return uuid.NewString()
}
