// Package turn buffers raw audio per speaker across a conversational turn and
// merges it into persistable message records on turn completion.
package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/veridian-labs/aria/pkg/audio"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is a completed per-speaker record of one conversational turn.
// Produced at most once per speaker per turn; immutable after creation.
type Message struct {
	Role       Role
	Audio      []byte
	DurationMs int64
	Transcript string
	Timestamp  time.Time
}

// side holds one speaker's pending frames for the current turn.
type side struct {
	frames  [][]byte
	started time.Time
}

func (s *side) append(pcm []byte, now time.Time) {
	if len(s.frames) == 0 {
		s.started = now
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.frames = append(s.frames, buf)
}

func (s *side) merge() []byte {
	total := 0
	for _, f := range s.frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range s.frames {
		out = append(out, f...)
	}
	return out
}

func (s *side) reset() {
	s.frames = nil
	s.started = time.Time{}
}

// Accumulator collects audio frames per speaker. User audio is assumed to be
// 16 kHz capture PCM, model audio 24 kHz synthesis PCM. Safe for concurrent
// use.
type Accumulator struct {
	mu    sync.Mutex
	user  side
	model side

	now func() time.Time
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{now: time.Now}
}

// Append adds a defensive copy of pcm to the given speaker's turn buffer.
// The first frame of a speaker's turn fixes that speaker's turn-start time.
func (a *Accumulator) Append(role Role, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case RoleUser:
		a.user.append(pcm, a.now())
	case RoleModel:
		a.model.append(pcm, a.now())
	}
}

// Complete merges each speaker's pending frames into a single message and
// resets both sides. A speaker with no accumulated audio produces no message.
// Transcripts are trimmed; the message timestamp is the speaker's turn-start
// time. User messages appear before model messages in the result.
func (a *Accumulator) Complete(userTranscript, modelTranscript string) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	var msgs []Message
	if len(a.user.frames) > 0 {
		merged := a.user.merge()
		msgs = append(msgs, Message{
			Role:       RoleUser,
			Audio:      merged,
			DurationMs: audio.DurationMillis(len(merged), audio.InputSampleRate),
			Transcript: strings.TrimSpace(userTranscript),
			Timestamp:  a.user.started,
		})
	}
	if len(a.model.frames) > 0 {
		merged := a.model.merge()
		msgs = append(msgs, Message{
			Role:       RoleModel,
			Audio:      merged,
			DurationMs: audio.DurationMillis(len(merged), audio.OutputSampleRate),
			Transcript: strings.TrimSpace(modelTranscript),
			Timestamp:  a.model.started,
		})
	}

	a.user.reset()
	a.model.reset()
	return msgs
}

// Reset discards all pending frames for both speakers.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.reset()
	a.model.reset()
}

// Pending reports how many frames are buffered for the given speaker.
func (a *Accumulator) Pending(role Role) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case RoleUser:
		return len(a.user.frames)
	case RoleModel:
		return len(a.model.frames)
	}
	return 0
}
