package transports

import (
	"context"
	"sync"
	"time"

	"github.com/voicewire-labs/voicewire/src/runtime"
	"github.com/voicewire-labs/voicewire/src/services"
)

// historyCap bounds the per-session conversation history. Oldest
// entries are dropped first.
const historyCap = 16

// Session is the per-stream mutable state. It is owned by the
// protocol handler: all turn logic runs on the stream's single read
// goroutine, so most fields need no locking. The exception is the
// playback state (counters and timers), which frame timers fire into
// concurrently and which mu guards.
type Session struct {
	StreamSid string
	CallID    string

	AgentID          int
	AgentName        string
	AgentDescription string
	Language         string // "en" or "hi"; fixed at session start
	PromptID         string
	PromptText       string

	STT     services.STTProvider
	TTS     services.TTSProvider
	Runtime *runtime.Runtime

	// send writes one JSON message to the carrier connection. The
	// underlying writer serializes concurrent calls.
	send func(v any) error

	// ctx is canceled on teardown so in-flight provider calls cannot
	// leak or act on a dead session.
	ctx    context.Context
	cancel context.CancelFunc

	// t0 anchors outbound frame timestamps.
	t0 time.Time

	// history is touched only by the read goroutine.
	history []services.Message

	mu sync.Mutex // guards everything below

	// seq and outChunk number outbound frames; session-scoped and
	// never reset, across turns included.
	seq       uint64
	outChunk  uint64
	inFrames  uint64
	outFrames uint64

	// playGen identifies the current playback generation. Every new
	// playback (and every cancellation) bumps it; a frame timer from
	// an older generation is a no-op.
	playGen      uint64
	activeTimers map[*time.Timer]struct{}
	endTimer     *time.Timer
}

func newSession(streamSid, callID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		StreamSid:    streamSid,
		CallID:       callID,
		Language:     "en",
		send:         func(any) error { return nil },
		ctx:          ctx,
		cancel:       cancel,
		t0:           time.Now(),
		seq:          1,
		activeTimers: make(map[*time.Timer]struct{}),
	}
}

// appendHistory adds one entry, enforcing the FIFO cap.
func (s *Session) appendHistory(role, content string) {
	s.history = append(s.history, services.Message{Role: role, Content: content})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

// historyCopy returns a snapshot safe to hand to a provider call.
func (s *Session) historyCopy() []services.Message {
	out := make([]services.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) locale() string {
	if s.Language == "hi" {
		return "hi-IN"
	}
	return "en-IN"
}

func (s *Session) turnContext() services.TurnContext {
	return services.TurnContext{
		CallID:           s.CallID,
		AgentID:          s.AgentID,
		AgentName:        s.AgentName,
		AgentDescription: s.AgentDescription,
		History:          s.historyCopy(),
		Locale:           s.locale(),
		Language:         s.Language,
		PromptText:       s.PromptText,
	}
}

// cancelTimersLocked invalidates the current playback generation and
// stops every pending frame timer. Callers hold s.mu.
func (s *Session) cancelTimersLocked() {
	s.playGen++
	for t := range s.activeTimers {
		t.Stop()
	}
	s.activeTimers = make(map[*time.Timer]struct{})
}

// Prompt returns the current prompt context. Safe to call from
// outside the session's goroutine.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PromptText
}

// frameCounts reports the observability counters.
func (s *Session) frameCounts() (in, out uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFrames, s.outFrames
}
