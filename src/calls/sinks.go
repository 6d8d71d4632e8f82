package calls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TranscriptEntry is one appended utterance. Entries are append-only
// and never mutated.
type TranscriptEntry struct {
	ID     string    `json:"id"`
	CallID string    `json:"callId"`
	Role   string    `json:"role"` // "user" or "assistant"
	Text   string    `json:"text"`
	At     time.Time `json:"ts"`
}

// TurnMetric is recorded once per completed assistant turn.
type TurnMetric struct {
	CallID       string    `json:"callId"`
	StreamSid    string    `json:"streamSid"`
	AgentID      int       `json:"agentId,omitempty"`
	LLMLatencyMs int64     `json:"llmLatencyMs"`
	OutputLength int       `json:"outputLength"`
	Quality      float64   `json:"quality"`
	At           time.Time `json:"createdAt"`
}

// TranscriptSink persists transcript entries. Best-effort: callers
// log and swallow errors, a write failure never reaches the live call.
type TranscriptSink interface {
	AddTranscript(ctx context.Context, callID, role, text string) error
}

// MetricSink persists per-turn quality metrics, same best-effort
// contract as TranscriptSink.
type MetricSink interface {
	AddMetric(ctx context.Context, m TurnMetric) error
}

// MemorySink keeps transcripts and metrics in process. Also the test
// double for the persistence path.
type MemorySink struct {
	mu          sync.RWMutex
	transcripts map[string][]TranscriptEntry
	metrics     map[string][]TurnMetric
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		transcripts: make(map[string][]TranscriptEntry),
		metrics:     make(map[string][]TurnMetric),
	}
}

func (s *MemorySink) AddTranscript(ctx context.Context, callID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[callID] = append(s.transcripts[callID], TranscriptEntry{
		ID:     uuid.NewString(),
		CallID: callID,
		Role:   role,
		Text:   text,
		At:     time.Now(),
	})
	return nil
}

func (s *MemorySink) AddMetric(ctx context.Context, m TurnMetric) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.CallID] = append(s.metrics[m.CallID], m)
	return nil
}

// Transcripts returns the entries recorded for a call, in order.
func (s *MemorySink) Transcripts(callID string) []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptEntry, len(s.transcripts[callID]))
	copy(out, s.transcripts[callID])
	return out
}

// Metrics returns the turn metrics recorded for a call, in order.
func (s *MemorySink) Metrics(callID string) []TurnMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TurnMetric, len(s.metrics[callID]))
	copy(out, s.metrics[callID])
	return out
}
