// Package mock provides the deterministic fallback providers. They
// serve two roles: local testing without credentials, and the
// last-resort degradation target when a paid provider is unconfigured
// or unreachable mid-call.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/voicewire-labs/voicewire/src/audio"
	"github.com/voicewire-labs/voicewire/src/services"
)

// STT returns one canned utterance on the first Transcribe call and
// "" on every call after, giving tests exactly one deterministic turn.
type STT struct {
	mu   sync.Mutex
	used bool
}

func NewSTT() *STT { return &STT{} }

func (s *STT) Transcribe(ctx context.Context, chunk []byte, sampleRate int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return "", nil
	}
	s.used = true
	return "Hello", nil
}

func (s *STT) Disconnect() {}

// Reset re-arms the canned utterance.
func (s *STT) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = false
}

// TTS synthesizes a fixed one-second 400Hz tone in 8kHz mu-law,
// whatever the text. Never returns an empty payload.
type TTS struct{}

func NewTTS() *TTS { return &TTS{} }

func (t *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return audio.Tone(400, 1000), nil
}

// LLM echoes its input; an input containing "switch" produces a
// structured function call instead, so the action branch of the turn
// orchestrator is reachable without a real model.
type LLM struct{}

func NewLLM() *LLM { return &LLM{} }

func (l *LLM) Generate(ctx context.Context, input string, turn services.TurnContext) (services.LLMResult, error) {
	if strings.Contains(strings.ToLower(input), "switch") {
		return services.CallResult("switch_prompt", map[string]any{"to_version": "latest"}), nil
	}
	return services.TextResult("Echo: " + input), nil
}
