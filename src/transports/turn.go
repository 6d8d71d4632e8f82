package transports

import (
	"time"

	"go.uber.org/zap"

	"github.com/voicewire-labs/voicewire/src/audio"
	"github.com/voicewire-labs/voicewire/src/calls"
	"github.com/voicewire-labs/voicewire/src/language"
	"github.com/voicewire-labs/voicewire/src/services/mock"
)

// runTurn drives one user utterance through the runtime and schedules
// the spoken reply. It runs on the session's read goroutine, so turns
// for one stream never overlap.
func (h *Handler) runTurn(s *Session, userText string) {
	h.checkLanguage(s, "user", userText)

	s.appendHistory("user", userText)
	h.persistTranscript(s, "user", userText)

	turnStart := time.Now()
	res, err := s.Runtime.Chat(s.ctx, userText, s.turnContext())
	latencyMs := time.Since(turnStart).Milliseconds()
	if err != nil {
		h.log.Warn("runtime turn failed",
			zap.String("streamSid", s.StreamSid),
			zap.Error(err))
		return
	}

	if res.Call != nil {
		h.handleFunctionCall(s, res.Call.Name, res.Call.Arguments)
		return
	}

	output := res.Output
	h.checkLanguage(s, "assistant", output)
	s.appendHistory("assistant", output)

	score := computeQualityScore(output, latencyMs)
	h.log.Info("Turn complete",
		zap.String("streamSid", s.StreamSid),
		zap.Int64("latencyMs", latencyMs),
		zap.Int("words", score.WordCount),
		zap.Float64("quality", score.Overall))

	h.persistTranscript(s, "assistant", output)
	if h.turnMetrics != nil {
		m := calls.TurnMetric{
			CallID:       s.CallID,
			StreamSid:    s.StreamSid,
			AgentID:      s.AgentID,
			LLMLatencyMs: latencyMs,
			OutputLength: len(output),
			Quality:      score.Overall,
			At:           time.Now(),
		}
		if err := h.turnMetrics.AddMetric(s.ctx, m); err != nil {
			h.log.Warn("metric write failed", zap.String("callSid", s.CallID), zap.Error(err))
		}
	}
	h.metrics.Turns.Inc()
	h.metrics.LLMLatency.Observe(float64(latencyMs) / 1000)
	h.metrics.TurnQuality.Observe(score.Overall)

	payload := h.synthesizeWithFallback(s, output)
	if len(payload) > 0 {
		h.streamAudio(s, payload)
	}
}

// handleFunctionCall acts on a structured runtime result. end_call
// speaks a closing message and tears the call down after playback;
// switch_prompt hot-swaps the session's prompt context.
func (h *Handler) handleFunctionCall(s *Session, name string, args map[string]any) {
	h.log.Info("Runtime function call",
		zap.String("streamSid", s.StreamSid),
		zap.String("function", name))

	switch name {
	case "end_call":
		message, _ := args["message"].(string)
		if message == "" {
			if s.Language == "hi" {
				message = "धन्यवाद, आपका दिन शुभ हो। अलविदा।"
			} else {
				message = "Thank you for calling. Goodbye."
			}
		}
		s.appendHistory("assistant", message)
		h.persistTranscript(s, "assistant", message)

		payload := h.synthesizeWithFallback(s, message)
		frames := h.streamAudio(s, payload)

		// Hang up once the goodbye has played out.
		delay := time.Duration(frames+1) * audio.FrameDurationMs * time.Millisecond
		s.mu.Lock()
		if s.endTimer != nil {
			s.endTimer.Stop()
		}
		s.endTimer = time.AfterFunc(delay, func() {
			h.cleanupStream(s.StreamSid)
		})
		s.mu.Unlock()

	case "switch_prompt":
		if s.PromptID == "" || h.prompts == nil {
			h.log.Warn("prompt switch requested with no prompt configured",
				zap.String("streamSid", s.StreamSid))
			return
		}
		content, err := h.prompts.GetActiveContent(s.ctx, s.PromptID)
		if err != nil {
			h.log.Warn("prompt switch failed",
				zap.String("streamSid", s.StreamSid),
				zap.String("promptId", s.PromptID),
				zap.Error(err))
			return
		}
		s.mu.Lock()
		s.PromptText = content
		s.mu.Unlock()
		h.log.Info("Prompt switched",
			zap.String("streamSid", s.StreamSid),
			zap.String("promptId", s.PromptID),
			zap.Any("args", args))

	default:
		h.log.Warn("unhandled runtime function call",
			zap.String("streamSid", s.StreamSid),
			zap.String("function", name))
	}
}

// synthesizeWithFallback applies the voice fallback policy: primary
// voice, then (Hindi sessions only) the configured English voice,
// then the mock tone. A turn never ends with zero audio.
func (h *Handler) synthesizeWithFallback(s *Session, text string) []byte {
	payload, err := s.TTS.Synthesize(s.ctx, text)
	if err != nil {
		h.log.Warn("synthesis failed", zap.String("streamSid", s.StreamSid), zap.Error(err))
	}
	if len(payload) > 0 {
		return payload
	}

	if s.Language == "hi" {
		fb := h.fallbackTTS(s.ctx)
		payload, err = fb.Synthesize(s.ctx, text)
		if err != nil {
			h.log.Warn("fallback synthesis failed", zap.String("streamSid", s.StreamSid), zap.Error(err))
		}
		if len(payload) > 0 {
			h.metrics.TTSFallbacks.WithLabelValues("english_voice").Inc()
			h.log.Info("TTS fallback to English voice", zap.String("streamSid", s.StreamSid))
			return payload
		}
	}

	payload, _ = mock.NewTTS().Synthesize(s.ctx, text)
	h.metrics.TTSFallbacks.WithLabelValues("mock_tone").Inc()
	h.log.Info("TTS fallback to mock tone", zap.String("streamSid", s.StreamSid))
	return payload
}

// checkLanguage logs when text is written in a script that
// contradicts the session language. Observability only.
func (h *Handler) checkLanguage(s *Session, role, text string) {
	if text == "" {
		return
	}
	if language.ExpectedLanguageMismatch(s.Language, text) {
		h.log.Warn("language mismatch",
			zap.String("streamSid", s.StreamSid),
			zap.String("role", role),
			zap.String("language", s.Language),
			zap.String("text", text))
	}
}

// persistTranscript writes one transcript entry, attributed to the
// session's own call. Best-effort.
func (h *Handler) persistTranscript(s *Session, role, text string) {
	if h.transcripts == nil || s.CallID == "" {
		return
	}
	if err := h.transcripts.AddTranscript(s.ctx, s.CallID, role, text); err != nil {
		h.log.Warn("transcript write failed",
			zap.String("callSid", s.CallID),
			zap.String("role", role),
			zap.Error(err))
	}
}
