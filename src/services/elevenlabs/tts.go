// Package elevenlabs provides the cloud text-to-speech adapter.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/voicewire-labs/voicewire/src/secrets"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"

	// defaultVoiceID is the hard-coded last resort ("Rachel") when no
	// voice is configured anywhere.
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	modelID = "eleven_turbo_v2"
)

// TTSConfig holds configuration for the ElevenLabs adapter.
type TTSConfig struct {
	// VoiceID is the agent-level voice; empty falls through the
	// configured precedence chain.
	VoiceID  string
	Language string // "en" or "hi"; selects the language-specific default voice
	Secrets  secrets.Store
	BaseURL  string // override for tests
	Client   *http.Client
	Logger   *zap.Logger
}

// TTS requests streaming synthesis directly in the carrier's codec
// (ulaw_8000) so no resampling happens in the hot path. Synthesize
// returns an empty payload on any failure so callers can apply the
// fallback policy; it never panics a live call.
type TTS struct {
	cfg TTSConfig
	log *zap.Logger
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &TTS{cfg: cfg, log: log}
}

func (t *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	apiKey := secrets.Resolve(ctx, t.cfg.Secrets, "ELEVENLABS_API_KEY")
	if apiKey == "" {
		return nil, nil
	}

	voice := t.resolveVoice(ctx)
	reqURL := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=ulaw_8000",
		t.cfg.BaseURL, url.PathEscape(voice))

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": modelID,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		t.log.Warn("synthesis request failed", zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.log.Warn("api error", zap.Int("status", resp.StatusCode), zap.ByteString("body", msg))
		return nil, fmt.Errorf("elevenlabs api status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return stripWAVHeader(raw), nil
}

// resolveVoice applies the voice precedence: agent voice,
// language-specific global default, general global default, then the
// hard-coded fallback.
func (t *TTS) resolveVoice(ctx context.Context) string {
	if t.cfg.VoiceID != "" {
		return t.cfg.VoiceID
	}
	if t.cfg.Language == "hi" {
		if v := secrets.Resolve(ctx, t.cfg.Secrets, "ELEVENLABS_VOICE_ID_HI"); v != "" {
			return v
		}
	}
	if v := secrets.Resolve(ctx, t.cfg.Secrets, "ELEVENLABS_VOICE_ID"); v != "" {
		return v
	}
	t.log.Warn("no voice id configured, using default", zap.String("voice", defaultVoiceID))
	return defaultVoiceID
}

// stripWAVHeader drops a 44-byte RIFF container header if the
// upstream unexpectedly returns one instead of raw mu-law.
func stripWAVHeader(raw []byte) []byte {
	if len(raw) > 44 && bytes.HasPrefix(raw, []byte("RIFF")) {
		return raw[44:]
	}
	return raw
}
