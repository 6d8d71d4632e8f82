// Package deepgram provides the streaming speech-to-text adapter.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const listenURL = "wss://api.deepgram.com/v1/listen"

// STTConfig holds configuration for the Deepgram adapter.
type STTConfig struct {
	APIKey    string // empty key means the adapter never connects
	Model     string // default "nova-2-general"
	BaseURL   string // override for tests; default wss://api.deepgram.com/v1/listen
	UserAgent string
	LogEvents bool
	Logger    *zap.Logger
}

// STT streams mu-law audio to Deepgram over a websocket opened lazily
// on the first chunk. Only finalized transcripts are surfaced:
// interim hypotheses are dropped in the receive loop so a model turn
// never starts on a partial utterance. The most recent final
// transcript is latched and drained by the next Transcribe call.
type STT struct {
	cfg STTConfig
	log *zap.Logger

	mu       sync.Mutex // guards conn, lastText, closed
	conn     *websocket.Conn
	lastText string
	closed   bool
}

func NewSTT(cfg STTConfig) *STT {
	if cfg.Model == "" {
		cfg.Model = "nova-2-general"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = listenURL
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &STT{cfg: cfg, log: log}
}

// Transcribe forwards one audio chunk and returns the latched final
// transcript, if any arrived since the previous call. Returns "" with
// no error when nothing is finalized yet or when no key is configured.
func (s *STT) Transcribe(ctx context.Context, chunk []byte, sampleRate int) (string, error) {
	if s.cfg.APIKey == "" {
		return "", nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", nil
	}
	if s.conn == nil {
		if err := s.connectLocked(ctx, sampleRate); err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	err := s.conn.WriteMessage(websocket.BinaryMessage, chunk)
	text := s.lastText
	s.lastText = ""
	s.mu.Unlock()

	if err != nil {
		return text, fmt.Errorf("send audio: %w", err)
	}
	if s.cfg.LogEvents {
		s.log.Debug("audio chunk sent", zap.Int("bytes", len(chunk)))
	}
	return text, nil
}

// Disconnect releases the upstream connection. Idempotent.
func (s *STT) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *STT) connectLocked(ctx context.Context, sampleRate int) error {
	if sampleRate == 0 {
		sampleRate = 8000
	}
	params := url.Values{}
	params.Set("model", s.cfg.Model)
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("vad_events", "true")

	header := map[string][]string{
		"Authorization": {"Token " + s.cfg.APIKey},
	}
	if s.cfg.UserAgent != "" {
		header["User-Agent"] = []string{s.cfg.UserAgent}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.BaseURL+"?"+params.Encode(), header)
	if err != nil {
		return fmt.Errorf("connect to deepgram: %w", err)
	}
	s.conn = conn
	if s.cfg.LogEvents {
		s.log.Info("connection open", zap.Int("sample_rate", sampleRate))
	}

	go s.receive(conn)
	return nil
}

// receive parses transcription results until the connection dies.
// Runs once per connection; a torn-down session's loop exits on the
// read error from Disconnect's Close.
func (s *STT) receive(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.cfg.LogEvents && !isExpectedClose(err) {
				s.log.Warn("read error", zap.Error(err))
			}
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			return
		}

		var resp struct {
			IsFinal bool `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channel"`
		}
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}

		transcript := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if transcript == "" {
			continue
		}
		if s.cfg.LogEvents {
			s.log.Debug("transcript", zap.Bool("final", resp.IsFinal), zap.String("text", transcript))
		}
		if !resp.IsFinal {
			continue
		}

		s.mu.Lock()
		s.lastText = transcript
		s.mu.Unlock()
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
