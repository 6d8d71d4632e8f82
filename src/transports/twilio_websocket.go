package transports

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicewire-labs/voicewire/src/agents"
	"github.com/voicewire-labs/voicewire/src/audio"
	"github.com/voicewire-labs/voicewire/src/calls"
	"github.com/voicewire-labs/voicewire/src/config"
	"github.com/voicewire-labs/voicewire/src/metrics"
	"github.com/voicewire-labs/voicewire/src/runtime"
	"github.com/voicewire-labs/voicewire/src/secrets"
	"github.com/voicewire-labs/voicewire/src/services"
	"github.com/voicewire-labs/voicewire/src/services/deepgram"
	"github.com/voicewire-labs/voicewire/src/services/elevenlabs"
	"github.com/voicewire-labs/voicewire/src/services/mock"
)

// Inbound carrier messages. Twilio sends one JSON document per
// websocket text frame.
type inboundMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Start     *inboundStart `json:"start"`
	Media     *inboundMedia `json:"media"`
	Mark      *inboundMark  `json:"mark"`
}

type inboundStart struct {
	StreamSid  string   `json:"streamSid"`
	CallSid    string   `json:"callSid"`
	AccountSid string   `json:"accountSid"`
	Tracks     []string `json:"tracks"`
}

type inboundMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type inboundMark struct {
	Name string `json:"name"`
}

// connState is the per-connection lifecycle.
type connState int

const (
	stateAwaitingStart connState = iota
	stateActive
	stateTerminated
)

// HandlerConfig wires the handler's collaborators. Zero-value
// optional fields get safe defaults.
type HandlerConfig struct {
	Config      config.Config
	Logger      *zap.Logger
	Calls       *calls.Registry
	Agents      agents.Directory
	Prompts     agents.PromptLibrary
	Secrets     secrets.Store
	Transcripts calls.TranscriptSink
	TurnMetrics calls.MetricSink
	Metrics     *metrics.Collector
	Runtime     *runtime.Runtime

	// SelectProviders overrides credential-driven provider selection.
	// Tests inject deterministic providers here.
	SelectProviders func(ctx context.Context, voice, language string) (services.STTProvider, services.TTSProvider)

	// FallbackTTS builds the English-voice synthesizer tried when a
	// Hindi session's primary synthesis comes back empty.
	FallbackTTS func(ctx context.Context) services.TTSProvider
}

// Handler owns every live media-stream session and implements the
// carrier's websocket protocol. One goroutine per connection reads
// and dispatches events; turns for a session therefore run strictly
// one at a time.
type Handler struct {
	cfg         config.Config
	log         *zap.Logger
	calls       *calls.Registry
	agents      agents.Directory
	prompts     agents.PromptLibrary
	secrets     secrets.Store
	transcripts calls.TranscriptSink
	turnMetrics calls.MetricSink
	metrics     *metrics.Collector
	runtime     *runtime.Runtime

	selectProviders func(ctx context.Context, voice, language string) (services.STTProvider, services.TTSProvider)
	fallbackTTS     func(ctx context.Context) services.TTSProvider

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	byCall   map[string]string // callID -> streamSid
}

func NewHandler(hc HandlerConfig) *Handler {
	if hc.Logger == nil {
		hc.Logger = zap.NewNop()
	}
	if hc.Calls == nil {
		hc.Calls = calls.NewRegistry()
	}
	if hc.Metrics == nil {
		hc.Metrics = metrics.Nop()
	}
	if hc.Runtime == nil {
		hc.Runtime = runtime.ForProvider(hc.Config, hc.Secrets, hc.Logger)
	}

	h := &Handler{
		cfg:             hc.Config,
		log:             hc.Logger.Named("WebSocketController"),
		calls:           hc.Calls,
		agents:          hc.Agents,
		prompts:         hc.Prompts,
		secrets:         hc.Secrets,
		transcripts:     hc.Transcripts,
		turnMetrics:     hc.TurnMetrics,
		metrics:         hc.Metrics,
		runtime:         hc.Runtime,
		selectProviders: hc.SelectProviders,
		fallbackTTS:     hc.FallbackTTS,
		upgrader: websocket.Upgrader{
			// The carrier does not send an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
		byCall:   make(map[string]string),
	}
	if h.selectProviders == nil {
		h.selectProviders = h.defaultProviders
	}
	if h.fallbackTTS == nil {
		h.fallbackTTS = h.defaultFallbackTTS
	}
	return h
}

// get returns the live session for a stream, or nil. Session liveness
// is exactly membership in this map.
func (h *Handler) get(streamSid string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[streamSid]
}

// Session exposes a live session for tests and diagnostics.
func (h *Handler) Session(streamSid string) *Session { return h.get(streamSid) }

// HandleWebSocket upgrades the request and runs the connection's read
// loop until the peer goes away.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.log.Info("WebSocket connection established", zap.String("remote", r.RemoteAddr))
	h.readLoop(newWSConn(conn))
}

// wsConn serializes writes to one websocket connection. gorilla
// permits a single concurrent writer; frame timers and the read
// goroutine both send.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	c.conn.Close()
}

func (h *Handler) readLoop(c *wsConn) {
	var (
		state     = stateAwaitingStart
		streamSid string
	)
	defer func() {
		// A dropped socket is equivalent to a stop event.
		if streamSid != "" {
			h.cleanupStream(streamSid)
		}
		c.close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if state != stateTerminated {
				h.log.Info("WebSocket connection closed", zap.Error(err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("undecodable carrier message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":
			h.log.Info("Media stream connected")

		case "start":
			if state != stateAwaitingStart || msg.Start == nil {
				h.log.Warn("start event ignored", zap.String("streamSid", msg.StreamSid))
				continue
			}
			streamSid = msg.Start.StreamSid
			state = stateActive
			h.handleStart(c, msg.Start)

		case "media":
			if state != stateActive || msg.Media == nil {
				continue
			}
			h.handleMedia(streamSid, msg.Media)

		case "mark":
			if h.cfg.LogMediaMarks && msg.Mark != nil {
				h.log.Info("Media mark", zap.String("mark", msg.Mark.Name))
			}

		case "stop":
			state = stateTerminated
			h.handleStop(msg.StreamSid)
			return

		default:
			h.log.Info("Unknown event", zap.String("event", msg.Event))
		}
	}
}

// handleStart binds the stream to its call, selects providers, and
// speaks the greeting.
func (h *Handler) handleStart(c *wsConn, start *inboundStart) {
	ctx := context.Background()
	streamSid := start.StreamSid
	callID := start.CallSid

	s := newSession(streamSid, callID)
	s.send = c.sendJSON
	s.Runtime = h.runtime

	// Resolve routing: the call record carries agent and voice chosen
	// at dial time; the agent carries language and prompt.
	var voice string
	rec := h.calls.Get(callID)
	if rec != nil {
		s.AgentID = rec.AgentID
		s.PromptID = rec.PromptID
		voice = rec.Voice
	}
	if s.AgentID != 0 && h.agents != nil {
		agent, err := h.agents.GetByID(ctx, s.AgentID)
		if err != nil {
			h.log.Warn("agent lookup failed", zap.Int("agentId", s.AgentID), zap.Error(err))
		} else {
			s.AgentName = agent.Name
			s.AgentDescription = agent.Description
			if agent.Language != "" {
				s.Language = agent.Language
			}
			if agent.Voice != "" {
				voice = agent.Voice
			}
			if agent.PromptID != "" {
				s.PromptID = agent.PromptID
			}
		}
	}
	if s.PromptID != "" && h.prompts != nil {
		content, err := h.prompts.GetActiveContent(ctx, s.PromptID)
		if err != nil {
			h.log.Warn("prompt lookup failed", zap.String("promptId", s.PromptID), zap.Error(err))
		} else {
			s.PromptText = content
		}
	}

	s.STT, s.TTS = h.selectProviders(ctx, voice, s.Language)

	h.mu.Lock()
	h.sessions[streamSid] = s
	if callID != "" {
		h.byCall[callID] = streamSid
	}
	h.mu.Unlock()
	h.metrics.SessionsActive.Inc()

	h.log.Info("Media stream started",
		zap.String("streamSid", streamSid),
		zap.String("callSid", callID),
		zap.String("language", s.Language),
		zap.Int("agentId", s.AgentID))

	if callID != "" {
		live := calls.StatusLive
		if err := h.calls.Update(callID, calls.Patch{Status: &live}); err != nil {
			h.log.Warn("call status update failed", zap.String("callSid", callID), zap.Error(err))
		} else {
			h.log.Info("Call status LIVE", zap.String("callSid", callID))
		}
	}

	greetText := "Hello, this is your AI agent. How can I help you today?"
	if s.Language == "hi" {
		greetText = "नमस्ते, मैं आपका एआई सहायक हूँ। मैं आपकी किस तरह मदद कर सकता हूँ?"
	}
	payload, err := s.TTS.Synthesize(s.ctx, greetText)
	if err != nil {
		h.log.Warn("greeting synthesis failed", zap.String("streamSid", streamSid), zap.Error(err))
	}
	if len(payload) == 0 {
		payload, _ = mock.NewTTS().Synthesize(s.ctx, "beep")
		h.metrics.TTSFallbacks.WithLabelValues("mock_tone").Inc()
		h.log.Info("TTS fallback greeting (mock)", zap.String("streamSid", streamSid))
	}
	if len(payload) > 0 {
		h.streamAudio(s, payload)
	}
}

// handleMedia decodes one inbound frame, feeds the recognizer, and
// runs a turn when a finalized transcript comes back.
func (h *Handler) handleMedia(streamSid string, media *inboundMedia) {
	s := h.get(streamSid)
	if s == nil {
		return
	}

	buf, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		h.log.Warn("undecodable media payload", zap.String("streamSid", streamSid), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.inFrames++
	in := s.inFrames
	s.mu.Unlock()
	h.metrics.InboundFrames.Inc()
	if h.cfg.LogMediaFrames {
		h.log.Debug("inbound frame",
			zap.String("streamSid", streamSid),
			zap.Uint64("count", in),
			zap.Int("bytes", len(buf)))
	}

	text, err := s.STT.Transcribe(s.ctx, buf, audio.SampleRate)
	if err != nil {
		h.log.Warn("transcription failed", zap.String("streamSid", streamSid), zap.Error(err))
		return
	}
	if text == "" {
		return
	}
	h.runTurn(s, text)
}

// handleStop tears the stream down. Older carrier payloads omit the
// streamSid on stop; fall back to the first live call's stream.
func (h *Handler) handleStop(streamSid string) {
	h.log.Info("Call has ended, stopping media stream", zap.String("streamSid", streamSid))
	if streamSid != "" {
		h.cleanupStream(streamSid)
		return
	}

	live := h.calls.Live()
	if len(live) == 0 {
		return
	}
	id := live[0].ID
	h.mu.RLock()
	sid := h.byCall[id]
	h.mu.RUnlock()
	if sid != "" {
		h.cleanupStream(sid)
		return
	}
	ended := calls.StatusEnded
	now := time.Now()
	if err := h.calls.Update(id, calls.Patch{Status: &ended, EndedAt: &now}); err != nil {
		h.log.Warn("call status update failed", zap.String("callSid", id), zap.Error(err))
	}
}

// cleanupStream releases everything a session holds. Idempotent: the
// first caller unregisters the session, later callers find nothing.
func (h *Handler) cleanupStream(streamSid string) {
	h.mu.Lock()
	s, ok := h.sessions[streamSid]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, streamSid)
	if s.CallID != "" {
		delete(h.byCall, s.CallID)
	}
	h.mu.Unlock()

	in, out := s.frameCounts()
	h.log.Info("Session stats",
		zap.String("streamSid", streamSid),
		zap.Uint64("inFrames", in),
		zap.Uint64("outFrames", out))

	s.mu.Lock()
	s.cancelTimersLocked()
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	// Flush whatever the carrier still has buffered. The socket may
	// already be gone; that is fine.
	_ = s.send(clearMessage{Event: "clear", StreamSid: streamSid})
	s.mu.Unlock()

	s.cancel()
	if s.STT != nil {
		s.STT.Disconnect()
	}

	if s.CallID != "" {
		ended := calls.StatusEnded
		now := time.Now()
		if err := h.calls.Update(s.CallID, calls.Patch{Status: &ended, EndedAt: &now}); err != nil {
			h.log.Warn("call status update failed", zap.String("callSid", s.CallID), zap.Error(err))
		} else {
			h.log.Info("Call status ENDED", zap.String("callSid", s.CallID))
		}
	}
	h.metrics.SessionsActive.Dec()
}

// defaultProviders picks real adapters when credentials resolve and
// deterministic mocks otherwise, per credential precedence.
func (h *Handler) defaultProviders(ctx context.Context, voice, language string) (services.STTProvider, services.TTSProvider) {
	var stt services.STTProvider
	if key := secrets.Resolve(ctx, h.secrets, "DEEPGRAM_API_KEY"); key != "" {
		stt = deepgram.NewSTT(deepgram.STTConfig{
			APIKey:    key,
			UserAgent: h.cfg.PublicURL,
			LogEvents: h.cfg.LogSTTEvents,
			Logger:    h.log,
		})
	} else {
		h.log.Info("No Deepgram credential, using mock STT")
		stt = mock.NewSTT()
	}

	var tts services.TTSProvider
	if key := secrets.Resolve(ctx, h.secrets, "ELEVENLABS_API_KEY"); key != "" {
		tts = elevenlabs.NewTTS(elevenlabs.TTSConfig{
			VoiceID:  voice,
			Language: language,
			Secrets:  h.secrets,
			Logger:   h.log,
		})
	} else {
		h.log.Info("No ElevenLabs credential, using mock TTS")
		tts = mock.NewTTS()
	}
	return stt, tts
}

// defaultFallbackTTS builds the English-voice synthesizer used when a
// Hindi session's primary voice returns nothing.
func (h *Handler) defaultFallbackTTS(ctx context.Context) services.TTSProvider {
	voice := secrets.Resolve(ctx, h.secrets, "ELEVENLABS_EN_VOICE_ID")
	if voice == "" {
		voice = secrets.Resolve(ctx, h.secrets, "ELEVENLABS_VOICE_ID")
	}
	return elevenlabs.NewTTS(elevenlabs.TTSConfig{
		VoiceID:  voice,
		Language: "en",
		Secrets:  h.secrets,
		Logger:   h.log,
	})
}
