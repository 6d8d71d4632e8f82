package transports

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicewire-labs/voicewire/src/agents"
	"github.com/voicewire-labs/voicewire/src/audio"
	"github.com/voicewire-labs/voicewire/src/calls"
	"github.com/voicewire-labs/voicewire/src/config"
	"github.com/voicewire-labs/voicewire/src/runtime"
	"github.com/voicewire-labs/voicewire/src/services"
	"github.com/voicewire-labs/voicewire/src/services/mock"
)

// scriptedSTT returns its texts one per Transcribe call, then "".
type scriptedSTT struct {
	mu    sync.Mutex
	texts []string
}

func newScriptedSTT(texts ...string) *scriptedSTT {
	return &scriptedSTT{texts: texts}
}

func (s *scriptedSTT) Transcribe(ctx context.Context, chunk []byte, sampleRate int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return "", nil
	}
	t := s.texts[0]
	s.texts = s.texts[1:]
	return t, nil
}

func (s *scriptedSTT) Disconnect() {}

// scriptedTTS returns its payloads one per Synthesize call, then nil.
type scriptedTTS struct {
	mu       sync.Mutex
	payloads [][]byte
}

func newScriptedTTS(payloads ...[]byte) *scriptedTTS {
	return &scriptedTTS{payloads: payloads}
}

func (s *scriptedTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		return nil, nil
	}
	p := s.payloads[0]
	s.payloads = s.payloads[1:]
	return p, nil
}

type stubLLM struct {
	res services.LLMResult
}

func (l *stubLLM) Generate(ctx context.Context, input string, turn services.TurnContext) (services.LLMResult, error) {
	return l.res, nil
}

// testEnv runs a handler behind a live websocket server and collects
// everything the server sends back.
type testEnv struct {
	h        *Handler
	registry *calls.Registry
	sink     *calls.MemorySink
	prompts  *agents.MemoryPrompts
	conn     *websocket.Conn
	out      *capture
}

func newTestEnv(t *testing.T, hc HandlerConfig) *testEnv {
	t.Helper()

	env := &testEnv{
		registry: calls.NewRegistry(),
		sink:     calls.NewMemorySink(),
		prompts:  agents.NewMemoryPrompts(),
		out:      &capture{},
	}
	if hc.Calls == nil {
		hc.Calls = env.registry
	} else {
		env.registry = hc.Calls
	}
	if hc.Transcripts == nil {
		hc.Transcripts = env.sink
	}
	if hc.TurnMetrics == nil {
		hc.TurnMetrics = env.sink
	}
	if hc.Prompts == nil {
		hc.Prompts = env.prompts
	}
	if hc.Config.AIProvider == "" {
		hc.Config = config.Config{AIProvider: "mock"}
	}
	env.h = NewHandler(hc)

	srv := httptest.NewServer(http.HandlerFunc(env.h.HandleWebSocket))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	env.conn = conn
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			env.out.mu.Lock()
			env.out.msgs = append(env.out.msgs, m)
			env.out.mu.Unlock()
		}
	}()
	return env
}

func (e *testEnv) sendJSON(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, e.conn.WriteJSON(v))
}

func (e *testEnv) start(t *testing.T, streamSid, callSid string) {
	t.Helper()
	e.sendJSON(t, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	e.sendJSON(t, map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": streamSid,
			"callSid":   callSid,
			"tracks":    []string{"inbound"},
		},
	})
}

func (e *testEnv) sendMedia(t *testing.T, streamSid string) {
	t.Helper()
	frame := make([]byte, audio.FrameSize)
	e.sendJSON(t, map[string]any{
		"event":     "media",
		"streamSid": streamSid,
		"media": map[string]any{
			"track":   "inbound",
			"payload": base64.StdEncoding.EncodeToString(frame),
		},
	})
}

func TestGreetingFallsBackToMockTone(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("ELEVENLABS_API_KEY", "")

	// No provider credentials anywhere, so the default selection
	// lands on mocks and the greeting is the deterministic tone.
	env := newTestEnv(t, HandlerConfig{})
	env.start(t, "MZgreet", "CAgreet")

	require.Eventually(t, func() bool {
		return env.out.count("media") > 0
	}, 3*time.Second, 10*time.Millisecond)

	var payload string
	for _, m := range env.out.snapshot() {
		if m["event"] == "media" {
			payload = m["media"].(map[string]any)["payload"].(string)
			break
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	assert.NotEmpty(t, decoded)

	rec := env.registry.Get("CAgreet")
	require.NotNil(t, rec)
	assert.Equal(t, calls.StatusLive, rec.Status)

	env.sendJSON(t, map[string]any{"event": "stop", "streamSid": "MZgreet"})
	require.Eventually(t, func() bool {
		rec := env.registry.Get("CAgreet")
		return rec != nil && rec.Status == calls.StatusEnded && env.h.Session("MZgreet") == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTurnEchoPersistsTranscriptsAndMetrics(t *testing.T) {
	greet := bytes.Repeat([]byte{0x10}, audio.FrameSize)
	reply := bytes.Repeat([]byte{0x20}, 2*audio.FrameSize)

	env := newTestEnv(t, HandlerConfig{
		SelectProviders: func(ctx context.Context, voice, lang string) (services.STTProvider, services.TTSProvider) {
			return newScriptedSTT("Hello"), newScriptedTTS(greet, reply)
		},
	})
	env.start(t, "MZecho", "CAecho")

	require.Eventually(t, func() bool {
		return env.out.count("mark") >= 1
	}, 3*time.Second, 10*time.Millisecond)

	env.sendMedia(t, "MZecho")

	require.Eventually(t, func() bool {
		return len(env.sink.Transcripts("CAecho")) == 2
	}, 3*time.Second, 10*time.Millisecond)

	entries := env.sink.Transcripts("CAecho")
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "Hello", entries[0].Text)
	assert.Equal(t, "CAecho", entries[0].CallID)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "assistant", entries[1].Role)
	assert.Equal(t, "Echo: Hello", entries[1].Text)

	require.Eventually(t, func() bool {
		return len(env.sink.Metrics("CAecho")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	metric := env.sink.Metrics("CAecho")[0]
	assert.Equal(t, "MZecho", metric.StreamSid)
	assert.Equal(t, len("Echo: Hello"), metric.OutputLength)
	assert.Greater(t, metric.Quality, 0.0)

	// A second media frame yields no transcript: the scripted
	// recognizer is exhausted, so no turn runs.
	env.sendMedia(t, "MZecho")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.sink.Transcripts("CAecho"), 2)
}

func TestSwitchTranscriptTakesFunctionCallBranch(t *testing.T) {
	agentDir := agents.NewMemoryDirectory()
	agent := agentDir.Add(agents.Agent{Name: "Iris", PromptID: "p1"})

	env := newTestEnv(t, HandlerConfig{
		Agents: agentDir,
		SelectProviders: func(ctx context.Context, voice, lang string) (services.STTProvider, services.TTSProvider) {
			return newScriptedSTT("please switch to the new prompt"), mock.NewTTS()
		},
	})
	env.prompts.Set("p1", "v1")
	require.NoError(t, env.registry.Upsert(calls.CallRecord{ID: "CAswitch", AgentID: agent.ID}))

	env.start(t, "MZswitch", "CAswitch")
	require.Eventually(t, func() bool {
		s := env.h.Session("MZswitch")
		return s != nil && s.Prompt() == "v1"
	}, 3*time.Second, 10*time.Millisecond)

	// The prompt's active content moves on while the call is live;
	// the switch picks it up.
	env.prompts.Set("p1", "v2")
	env.sendMedia(t, "MZswitch")

	require.Eventually(t, func() bool {
		s := env.h.Session("MZswitch")
		return s != nil && s.Prompt() == "v2"
	}, 3*time.Second, 10*time.Millisecond)

	// The structured branch produced no spoken reply.
	entries := env.sink.Transcripts("CAswitch")
	require.Len(t, entries, 1)
	assert.Equal(t, "user", entries[0].Role)
}

func TestEndCallSpeaksGoodbyeThenTearsDown(t *testing.T) {
	goodbyeAudio := bytes.Repeat([]byte{0x44, 0x55}, audio.FrameSize/2)

	env := newTestEnv(t, HandlerConfig{
		Runtime: runtime.New(&stubLLM{
			res: services.CallResult("end_call", map[string]any{"message": "Goodbye now."}),
		}, false),
		SelectProviders: func(ctx context.Context, voice, lang string) (services.STTProvider, services.TTSProvider) {
			return newScriptedSTT("bye"), newScriptedTTS(
				bytes.Repeat([]byte{0x10}, audio.FrameSize),
				goodbyeAudio,
			)
		},
	})
	env.start(t, "MZbye", "CAbye")
	require.Eventually(t, func() bool {
		return env.out.count("mark") >= 1
	}, 3*time.Second, 10*time.Millisecond)

	env.sendMedia(t, "MZbye")

	require.Eventually(t, func() bool {
		rec := env.registry.Get("CAbye")
		return rec != nil && rec.Status == calls.StatusEnded && env.h.Session("MZbye") == nil
	}, 3*time.Second, 10*time.Millisecond)

	entries := env.sink.Transcripts("CAbye")
	require.Len(t, entries, 2)
	assert.Equal(t, "Goodbye now.", entries[1].Text)
}

func TestHindiSynthesisFallsBackToEnglishVoice(t *testing.T) {
	fallbackAudio := bytes.Repeat([]byte{0xAB}, 3*audio.FrameSize)

	agentDir := agents.NewMemoryDirectory()
	agent := agentDir.Add(agents.Agent{Name: "Asha", Language: "hi"})

	env := newTestEnv(t, HandlerConfig{
		Agents: agentDir,
		SelectProviders: func(ctx context.Context, voice, lang string) (services.STTProvider, services.TTSProvider) {
			// Greeting succeeds, every later synthesis comes back
			// empty so the turn exercises the fallback chain.
			return newScriptedSTT("नमस्ते"), newScriptedTTS(bytes.Repeat([]byte{0x10}, audio.FrameSize))
		},
		FallbackTTS: func(ctx context.Context) services.TTSProvider {
			return newScriptedTTS(fallbackAudio)
		},
	})
	require.NoError(t, env.registry.Upsert(calls.CallRecord{ID: "CAhi", AgentID: agent.ID}))

	env.start(t, "MZhi", "CAhi")
	require.Eventually(t, func() bool {
		return env.out.count("mark") >= 1
	}, 3*time.Second, 10*time.Millisecond)
	framesBefore := env.out.count("media")

	env.sendMedia(t, "MZhi")

	require.Eventually(t, func() bool {
		return env.out.count("media") == framesBefore+3
	}, 3*time.Second, 10*time.Millisecond)

	msgs := env.out.snapshot()
	last := msgs[len(msgs)-1]
	require.Equal(t, "media", last["event"])
	decoded, err := base64.StdEncoding.DecodeString(last["media"].(map[string]any)["payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), decoded[0])
}

func TestSynthesizeFallsBackToMockTone(t *testing.T) {
	h := NewHandler(HandlerConfig{
		FallbackTTS: func(ctx context.Context) services.TTSProvider {
			return newScriptedTTS()
		},
	})
	s := newSession("MZtone", "CAtone")
	s.Language = "hi"
	s.TTS = newScriptedTTS()

	payload := h.synthesizeWithFallback(s, "नमस्ते")
	assert.Len(t, payload, audio.SampleRate) // one second of tone
}

func TestStopWithoutStreamSidUsesLiveCall(t *testing.T) {
	h, s, _ := newSchedulerFixture(t)
	live := calls.StatusLive
	require.NoError(t, h.calls.Update(s.CallID, calls.Patch{Status: &live}))

	h.handleStop("")

	assert.Nil(t, h.get(s.StreamSid))
	rec := h.calls.Get(s.CallID)
	require.NotNil(t, rec)
	assert.Equal(t, calls.StatusEnded, rec.Status)
}

func TestUnknownAndMalformedEventsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, HandlerConfig{
		SelectProviders: func(ctx context.Context, voice, lang string) (services.STTProvider, services.TTSProvider) {
			return newScriptedSTT(), newScriptedTTS(bytes.Repeat([]byte{0x10}, audio.FrameSize))
		},
	})

	require.NoError(t, env.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env.sendJSON(t, map[string]any{"event": "dtmf", "streamSid": "MZrobust"})

	env.start(t, "MZrobust", "CArobust")
	require.Eventually(t, func() bool {
		return env.h.Session("MZrobust") != nil
	}, 3*time.Second, 10*time.Millisecond)
}
