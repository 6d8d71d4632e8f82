package transports

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicewire-labs/voicewire/src/audio"
	"github.com/voicewire-labs/voicewire/src/calls"
)

// capture collects everything a session sends, normalized to generic
// JSON, so tests can assert on the wire shape.
type capture struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (c *capture) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *capture) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *capture) count(event string) int {
	n := 0
	for _, m := range c.snapshot() {
		if m["event"] == event {
			n++
		}
	}
	return n
}

// newSchedulerFixture registers a bare session on a fresh handler so
// the scheduler can be driven without a websocket.
func newSchedulerFixture(t *testing.T) (*Handler, *Session, *capture) {
	t.Helper()
	h := NewHandler(HandlerConfig{Calls: calls.NewRegistry()})
	s := newSession("MZtest", "CAtest")
	out := &capture{}
	s.send = out.send

	h.mu.Lock()
	h.sessions[s.StreamSid] = s
	h.byCall[s.CallID] = s.StreamSid
	h.mu.Unlock()
	t.Cleanup(func() { h.cleanupStream(s.StreamSid) })
	return h, s, out
}

func TestStreamAudioFrameSlicing(t *testing.T) {
	h, s, out := newSchedulerFixture(t)

	// 400 bytes is two full frames plus one 80-byte tail.
	payload := bytes.Repeat([]byte{0x7F}, 400)
	frames := h.streamAudio(s, payload)
	require.Equal(t, 3, frames)

	require.Eventually(t, func() bool {
		return out.count("mark") == 1
	}, 2*time.Second, 10*time.Millisecond)

	var media []map[string]any
	for _, m := range out.snapshot() {
		if m["event"] == "media" {
			media = append(media, m)
		}
	}
	require.Len(t, media, 3)

	sizes := []int{160, 160, 80}
	for i, m := range media {
		assert.Equal(t, strconv.Itoa(i+1), m["sequenceNumber"])
		inner := m["media"].(map[string]any)
		assert.Equal(t, "outbound", inner["track"])
		assert.Equal(t, strconv.Itoa(i+1), inner["chunk"])

		decoded, err := base64.StdEncoding.DecodeString(inner["payload"].(string))
		require.NoError(t, err)
		assert.Len(t, decoded, sizes[i])

		ts, err := strconv.Atoi(inner["timestamp"].(string))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ts, i*audio.FrameDurationMs)
	}

	// One clear ahead of the first frame, then the EOS mark last.
	msgs := out.snapshot()
	assert.Equal(t, "clear", msgs[0]["event"])
	last := msgs[len(msgs)-1]
	assert.Equal(t, "mark", last["event"])
	assert.Equal(t, "eos", last["mark"].(map[string]any)["name"])
}

func TestStreamAudioBargeIn(t *testing.T) {
	h, s, out := newSchedulerFixture(t)

	// A long first playback, interrupted immediately by a short one.
	first := bytes.Repeat([]byte{0x11}, 50*audio.FrameSize)
	second := bytes.Repeat([]byte{0x22}, 2*audio.FrameSize)

	h.streamAudio(s, first)
	h.streamAudio(s, second)

	require.Eventually(t, func() bool {
		return out.count("mark") == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := out.snapshot()

	// One clear per playback start: the interrupted one and the
	// barge-in flush.
	assert.Equal(t, 2, out.count("clear"))

	lastClear := -1
	for i, m := range msgs {
		if m["event"] == "clear" {
			lastClear = i
		}
	}
	require.GreaterOrEqual(t, lastClear, 0)

	// Every frame after the barge-in flush belongs to the new
	// playback; none of the old generation leaks through.
	var after []map[string]any
	for _, m := range msgs[lastClear+1:] {
		if m["event"] == "media" {
			after = append(after, m)
		}
	}
	require.Len(t, after, 2)
	for _, m := range after {
		decoded, err := base64.StdEncoding.DecodeString(m["media"].(map[string]any)["payload"].(string))
		require.NoError(t, err)
		for _, b := range decoded {
			require.Equal(t, byte(0x22), b)
		}
	}
}

func TestStopAudioWithNothingPlaying(t *testing.T) {
	h, s, out := newSchedulerFixture(t)
	h.stopAudio(s)
	h.stopAudio(s)
	assert.Equal(t, 2, out.count("clear"))
	assert.Equal(t, 0, out.count("media"))
}

func TestSequenceNumbersSpanTurns(t *testing.T) {
	h, s, out := newSchedulerFixture(t)

	h.streamAudio(s, bytes.Repeat([]byte{0x01}, audio.FrameSize))
	require.Eventually(t, func() bool { return out.count("mark") == 1 }, 2*time.Second, 10*time.Millisecond)
	h.streamAudio(s, bytes.Repeat([]byte{0x02}, audio.FrameSize))
	require.Eventually(t, func() bool { return out.count("mark") == 2 }, 2*time.Second, 10*time.Millisecond)

	var seqs []string
	for _, m := range out.snapshot() {
		if m["event"] == "media" {
			seqs = append(seqs, m["sequenceNumber"].(string))
		}
	}
	assert.Equal(t, []string{"1", "2"}, seqs)
}

func TestCleanupStreamIdempotent(t *testing.T) {
	h := NewHandler(HandlerConfig{Calls: calls.NewRegistry()})
	s := newSession("MZcleanup", "CAcleanup")
	out := &capture{}
	s.send = out.send
	s.STT = newScriptedSTT()

	h.mu.Lock()
	h.sessions[s.StreamSid] = s
	h.byCall[s.CallID] = s.StreamSid
	h.mu.Unlock()

	h.streamAudio(s, bytes.Repeat([]byte{0x33}, 20*audio.FrameSize))

	h.cleanupStream(s.StreamSid)
	h.cleanupStream(s.StreamSid)

	assert.Nil(t, h.get(s.StreamSid))
	rec := h.calls.Get(s.CallID)
	require.NotNil(t, rec)
	assert.Equal(t, calls.StatusEnded, rec.Status)
	assert.False(t, rec.EndedAt.IsZero())

	// Pending frames were canceled; nothing fires after teardown.
	sent := out.count("media")
	time.Sleep(3 * audio.FrameDurationMs * time.Millisecond)
	assert.Equal(t, sent, out.count("media"))
}

func TestHistoryCap(t *testing.T) {
	s := newSession("MZhist", "CAhist")
	for i := 0; i < 40; i++ {
		s.appendHistory("user", strconv.Itoa(i))
	}
	require.Len(t, s.history, 16)
	assert.Equal(t, "24", s.history[0].Content)
	assert.Equal(t, "39", s.history[15].Content)
}

func TestComputeQualityScore(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		latency int64
		want    float64
	}{
		{"ideal", "one two three four five six seven eight nine ten.", 1500, 1.00},
		{"short reply", "Hi.", 1500, 0.76},
		{"slow", "one two three four five.", 4500, 0.84},
		{"very slow no punctuation", "one two three four five", 9000, 0.62},
		{"long ramble", makeWords(81) + ".", 1000, 0.76},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeQualityScore(tt.text, tt.latency)
			assert.InDelta(t, tt.want, got.Overall, 0.001)
		})
	}
}

func makeWords(n int) string {
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("word")
	}
	return b.String()
}
