package calls

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryForwardOnly(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert(CallRecord{ID: "CA1", Status: StatusStarting}))

	live := StatusLive
	require.NoError(t, r.Update("CA1", Patch{Status: &live}))
	assert.Equal(t, StatusLive, r.Get("CA1").Status)

	starting := StatusStarting
	assert.Error(t, r.Update("CA1", Patch{Status: &starting}))
	assert.Equal(t, StatusLive, r.Get("CA1").Status)

	ended := StatusEnded
	now := time.Now()
	require.NoError(t, r.Update("CA1", Patch{Status: &ended, EndedAt: &now}))
	assert.Equal(t, StatusEnded, r.Get("CA1").Status)

	// ended is terminal
	assert.Error(t, r.Update("CA1", Patch{Status: &live}))

	// re-ending is idempotent
	require.NoError(t, r.Update("CA1", Patch{Status: &ended}))
}

func TestRegistryUpsertPreservesRouting(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert(CallRecord{ID: "CA2", AgentID: 7, Voice: "rachel", Status: StatusStarting}))
	require.NoError(t, r.Upsert(CallRecord{ID: "CA2", Status: StatusLive}))

	rec := r.Get("CA2")
	require.NotNil(t, rec)
	assert.Equal(t, 7, rec.AgentID)
	assert.Equal(t, "rachel", rec.Voice)
}

func TestRegistryLive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert(CallRecord{ID: "CA3", Status: StatusLive}))
	require.NoError(t, r.Upsert(CallRecord{ID: "CA4", Status: StatusEnded}))

	live := r.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "CA3", live[0].ID)

	assert.Nil(t, r.Get("missing"))
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.AddTranscript(ctx, "CA5", "user", "hello"))
	require.NoError(t, s.AddTranscript(ctx, "CA5", "assistant", "hi there"))
	require.NoError(t, s.AddMetric(ctx, TurnMetric{CallID: "CA5", Quality: 1.0}))

	ts := s.Transcripts("CA5")
	require.Len(t, ts, 2)
	assert.Equal(t, "user", ts[0].Role)
	assert.Equal(t, "assistant", ts[1].Role)
	assert.Len(t, s.Metrics("CA5"), 1)
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	sink := NewRedisSink(RedisSinkConfig{Addr: mr.Addr()})
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Ping(ctx))
	require.NoError(t, sink.AddTranscript(ctx, "CA6", "user", "namaste"))
	require.NoError(t, sink.AddMetric(ctx, TurnMetric{
		CallID:       "CA6",
		StreamSid:    "MZ1",
		LLMLatencyMs: 1500,
		OutputLength: 42,
		Quality:      0.92,
	}))

	raw, err := mr.List("transcripts:CA6")
	require.NoError(t, err)
	require.Len(t, raw, 1)

	var entry TranscriptEntry
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &entry))
	assert.Equal(t, "namaste", entry.Text)

	raw, err = mr.List("metrics:CA6")
	require.NoError(t, err)
	require.Len(t, raw, 1)

	var m TurnMetric
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &m))
	assert.Equal(t, 0.92, m.Quality)
	assert.Equal(t, int64(1500), m.LLMLatencyMs)
}
