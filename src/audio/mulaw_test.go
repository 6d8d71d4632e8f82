package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulawRoundTrip(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}
	encoded := PCMToMulaw(samples)
	decoded := MulawToPCM(encoded)

	require.Len(t, decoded, len(samples))
	for i, orig := range samples {
		// Mu-law is lossy; tolerance grows with magnitude.
		diff := int(decoded[i]) - int(orig)
		if diff < 0 {
			diff = -diff
		}
		tolerance := int(orig)/16 + 64
		if tolerance < 0 {
			tolerance = -tolerance
		}
		assert.LessOrEqual(t, diff, tolerance, "sample %d: %d -> %d", i, orig, decoded[i])
	}
}

func TestBytesToPCM(t *testing.T) {
	pcm := []int16{1, -1, 256}
	data := PCMToBytes(pcm)
	back, err := BytesToPCM(data)
	require.NoError(t, err)
	assert.Equal(t, pcm, back)

	_, err = BytesToPCM([]byte{0x01})
	assert.Error(t, err)
}

func TestTone(t *testing.T) {
	tone := Tone(400, 1000)
	require.Len(t, tone, SampleRate)

	// A 400Hz square wave at 8kHz alternates every 10 samples.
	assert.Equal(t, tone[0], tone[5])
	assert.NotEqual(t, tone[0], tone[15])

	// Deterministic output.
	assert.Equal(t, tone, Tone(400, 1000))
}
