package transports

import (
	"math"
	"strings"
)

// QualityScore breaks a turn's heuristic quality into its components.
// Overall is the weighted blend, rounded to two decimals.
type QualityScore struct {
	Overall     float64
	Length      float64
	Latency     float64
	Punctuation float64
	WordCount   int
}

// computeQualityScore grades one assistant turn. Length counts for
// 40%, latency for 40%, terminal punctuation for 20%.
func computeQualityScore(text string, latencyMs int64) QualityScore {
	words := strings.Fields(text)

	length := 1.0
	if len(words) < 3 || len(words) > 80 {
		length = 0.4
	}

	latency := 0.2
	switch {
	case latencyMs <= 3000:
		latency = 1.0
	case latencyMs <= 6000:
		latency = 0.6
	}

	punctuation := 0.7
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?") {
		punctuation = 1.0
	}

	overall := 0.4*length + 0.4*latency + 0.2*punctuation
	return QualityScore{
		Overall:     math.Round(overall*100) / 100,
		Length:      length,
		Latency:     latency,
		Punctuation: punctuation,
		WordCount:   len(words),
	}
}
