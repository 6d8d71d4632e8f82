// Package metrics exposes the engine's per-call observability as
// prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the session engine's prometheus instruments.
type Collector struct {
	SessionsActive prometheus.Gauge
	InboundFrames  prometheus.Counter
	OutboundFrames prometheus.Counter
	Turns          prometheus.Counter
	LLMLatency     prometheus.Histogram
	TurnQuality    prometheus.Histogram
	TTSFallbacks   *prometheus.CounterVec
}

// NewCollector registers the instruments with reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live media streams.",
		}),
		InboundFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Media frames received from the carrier.",
		}),
		OutboundFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Media frames paced back to the carrier.",
		}),
		Turns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed assistant turns.",
		}),
		LLMLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Wall-clock latency of one language-model turn.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 6, 10},
		}),
		TurnQuality: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_quality",
			Help:      "Per-turn quality score (0.0-1.0).",
			Buckets:   []float64{0.2, 0.4, 0.6, 0.8, 0.9, 1.0},
		}),
		TTSFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_fallbacks_total",
			Help:      "Synthesis fallbacks by stage (english_voice, mock_tone).",
		}, []string{"stage"}),
	}
}

// Nop returns a collector backed by a throwaway registry, for code
// paths that do not care about metrics.
func Nop() *Collector {
	return NewCollector("voicewire", prometheus.NewRegistry())
}
