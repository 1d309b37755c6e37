package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	AudioFrames           prometheus.Counter
	Utterances            *prometheus.CounterVec
	UtteranceGaps         prometheus.Counter
	RealtimeState         prometheus.Gauge
	RealtimeReconnects    *prometheus.CounterVec
	RealtimeEvents        *prometheus.CounterVec
	ToolExecutions        *prometheus.CounterVec
	PartialContextUpdates prometheus.Counter
	STTLatency            prometheus.Histogram
	LLMLatency            prometheus.Histogram
	TTSCost               prometheus.Counter
	LLMCost               prometheus.Counter
	WSMessages            *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		AudioFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Captured audio frames handed to the processing worker.",
		}),
		Utterances: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_utterances_total",
			Help:      "Finished utterances by hand-off outcome.",
		}, []string{"outcome"}),
		UtteranceGaps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_utterance_gaps_total",
			Help:      "Frame index gaps found while assembling utterances.",
		}),
		RealtimeState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_state",
			Help:      "Current realtime connection state (0=disconnected .. 5=closed).",
		}),
		RealtimeReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime reconnect cycles by reason.",
		}, []string{"reason"}),
		RealtimeEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Inbound realtime server events by type.",
		}, []string{"type"}),
		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		PartialContextUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_context_updates_total",
			Help:      "Partial tool-argument updates delivered to listeners.",
		}),
		STTLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_ms",
			Help:      "Speech-to-text latency in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		LLMLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_ms",
			Help:      "Chat completion latency in milliseconds.",
			Buckets:   []float64{200, 400, 700, 1000, 1500, 2500, 4000, 8000},
		}),
		TTSCost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_cost_usd_total",
			Help:      "Estimated speech output cost in USD.",
		}),
		LLMCost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Estimated completion cost in USD.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Control websocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveSTTLatency(d time.Duration) {
	m.STTLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveLLMLatency(d time.Duration) {
	m.LLMLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
