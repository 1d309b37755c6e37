package observability

import "time"

const (
	StageSTT = "stt"
	StageLLM = "llm"
)

// Observer receives latency and cost samples from the pipeline. Calls are
// best-effort and must never block or fail the caller.
type Observer interface {
	LogSTTLatency(d time.Duration)
	LogLLMLatency(d time.Duration)
	LogTTSCost(usd float64)
	LogLLMCost(usd float64)
}

// Recorder is the default Observer: Prometheus instruments plus a rolling
// latency window served at /v1/perf/latency.
type Recorder struct {
	metrics *Metrics
	window  *LatencyWindow
}

func NewRecorder(metrics *Metrics, window *LatencyWindow) *Recorder {
	return &Recorder{metrics: metrics, window: window}
}

func (r *Recorder) LogSTTLatency(d time.Duration) {
	if r == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveSTTLatency(d)
	}
	r.window.Observe(StageSTT, float64(d.Milliseconds()))
}

func (r *Recorder) LogLLMLatency(d time.Duration) {
	if r == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveLLMLatency(d)
	}
	r.window.Observe(StageLLM, float64(d.Milliseconds()))
}

func (r *Recorder) LogTTSCost(usd float64) {
	if r == nil || r.metrics == nil || usd <= 0 {
		return
	}
	r.metrics.TTSCost.Add(usd)
}

func (r *Recorder) LogLLMCost(usd float64) {
	if r == nil || r.metrics == nil || usd <= 0 {
		return
	}
	r.metrics.LLMCost.Add(usd)
}

func (r *Recorder) Latency() LatencySnapshot {
	if r == nil || r.window == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return r.window.Snapshot()
}

// Nop discards every sample.
type Nop struct{}

func (Nop) LogSTTLatency(time.Duration) {}
func (Nop) LogLLMLatency(time.Duration) {}
func (Nop) LogTTSCost(float64)          {}
func (Nop) LogLLMCost(float64)          {}
