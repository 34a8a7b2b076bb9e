package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChatRequests       *prometheus.CounterVec
	Compactions        *prometheus.CounterVec
	Persists           *prometheus.CounterVec
	StreamChunks       *prometheus.CounterVec
	ActorEvents        *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	UpstreamLatency    *prometheus.HistogramVec
	PromptTokens       prometheus.Histogram
	BackgroundPersists prometheus.Gauge
	ActiveActors       prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by mode (buffered|stream|ws) and outcome.",
		}, []string{"mode", "outcome"}),
		Compactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "History compaction attempts by outcome.",
		}, []string{"outcome"}),
		Persists: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Turn persistence attempts by path and outcome.",
		}, []string{"path", "outcome"}),
		StreamChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Streamed reply chunks delivered per tee branch.",
		}, []string{"branch"}),
		ActorEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actor_events_total",
			Help:      "Session actor lifecycle events.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Latency until the model returned a reply or opened a stream, in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"mode"}),
		PromptTokens: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_tokens",
			Help:      "Estimated prompt size in tokens.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		}),
		BackgroundPersists: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_persists",
			Help:      "Streamed replies still accumulating or persisting in the background.",
		}),
		ActiveActors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_actors",
			Help:      "Session actors resident in memory.",
		}),
	}
}

func (m *Metrics) ObserveChat(mode, outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) ObserveCompaction(outcome string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePersist(path, outcome string) {
	if m == nil {
		return
	}
	m.Persists.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) ObserveStreamChunk(branch string) {
	if m == nil {
		return
	}
	m.StreamChunks.WithLabelValues(branch).Inc()
}

func (m *Metrics) ObserveUpstreamLatency(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(mode).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObservePromptTokens(n int) {
	if m == nil {
		return
	}
	m.PromptTokens.Observe(float64(n))
}

func (m *Metrics) BackgroundPersistStarted() {
	if m == nil {
		return
	}
	m.BackgroundPersists.Inc()
}

func (m *Metrics) BackgroundPersistDone() {
	if m == nil {
		return
	}
	m.BackgroundPersists.Dec()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveActorEvent counts an actor lifecycle event and refreshes the resident gauge.
func (m *Metrics) ObserveActorEvent(event string, active int) {
	if m == nil {
		return
	}
	m.ActorEvents.WithLabelValues(event).Inc()
	m.ActiveActors.Set(float64(active))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
