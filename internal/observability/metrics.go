package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coworker"

type moduleMetrics struct {
	turnDuration      prometheus.Histogram
	timeToFirstToken  prometheus.Histogram
	turnsTotal        *prometheus.CounterVec
	refusalsTotal     *prometheus.CounterVec
	retrievalDegraded prometheus.Counter
	retrievalDuration *prometheus.HistogramVec

	queueDepth   prometheus.Gauge
	enqueueTotal prometheus.Counter
	droppedTotal prometheus.Counter
	taskDuration prometheus.Histogram

	supervisorOutcomes *prometheus.CounterVec
	supervisorFailures *prometheus.CounterVec

	contextOutcomes *prometheus.CounterVec

	storeOpDuration *prometheus.HistogramVec

	generationTotal    *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	providerCooldown   *prometheus.GaugeVec

	knowledgeChunks prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end foreground turn duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			timeToFirstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from message receipt to the first streamed token.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
			}),
			turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Foreground turns by status.",
			}, []string{"status"}),
			refusalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refusals_total",
				Help:      "Safety refusals by reason (detected, classifier_error).",
			}, []string{"reason"}),
			retrievalDegraded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrieval_degraded_total",
				Help:      "Turns answered without retrieved documents because retrieval failed.",
			}),
			retrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retrieval_duration_seconds",
				Help:      "Retrieval duration in seconds by backend.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"backend"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "background_queue_depth",
				Help:      "Turns waiting for the supervisor.",
			}),
			enqueueTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_enqueued_total",
				Help:      "Turns handed to the supervisor queue.",
			}),
			droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_dropped_total",
				Help:      "Turns dropped because the supervisor queue was full or closed.",
			}),
			taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "background_task_duration_seconds",
				Help:      "Supervisor turn processing duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			supervisorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_outcomes_total",
				Help:      "Supervisor outcomes (hint_set, hint_pending, resistance, duplicate, analysed).",
			}, []string{"outcome"}),
			supervisorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_failures_total",
				Help:      "Supervisor failures by stage.",
			}, []string{"stage"}),
			contextOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_outcomes_total",
				Help:      "Context window outcomes (appended, pruned, summarized, summarize_failed).",
			}, []string{"outcome"}),
			storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_op_duration_seconds",
				Help:      "Session store operation duration by driver and operation.",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			}, []string{"driver", "op"}),
			generationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_total",
				Help:      "Generation attempts by provider and status.",
			}, []string{"provider", "status"}),
			generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Generation duration in seconds by provider.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_cooldown_active",
				Help:      "Provider cooldown active state (1 active, 0 inactive).",
			}, []string{"provider"}),
			knowledgeChunks: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "knowledge_chunks",
				Help:      "Chunks currently indexed in the knowledge base.",
			}),
		}

		prometheus.MustRegister(
			m.turnDuration,
			m.timeToFirstToken,
			m.turnsTotal,
			m.refusalsTotal,
			m.retrievalDegraded,
			m.retrievalDuration,
			m.queueDepth,
			m.enqueueTotal,
			m.droppedTotal,
			m.taskDuration,
			m.supervisorOutcomes,
			m.supervisorFailures,
			m.contextOutcomes,
			m.storeOpDuration,
			m.generationTotal,
			m.generationDuration,
			m.providerCooldown,
			m.knowledgeChunks,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordTurn(duration time.Duration, status string) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordTimeToFirstToken(d time.Duration) {
	getMetrics().timeToFirstToken.Observe(d.Seconds())
}

func RecordRefusal(reason string) {
	getMetrics().refusalsTotal.WithLabelValues(reason).Inc()
}

func RecordRetrievalDegraded() {
	getMetrics().retrievalDegraded.Inc()
}

func RecordRetrieval(backend string, d time.Duration) {
	getMetrics().retrievalDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func RecordQueueEnqueue(depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueDepth.Set(float64(depth))
}

func RecordQueueDrop(depth int) {
	m := getMetrics()
	m.droppedTotal.Inc()
	m.queueDepth.Set(float64(depth))
}

func RecordQueueCompletion(duration time.Duration, depth int) {
	m := getMetrics()
	m.taskDuration.Observe(duration.Seconds())
	m.queueDepth.Set(float64(depth))
}

func RecordSupervisorOutcome(outcome string) {
	getMetrics().supervisorOutcomes.WithLabelValues(outcome).Inc()
}

func RecordSupervisorFailure(stage string) {
	getMetrics().supervisorFailures.WithLabelValues(stage).Inc()
}

func RecordContextOutcome(outcome string) {
	getMetrics().contextOutcomes.WithLabelValues(outcome).Inc()
}

func RecordStoreOp(driver, op string, d time.Duration) {
	getMetrics().storeOpDuration.WithLabelValues(driver, op).Observe(d.Seconds())
}

func RecordGeneration(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.generationTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.generationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func SetKnowledgeChunks(total int) {
	getMetrics().knowledgeChunks.Set(float64(total))
}
