// Package metrics exposes evaluation-round collectors for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunewatch"

// Metrics holds the collectors of one registry. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	rounds          *prometheus.CounterVec
	scoreTotal      *prometheus.GaugeVec
	evalLoss        *prometheus.GaugeVec
	bestScore       *prometheus.GaugeVec
	bestStep        *prometheus.GaugeVec
	predictions     *prometheus.CounterVec
	genLatency      *prometheus.HistogramVec
	persistFailures *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eval_rounds_total",
			Help:      "Evaluation callbacks handled, by outcome (scored, unchanged, ignored).",
		}, []string{"job_id", "outcome"}),
		scoreTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_score",
			Help:      "Composite score of the latest scored checkpoint (lower is better).",
		}, []string{"job_id"}),
		evalLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eval_loss",
			Help:      "Latest eval_loss seen.",
		}, []string{"job_id"}),
		bestScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_checkpoint_score",
			Help:      "Score of the best checkpoint so far.",
		}, []string{"job_id"}),
		bestStep: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_checkpoint_step",
			Help:      "Global step of the best checkpoint so far.",
		}, []string{"job_id"}),
		predictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions generated.",
		}, []string{"job_id"}),
		genLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_seconds",
			Help:      "Per-sample generation latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job_id"}),
		persistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Prediction batches that could not be handed to the writer.",
		}, []string{"job_id"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Round counts an evaluation callback.
func (m *Metrics) Round(jobID, outcome string) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(jobID, outcome).Inc()
}

// Scored records a scored checkpoint. Rejected scores (+Inf) are not
// exported as gauge values.
func (m *Metrics) Scored(jobID string, evalLoss float64, total float64, rejected bool) {
	if m == nil {
		return
	}
	m.evalLoss.WithLabelValues(jobID).Set(evalLoss)
	if !rejected {
		m.scoreTotal.WithLabelValues(jobID).Set(total)
	}
}

// Best records a new best checkpoint.
func (m *Metrics) Best(jobID string, step int, score float64) {
	if m == nil {
		return
	}
	m.bestStep.WithLabelValues(jobID).Set(float64(step))
	m.bestScore.WithLabelValues(jobID).Set(score)
}

// Prediction records one generated prediction.
func (m *Metrics) Prediction(jobID string, latency time.Duration) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(jobID).Inc()
	m.genLatency.WithLabelValues(jobID).Observe(latency.Seconds())
}

// PersistFailure counts a batch that failed to persist.
func (m *Metrics) PersistFailure(jobID string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(jobID).Inc()
}
