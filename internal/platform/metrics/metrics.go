// Package metrics exposes Prometheus collectors for document rendering,
// persistence and asset loading.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "receta"

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	renders        *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	pages          prometheus.Histogram
	saves          *prometheus.CounterVec
	deletions      *prometheus.CounterVec
	assetSkips     *prometheus.CounterVec
	mirror         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		renders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Prescription documents rendered, by style and outcome.",
			},
			[]string{"style", "outcome"},
		),
		renderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Time to lay out and serialize a prescription document.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"style"},
		),
		pages: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "document_pages",
				Help:      "Pages per rendered prescription.",
				Buckets:   []float64{1, 2, 3, 4, 6, 8},
			},
		),
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saves_total",
				Help:      "Prescription saves, by kind (issue, correction) and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		deletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_total",
				Help:      "Cascade deletions, by scope (patient, prescription) and outcome.",
			},
			[]string{"scope", "outcome"},
		),
		assetSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asset_skips_total",
				Help:      "Images left out of a document because they could not be loaded.",
			},
			[]string{"asset"},
		),
		mirror: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_records_total",
				Help:      "Records pushed to the external mirror, by outcome.",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.renders, m.renderDuration, m.pages, m.saves, m.deletions, m.assetSkips, m.mirror)
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveRender(style string, pages int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(style, outcome(err)).Inc()
	if err == nil {
		m.renderDuration.WithLabelValues(style).Observe(d.Seconds())
		m.pages.Observe(float64(pages))
	}
}

func (m *Metrics) ObserveSave(kind string, err error) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(kind, outcome(err)).Inc()
}

func (m *Metrics) ObserveDeletion(scope string, err error) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(scope, outcome(err)).Inc()
}

func (m *Metrics) AssetSkipped(asset string) {
	if m == nil {
		return
	}
	m.assetSkips.WithLabelValues(asset).Inc()
}

func (m *Metrics) ObserveMirror(err error) {
	if m == nil {
		return
	}
	m.mirror.WithLabelValues(outcome(err)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
