package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionState is 1 for the current session state and 0 for the others.
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "croissant_session_state",
		Help: "Current inference session state (1 = active).",
	}, []string{"state"})

	// LoadProgress is the fraction of the current model load.
	LoadProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "croissant_load_progress_ratio",
		Help: "Progress of the current model download or load, 0 to 1.",
	})

	// LoadDuration tracks session creation time by outcome.
	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "croissant_load_duration_seconds",
		Help:    "Time spent creating the inference session.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"outcome"})

	// GenerationDuration tracks single-paragraph streams by outcome.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "croissant_generation_duration_seconds",
		Help:    "Time spent streaming one paragraph translation.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
	}, []string{"outcome"})

	// DeltasTotal counts streamed text fragments.
	DeltasTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "croissant_deltas_total",
		Help: "Text deltas received from the backend.",
	})

	// ParagraphsTotal counts processed paragraphs by class (word, sentence, blank).
	ParagraphsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "croissant_paragraphs_total",
		Help: "Paragraphs processed by heuristic class.",
	}, []string{"class"})

	// JobsTotal counts translate jobs by outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "croissant_jobs_total",
		Help: "Translate jobs by outcome.",
	}, []string{"outcome"})
)

var states = []string{"uninitialized", "loading", "ready", "generating", "error"}

// SetSessionState marks state as the only active session state.
func SetSessionState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
