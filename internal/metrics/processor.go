// Package metrics exposes Prometheus collectors fed by session events.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/hsstream/internal/events"
	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

const namespace = "hsstream"

type Processor struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	streamsOpened   *prometheus.CounterVec
	streamsFailed   prometheus.Counter
	questions       prometheus.Counter
	completed       prometheus.Counter
	finalConfidence prometheus.Histogram
}

// NewProcessor registers the collectors on a private registry.
func NewProcessor() *Processor {
	p := &Processor{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events applied, by event type.",
		}, []string{"type"}),
		streamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Classification streams requested, by mode.",
		}, []string{"mode"}),
		streamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Streams that ended with a transport or read error.",
		}),
		questions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_total",
			Help:      "Clarification questions received.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_completed_total",
			Help:      "Classifications that reached a final code.",
		}),
		finalConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "final_confidence",
			Help:      "Confidence reported with final classifications.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
	p.registry.MustRegister(p.events, p.streamsOpened, p.streamsFailed, p.questions, p.completed, p.finalConfidence)
	return p
}

// TrackSessions exposes the live session count through fn.
func (p *Processor) TrackSessions(fn func() float64) {
	p.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently held in the registry.",
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Processor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Process updates collectors based on event type.
func (p *Processor) Process(_ context.Context, rec store.EventRecord) {
	e := events.Event{Type: rec.EventType, Data: rec.Data}

	switch rec.EventType {
	case events.TypeStreamOpened:
		mode := e.DataField("mode")
		if mode == "" {
			mode = "unknown"
		}
		p.streamsOpened.WithLabelValues(mode).Inc()
		return
	case events.TypeStreamFailed:
		p.streamsFailed.Inc()
		return
	case events.TypeStreamClosed:
		return
	case events.TypeQuestionGenerated:
		p.questions.Inc()
	case events.TypeClassificationComplete:
		p.completed.Inc()
		if c, ok := e.DataNumber("confidence"); ok {
			p.finalConfidence.Observe(c)
		}
	}

	p.events.WithLabelValues(rec.EventType).Inc()
}
