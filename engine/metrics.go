package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. One Metrics value is
// shared by every engine under a Manager; series are labeled by
// conversation id.
type Metrics struct {
	eventsIngested  *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	gapsSkipped     *prometheus.CounterVec
	placeholders    *prometheus.CounterVec
	openRequests    *prometheus.GaugeVec
	bufferedEvents  *prometheus.GaugeVec
	reduceDurations *prometheus.HistogramVec
}

// NewMetrics registers the engine instruments with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		eventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentline",
			Name:      "events_ingested_total",
			Help:      "Events accepted by the sequencer, including buffered ones.",
		}, []string{"conversation"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentline",
			Name:      "events_duplicate_total",
			Help:      "Duplicate or stale events discarded by the sequencer.",
		}, []string{"conversation"}),
		gapsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentline",
			Name:      "gaps_skipped_total",
			Help:      "Unrecoverable sequence gaps skipped after the buffer age bound.",
		}, []string{"conversation"}),
		placeholders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentline",
			Name:      "placeholders_synthesized_total",
			Help:      "Requester placeholders synthesized for unmatched resolvers.",
		}, []string{"conversation"}),
		openRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentline",
			Name:      "hitl_open_requests",
			Help:      "Human-in-the-loop requests currently awaiting an answer.",
		}, []string{"conversation"}),
		bufferedEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentline",
			Name:      "sequencer_buffered_events",
			Help:      "Out-of-order events held in the reorder buffer.",
		}, []string{"conversation"}),
		reduceDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentline",
			Name:      "reduce_duration_seconds",
			Help:      "Time spent folding one ordered event into the reduced state.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"conversation"}),
	}
}
