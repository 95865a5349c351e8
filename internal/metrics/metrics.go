// Package metrics holds the Prometheus collectors exported on /metrics.
//
// All recording methods are safe on a nil *Collector, so components built
// without metrics need no special casing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flashbox"

// Collector owns a private registry and the application metrics.
type Collector struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	entriesCreated *prometheus.CounterVec
	entriesRemoved *prometheus.CounterVec
	cardsSaved     prometheus.Counter
	cardSyncs      *prometheus.CounterVec
	jobs           *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		entriesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_captured_total",
			Help:      "Inbox entries captured, by content type",
		}, []string{"content_type"}),
		entriesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_removed_total",
			Help:      "Inbox entries removed, by reason",
		}, []string{"reason"}),
		cardsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cards_saved_total",
			Help:      "Card drafts saved to the inbox",
		}),
		cardSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_syncs_total",
			Help:      "Attempts to add a card to Anki, by result",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Background jobs processed, by type and result",
		}, []string{"type", "result"}),
	}
	c.registry.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.entriesCreated,
		c.entriesRemoved,
		c.cardsSaved,
		c.cardSyncs,
		c.jobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) EntryCaptured(contentType string) {
	if c == nil {
		return
	}
	c.entriesCreated.WithLabelValues(contentType).Inc()
}

// EntryRemoved counts a removal; reason is "deleted" or "resolved".
func (c *Collector) EntryRemoved(reason string) {
	if c == nil {
		return
	}
	c.entriesRemoved.WithLabelValues(reason).Inc()
}

func (c *Collector) CardsSaved(n int) {
	if c == nil {
		return
	}
	c.cardsSaved.Add(float64(n))
}

// CardSynced counts a sync attempt; ok reports whether Anki accepted the card.
func (c *Collector) CardSynced(ok bool) {
	if c == nil {
		return
	}
	result := "added"
	if !ok {
		result = "failed"
	}
	c.cardSyncs.WithLabelValues(result).Inc()
}

func (c *Collector) JobProcessed(jobType string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.jobs.WithLabelValues(jobType, result).Inc()
}
