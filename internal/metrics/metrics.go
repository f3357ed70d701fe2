// Package metrics exposes Prometheus collectors for imports, lifecycle
// transitions and region lookups.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	transitionsTotal    *prometheus.CounterVec
	importsTotal        *prometheus.CounterVec
	droppedPolygons     prometheus.Counter
	sentinelCoordinates prometheus.Counter
	importDuration      prometheus.Histogram
	regionLookupsTotal  *prometheus.CounterVec
	sheetsCreatedTotal  prometheus.Counter
}

func New() (*Recorder, error) {
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forestline_transitions_total",
			Help: "Lifecycle transitions attempted, by transition and result",
		},
		[]string{"transition", "result"}, // result: ok, invalid, ineligible, conflict, error
	)
	r.importsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forestline_worksheet_imports_total",
			Help: "Worksheet imports, by encoding and status",
		},
		[]string{"encoding", "status"},
	)
	r.droppedPolygons = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forestline_polygons_dropped_total",
		Help: "Features dropped during import for invalid geometry",
	})
	r.sentinelCoordinates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forestline_unmappable_coordinates_total",
		Help: "Vertices that normalized to the (0,0) sentinel",
	})
	r.importDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "forestline_worksheet_import_duration_seconds",
		Help:    "Time taken to decode, normalize and store a worksheet",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	r.regionLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forestline_region_lookups_total",
			Help: "Polygon region lookups, by result",
		},
		[]string{"result"}, // result: hit, miss, error
	)
	r.sheetsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forestline_execution_sheets_created_total",
		Help: "Execution sheets created",
	})
	for _, c := range []prometheus.Collector{
		r.transitionsTotal, r.importsTotal, r.droppedPolygons, r.sentinelCoordinates,
		r.importDuration, r.regionLookupsTotal, r.sheetsCreatedTotal,
	} {
		if err := r.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Transition(transition, result string) {
	if r == nil {
		return
	}
	r.transitionsTotal.WithLabelValues(transition, result).Inc()
}

func (r *Recorder) Import(encoding, status string, dropped, sentinels int, took time.Duration) {
	if r == nil {
		return
	}
	r.importsTotal.WithLabelValues(encoding, status).Inc()
	r.droppedPolygons.Add(float64(dropped))
	r.sentinelCoordinates.Add(float64(sentinels))
	r.importDuration.Observe(took.Seconds())
}

func (r *Recorder) RegionLookup(result string) {
	if r == nil {
		return
	}
	r.regionLookupsTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) SheetCreated() {
	if r == nil {
		return
	}
	r.sheetsCreatedTotal.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
}
