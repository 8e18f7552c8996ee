// Package metrics holds the Prometheus collectors of svcgraph
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GraphBuilds counts graph builds.
	// Labels: result (success, error)
	GraphBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svcgraph",
		Subsystem: "graph",
		Name:      "builds_total",
		Help:      "Total graph builds by result",
	}, []string{"result"})

	// GraphBuildDuration measures parsing plus propagation
	GraphBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "svcgraph",
		Subsystem: "graph",
		Name:      "build_duration_seconds",
		Help:      "Time to build and propagate a graph",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	GraphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "svcgraph",
		Subsystem: "graph",
		Name:      "nodes",
		Help:      "Nodes in the published graph",
	})

	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "svcgraph",
		Subsystem: "graph",
		Name:      "edges",
		Help:      "Edges in the published graph",
	})

	// GraphDroppedEdges counts dangling or duplicate edges of the published graph
	GraphDroppedEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "svcgraph",
		Subsystem: "graph",
		Name:      "dropped_edges",
		Help:      "Edges dropped while building the published graph",
	})

	// HTTPRequests counts API requests.
	// Labels: route, code
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svcgraph",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route and status code",
	}, []string{"route", "code"})

	// CacheLookups counts forest cache lookups.
	// Labels: result (hit, miss, error)
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svcgraph",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Forest cache lookups by result",
	}, []string{"result"})
)

// RecordBuild records the outcome of one graph build
func RecordBuild(seconds float64, err error) {
	GraphBuildDuration.Observe(seconds)
	if err != nil {
		GraphBuilds.WithLabelValues("error").Inc()
		return
	}
	GraphBuilds.WithLabelValues("success").Inc()
}

// RecordGraph publishes the size of the current graph
func RecordGraph(nodes, edges, dropped int) {
	GraphNodes.Set(float64(nodes))
	GraphEdges.Set(float64(edges))
	GraphDroppedEdges.Set(float64(dropped))
}

// RecordRequest counts one HTTP request
func RecordRequest(route string, code int) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
