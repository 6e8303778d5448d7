// Package metrics defines the Prometheus counters and the gauge shared
// across anacsync's phases, grounded directly on the teacher's package-level
// metric vars in internal/downloader/downloader.go (registered once via
// sync.Once, served through promhttp).
package metrics

import (
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anacsync_http_requests_total",
		Help: "HTTP requests issued by the transport, by outcome.",
	}, []string{"status"})

	BytesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anacsync_bytes_fetched_total",
		Help: "Total bytes written to .part files by the fetch engine.",
	})

	StrategyAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anacsync_strategy_attempts_total",
		Help: "Fetch engine strategy attempts, by strategy and outcome.",
	}, []string{"strategy", "result"})

	CrawlPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anacsync_crawl_pages_total",
		Help: "Dataset listing pages fetched by the crawler.",
	})

	PlanItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anacsync_plan_items",
		Help: "Number of items in the most recently generated plan.",
	})

	SortMoves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anacsync_sort_moves_total",
		Help: "Files relocated by the sorter, by outcome.",
	}, []string{"result"})

	once sync.Once
)

// Register registers every collector with the default Prometheus registry.
// Safe to call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Requests, BytesFetched, StrategyAttempts, CrawlPages, PlanItems, SortMoves)
	})
}

// Serve starts a blocking HTTP server exposing /metrics, /healthz and
// pprof's debug endpoints, matching the teacher's serveMetrics/
// StartMetricsServer.
func Serve(addr string) error {
	Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return http.ListenAndServe(addr, mux)
}
