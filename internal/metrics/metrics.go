// Package metrics exposes Prometheus instrumentation for the download
// engine and an optional metrics/pprof listener.
package metrics

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	// Requests counts download attempts by result and HTTP code.
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "downloader_requests_total", Help: "Download attempts by result and HTTP code"},
		[]string{"result", "code"},
	)
	// Bytes counts total bytes downloaded.
	Bytes = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "downloader_bytes_total", Help: "Total bytes downloaded"})
	// Duration observes per-attempt wall time.
	Duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "downloader_attempt_duration_seconds", Help: "Time spent per download attempt", Buckets: prometheus.DefBuckets})
	// Retries counts retry attempts.
	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "downloader_retries_total", Help: "Total retry attempts"})
	// InFlight gauges concurrent downloads.
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "downloader_inflight", Help: "In-flight downloads"})
	// Processed counts terminal item outcomes by result.
	Processed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "downloader_processed_total", Help: "Processed queue items by result"},
		[]string{"result"},
	)
)

// Register installs the collectors into the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Requests, Bytes, Duration, Retries, InFlight, Processed)
	})
}

// StartMetricsServer serves Prometheus metrics and pprof handlers at addr
// when non-empty. Runs in the background for the process lifetime.
func StartMetricsServer(addr string) {
	if addr == "" {
		return
	}
	Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		slog.Info("metrics/pprof listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "err", err)
		}
	}()
}
