package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsigner_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsigner_http_request_errors_total",
		Help: "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchsigner_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	composeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchsigner_compose_duration_seconds",
		Help:    "Time spent composing a batch, simulation included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"chain", "outcome"})

	simulations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsigner_simulations_total",
		Help: "Pre-execution calls by outcome.",
	}, []string{"outcome"})

	broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsigner_broadcasts_total",
		Help: "Broadcast attempts by outcome.",
	}, []string{"chain", "outcome"})

	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsigner_retry_policy_applied_total",
		Help: "Retry policies applied before re-broadcasting.",
	}, []string{"policy"})

	bestEffortFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchsigner_best_effort_failures_total",
		Help: "Swallowed failures of optional collaborators.",
	}, []string{"component"})
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveCompose records one batch composition.
func ObserveCompose(chainID uint64, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	composeDuration.WithLabelValues(strconv.FormatUint(chainID, 10), outcome).Observe(duration.Seconds())
}

// IncSimulation counts a simulation call.
func IncSimulation(outcome string) {
	simulations.WithLabelValues(outcome).Inc()
}

// IncBroadcast counts a broadcast attempt; outcome is ok, device or failed.
func IncBroadcast(chainID uint64, outcome string) {
	broadcasts.WithLabelValues(strconv.FormatUint(chainID, 10), outcome).Inc()
}

// IncRetry counts an applied retry policy.
func IncRetry(policy string) {
	retries.WithLabelValues(policy).Inc()
}

// IncBestEffortFailure counts a swallowed optional failure.
func IncBestEffortFailure(component string) {
	bestEffortFailures.WithLabelValues(component).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
