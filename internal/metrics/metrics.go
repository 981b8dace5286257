package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can create as many as they like.
type Collector struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec // labels: method, pattern, status
	HTTPDuration *prometheus.HistogramVec

	ETAComputations     *prometheus.CounterVec // label: outcome
	ETADuration         prometheus.Histogram
	SpeedSources        *prometheus.CounterVec // label: source
	PreviousLocConflict prometheus.Counter

	LocationUpdates *prometheus.CounterVec // label: result
	RateLimited     prometheus.Counter
	AdminLogins     *prometheus.CounterVec // label: result
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		}, []string{"method", "pattern", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bustracker_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"pattern"}),
		ETAComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_eta_computations_total",
			Help: "ETA computations by outcome (ok, not_found, invalid, conflict, error).",
		}, []string{"outcome"}),
		ETADuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_eta_duration_seconds",
			Help:    "Duration of ETA computations including store round trips.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SpeedSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_speed_estimates_total",
			Help: "Speed estimates by source; anything but measured means the default speed was used.",
		}, []string{"source"}),
		PreviousLocConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_previous_location_conflicts_total",
			Help: "Previous-location writes that lost a race and were retried.",
		}),
		LocationUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_location_updates_total",
			Help: "Bus location reports by result.",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		AdminLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_admin_logins_total",
			Help: "Admin login attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.HTTPRequests, c.HTTPDuration,
		c.ETAComputations, c.ETADuration, c.SpeedSources, c.PreviousLocConflict,
		c.LocationUpdates, c.RateLimited, c.AdminLogins,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// ObserveETA records one engine run. source is empty when the run failed
// before a speed was estimated.
func (c *Collector) ObserveETA(outcome, source string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.ETAComputations.WithLabelValues(outcome).Inc()
	c.ETADuration.Observe(elapsed.Seconds())
	if source != "" {
		c.SpeedSources.WithLabelValues(source).Inc()
	}
}

func (c *Collector) ObservePreviousLocationConflict() {
	if c == nil {
		return
	}
	c.PreviousLocConflict.Inc()
}

func (c *Collector) ObserveHTTP(method, pattern string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if pattern == "" {
		pattern = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(pattern).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveLocationUpdate(result string) {
	if c == nil {
		return
	}
	c.LocationUpdates.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveRateLimited() {
	if c == nil {
		return
	}
	c.RateLimited.Inc()
}

func (c *Collector) ObserveAdminLogin(success bool) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.AdminLogins.WithLabelValues(result).Inc()
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}
