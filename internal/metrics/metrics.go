// Package metrics exposes rate limiter and dispatcher activity.
//
// Registers:
//
//	#okxgate_ratelimit_grants_total{id}
//	#okxgate_ratelimit_waits_total{id}
//	#okxgate_ratelimit_timeouts_total{id}
//	#okxgate_ratelimit_releases_total{id}
//	#okxgate_ratelimit_wait_seconds{id}
//	#okxgate_ratelimit_window_usage{shard,id}
//	#okxgate_ratelimit_window_waiting{shard,id}
//	#okxgate_rest_requests_total{path,outcome}
//
// and serves them on /metrics with the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"okxgate/internal/ratelimit"
)

const namespace = "okxgate"

// Collector implements ratelimit.Observer on top of Prometheus vectors.
type Collector struct {
	grants       *prometheus.CounterVec
	waits        *prometheus.CounterVec
	timeouts     *prometheus.CounterVec
	releases     *prometheus.CounterVec
	waitSeconds  *prometheus.HistogramVec
	usage        *prometheus.GaugeVec
	waiting      *prometheus.GaugeVec
	restRequests *prometheus.CounterVec
}

var _ ratelimit.Observer = (*Collector)(nil)

// NewCollector builds the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: name, Help: help,
		}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: name, Help: help,
		}, []string{"shard", "id"})
	}

	c := &Collector{
		grants:   counter("grants_total", "Calls granted by the rate limiter", "id"),
		waits:    counter("waits_total", "Calls that had to wait for quota", "id"),
		timeouts: counter("timeouts_total", "Waits abandoned because the caller gave up", "id"),
		releases: counter("releases_total", "Reservations rolled back after a pre-send failure", "id"),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a grant",
			Buckets:   []float64{0, .005, .01, .05, .1, .25, .5, 1, 2, 5, 15},
		}, []string{"id"}),
		usage:   gauge("window_usage", "Grants inside the current sliding window"),
		waiting: gauge("window_waiting", "Callers queued on the window"),
		restRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "requests_total",
			Help:      "REST calls by path and outcome",
		}, []string{"path", "outcome"}),
	}

	for _, col := range []prometheus.Collector{
		c.grants, c.waits, c.timeouts, c.releases, c.waitSeconds, c.usage, c.waiting, c.restRequests,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) Granted(id string, waited time.Duration) {
	c.grants.WithLabelValues(id).Inc()
	c.waitSeconds.WithLabelValues(id).Observe(waited.Seconds())
}

func (c *Collector) Waiting(id string) {
	c.waits.WithLabelValues(id).Inc()
}

func (c *Collector) TimedOut(id string) {
	c.timeouts.WithLabelValues(id).Inc()
}

func (c *Collector) Released(id string) {
	c.releases.WithLabelValues(id).Inc()
}

// ObserveUsage copies the snapshot of one limiter into the window gauges.
// shard names the limiter; each source IP has its own.
func (c *Collector) ObserveUsage(shard string, usage []ratelimit.Usage) {
	for _, u := range usage {
		c.usage.WithLabelValues(shard, u.ID).Set(float64(u.Count))
		c.waiting.WithLabelValues(shard, u.ID).Set(float64(u.Waiting))
	}
}

// ObserveRequest counts a finished REST call. status 0 means no response;
// calls abandoned while waiting for quota count as rate_limit_timeout.
func (c *Collector) ObserveRequest(path string, status int, err error) {
	outcome := "error"
	switch {
	case err == nil:
		outcome = "ok"
	case errors.Is(err, ratelimit.ErrRateLimitTimeout):
		outcome = "rate_limit_timeout"
	case status > 0:
		outcome = strconv.Itoa(status)
	}
	c.restRequests.WithLabelValues(path, outcome).Inc()
}

// NewRegistry returns a Prometheus registry preloaded with the Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Serve exposes g on addr/metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
