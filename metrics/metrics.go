package metrics

// Package metrics exposes dispatcher counters in prometheus format.
// The collector implements runner.Observer; the endpoint is optional
// and off unless a listen address is configured.

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fastfstests/fastfstests/model"
)

// Collector counts dispatcher activity.
type Collector struct {
	registry *prometheus.Registry

	testsStarted  prometheus.Counter
	testsFinished *prometheus.CounterVec
	testsRetried  prometheus.Counter
	testDuration  prometheus.Histogram
	testsInFlight prometheus.Gauge

	supervisorsUp      prometheus.Gauge
	supervisorRestarts prometheus.Counter
	supervisorsLost    prometheus.Counter
}

// NewCollector builds and registers the collector on its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		testsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastfstests_tests_started_total",
			Help: "Total number of test attempts started",
		}),
		testsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastfstests_tests_finished_total",
			Help: "Total number of tests finalized, by status",
		}, []string{"status"}),
		testsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastfstests_tests_retried_total",
			Help: "Total number of test retries",
		}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fastfstests_test_duration_seconds",
			Help:    "Test attempt duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		testsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastfstests_tests_in_flight",
			Help: "Tests currently executing",
		}),
		supervisorsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fastfstests_supervisors_up",
			Help: "Supervisors currently in the pool",
		}),
		supervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastfstests_supervisor_restarts_total",
			Help: "Total number of supervisor restarts",
		}),
		supervisorsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastfstests_supervisors_lost_total",
			Help: "Supervisors dropped from the pool after a failed restart",
		}),
	}

	c.registry.MustRegister(
		c.testsStarted,
		c.testsFinished,
		c.testsRetried,
		c.testDuration,
		c.testsInFlight,
		c.supervisorsUp,
		c.supervisorRestarts,
		c.supervisorsLost,
	)
	return c
}

func (c *Collector) TestStarted() {
	c.testsStarted.Inc()
	c.testsInFlight.Inc()
}

func (c *Collector) TestFinished(status model.TestStatus, durationSeconds float64) {
	c.testsFinished.WithLabelValues(string(status)).Inc()
	c.testDuration.Observe(durationSeconds)
	c.testsInFlight.Dec()
}

func (c *Collector) TestRetried() {
	c.testsRetried.Inc()
	c.testsInFlight.Dec()
}

func (c *Collector) SupervisorUp() {
	c.supervisorsUp.Inc()
}

func (c *Collector) SupervisorRestarted() {
	c.supervisorRestarts.Inc()
}

func (c *Collector) SupervisorLost() {
	c.supervisorsUp.Dec()
	c.supervisorsLost.Inc()
}

// Serve exposes /metrics on addr until the server fails; intended to
// run in its own goroutine.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
