package api

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opm-sh/opm/internal/probe"
)

// Prometheus collectors for the /daemon/prometheus exposition. Registered
// once on a private registry so tests can run several servers in one
// process.
type metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	requestDuration *prometheus.HistogramVec
	startTime       prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuPercentage   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests served.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request latency by route.",
		}, []string{"route"}),
		startTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_start_time_seconds",
			Help: "Daemon start time, unix seconds.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daemon_memory_usage",
			Help: "Daemon RSS in bytes.",
		}),
		cpuPercentage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daemon_cpu_percentage",
			Help: "Daemon CPU usage percent.",
		}),
	}
	m.registry.MustRegister(m.requestsTotal, m.requestDuration, m.startTime, m.memoryUsage, m.cpuPercentage)
	m.startTime.Set(float64(time.Now().Unix()))
	return m
}

var serverMetrics = newMetrics()

// instrument counts requests and observes latency per route template.
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		serverMetrics.requestsTotal.Inc()
		serverMetrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// handlePrometheus refreshes the daemon gauges and serves the text
// exposition.
func (s *Server) handlePrometheus(c *gin.Context) {
	pid := os.Getpid()
	if mem, err := s.probe.Memory(pid); err == nil {
		serverMetrics.memoryUsage.Set(float64(mem.RSS))
	}
	serverMetrics.cpuPercentage.Set(probe.TreeCPUFast(s.probe, pid))

	promhttp.HandlerFor(serverMetrics.registry, promhttp.HandlerOpts{}).
		ServeHTTP(c.Writer, c.Request)
}
