package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collector holds the relay's Prometheus metrics on a private registry.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	uploadBytes    *prometheus.CounterVec
	uploadErrors   *prometheus.CounterVec
	jobStarts      prometheus.Counter
	jobExits       *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	workerRSS      prometheus.Gauge
	workerCPU      prometheus.Gauge
	httpRequests   *prometheus.CounterVec

	mu        sync.RWMutex
	lastCodes map[int]int64 // worker exit code -> count
}

// NewCollector creates and registers every metric.
func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		lastCodes: make(map[int]int64),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detectrelay_sessions_active",
			Help: "Connected sessions",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectrelay_sessions_total",
			Help: "Finished sessions by final state",
		}, []string{"state"}),
		uploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectrelay_upload_bytes_total",
			Help: "Bytes received by upload category",
		}, []string{"category"}),
		uploadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectrelay_upload_errors_total",
			Help: "Failed uploads by category",
		}, []string{"category"}),
		jobStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detectrelay_jobs_started_total",
			Help: "Worker processes launched",
		}),
		jobExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectrelay_jobs_exited_total",
			Help: "Worker exits by reason",
		}, []string{"reason"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detectrelay_job_duration_seconds",
			Help:    "Worker run time",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		workerRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detectrelay_worker_rss_bytes",
			Help: "Resident memory of the most recently sampled worker",
		}),
		workerCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detectrelay_worker_cpu_percent",
			Help: "CPU usage of the most recently sampled worker",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detectrelay_http_requests_total",
			Help: "HTTP requests by handler and status code",
		}, []string{"handler", "code"}),
	}

	c.registry.MustRegister(
		c.activeSessions, c.sessionsTotal, c.uploadBytes, c.uploadErrors,
		c.jobStarts, c.jobExits, c.jobDuration, c.workerRSS, c.workerCPU, c.httpRequests,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) SessionStarted() { c.activeSessions.Inc() }

func (c *Collector) SessionEnded(state string) {
	c.activeSessions.Dec()
	c.sessionsTotal.WithLabelValues(state).Inc()
}

func (c *Collector) UploadBytes(category string, n int) {
	c.uploadBytes.WithLabelValues(category).Add(float64(n))
}

func (c *Collector) UploadFailed(category string) {
	if category == "" {
		category = "unknown"
	}
	c.uploadErrors.WithLabelValues(category).Inc()
}

func (c *Collector) JobStarted() { c.jobStarts.Inc() }

// JobExited records a finished worker.
func (c *Collector) JobExited(reason string, code int, d time.Duration) {
	c.jobExits.WithLabelValues(reason).Inc()
	c.jobDuration.Observe(d.Seconds())

	c.mu.Lock()
	c.lastCodes[code]++
	c.mu.Unlock()
}

// WorkerSampled records a worker resource reading.
func (c *Collector) WorkerSampled(cpuPercent float64, rssBytes uint64) {
	c.workerCPU.Set(cpuPercent)
	c.workerRSS.Set(float64(rssBytes))
}

// ObserveRequest counts one HTTP response.
func (c *Collector) ObserveRequest(handler string, code int) {
	c.httpRequests.WithLabelValues(handler, strconv.Itoa(code)).Inc()
}

// ServeHTTP serves Prometheus-compatible metrics
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# HELP detectrelay_uptime_seconds Time since the relay started\n")
	fmt.Fprintf(&buf, "# TYPE detectrelay_uptime_seconds gauge\n")
	fmt.Fprintf(&buf, "detectrelay_uptime_seconds %d\n", int64(time.Since(c.startTime).Seconds()))

	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(&buf, "# HELP detectrelay_host_memory_used_percent Host memory in use\n")
		fmt.Fprintf(&buf, "# TYPE detectrelay_host_memory_used_percent gauge\n")
		fmt.Fprintf(&buf, "detectrelay_host_memory_used_percent %.2f\n", vm.UsedPercent)
	}

	c.mu.RLock()
	if len(c.lastCodes) > 0 {
		fmt.Fprintf(&buf, "# HELP detectrelay_job_exit_codes_total Worker exits by exit code\n")
		fmt.Fprintf(&buf, "# TYPE detectrelay_job_exit_codes_total counter\n")
		for code, n := range c.lastCodes {
			fmt.Fprintf(&buf, "detectrelay_job_exit_codes_total{code=\"%d\"} %d\n", code, n)
		}
	}
	c.mu.RUnlock()

	families, err := c.registry.Gather()
	if err != nil {
		fmt.Fprintf(&buf, "# Error gathering metrics: %v\n", err)
	}
	encoder := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(&buf, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}

	w.Write(buf.Bytes())
}
