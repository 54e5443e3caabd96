// Package metrics implements the shared metrics collector. The Prometheus
// registry is the one deliberate process-wide singleton: counters and
// histograms are registered once at init and only ever appended to. Everything
// else (the rolling-window collector) is an instance passed to components at
// construction.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "conduit_requests_total",
		Help: "Total forwarded requests by outcome.",
	}, []string{"outcome"})
	RequestDuration = prom.NewHistogram(prom.HistogramOpts{
		Name:    "conduit_request_seconds",
		Help:    "Duration of forwarded requests.",
		Buckets: prom.DefBuckets,
	})
	ErrorsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "conduit_errors_total",
		Help: "Tunnel errors by category.",
	}, []string{"category"})
	ReconnectsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "conduit_reconnect_attempts_total",
		Help: "Reconnection attempts by outcome.",
	}, []string{"outcome"})
	ConnectionTransitions = prom.NewCounterVec(prom.CounterOpts{
		Name: "conduit_connection_transitions_total",
		Help: "Connection state transitions by target state.",
	}, []string{"state"})
	ActiveTunnels = prom.NewGauge(prom.GaugeOpts{
		Name: "conduit_active_tunnels",
		Help: "Number of currently connected tunnels.",
	})
	ActiveChannels = prom.NewGauge(prom.GaugeOpts{
		Name: "conduit_active_backend_channels",
		Help: "Open backend channels across all tenants.",
	})
	RateLimitViolations = prom.NewCounterVec(prom.CounterOpts{
		Name: "conduit_rate_limit_violations_total",
		Help: "Denied operations by limiter scope.",
	}, []string{"scope"})
	BreakerTransitions = prom.NewCounterVec(prom.CounterOpts{
		Name: "conduit_breaker_transitions_total",
		Help: "Circuit breaker transitions by target state.",
	}, []string{"state"})
	QueueDepth = prom.NewGauge(prom.GaugeOpts{
		Name: "conduit_queue_depth",
		Help: "Requests waiting in the client queue.",
	})
	ReconnectDelay = prom.NewHistogram(prom.HistogramOpts{
		Name:    "conduit_reconnect_delay_seconds",
		Help:    "Backoff delay preceding each reconnection attempt.",
		Buckets: prom.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prom.MustRegister(
		RequestsTotal, RequestDuration, ErrorsTotal, ReconnectsTotal,
		ConnectionTransitions, ActiveTunnels, ActiveChannels,
		RateLimitViolations, BreakerTransitions, QueueDepth, ReconnectDelay,
	)
}

// maxSamples bounds collector memory regardless of window length.
const maxSamples = 8192

type requestSample struct {
	at       time.Time
	latency  time.Duration
	success  bool
	category string
}

type reconnectSample struct {
	at      time.Time
	success bool
	attempt int
}

// Collector accumulates request, connection, and reconnection observations
// over a bounded rolling window. It is safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	window     time.Duration
	now        func() time.Time
	requests   []requestSample
	reconnects []reconnectSample
}

// NewCollector builds a collector whose aggregates cover the trailing window.
func NewCollector(window time.Duration) *Collector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Collector{window: window, now: time.Now}
}

// RecordRequest observes one completed forward. errCategory is empty on
// success.
func (c *Collector) RecordRequest(latency time.Duration, success bool, errCategory string) {
	outcome := "success"
	if !success {
		outcome = "failure"
		if errCategory != "" {
			ErrorsTotal.WithLabelValues(errCategory).Inc()
		}
	}
	RequestsTotal.WithLabelValues(outcome).Inc()
	RequestDuration.Observe(latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	c.requests = append(c.requests, requestSample{
		at: c.now(), latency: latency, success: success, category: errCategory,
	})
	if len(c.requests) > maxSamples {
		c.requests = c.requests[len(c.requests)-maxSamples:]
	}
}

// RecordConnection observes a connection state transition.
func (c *Collector) RecordConnection(state, reason string) {
	_ = reason
	ConnectionTransitions.WithLabelValues(state).Inc()
}

// RecordReconnection observes one reconnection attempt and its backoff delay.
func (c *Collector) RecordReconnection(attempt int, success bool, delay time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	ReconnectsTotal.WithLabelValues(outcome).Inc()
	ReconnectDelay.Observe(delay.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	c.reconnects = append(c.reconnects, reconnectSample{at: c.now(), success: success, attempt: attempt})
	if len(c.reconnects) > maxSamples {
		c.reconnects = c.reconnects[len(c.reconnects)-maxSamples:]
	}
}

// Aggregate summarizes the rolling window.
type Aggregate struct {
	Total         int
	Succeeded     int
	Failed        int
	SuccessRate   float64
	MeanLatency   time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
	Reconnections int
	// MaxReconnectAttempt is the deepest backoff attempt seen in the window,
	// zero when no reconnections were recorded.
	MaxReconnectAttempt int
	ErrorsByKind        map[string]int
	Window              time.Duration
}

// GetMetrics aggregates samples in the trailing window. A zero window uses the
// collector's configured window.
func (c *Collector) GetMetrics(window time.Duration) Aggregate {
	if window <= 0 || window > c.window {
		window = c.window
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	cutoff := c.now().Add(-window)
	agg := Aggregate{ErrorsByKind: make(map[string]int), Window: window}

	var latencies []time.Duration
	var sum time.Duration
	for _, s := range c.requests {
		if s.at.Before(cutoff) {
			continue
		}
		agg.Total++
		if s.success {
			agg.Succeeded++
		} else {
			agg.Failed++
			if s.category != "" {
				agg.ErrorsByKind[s.category]++
			}
		}
		latencies = append(latencies, s.latency)
		sum += s.latency
	}
	for _, r := range c.reconnects {
		if !r.at.Before(cutoff) {
			agg.Reconnections++
			if r.attempt > agg.MaxReconnectAttempt {
				agg.MaxReconnectAttempt = r.attempt
			}
		}
	}
	if agg.Total > 0 {
		agg.SuccessRate = float64(agg.Succeeded) / float64(agg.Total)
		agg.MeanLatency = sum / time.Duration(agg.Total)
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		agg.P95Latency = percentile(latencies, 0.95)
		agg.P99Latency = percentile(latencies, 0.99)
	}
	return agg
}

// Snapshot renders the current window aggregate as a flat key/value map, the
// plain exposition form of the metrics contract.
func (c *Collector) Snapshot() map[string]string {
	agg := c.GetMetrics(0)
	out := map[string]string{
		"requests_total":        fmt.Sprintf("%d", agg.Total),
		"requests_succeeded":    fmt.Sprintf("%d", agg.Succeeded),
		"requests_failed":       fmt.Sprintf("%d", agg.Failed),
		"success_rate":          fmt.Sprintf("%.4f", agg.SuccessRate),
		"latency_mean_ms":       fmt.Sprintf("%.2f", float64(agg.MeanLatency)/float64(time.Millisecond)),
		"latency_p95_ms":        fmt.Sprintf("%.2f", float64(agg.P95Latency)/float64(time.Millisecond)),
		"latency_p99_ms":        fmt.Sprintf("%.2f", float64(agg.P99Latency)/float64(time.Millisecond)),
		"reconnections":         fmt.Sprintf("%d", agg.Reconnections),
		"reconnect_attempt_max": fmt.Sprintf("%d", agg.MaxReconnectAttempt),
		"window_seconds":        fmt.Sprintf("%.0f", agg.Window.Seconds()),
	}
	for k, v := range agg.ErrorsByKind {
		out["errors_"+k] = fmt.Sprintf("%d", v)
	}
	return out
}

// percentile expects sorted input; nearest-rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (c *Collector) pruneLocked() {
	cutoff := c.now().Add(-c.window)
	i := 0
	for i < len(c.requests) && c.requests[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.requests = append(c.requests[:0], c.requests[i:]...)
	}
	j := 0
	for j < len(c.reconnects) && c.reconnects[j].at.Before(cutoff) {
		j++
	}
	if j > 0 {
		c.reconnects = append(c.reconnects[:0], c.reconnects[j:]...)
	}
}
