// Package diag runs the connectivity self-check: an ordered ladder of probes
// from DNS resolution up to tunnel throughput, with a recommendation attached
// to whichever rung failed. Checks run in order and stop at the first failure,
// since each rung depends on the ones below it.
package diag

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/transport"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

const (
	latencyProbeCount   = 5
	throughputProbeSize = 64 << 10
	probeTimeout        = 5 * time.Second
)

type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type LatencyStats struct {
	Samples int           `json:"samples"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Mean    time.Duration `json:"mean"`
}

type Report struct {
	Endpoint        string        `json:"endpoint"`
	StartedAt       time.Time     `json:"startedAt"`
	Checks          []CheckResult `json:"checks"`
	Latency         *LatencyStats `json:"latency,omitempty"`
	ThroughputBps   float64       `json:"throughputBytesPerSec,omitempty"`
	Recommendations []string      `json:"recommendations"`
}

func (r *Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Runner executes the check ladder against one endpoint.
type Runner struct {
	endpoint   string
	credential string
	dialer     transport.Dialer
	log        *zap.SugaredLogger
}

func NewRunner(endpoint, credential string, dialer transport.Dialer, log *zap.SugaredLogger) *Runner {
	return &Runner{endpoint: endpoint, credential: credential, dialer: dialer, log: log}
}

// Run climbs the ladder. The report always lists every attempted check; after
// a failure the remaining rungs are skipped rather than reported as failed.
func (r *Runner) Run(ctx context.Context) *Report {
	report := &Report{Endpoint: r.endpoint, StartedAt: time.Now()}

	host, port, err := endpointHostPort(r.endpoint)
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "dns_resolve", Error: err.Error(),
			Detail: "endpoint is not a valid URL",
		})
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("check the endpoint URL %q, it could not be parsed", r.endpoint))
		return report
	}

	if !r.check(report, "dns_resolve", func() (string, error) {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s resolves to %v", host, addrs), nil
	}, "verify the server hostname and your DNS configuration") {
		return report
	}

	if !r.check(report, "tcp_connect", func() (string, error) {
		d := net.Dialer{Timeout: probeTimeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return "", err
		}
		_ = conn.Close()
		return "tcp connection established", nil
	}, "the host resolves but the port is unreachable, check firewalls and that the server is running") {
		return report
	}

	tr, ok := r.establish(ctx, report)
	if !ok {
		return report
	}
	defer tr.Close()

	if !r.check(report, "round_trip", func() (string, error) {
		rtt, err := pingOnce(tr, []byte("diag"))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ping answered in %v", rtt), nil
	}, "the tunnel connected but does not answer pings, the server may be overloaded") {
		return report
	}

	r.check(report, "latency_probe", func() (string, error) {
		stats, err := r.latencyProbe(tr)
		if err != nil {
			return "", err
		}
		report.Latency = stats
		return fmt.Sprintf("%d pings, mean %v, min %v, max %v", stats.Samples, stats.Mean, stats.Min, stats.Max), nil
	}, "latency sampling failed mid-probe, the connection may be unstable")

	r.check(report, "throughput_probe", func() (string, error) {
		bps, err := r.throughputProbe(tr)
		if err != nil {
			return "", err
		}
		report.ThroughputBps = bps
		return fmt.Sprintf("%.0f bytes/sec over a %d byte echo", bps, throughputProbeSize), nil
	}, "bulk transfer failed, consider the low-bandwidth profile")

	if report.Latency != nil && report.Latency.Mean > 500*time.Millisecond {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("mean latency %v is high, consider the unstable or low-bandwidth profile", report.Latency.Mean))
	}
	return report
}

// check runs one rung and records it. A false return stops the ladder.
func (r *Runner) check(report *Report, name string, fn func() (string, error), advice string) bool {
	start := time.Now()
	detail, err := fn()
	res := CheckResult{Name: name, Duration: time.Since(start), Detail: detail}
	if err != nil {
		res.Error = err.Error()
		report.Checks = append(report.Checks, res)
		report.Recommendations = append(report.Recommendations, advice)
		if s := tunnelerr.SuggestionOf(err); s != "" {
			report.Recommendations = append(report.Recommendations, s)
		}
		r.log.Debugw("check failed", "check", name, "err", err)
		return false
	}
	res.Passed = true
	report.Checks = append(report.Checks, res)
	return true
}

// establish covers two rungs with one dial: credential acceptance and the
// websocket upgrade itself get separate verdicts depending on how the dial
// failed.
func (r *Runner) establish(ctx context.Context, report *Report) (transport.Transport, bool) {
	start := time.Now()
	tr, err := r.dialer.Dial(ctx, r.endpoint, r.credential)
	dur := time.Since(start)

	if err != nil {
		if tunnelerr.CategoryOf(err) == tunnelerr.CategoryAuthentication {
			report.Checks = append(report.Checks, CheckResult{
				Name: "authentication", Duration: dur, Error: err.Error(),
			})
			report.Recommendations = append(report.Recommendations,
				"the server refused the credential, check the token or ask the operator to rotate it")
		} else {
			report.Checks = append(report.Checks,
				CheckResult{Name: "authentication", Passed: true, Duration: dur, Detail: "not reached"},
				CheckResult{Name: "tunnel_establish", Duration: dur, Error: err.Error()})
			report.Recommendations = append(report.Recommendations,
				"the websocket upgrade failed, verify the endpoint path and any proxies in between")
		}
		return nil, false
	}

	report.Checks = append(report.Checks,
		CheckResult{Name: "authentication", Passed: true, Duration: dur, Detail: "credential accepted"},
		CheckResult{Name: "tunnel_establish", Passed: true, Duration: dur, Detail: "tunnel established"})
	return tr, true
}

func (r *Runner) latencyProbe(tr transport.Transport) (*LatencyStats, error) {
	stats := &LatencyStats{Min: time.Hour}
	var total time.Duration
	for i := 0; i < latencyProbeCount; i++ {
		rtt, err := pingOnce(tr, []byte(fmt.Sprintf("probe-%d", i)))
		if err != nil {
			return nil, err
		}
		stats.Samples++
		total += rtt
		if rtt < stats.Min {
			stats.Min = rtt
		}
		if rtt > stats.Max {
			stats.Max = rtt
		}
	}
	stats.Mean = total / time.Duration(stats.Samples)
	return stats, nil
}

func (r *Runner) throughputProbe(tr transport.Transport) (float64, error) {
	payload := make([]byte, throughputProbeSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	start := time.Now()
	if _, err := pingOnce(tr, payload); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	// Payload travels both directions.
	return float64(2*len(payload)) / elapsed.Seconds(), nil
}

// pingOnce sends one ping and waits for the pong echoing its payload.
func pingOnce(tr transport.Transport, payload []byte) (time.Duration, error) {
	corr := uuid.NewString()
	start := time.Now()
	err := tr.WriteEnvelope(&proto.Envelope{Type: proto.TypePing, CorrelationID: corr, Payload: payload})
	if err != nil {
		return 0, err
	}
	deadline := time.Now().Add(probeTimeout)
	for time.Now().Before(deadline) {
		env, err := tr.ReadEnvelope()
		if err != nil {
			return 0, err
		}
		if env.Type == proto.TypePong && env.CorrelationID == corr {
			if len(env.Payload) != len(payload) {
				return 0, fmt.Errorf("pong echoed %d bytes, sent %d", len(env.Payload), len(payload))
			}
			return time.Since(start), nil
		}
	}
	return 0, fmt.Errorf("no pong within %v", probeTimeout)
}

func endpointHostPort(endpoint string) (host, port string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", err
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return host, port, nil
}
