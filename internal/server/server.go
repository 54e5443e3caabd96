// Package server implements the public tunnel endpoint: the control-plane
// upgrade handler, the per-tenant channel pool with circuit breakers, and the
// tenant/source rate limiters in front of the backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DragonSecurity/conduit/internal/diag"
	"github.com/DragonSecurity/conduit/pkg/config"
	"github.com/DragonSecurity/conduit/pkg/metrics"
	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/transport"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1 << 14,
	WriteBufferSize:   1 << 14,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// session is one connected tunnel. A tenant may hold several.
type session struct {
	id         string
	tenant     string
	remoteAddr string
	tr         transport.Transport
	connected  time.Time
	requests   int64
	mu         sync.Mutex
}

type sessionInfo struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	Requests    int64     `json:"requests"`
}

// TokenValidator maps a presented credential to a tenant slug. The file-backed
// tenancy store implements it; a remote validator can be swapped in.
type TokenValidator interface {
	Authenticate(token string) (string, error)
}

// Server owns the HTTP surface and everything behind it.
type Server struct {
	cfg           config.Server
	store         TokenValidator
	pool          *Pool
	factory       BackendFactory
	tenantLimiter *Limiter
	addrLimiter   *Limiter
	collector     *metrics.Collector
	log           *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg config.Server, store TokenValidator, factory BackendFactory, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:           cfg,
		store:         store,
		pool:          NewPool(cfg, factory, log),
		factory:       factory,
		tenantLimiter: NewLimiter("tenant", cfg.RateCapacity, cfg.RateRefillPerSec),
		addrLimiter:   NewLimiter("addr", cfg.RateCapacity, cfg.RateRefillPerSec),
		collector:     metrics.NewCollector(time.Hour),
		log:           log,
		sessions:      make(map[string]*session),
	}
}

// Run serves until the context ends, then drains.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.PublicAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go s.pool.Run(sweepCtx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("listening", "addr", srv.Addr, "backend", s.cfg.Backend.Mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.log.Infow("shutting down")
		s.closeSessions()
		s.pool.Close()
		_ = srv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/tunnels", s.handleDebugTunnels)
	r.Get("/debug/diagnostics", s.handleDebugDiagnostics)
	r.Get("/_control", s.handleControl)
	return r
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized: missing credential"))
		return
	}
	tenant, err := s.store.Authenticate(token)
	if err != nil {
		s.log.Infow("handshake rejected", "addr", r.RemoteAddr, "code", tunnelerr.CodeOf(err))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized: " + err.Error()))
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("ws upgrade failed", "err", err)
		return
	}

	sess := &session{
		id:         uuid.NewString(),
		tenant:     tenant,
		remoteAddr: r.RemoteAddr,
		tr:         transport.NewWSConn(c),
		connected:  time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	metrics.ActiveTunnels.Inc()
	s.collector.RecordConnection("connected", "handshake")
	s.log.Infow("tunnel connected", "tenant", tenant, "session", sess.id, "addr", r.RemoteAddr)

	go s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.dropSession(sess)
	for {
		env, err := sess.tr.ReadEnvelope()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debugw("tunnel read ended", "tenant", sess.tenant, "session", sess.id, "err", err)
			}
			return
		}
		switch env.Type {
		case proto.TypeRequest:
			go s.handleRequest(sess, env)
		case proto.TypePing:
			// The pong echoes the ping payload so clients can probe round trips.
			_ = sess.tr.WriteEnvelope(&proto.Envelope{
				Type:          proto.TypePong,
				CorrelationID: env.CorrelationID,
				Payload:       env.Payload,
			})
		case proto.TypeClose:
			s.log.Infow("tunnel closed by peer", "tenant", sess.tenant, "session", sess.id)
			return
		default:
			s.log.Debugw("ignoring envelope", "type", env.Type, "session", sess.id)
		}
	}
}

// handleRequest runs the admission pipeline for one forwarded request:
// source limiter, tenant limiter, channel acquisition, then the breaker-wrapped
// backend call. Every rejection rides back as a response envelope carrying a
// stable error code so the client can tell the reasons apart.
func (s *Server) handleRequest(sess *session, env *proto.Envelope) {
	sess.mu.Lock()
	sess.requests++
	sess.mu.Unlock()
	start := time.Now()

	if ok, retryAfter := s.addrLimiter.TryAcquire(sess.remoteAddr); !ok {
		s.reject(sess, env, http.StatusTooManyRequests, tunnelerr.CodeRateLimited, retryAfter)
		s.finish(start, false, tunnelerr.CategoryServer)
		return
	}
	if ok, retryAfter := s.tenantLimiter.TryAcquire(sess.tenant); !ok {
		s.reject(sess, env, http.StatusTooManyRequests, tunnelerr.CodeRateLimited, retryAfter)
		s.finish(start, false, tunnelerr.CategoryServer)
		return
	}

	ch, err := s.pool.Acquire(sess.tenant)
	if err != nil {
		s.log.Infow("channel acquisition failed", "tenant", sess.tenant, "code", tunnelerr.CodeOf(err), "err", err)
		s.reject(sess, env, http.StatusServiceUnavailable, tunnelerr.CodeOf(err), 0)
		s.finish(start, false, tunnelerr.CategoryOf(err))
		return
	}
	defer s.pool.Release(ch)

	req := requestFromEnvelope(sess.tenant, env)
	ctx, cancel := context.WithTimeout(context.Background(), requestDeadline(env, s.cfg.RequestTimeout))
	defer cancel()

	var resp *proto.Response
	err = ch.Forward(ctx, func(b BackendChannel) error {
		var ferr error
		resp, ferr = b.Forward(ctx, req)
		return ferr
	})
	if err != nil {
		code := tunnelerr.CodeOf(err)
		status := http.StatusBadGateway
		if code == tunnelerr.CodeBreakerOpen {
			status = http.StatusServiceUnavailable
		}
		s.log.Infow("forward failed", "tenant", sess.tenant, "request", env.RequestID, "code", code, "err", err)
		s.reject(sess, env, status, code, 0)
		s.finish(start, false, tunnelerr.CategoryOf(err))
		return
	}

	out := resp.Envelope()
	out.RequestID = env.RequestID
	out.CorrelationID = env.CorrelationID
	if err := sess.tr.WriteEnvelope(out); err != nil {
		s.log.Debugw("response write failed", "session", sess.id, "err", err)
		s.finish(start, false, tunnelerr.CategoryNetwork)
		return
	}
	s.finish(start, true, "")
}

func (s *Server) reject(sess *session, env *proto.Envelope, status int, code string, retryAfter time.Duration) {
	h := map[string]string{proto.HeaderErrorCode: code}
	if retryAfter > 0 {
		h[proto.HeaderRetryAfterMs] = strconv.FormatInt(retryAfter.Milliseconds(), 10)
	}
	_ = sess.tr.WriteEnvelope(&proto.Envelope{
		Type:          proto.TypeResponse,
		RequestID:     env.RequestID,
		CorrelationID: env.CorrelationID,
		Headers:       h,
		StatusCode:    status,
	})
}

// finish records the request outcome; the collector feeds both the rolling
// window and the Prometheus counters.
func (s *Server) finish(start time.Time, success bool, category tunnelerr.Category) {
	s.collector.RecordRequest(time.Since(start), success, string(category))
}

func (s *Server) dropSession(sess *session) {
	_ = sess.tr.Close()
	s.mu.Lock()
	_, present := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if present {
		metrics.ActiveTunnels.Dec()
		s.collector.RecordConnection("disconnected", "transport closed")
		s.log.Infow("tunnel disconnected", "tenant", sess.tenant, "session", sess.id)
	}
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		_ = sess.tr.WriteEnvelope(&proto.Envelope{Type: proto.TypeClose})
		s.dropSession(sess)
	}
}

func (s *Server) handleDebugTunnels(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	infos := make([]sessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		infos = append(infos, sessionInfo{
			ID:          sess.id,
			Tenant:      sess.tenant,
			RemoteAddr:  sess.remoteAddr,
			ConnectedAt: sess.connected,
			Requests:    sess.requests,
		})
		sess.mu.Unlock()
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessions":               infos,
		"pool":                   s.pool.Stats(),
		"requests":               s.collector.Snapshot(),
		"rateViolationsByTenant": s.tenantLimiter.Violations(),
		"rateViolationsBySource": s.addrLimiter.Violations(),
	})
}

// diagTenant is the reserved tenant slug diagnostics dial under. It never
// appears in the tenancy store, so the channels it opens stay out of real
// tenants' pool entries.
const diagTenant = "_diag"

// handleDebugDiagnostics runs the server-side check battery synchronously and
// serves the same report document the client-side ladder produces.
func (s *Server) handleDebugDiagnostics(w http.ResponseWriter, r *http.Request) {
	report := &diag.Report{Endpoint: s.cfg.PublicAddr, StartedAt: time.Now()}

	run := func(name, advice string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		res := diag.CheckResult{Name: name, Detail: detail, Duration: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
			if advice != "" {
				report.Recommendations = append(report.Recommendations, advice)
			}
		} else {
			res.Passed = true
		}
		report.Checks = append(report.Checks, res)
	}

	run("tenant_store", "the tenant store did not reject an unknown credential cleanly, check the store file", func() (string, error) {
		_, err := s.store.Authenticate(uuid.NewString())
		switch {
		case err == nil:
			return "", errors.New("unknown credential was accepted")
		case tunnelerr.HasCode(err, tunnelerr.CodeAuthRejected), tunnelerr.HasCode(err, tunnelerr.CodeTokenExpired):
			return "store rejects unknown credentials", nil
		default:
			return "", err
		}
	})

	run("backend_channel", "the backend cannot be reached, check the backend address and mode", func() (string, error) {
		backend, err := s.factory(diagTenant, s.cfg.Backend.Addr)
		if err != nil {
			return "", err
		}
		defer backend.Close()
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		resp, err := backend.Forward(ctx, &proto.Request{
			ID:        uuid.NewString(),
			Tenant:    diagTenant,
			CreatedAt: time.Now(),
			Payload:   []byte("diagnostic"),
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("backend answered with status %d", resp.StatusCode), nil
	})

	run("channel_pool", "", func() (string, error) {
		stats := s.pool.Stats()
		channels := 0
		for _, entry := range stats {
			channels += len(entry.Channels)
		}
		return fmt.Sprintf("%d tenants, %d channels open", len(stats), channels), nil
	})

	run("request_window", "over half of recent requests failed, inspect breaker state and backend health", func() (string, error) {
		agg := s.collector.GetMetrics(0)
		detail := fmt.Sprintf("%d requests in window, %.0f%% succeeded, mean latency %s",
			agg.Total, agg.SuccessRate*100, agg.MeanLatency)
		if agg.Total > 0 && agg.SuccessRate < 0.5 {
			return detail, fmt.Errorf("success rate %.0f%% over the last %s", agg.SuccessRate*100, agg.Window)
		}
		return detail, nil
	})

	run("rate_limiters", "", func() (string, error) {
		tenantHits := s.tenantLimiter.Violations()
		addrHits := s.addrLimiter.Violations()
		if tenantHits+addrHits > 0 {
			report.Recommendations = append(report.Recommendations,
				"clients are hitting rate limits, raise tenant capacity or slow the callers")
		}
		return fmt.Sprintf("%d tenant violations, %d source violations", tenantHits, addrHits), nil
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("auth"))
}

func requestFromEnvelope(tenant string, env *proto.Envelope) *proto.Request {
	return &proto.Request{
		ID:            env.RequestID,
		Tenant:        tenant,
		CreatedAt:     time.Now(),
		Headers:       env.Headers,
		Payload:       env.Payload,
		CorrelationID: env.CorrelationID,
	}
}

func requestDeadline(env *proto.Envelope, fallback time.Duration) time.Duration {
	raw, ok := env.Headers[proto.HeaderTimeoutMillis]
	if !ok {
		return fallback
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
