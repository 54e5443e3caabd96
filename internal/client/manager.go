// Package client implements the tunnel client: the connection-lifecycle
// manager, its priority request queue, and the reconnection policy.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DragonSecurity/conduit/pkg/config"
	"github.com/DragonSecurity/conduit/pkg/metrics"
	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/transport"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

// State is the single authoritative connection state of a tunnel instance.
// Only the Manager transitions it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnectionEvent records one state transition for diagnostics.
type ConnectionEvent struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// eventRingSize bounds the diagnostic transition log.
const eventRingSize = 100

type callResult struct {
	resp *proto.Response
	err  error
}

type pendingCall struct {
	ch     chan callResult
	sentAt atomic.Int64 // unix nanos; zero until the request hits the wire
}

// Health is the manager's live health snapshot.
type Health struct {
	State         string
	Uptime        time.Duration
	Reconnects    int64
	AvgLatency    time.Duration
	PacketLossEst float64
	Queued        int
	Succeeded     int64
	Failed        int64
}

// Manager owns the socket lifecycle: one instance per application session.
type Manager struct {
	cfg    config.Profile
	dialer transport.Dialer
	log    *zap.SugaredLogger
	col    *metrics.Collector
	queue  *Queue
	policy *ReconnectPolicy

	mu         sync.Mutex
	state      State
	events     []ConnectionEvent
	pending    map[string]*pendingCall
	curTr      transport.Transport
	endpoint   string
	credential string
	closed     bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	wakeCh      chan struct{}
	reconnectCh chan struct{}

	connectedAt time.Time
	reconnects  atomic.Int64
	pingsSent   atomic.Int64
	pongsRecv   atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
}

// NewManager wires a manager from a validated profile. The dialer decides the
// transport technology.
func NewManager(cfg config.Profile, dialer transport.Dialer, col *metrics.Collector, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		cfg:         cfg,
		dialer:      dialer,
		log:         log,
		col:         col,
		queue:       NewQueue(cfg.QueueCapacity, cfg.PersistPath),
		policy:      NewReconnectPolicy(cfg),
		state:       StateDisconnected,
		pending:     make(map[string]*pendingCall),
		wakeCh:      make(chan struct{}, 1),
		reconnectCh: make(chan struct{}, 1),
	}
	m.queue.SetExpireHandler(func(req *proto.Request) {
		m.completePending(req.ID, nil, tunnelerr.Server(tunnelerr.CodeQueueTimeout,
			"request timed out while queued", nil).WithContext("request", req.ID))
	})
	m.queue.SetEvictHandler(func(req *proto.Request) {
		m.completePending(req.ID, nil, tunnelerr.Server(tunnelerr.CodeQueueFull,
			"evicted to make room for a high-priority request", nil).WithContext("request", req.ID))
	})
	return m
}

// Queue exposes the request queue for backpressure subscription.
func (m *Manager) Queue() *Queue { return m.queue }

// Connect establishes the transport and authenticates. Authentication and
// configuration failures propagate immediately; they are never retried here.
func (m *Manager) Connect(ctx context.Context, endpoint, credential string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return tunnelerr.Network(tunnelerr.CodeNotConnected, "manager is shut down", nil)
	}
	if m.state == StateConnected || m.state == StateConnecting || m.state == StateReconnecting {
		m.mu.Unlock()
		return tunnelerr.Config(tunnelerr.CodeInvalidConfig, "already connected", nil)
	}
	if m.state == StateError {
		// The supervisor loop for the failed session is still parked; a fresh
		// Connect would orphan it. Reconnect rearms that loop instead.
		m.mu.Unlock()
		return tunnelerr.Network(tunnelerr.CodeRetriesExhausted,
			"tunnel is in terminal error state; call Reconnect", nil)
	}
	// Transition under the same lock so only one caller passes the guard.
	m.setStateLocked(StateConnecting, endpoint)
	m.mu.Unlock()
	m.col.RecordConnection(StateConnecting.String(), endpoint)
	m.log.Infof("state -> %s (%s)", StateConnecting, endpoint)
	tr, err := m.dialer.Dial(ctx, endpoint, credential)
	if err != nil {
		m.setState(StateDisconnected, err.Error())
		return err
	}

	m.mu.Lock()
	m.endpoint = endpoint
	m.credential = credential
	m.connectedAt = time.Now()
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	if n, rerr := m.queue.RestorePersistedRequests(); rerr != nil {
		m.log.Warnf("restore persisted requests: %v", rerr)
	} else if n > 0 {
		m.log.Infof("restored %d persisted high-priority requests", n)
	}

	m.setState(StateConnected, "handshake ok")
	metrics.ActiveTunnels.Inc()
	m.wg.Add(1)
	go m.run(tr)
	return nil
}

// ForwardRequest enqueues req and blocks until a matching response, the
// request timeout, or a terminal disconnect error, whichever occurs first.
func (m *Manager) ForwardRequest(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, tunnelerr.Network(tunnelerr.CodeNotConnected, "manager is shut down", nil)
	case m.state == StateError:
		m.mu.Unlock()
		return nil, tunnelerr.Network(tunnelerr.CodeRetriesExhausted,
			"tunnel is in terminal error state; call Reconnect", nil)
	case m.state == StateDisconnected:
		m.mu.Unlock()
		return nil, tunnelerr.Network(tunnelerr.CodeNotConnected, "not connected", nil)
	}
	m.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.Timeout <= 0 {
		req.Timeout = m.cfg.RequestTimeout
	}

	pc := &pendingCall{ch: make(chan callResult, 1)}
	m.addPending(req.ID, pc)
	if err := m.queue.Enqueue(req); err != nil {
		m.removePending(req.ID)
		m.failed.Add(1)
		m.col.RecordRequest(0, false, string(tunnelerr.CategoryOf(err)))
		return nil, err
	}
	m.wake()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()
	select {
	case res := <-pc.ch:
		return res.resp, res.err
	case <-timer.C:
		m.removePending(req.ID)
		m.failed.Add(1)
		err := tunnelerr.Server(tunnelerr.CodeQueueTimeout, "request timed out", nil).
			WithContext("request", req.ID)
		m.col.RecordRequest(req.Timeout, false, string(tunnelerr.CategoryServer))
		return nil, err
	case <-ctx.Done():
		m.removePending(req.ID)
		return nil, ctx.Err()
	}
}

// Reconnect forces a reconnection cycle out of the terminal error state.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return tunnelerr.Network(tunnelerr.CodeNotConnected, "manager is shut down", nil)
	}
	if m.state != StateError {
		return tunnelerr.Config(tunnelerr.CodeInvalidConfig,
			fmt.Sprintf("reconnect only applies in the error state, current state is %s", m.state), nil)
	}
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect tears the tunnel down. A graceful disconnect waits up to the
// profile's grace period for in-flight requests, persists the queue's high
// tier, sends a close notification, and records state for restart. Every step
// is best-effort; a failed step is logged and the next one still runs.
func (m *Manager) Disconnect(graceful bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runCancel := m.runCancel
	m.mu.Unlock()

	if graceful {
		deadline := time.Now().Add(m.cfg.GracePeriod)
		for time.Now().Before(deadline) && m.pendingCount() > 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := m.queue.PersistHighPriorityRequests(); err != nil {
		m.log.Warnf("persist queue: %v", err)
	}

	if graceful {
		m.mu.Lock()
		tr := m.curTr
		m.mu.Unlock()
		if tr != nil {
			if err := tr.WriteEnvelope(&proto.Envelope{Type: proto.TypeClose}); err != nil {
				m.log.Debugf("close notification: %v", err)
			}
		}
	}

	if runCancel != nil {
		runCancel()
	}
	m.wg.Wait()

	// Whatever survived the grace period surfaces as a timeout, not a drop.
	m.failAllPending(tunnelerr.Server(tunnelerr.CodeQueueTimeout,
		"request abandoned during shutdown", nil))

	if m.stateNow() != StateDisconnected {
		metrics.ActiveTunnels.Dec()
	}
	m.setState(StateDisconnected, "shutdown")

	if err := m.persistLastKnownState(); err != nil {
		m.log.Warnf("persist state: %v", err)
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State { return m.stateNow() }

// Events returns a copy of the bounded state-transition log, oldest first.
func (m *Manager) Events() []ConnectionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Health reports live tunnel health.
func (m *Manager) Health() Health {
	m.mu.Lock()
	state := m.state
	connectedAt := m.connectedAt
	m.mu.Unlock()

	var uptime time.Duration
	if state == StateConnected && !connectedAt.IsZero() {
		uptime = time.Since(connectedAt)
	}
	pings := m.pingsSent.Load()
	var loss float64
	if pings > 0 {
		loss = 1 - float64(m.pongsRecv.Load())/float64(pings)
		if loss < 0 {
			loss = 0
		}
	}
	return Health{
		State:         state.String(),
		Uptime:        uptime,
		Reconnects:    m.reconnects.Load(),
		AvgLatency:    m.col.GetMetrics(0).MeanLatency,
		PacketLossEst: loss,
		Queued:        m.queue.Size(),
		Succeeded:     m.succeeded.Load(),
		Failed:        m.failed.Load(),
	}
}

// session is one established transport's lifetime. The first failure wins;
// everything else observes done.
type session struct {
	tr       transport.Transport
	done     chan struct{}
	once     sync.Once
	err      error
	lastPong atomic.Int64
}

func newSession(tr transport.Transport) *session {
	s := &session{tr: tr, done: make(chan struct{})}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *session) sincePong() time.Duration {
	return time.Since(time.Unix(0, s.lastPong.Load()))
}

func (m *Manager) run(tr transport.Transport) {
	defer m.wg.Done()
	cur := tr
	for {
		lossErr := m.runSession(cur)
		if lossErr == nil {
			return // shutdown
		}
		m.setState(StateReconnecting, lossErr.Error())
		next := m.reconnectLoop()
		for next == nil {
			if m.runCtx.Err() != nil {
				return
			}
			terminal := tunnelerr.Network(tunnelerr.CodeRetriesExhausted,
				fmt.Sprintf("gave up after %d reconnect attempts", m.policy.Attempt()), lossErr)
			m.setState(StateError, terminal.Error())
			m.failAllPending(terminal)
			select {
			case <-m.runCtx.Done():
				return
			case <-m.reconnectCh:
				m.policy.Reset()
				m.setState(StateReconnecting, "manual reconnect")
				next = m.reconnectLoop()
			}
		}
		cur = next
		m.policy.Reset()
		m.reconnects.Add(1)
		m.mu.Lock()
		m.connectedAt = time.Now()
		m.mu.Unlock()
		m.setState(StateConnected, "reconnected")
	}
}

// runSession drives one transport until loss or shutdown. Returns nil on
// shutdown, otherwise the loss error.
func (m *Manager) runSession(tr transport.Transport) error {
	s := newSession(tr)
	m.mu.Lock()
	m.curTr = tr
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); m.readLoop(s) }()
	go func() { defer wg.Done(); m.sendLoop(s) }()
	go func() { defer wg.Done(); m.heartbeatLoop(s) }()

	m.wake() // drain any backlog queued while we were away

	select {
	case <-s.done:
	case <-m.runCtx.Done():
		s.fail(nil)
	}
	_ = tr.Close()
	wg.Wait()

	m.mu.Lock()
	m.curTr = nil
	m.mu.Unlock()

	if m.runCtx.Err() != nil {
		return nil
	}
	if s.err == nil {
		return tunnelerr.Network(tunnelerr.CodeTransportClosed, "transport lost", nil)
	}
	return s.err
}

func (m *Manager) readLoop(s *session) {
	for {
		env, err := s.tr.ReadEnvelope()
		if err != nil {
			s.fail(tunnelerr.Network(tunnelerr.CodeTransportClosed, "transport read", err))
			return
		}
		switch env.Type {
		case proto.TypeResponse:
			m.completeResponse(env)
		case proto.TypePong:
			m.pongsRecv.Add(1)
			s.lastPong.Store(time.Now().UnixNano())
		case proto.TypePing:
			// Echo the payload so the peer can measure round trips.
			_ = s.tr.WriteEnvelope(&proto.Envelope{Type: proto.TypePong, RequestID: env.RequestID, Payload: env.Payload})
		case proto.TypeClose:
			s.fail(tunnelerr.Network(tunnelerr.CodeTransportClosed, "server closed the tunnel", nil))
			return
		default:
			m.log.Debugf("ignoring envelope type %q", env.Type)
		}
	}
}

func (m *Manager) sendLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case <-m.wakeCh:
		}
		for {
			req := m.queue.Dequeue()
			if req == nil {
				break
			}
			m.markSent(req.ID)
			if err := s.tr.WriteEnvelope(req.Envelope()); err != nil {
				m.queue.Requeue(req)
				s.fail(tunnelerr.Network(tunnelerr.CodeTransportClosed, "transport write", err))
				return
			}
		}
	}
}

func (m *Manager) heartbeatLoop(s *session) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if s.sincePong() > m.cfg.HeartbeatTimeout {
				s.fail(tunnelerr.Network(tunnelerr.CodeHeartbeatLost,
					fmt.Sprintf("no pong for %s", m.cfg.HeartbeatTimeout), nil))
				return
			}
			m.pingsSent.Add(1)
			if err := s.tr.WriteEnvelope(&proto.Envelope{Type: proto.TypePing, RequestID: uuid.NewString()}); err != nil {
				s.fail(tunnelerr.Network(tunnelerr.CodeTransportClosed, "ping write", err))
				return
			}
		}
	}
}

// reconnectLoop dials with backoff until success, attempt exhaustion, or
// shutdown. Returns nil when out of attempts or shutting down.
func (m *Manager) reconnectLoop() transport.Transport {
	for {
		delay, ok := m.policy.Next()
		if !ok {
			return nil
		}
		select {
		case <-m.runCtx.Done():
			return nil
		case <-time.After(delay):
		}
		attempt := m.policy.Attempt()
		m.log.Infof("reconnect attempt %d/%d after %s", attempt, m.cfg.MaxReconnectAttempts, delay)
		tr, err := m.dialer.Dial(m.runCtx, m.endpoint, m.credential)
		m.col.RecordReconnection(attempt, err == nil, delay)
		if err == nil {
			return tr
		}
		if !tunnelerr.IsRetryable(err) {
			m.log.Errorf("reconnect aborted: %v", err)
			return nil
		}
		m.log.Warnf("reconnect attempt %d failed: %v", attempt, err)
	}
}

func (m *Manager) completeResponse(env *proto.Envelope) {
	m.mu.Lock()
	pc, ok := m.pending[env.RequestID]
	if ok {
		delete(m.pending, env.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		return // late response for a timed-out request
	}

	now := time.Now()
	sentAt := now
	if ns := pc.sentAt.Load(); ns > 0 {
		sentAt = time.Unix(0, ns)
	}
	if code := env.Headers[proto.HeaderErrorCode]; code != "" {
		err := tunnelerr.Server(code, fmt.Sprintf("server rejected request: %s", code), nil).
			WithContext("request", env.RequestID)
		m.failed.Add(1)
		m.col.RecordRequest(now.Sub(sentAt), false, string(tunnelerr.CategoryServer))
		pc.ch <- callResult{err: err}
		return
	}
	resp := proto.ResponseFromEnvelope(env, sentAt, now)
	m.succeeded.Add(1)
	m.col.RecordRequest(resp.Latency, true, "")
	pc.ch <- callResult{resp: resp}
}

func (m *Manager) addPending(id string, pc *pendingCall) {
	m.mu.Lock()
	m.pending[id] = pc
	m.mu.Unlock()
}

func (m *Manager) removePending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Manager) completePending(id string, resp *proto.Response, err error) {
	m.mu.Lock()
	pc, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		m.failed.Add(1)
	}
	pc.ch <- callResult{resp: resp, err: err}
}

func (m *Manager) failAllPending(err error) {
	m.mu.Lock()
	calls := m.pending
	m.pending = make(map[string]*pendingCall)
	m.mu.Unlock()
	for _, pc := range calls {
		m.failed.Add(1)
		pc.ch <- callResult{err: err}
	}
}

func (m *Manager) markSent(id string) {
	m.mu.Lock()
	pc, ok := m.pending[id]
	m.mu.Unlock()
	if ok {
		pc.sentAt.Store(time.Now().UnixNano())
	}
}

func (m *Manager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) stateNow() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State, msg string) {
	m.mu.Lock()
	m.setStateLocked(s, msg)
	m.mu.Unlock()
	m.col.RecordConnection(s.String(), msg)
	m.log.Infof("state -> %s (%s)", s, msg)
}

func (m *Manager) setStateLocked(s State, msg string) {
	m.state = s
	m.events = append(m.events, ConnectionEvent{Type: s.String(), At: time.Now(), Message: msg})
	if len(m.events) > eventRingSize {
		m.events = m.events[len(m.events)-eventRingSize:]
	}
}

// persistLastKnownState writes a small restart hint next to the queue's
// persistence file.
func (m *Manager) persistLastKnownState() error {
	if m.cfg.PersistPath == "" {
		return nil
	}
	m.mu.Lock()
	doc := map[string]any{
		"profile":  m.cfg.Name,
		"endpoint": m.endpoint,
		"state":    m.state.String(),
		"saved_at": time.Now().Format(time.RFC3339),
	}
	m.mu.Unlock()
	b, _ := json.MarshalIndent(doc, "", "  ")
	return os.WriteFile(m.cfg.PersistPath+".state", b, 0o640)
}
