package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DragonSecurity/conduit/pkg/metrics"
	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

// backpressureThreshold is the fill fraction past which the queue signals
// producers to throttle. Advisory only; the queue never blocks an enqueue.
const backpressureThreshold = 0.8

// Queue is the client's three-tier priority queue. Within a tier ordering is
// strict FIFO; dequeue always drains high before normal before low.
type Queue struct {
	mu       sync.Mutex
	capacity int
	tiers    [3][]*proto.Request // indexed by proto.Priority

	backpressure chan struct{}
	above        bool

	persistPath string
	onExpire    func(*proto.Request)
	onEvict     func(*proto.Request)
	now         func() time.Time
}

// NewQueue builds a queue with a fixed capacity. persistPath may be empty to
// disable crash/restart continuity.
func NewQueue(capacity int, persistPath string) *Queue {
	return &Queue{
		capacity:     capacity,
		backpressure: make(chan struct{}, 1),
		persistPath:  persistPath,
		now:          time.Now,
	}
}

// SetExpireHandler installs the callback invoked when a request's own timeout
// elapses while queued. The entry is dropped silently from the queue; the
// handler surfaces a timeout error to the original caller's pending future.
func (q *Queue) SetExpireHandler(fn func(*proto.Request)) { q.onExpire = fn }

// SetEvictHandler installs the callback invoked when a low-priority entry is
// evicted to make room for a high-priority enqueue.
func (q *Queue) SetEvictHandler(fn func(*proto.Request)) { q.onEvict = fn }

// Enqueue adds a request at its priority. Beyond capacity, low and normal
// priority enqueues fail loudly; a high-priority enqueue first evicts the
// oldest low-priority entry if one exists, and errors otherwise.
func (q *Queue) Enqueue(req *proto.Request) error {
	q.mu.Lock()
	var evicted *proto.Request
	if q.sizeLocked() >= q.capacity {
		if req.Priority == proto.PriorityHigh && len(q.tiers[proto.PriorityLow]) > 0 {
			evicted = q.tiers[proto.PriorityLow][0]
			q.tiers[proto.PriorityLow] = q.tiers[proto.PriorityLow][1:]
		} else {
			q.mu.Unlock()
			return tunnelerr.Server(tunnelerr.CodeQueueFull,
				fmt.Sprintf("queue full (%d entries)", q.capacity), nil).
				WithContext("priority", req.Priority.String())
		}
	}
	q.tiers[req.Priority] = append(q.tiers[req.Priority], req)
	q.signalLocked()
	metrics.QueueDepth.Set(float64(q.sizeLocked()))
	q.mu.Unlock()

	if evicted != nil && q.onEvict != nil {
		q.onEvict(evicted)
	}
	return nil
}

// Dequeue pops the next request in priority order, skipping entries whose
// timeout already elapsed. Returns nil when the queue is empty.
func (q *Queue) Dequeue() *proto.Request {
	q.mu.Lock()
	var expired []*proto.Request
	var out *proto.Request
	now := q.now()
	for p := proto.PriorityHigh; p >= proto.PriorityLow && out == nil; p-- {
		for len(q.tiers[p]) > 0 {
			req := q.tiers[p][0]
			q.tiers[p] = q.tiers[p][1:]
			if req.Expired(now) {
				expired = append(expired, req)
				continue
			}
			out = req
			break
		}
	}
	if q.fillLocked() < backpressureThreshold {
		q.above = false
	}
	metrics.QueueDepth.Set(float64(q.sizeLocked()))
	q.mu.Unlock()

	if q.onExpire != nil {
		for _, req := range expired {
			q.onExpire(req)
		}
	}
	return out
}

// Requeue returns a dequeued-but-unsent request to the front of its tier,
// bumping its retry count. Used when a transport write fails mid-drain.
func (q *Queue) Requeue(req *proto.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req.Retries++
	q.tiers[req.Priority] = append([]*proto.Request{req}, q.tiers[req.Priority]...)
	metrics.QueueDepth.Set(float64(q.sizeLocked()))
}

// Clear drops every queued entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.tiers {
		q.tiers[p] = nil
	}
	q.above = false
	metrics.QueueDepth.Set(0)
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked() >= q.capacity
}

// FillPercentage reports queue occupancy in [0, 1].
func (q *Queue) FillPercentage() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fillLocked()
}

// Backpressure emits a signal each time occupancy crosses the threshold from
// below. Callers should throttle; the queue does not enforce it.
func (q *Queue) Backpressure() <-chan struct{} { return q.backpressure }

func (q *Queue) sizeLocked() int {
	n := 0
	for _, tier := range q.tiers {
		n += len(tier)
	}
	return n
}

func (q *Queue) fillLocked() float64 {
	return float64(q.sizeLocked()) / float64(q.capacity)
}

func (q *Queue) signalLocked() {
	if q.fillLocked() >= backpressureThreshold && !q.above {
		q.above = true
		select {
		case q.backpressure <- struct{}{}:
		default:
		}
	}
}

// persistedRequest is the on-disk form of a queued request.
type persistedRequest struct {
	ID            string            `json:"id"`
	Tenant        string            `json:"tenant"`
	Priority      int               `json:"priority"`
	CreatedAt     time.Time         `json:"created_at"`
	TimeoutMillis int64             `json:"timeout_ms"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Retries       int               `json:"retries"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// PersistHighPriorityRequests writes the high tier to durable storage so a
// restart can resume them.
func (q *Queue) PersistHighPriorityRequests() error {
	if q.persistPath == "" {
		return nil
	}
	q.mu.Lock()
	high := q.tiers[proto.PriorityHigh]
	arr := make([]persistedRequest, 0, len(high))
	for _, r := range high {
		arr = append(arr, persistedRequest{
			ID:            r.ID,
			Tenant:        r.Tenant,
			Priority:      int(r.Priority),
			CreatedAt:     r.CreatedAt,
			TimeoutMillis: r.Timeout.Milliseconds(),
			Headers:       r.Headers,
			Payload:       r.Payload,
			Retries:       r.Retries,
			CorrelationID: r.CorrelationID,
		})
	}
	q.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(q.persistPath), 0o755); err != nil {
		return err
	}
	b, _ := json.MarshalIndent(arr, "", "  ")
	return os.WriteFile(q.persistPath, b, 0o640)
}

// RestorePersistedRequests loads previously persisted entries back into the
// high tier and removes the file. A missing file is not an error.
func (q *Queue) RestorePersistedRequests() (int, error) {
	if q.persistPath == "" {
		return 0, nil
	}
	b, err := os.ReadFile(q.persistPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var arr []persistedRequest
	if err := json.Unmarshal(b, &arr); err != nil {
		return 0, err
	}
	restored := 0
	for _, p := range arr {
		req := &proto.Request{
			ID:            p.ID,
			Tenant:        p.Tenant,
			Priority:      proto.PriorityHigh,
			CreatedAt:     p.CreatedAt,
			Timeout:       time.Duration(p.TimeoutMillis) * time.Millisecond,
			Headers:       p.Headers,
			Payload:       p.Payload,
			Retries:       p.Retries,
			CorrelationID: p.CorrelationID,
		}
		if err := q.Enqueue(req); err != nil {
			break
		}
		restored++
	}
	_ = os.Remove(q.persistPath)
	return restored, nil
}
