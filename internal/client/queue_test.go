package client

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

func mkReq(id string, p proto.Priority) *proto.Request {
	return &proto.Request{ID: id, Priority: p, CreatedAt: time.Now(), Timeout: time.Minute}
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	q := NewQueue(16, "")
	q.Enqueue(mkReq("n1", proto.PriorityNormal))
	q.Enqueue(mkReq("l1", proto.PriorityLow))
	q.Enqueue(mkReq("h1", proto.PriorityHigh))
	q.Enqueue(mkReq("n2", proto.PriorityNormal))
	q.Enqueue(mkReq("h2", proto.PriorityHigh))
	q.Enqueue(mkReq("l2", proto.PriorityLow))

	want := []string{"h1", "h2", "n1", "n2", "l1", "l2"}
	for _, id := range want {
		req := q.Dequeue()
		if req == nil || req.ID != id {
			t.Fatalf("dequeue order: got %v, want %s", req, id)
		}
	}
	if q.Dequeue() != nil {
		t.Error("empty queue must return nil")
	}
}

func TestEnqueueBeyondCapacity(t *testing.T) {
	q := NewQueue(2, "")
	q.Enqueue(mkReq("a", proto.PriorityNormal))
	q.Enqueue(mkReq("b", proto.PriorityNormal))

	err := q.Enqueue(mkReq("c", proto.PriorityNormal))
	if !tunnelerr.HasCode(err, tunnelerr.CodeQueueFull) {
		t.Fatalf("normal enqueue past capacity: %v", err)
	}
	// High priority with no low entry to evict also fails.
	err = q.Enqueue(mkReq("h", proto.PriorityHigh))
	if !tunnelerr.HasCode(err, tunnelerr.CodeQueueFull) {
		t.Fatalf("high enqueue with nothing to evict: %v", err)
	}
}

func TestHighPriorityEvictsOldestLow(t *testing.T) {
	q := NewQueue(2, "")
	var evicted []string
	q.SetEvictHandler(func(r *proto.Request) { evicted = append(evicted, r.ID) })

	q.Enqueue(mkReq("l1", proto.PriorityLow))
	q.Enqueue(mkReq("l2", proto.PriorityLow))
	if err := q.Enqueue(mkReq("h1", proto.PriorityHigh)); err != nil {
		t.Fatalf("high enqueue should evict: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "l1" {
		t.Errorf("evicted = %v, want [l1]", evicted)
	}
	if q.Size() != 2 {
		t.Errorf("size = %d", q.Size())
	}
	if got := q.Dequeue(); got.ID != "h1" {
		t.Errorf("first out = %s", got.ID)
	}
}

func TestBackpressureSignalBeforeFull(t *testing.T) {
	q := NewQueue(10, "")
	for i := 0; i < 7; i++ {
		q.Enqueue(mkReq(fmt.Sprintf("r%d", i), proto.PriorityNormal))
	}
	select {
	case <-q.Backpressure():
		t.Fatal("no signal expected below 80%")
	default:
	}
	q.Enqueue(mkReq("r8", proto.PriorityNormal)) // 8/10 crosses the threshold
	select {
	case <-q.Backpressure():
	default:
		t.Fatal("expected a backpressure signal at 80%")
	}
	// One signal per crossing, not per enqueue.
	q.Enqueue(mkReq("r9", proto.PriorityNormal))
	select {
	case <-q.Backpressure():
		t.Fatal("no second signal while still above threshold")
	default:
	}
	// Draining below and refilling re-arms the signal.
	for q.FillPercentage() >= backpressureThreshold {
		q.Dequeue()
	}
	q.Enqueue(mkReq("r10", proto.PriorityNormal))
	q.Enqueue(mkReq("r11", proto.PriorityNormal))
	select {
	case <-q.Backpressure():
	default:
		t.Fatal("expected a signal after re-crossing")
	}
}

func TestExpiredEntriesAreDroppedWithCallback(t *testing.T) {
	q := NewQueue(8, "")
	var expired []string
	q.SetExpireHandler(func(r *proto.Request) { expired = append(expired, r.ID) })

	old := &proto.Request{ID: "old", Priority: proto.PriorityNormal,
		CreatedAt: time.Now().Add(-time.Minute), Timeout: time.Second}
	q.Enqueue(old)
	q.Enqueue(mkReq("fresh", proto.PriorityNormal))

	got := q.Dequeue()
	if got == nil || got.ID != "fresh" {
		t.Fatalf("dequeue = %v, want fresh", got)
	}
	if len(expired) != 1 || expired[0] != "old" {
		t.Errorf("expired = %v", expired)
	}
}

func TestRequeueGoesToFrontAndBumpsRetries(t *testing.T) {
	q := NewQueue(8, "")
	q.Enqueue(mkReq("a", proto.PriorityNormal))
	q.Enqueue(mkReq("b", proto.PriorityNormal))
	a := q.Dequeue()
	q.Requeue(a)
	if got := q.Dequeue(); got.ID != "a" {
		t.Errorf("requeued entry must come out first, got %s", got.ID)
	}
	if a.Retries != 1 {
		t.Errorf("retries = %d", a.Retries)
	}
}

func TestPersistRestoreHighPriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := NewQueue(8, path)
	q.Enqueue(mkReq("h1", proto.PriorityHigh))
	q.Enqueue(mkReq("h2", proto.PriorityHigh))
	q.Enqueue(mkReq("n1", proto.PriorityNormal))

	if err := q.PersistHighPriorityRequests(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	q2 := NewQueue(8, path)
	n, err := q2.RestorePersistedRequests()
	if err != nil || n != 2 {
		t.Fatalf("restore = %d, %v", n, err)
	}
	if got := q2.Dequeue(); got.ID != "h1" {
		t.Errorf("restored order broken: %s", got.ID)
	}
	// Restore consumed the file.
	n, err = q2.RestorePersistedRequests()
	if err != nil || n != 0 {
		t.Errorf("second restore = %d, %v", n, err)
	}
}
