package server

import (
	"testing"
	"time"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(3, 1, now)

	for i := 0; i < 3; i++ {
		ok, _ := b.take(now)
		if !ok {
			t.Fatalf("take %d should succeed on a full bucket", i)
		}
	}
	ok, wait := b.take(now)
	if ok {
		t.Fatal("fourth take should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("retry delay out of range: %v", wait)
	}
}

func TestTokenBucketLazyRefill(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(2, 2, now) // 2 tokens/sec

	b.take(now)
	b.take(now)
	if ok, _ := b.take(now); ok {
		t.Fatal("bucket should be empty")
	}

	// Half a second refills one token.
	now = now.Add(500 * time.Millisecond)
	if ok, _ := b.take(now); !ok {
		t.Fatal("one token should have refilled")
	}
	if ok, _ := b.take(now); ok {
		t.Fatal("only one token should have refilled")
	}
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(5, 100, now)

	now = now.Add(time.Hour)
	if got := b.Tokens(now); got != 5 {
		t.Fatalf("tokens = %v, want capped at 5", got)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter("tenant", 1, 0.001)
	base := time.Now()
	l.now = func() time.Time { return base }

	if ok, _ := l.TryAcquire("alpha"); !ok {
		t.Fatal("first acquire for alpha should pass")
	}
	if ok, _ := l.TryAcquire("alpha"); ok {
		t.Fatal("second acquire for alpha should be denied")
	}
	if ok, _ := l.TryAcquire("beta"); !ok {
		t.Fatal("beta must not share alpha's bucket")
	}
	if got := l.Violations(); got != 1 {
		t.Fatalf("violations = %d, want 1", got)
	}
}

func TestLimiterRetryAfterIsActionable(t *testing.T) {
	l := NewLimiter("addr", 1, 2) // 2 tokens/sec
	base := time.Now()
	l.now = func() time.Time { return base }

	l.TryAcquire("10.0.0.1:4000")
	ok, retryAfter := l.TryAcquire("10.0.0.1:4000")
	if ok {
		t.Fatal("second acquire should be denied")
	}
	if retryAfter != 500*time.Millisecond {
		t.Fatalf("retryAfter = %v, want 500ms at 2 tokens/sec", retryAfter)
	}

	base = base.Add(retryAfter)
	if ok, _ := l.TryAcquire("10.0.0.1:4000"); !ok {
		t.Fatal("acquire should pass after waiting the advertised delay")
	}
}
