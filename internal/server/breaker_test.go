package server

import (
	"errors"
	"testing"
	"time"

	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

var errBackendDown = errors.New("backend down")

func failingOp() error { return errBackendDown }
func okOp() error      { return nil }

func testBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker("acme", "ch-1", threshold, reset)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Execute(failingOp); !errors.Is(err, errBackendDown) {
			t.Fatalf("failure %d: got %v, want backend error", i, err)
		}
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open after %d failures", got, 3)
	}

	// Open breaker fails fast without calling the op.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !tunnelerr.HasCode(err, tunnelerr.CodeBreakerOpen) {
		t.Fatalf("got %v, want breaker-open error", err)
	}
	if called {
		t.Fatal("op must not run while the breaker is open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, 30*time.Second)

	b.Execute(failingOp)
	b.Execute(failingOp)
	b.Execute(okOp)
	b.Execute(failingOp)
	b.Execute(failingOp)

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed: failures are not consecutive", got)
	}
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	b, now := testBreaker(2, 10*time.Second)

	b.Execute(failingOp)
	b.Execute(failingOp)
	if b.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(10 * time.Second)
	if err := b.Execute(okOp); err != nil {
		t.Fatalf("trial should run and succeed, got %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed after successful trial", got)
	}
	if got := b.Failures(); got != 0 {
		t.Fatalf("failures = %d, want 0 after close", got)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b, now := testBreaker(2, 10*time.Second)

	b.Execute(failingOp)
	b.Execute(failingOp)

	*now = now.Add(10 * time.Second)
	if err := b.Execute(failingOp); !errors.Is(err, errBackendDown) {
		t.Fatalf("trial should run and fail, got %v", err)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want reopened after failed trial", got)
	}

	// The reset timeout restarts: still failing fast before the new deadline.
	*now = now.Add(5 * time.Second)
	if err := b.Execute(okOp); !tunnelerr.HasCode(err, tunnelerr.CodeBreakerOpen) {
		t.Fatalf("got %v, want fail-fast before new deadline", err)
	}
}

func TestBreakerHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	b, now := testBreaker(1, time.Second)

	b.Execute(failingOp)
	*now = now.Add(time.Second)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(trialStarted)
			<-release
			return nil
		})
	}()
	<-trialStarted

	// A second caller during the trial fails fast.
	if err := b.Execute(okOp); !tunnelerr.HasCode(err, tunnelerr.CodeBreakerOpen) {
		t.Fatalf("concurrent caller got %v, want breaker-open", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial failed: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerFailuresPastThresholdStayFast(t *testing.T) {
	b, _ := testBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.Execute(failingOp)
	}
	// Everything after the trip fails fast without touching the backend.
	for i := 0; i < 6; i++ {
		calls := 0
		err := b.Execute(func() error { calls++; return errBackendDown })
		if !tunnelerr.HasCode(err, tunnelerr.CodeBreakerOpen) {
			t.Fatalf("call %d: got %v, want breaker-open", i, err)
		}
		if calls != 0 {
			t.Fatalf("call %d reached the backend while open", i)
		}
	}
}
