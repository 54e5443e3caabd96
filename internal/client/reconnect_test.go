package client

import (
	"testing"
	"time"

	"github.com/DragonSecurity/conduit/pkg/config"
)

func testProfile() config.Profile {
	return config.Profile{
		Name:                 "stable",
		MaxReconnectAttempts: 4,
		BackoffBase:          10 * time.Millisecond,
		BackoffMax:           80 * time.Millisecond,
		BackoffJitter:        false,
		RequestTimeout:       time.Second,
		QueueCapacity:        16,
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatTimeout:     200 * time.Millisecond,
		GracePeriod:          time.Second,
	}
}

func TestReconnectDelaysNonDecreasing(t *testing.T) {
	p := NewReconnectPolicy(testProfile())
	var prev time.Duration
	for {
		d, ok := p.Next()
		if !ok {
			break
		}
		if d < prev {
			t.Errorf("delay decreased: %v after %v", d, prev)
		}
		prev = d
	}
	if prev != 80*time.Millisecond {
		t.Errorf("final delay = %v, want the 80ms ceiling", prev)
	}
}

func TestReconnectAttemptCeiling(t *testing.T) {
	p := NewReconnectPolicy(testProfile())
	granted := 0
	for {
		_, ok := p.Next()
		if !ok {
			break
		}
		granted++
		if granted > 10 {
			t.Fatal("runaway policy")
		}
	}
	if granted != 4 {
		t.Errorf("granted %d attempts, want 4", granted)
	}
	p.Reset()
	if _, ok := p.Next(); !ok {
		t.Error("reset must rearm the policy")
	}
}
