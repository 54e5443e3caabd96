package server

import (
	"testing"
	"time"

	"github.com/DragonSecurity/conduit/pkg/config"
	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
	"github.com/DragonSecurity/conduit/pkg/util"
)

func testPoolConfig() config.Server {
	cfg := config.DefaultServer()
	cfg.MaxChannelsPerTenant = 2
	cfg.IdleTimeout = time.Minute
	cfg.EntryGracePeriod = 30 * time.Second
	return cfg
}

func echoFactory(tenant, addr string) (BackendChannel, error) {
	return NewLoopbackBackend(func(req *proto.Request) *proto.Response {
		return &proto.Response{RequestID: req.ID, StatusCode: 200, Payload: req.Payload}
	}), nil
}

func testPool(t *testing.T) (*Pool, *time.Time) {
	t.Helper()
	p := NewPool(testPoolConfig(), echoFactory, util.NopLogger())
	now := time.Now()
	p.now = func() time.Time { return now }
	return p, &now
}

func TestPoolReusesIdleChannel(t *testing.T) {
	p, _ := testPool(t)

	ch1, err := p.Acquire("acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ch1)

	ch2, err := p.Acquire("acme")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if ch2.ID != ch1.ID {
		t.Fatalf("got new channel %s, want reuse of %s", ch2.ID, ch1.ID)
	}
}

func TestPoolRejectsPastChannelCap(t *testing.T) {
	p, _ := testPool(t)

	a, _ := p.Acquire("acme")
	b, _ := p.Acquire("acme")
	if a == nil || b == nil {
		t.Fatal("first two acquires should succeed")
	}

	_, err := p.Acquire("acme")
	if !tunnelerr.HasCode(err, tunnelerr.CodePoolExhausted) {
		t.Fatalf("got %v, want pool-exhausted", err)
	}

	// Releasing one makes the tenant acquirable again.
	p.Release(a)
	if _, err := p.Acquire("acme"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestPoolTenantsAreIsolated(t *testing.T) {
	p, _ := testPool(t)

	a1, _ := p.Acquire("acme")
	a2, _ := p.Acquire("acme")
	_ = a1
	_ = a2

	// acme is saturated; another tenant still gets channels of its own.
	bch, err := p.Acquire("globex")
	if err != nil {
		t.Fatalf("acquire for second tenant: %v", err)
	}
	if bch.Tenant != "globex" {
		t.Fatalf("channel tenant = %s, want globex", bch.Tenant)
	}
	for _, s := range p.Stats() {
		if s.Tenant != "acme" {
			continue
		}
		for _, ch := range s.Channels {
			if ch.ID == bch.ID {
				t.Fatal("second tenant's channel leaked into acme's entry")
			}
		}
	}
}

func TestPoolDialDoesNotBlockOtherTenants(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	factory := func(tenant, addr string) (BackendChannel, error) {
		if tenant == "slow" {
			close(started)
			<-release
		}
		return echoFactory(tenant, addr)
	}
	p := NewPool(testPoolConfig(), factory, util.NopLogger())
	defer close(release)

	go p.Acquire("slow")
	<-started

	// The slow tenant is mid-dial; another tenant must still be admitted.
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire("fast")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire for second tenant: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire for second tenant stalled behind another tenant's dial")
	}
}

func TestPoolCountsInFlightDialsAgainstCap(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	factory := func(tenant, addr string) (BackendChannel, error) {
		started <- struct{}{}
		<-release
		return echoFactory(tenant, addr)
	}
	p := NewPool(testPoolConfig(), factory, util.NopLogger())
	defer close(release)

	go p.Acquire("acme")
	go p.Acquire("acme")
	<-started
	<-started

	// Both slots are reserved by dials in flight; the cap still holds.
	_, err := p.Acquire("acme")
	if !tunnelerr.HasCode(err, tunnelerr.CodePoolExhausted) {
		t.Fatalf("got %v, want pool-exhausted while dials are in flight", err)
	}
}

func TestPoolEvictsIdleChannels(t *testing.T) {
	p, now := testPool(t)

	ch, _ := p.Acquire("acme")
	p.Release(ch)

	*now = now.Add(30 * time.Second)
	p.EvictIdle()
	if got := len(p.Stats()[0].Channels); got != 1 {
		t.Fatalf("channel evicted before idle timeout, %d left", got)
	}

	*now = now.Add(31 * time.Second)
	p.EvictIdle()
	if got := len(p.Stats()[0].Channels); got != 0 {
		t.Fatalf("%d channels left, want 0 after idle timeout", got)
	}
}

func TestPoolNeverEvictsBusyChannel(t *testing.T) {
	p, now := testPool(t)

	p.Acquire("acme") // never released

	*now = now.Add(time.Hour)
	p.EvictIdle()
	if got := len(p.Stats()[0].Channels); got != 1 {
		t.Fatalf("busy channel was evicted, %d left", got)
	}
}

func TestPoolCollectsEmptyEntryAfterGrace(t *testing.T) {
	p, now := testPool(t)

	ch, _ := p.Acquire("acme")
	p.Release(ch)

	*now = now.Add(2 * time.Minute)
	p.EvictIdle() // evicts the channel, starts the entry grace clock
	if len(p.Stats()) != 1 {
		t.Fatal("entry should linger through the grace period")
	}

	*now = now.Add(time.Minute)
	p.EvictIdle()
	if got := len(p.Stats()); got != 0 {
		t.Fatalf("%d entries left, want 0 after grace period", got)
	}
}
