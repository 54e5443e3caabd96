package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DragonSecurity/conduit/pkg/config"
	"github.com/DragonSecurity/conduit/pkg/metrics"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

// Channel is one backend channel owned by a tenant's pool entry, with its own
// circuit breaker. A channel serves at most one request at a time.
type Channel struct {
	ID       string
	Tenant   string
	Breaker  *Breaker
	backend  BackendChannel
	lastUsed time.Time
	busy     bool
}

// Forward runs one request through the channel's breaker.
func (c *Channel) Forward(ctx context.Context, fn func(BackendChannel) error) error {
	return c.Breaker.Execute(func() error { return fn(c.backend) })
}

type poolEntry struct {
	tenant     string
	channels   map[string]*Channel
	dialing    int // slots reserved for factory calls in flight
	emptySince time.Time
}

// Pool keys backend channels strictly by tenant. A tenant never sees another
// tenant's channels, even under pressure.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	factory BackendFactory
	cfg     config.Server
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewPool(cfg config.Server, factory BackendFactory, log *zap.SugaredLogger) *Pool {
	return &Pool{
		entries: make(map[string]*poolEntry),
		factory: factory,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Acquire returns an idle channel for the tenant, creating one when the
// tenant is below its channel cap. At the cap with every channel busy, the
// request is rejected rather than queued.
func (p *Pool) Acquire(tenant string) (*Channel, error) {
	p.mu.Lock()

	now := p.now()
	entry := p.entries[tenant]
	if entry == nil {
		entry = &poolEntry{tenant: tenant, channels: make(map[string]*Channel)}
		p.entries[tenant] = entry
	}
	entry.emptySince = time.Time{}

	for _, ch := range entry.channels {
		if !ch.busy {
			ch.busy = true
			ch.lastUsed = now
			p.mu.Unlock()
			return ch, nil
		}
	}

	if len(entry.channels)+entry.dialing >= p.cfg.MaxChannelsPerTenant {
		p.mu.Unlock()
		return nil, tunnelerr.Server(tunnelerr.CodePoolExhausted,
			fmt.Sprintf("tenant %s has all %d channels busy", tenant, p.cfg.MaxChannelsPerTenant), nil).
			WithContext("tenant", tenant)
	}

	// Reserve the slot, then dial without the pool lock so one tenant's slow
	// backend cannot stall admission for every other tenant.
	entry.dialing++
	p.mu.Unlock()

	backend, err := p.factory(tenant, p.cfg.Backend.Addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	entry.dialing--
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := &Channel{
		ID:       id,
		Tenant:   tenant,
		Breaker:  NewBreaker(tenant, id, p.cfg.BreakerThreshold, p.cfg.BreakerResetTimeout),
		backend:  backend,
		lastUsed: p.now(),
		busy:     true,
	}
	entry.channels[id] = ch
	metrics.ActiveChannels.Inc()
	p.log.Debugw("channel opened", "tenant", tenant, "channel", ch.ID, "open", len(entry.channels))
	return ch, nil
}

// Release returns a channel to the idle set.
func (p *Pool) Release(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.entries[ch.Tenant]
	if entry == nil {
		return
	}
	if cur, ok := entry.channels[ch.ID]; ok {
		cur.busy = false
		cur.lastUsed = p.now()
	}
}

// EvictIdle closes channels idle past the timeout and collects tenant entries
// that have sat empty past the grace period. Busy channels are never evicted.
func (p *Pool) EvictIdle() {
	p.mu.Lock()
	now := p.now()
	var closing []BackendChannel
	for tenant, entry := range p.entries {
		for id, ch := range entry.channels {
			if !ch.busy && now.Sub(ch.lastUsed) >= p.cfg.IdleTimeout {
				delete(entry.channels, id)
				closing = append(closing, ch.backend)
				metrics.ActiveChannels.Dec()
				p.log.Debugw("channel evicted", "tenant", tenant, "channel", id, "idle", now.Sub(ch.lastUsed))
			}
		}
		if len(entry.channels) == 0 && entry.dialing == 0 {
			if entry.emptySince.IsZero() {
				entry.emptySince = now
			} else if now.Sub(entry.emptySince) >= p.cfg.EntryGracePeriod {
				delete(p.entries, tenant)
				p.log.Debugw("tenant entry collected", "tenant", tenant)
			}
		}
	}
	p.mu.Unlock()

	for _, b := range closing {
		_ = b.Close()
	}
}

// Run sweeps idle channels until the context ends.
func (p *Pool) Run(ctx context.Context, sweep time.Duration) {
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

// Close shuts every channel down.
func (p *Pool) Close() {
	p.mu.Lock()
	var closing []BackendChannel
	for _, entry := range p.entries {
		for _, ch := range entry.channels {
			closing = append(closing, ch.backend)
			metrics.ActiveChannels.Dec()
		}
		entry.channels = make(map[string]*Channel)
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, b := range closing {
		_ = b.Close()
	}
}

// PoolStats describes one tenant's entry for the debug endpoint.
type PoolStats struct {
	Tenant   string         `json:"tenant"`
	Channels []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	ID       string    `json:"id"`
	Busy     bool      `json:"busy"`
	Breaker  string    `json:"breaker"`
	Failures int       `json:"failures"`
	LastUsed time.Time `json:"lastUsed"`
}

func (p *Pool) Stats() []PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PoolStats, 0, len(p.entries))
	for tenant, entry := range p.entries {
		s := PoolStats{Tenant: tenant, Channels: make([]ChannelStats, 0, len(entry.channels))}
		for _, ch := range entry.channels {
			s.Channels = append(s.Channels, ChannelStats{
				ID:       ch.ID,
				Busy:     ch.busy,
				Breaker:  ch.Breaker.State().String(),
				Failures: ch.Breaker.Failures(),
				LastUsed: ch.lastUsed,
			})
		}
		out = append(out, s)
	}
	return out
}
