// Package config holds the tunnel's named connection profiles and the server
// tuning knobs, with validation applied before anything is used. Invalid
// values are rejected with a configuration error, never silently clamped.
package config

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

// Profile selects the client's resilience posture.
type Profile struct {
	Name                 string
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	BackoffJitter        bool
	RequestTimeout       time.Duration
	QueueCapacity        int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	Compression          bool
	GracePeriod          time.Duration
	PersistPath          string
}

// SupportedProfiles are the named profiles accepted on the command line.
var SupportedProfiles = []string{"stable", "unstable", "low-bandwidth"}

var profiles = map[string]Profile{
	"stable": {
		Name:                 "stable",
		MaxReconnectAttempts: 5,
		BackoffBase:          500 * time.Millisecond,
		BackoffMax:           10 * time.Second,
		BackoffJitter:        false,
		RequestTimeout:       15 * time.Second,
		QueueCapacity:        256,
		HeartbeatInterval:    15 * time.Second,
		HeartbeatTimeout:     45 * time.Second,
		Compression:          false,
		GracePeriod:          10 * time.Second,
	},
	"unstable": {
		Name:                 "unstable",
		MaxReconnectAttempts: 20,
		BackoffBase:          2 * time.Second,
		BackoffMax:           2 * time.Minute,
		BackoffJitter:        true,
		RequestTimeout:       60 * time.Second,
		QueueCapacity:        1024,
		HeartbeatInterval:    20 * time.Second,
		HeartbeatTimeout:     90 * time.Second,
		Compression:          false,
		GracePeriod:          30 * time.Second,
	},
	"low-bandwidth": {
		Name:                 "low-bandwidth",
		MaxReconnectAttempts: 10,
		BackoffBase:          time.Second,
		BackoffMax:           time.Minute,
		BackoffJitter:        true,
		RequestTimeout:       90 * time.Second,
		QueueCapacity:        128,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     2 * time.Minute,
		Compression:          true,
		GracePeriod:          30 * time.Second,
	},
}

// LoadProfile returns a validated copy of the named profile.
func LoadProfile(name string) (Profile, error) {
	if !lo.Contains(SupportedProfiles, name) {
		return Profile{}, tunnelerr.Config(tunnelerr.CodeBadProfile,
			fmt.Sprintf("unknown profile %q, supported profiles are %v", name, SupportedProfiles), nil)
	}
	p := profiles[name]
	if err := ValidateProfile(&p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ProfileFromViper loads the named profile and applies explicit overrides
// bound under the "client" key.
func ProfileFromViper(v *viper.Viper, name string) (Profile, error) {
	p, err := LoadProfile(name)
	if err != nil {
		return Profile{}, err
	}
	if v.IsSet("client.request_timeout") {
		p.RequestTimeout = v.GetDuration("client.request_timeout")
	}
	if v.IsSet("client.queue_capacity") {
		p.QueueCapacity = v.GetInt("client.queue_capacity")
	}
	if v.IsSet("client.max_reconnect_attempts") {
		p.MaxReconnectAttempts = v.GetInt("client.max_reconnect_attempts")
	}
	if v.IsSet("client.compression") {
		p.Compression = v.GetBool("client.compression")
	}
	if v.IsSet("client.persist_path") {
		p.PersistPath = v.GetString("client.persist_path")
	}
	if err := ValidateProfile(&p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ValidateProfile rejects out-of-range settings.
func ValidateProfile(p *Profile) error {
	var errs error
	if p.MaxReconnectAttempts < 1 {
		errs = AppendError(errs, fmt.Errorf("maxReconnectAttempts must be >= 1, got %d", p.MaxReconnectAttempts))
	}
	if p.BackoffBase <= 0 {
		errs = AppendError(errs, fmt.Errorf("backoffBase must be positive, got %v", p.BackoffBase))
	}
	if p.BackoffMax < p.BackoffBase {
		errs = AppendError(errs, fmt.Errorf("backoffMax %v must be >= backoffBase %v", p.BackoffMax, p.BackoffBase))
	}
	if p.RequestTimeout <= 0 {
		errs = AppendError(errs, fmt.Errorf("requestTimeout must be positive, got %v", p.RequestTimeout))
	}
	if p.QueueCapacity < 1 {
		errs = AppendError(errs, fmt.Errorf("queueCapacity must be >= 1, got %d", p.QueueCapacity))
	}
	if p.HeartbeatInterval <= 0 || p.HeartbeatTimeout <= p.HeartbeatInterval {
		errs = AppendError(errs, fmt.Errorf("heartbeatTimeout %v must exceed heartbeatInterval %v", p.HeartbeatTimeout, p.HeartbeatInterval))
	}
	if p.GracePeriod < 0 {
		errs = AppendError(errs, fmt.Errorf("gracePeriod must not be negative, got %v", p.GracePeriod))
	}
	if errs != nil {
		return tunnelerr.Config(tunnelerr.CodeInvalidConfig, "invalid profile", errs)
	}
	return nil
}

// Server tunes the per-tenant pool, breaker, and limiters.
type Server struct {
	PublicAddr           string
	MaxChannelsPerTenant int
	IdleTimeout          time.Duration
	EntryGracePeriod     time.Duration
	BreakerThreshold     int
	BreakerResetTimeout  time.Duration
	RateCapacity         float64
	RateRefillPerSec     float64
	RequestTimeout       time.Duration
	TenantStorePath      string
	Backend              Backend
}

// Backend selects how the server reaches a tenant's local answering service.
type Backend struct {
	Mode    string // "ssh" or "loopback"
	Addr    string
	User    string
	KeyPath string
	Command string
}

// SupportedBackendModes lists the accepted backend channel variants.
var SupportedBackendModes = []string{"ssh", "loopback"}

// DefaultServer returns the server defaults before viper overrides.
func DefaultServer() Server {
	return Server{
		PublicAddr:           ":8080",
		MaxChannelsPerTenant: 3,
		IdleTimeout:          5 * time.Minute,
		EntryGracePeriod:     time.Minute,
		BreakerThreshold:     5,
		BreakerResetTimeout:  30 * time.Second,
		RateCapacity:         20,
		RateRefillPerSec:     10,
		RequestTimeout:       30 * time.Second,
		TenantStorePath:      "tenants.json",
		Backend:              Backend{Mode: "loopback", Command: "conduit-responder"},
	}
}

// ValidateServer rejects out-of-range server settings.
func ValidateServer(c *Server) error {
	var errs error
	if c.PublicAddr == "" {
		errs = AppendError(errs, fmt.Errorf("publicAddr must not be empty"))
	}
	if c.MaxChannelsPerTenant < 1 {
		errs = AppendError(errs, fmt.Errorf("maxChannelsPerTenant must be >= 1, got %d", c.MaxChannelsPerTenant))
	}
	if c.IdleTimeout <= 0 {
		errs = AppendError(errs, fmt.Errorf("idleTimeout must be positive, got %v", c.IdleTimeout))
	}
	if c.BreakerThreshold < 1 {
		errs = AppendError(errs, fmt.Errorf("breakerThreshold must be >= 1, got %d", c.BreakerThreshold))
	}
	if c.BreakerResetTimeout <= 0 {
		errs = AppendError(errs, fmt.Errorf("breakerResetTimeout must be positive, got %v", c.BreakerResetTimeout))
	}
	if c.RateCapacity < 1 {
		errs = AppendError(errs, fmt.Errorf("rateCapacity must be >= 1, got %v", c.RateCapacity))
	}
	if c.RateRefillPerSec <= 0 {
		errs = AppendError(errs, fmt.Errorf("rateRefillPerSec must be positive, got %v", c.RateRefillPerSec))
	}
	if !lo.Contains(SupportedBackendModes, c.Backend.Mode) {
		errs = AppendError(errs, fmt.Errorf("invalid backend mode %q, optional values are %v", c.Backend.Mode, SupportedBackendModes))
	}
	if c.Backend.Mode == "ssh" && c.Backend.User == "" {
		errs = AppendError(errs, fmt.Errorf("backend.user is required for ssh mode"))
	}
	if c.Backend.Mode == "ssh" && c.Backend.Addr == "" {
		errs = AppendError(errs, fmt.Errorf("backend.addr is required for ssh mode"))
	}
	if errs != nil {
		return tunnelerr.Config(tunnelerr.CodeInvalidConfig, "invalid server config", errs)
	}
	return nil
}
