package config

import (
	"strings"
	"testing"
	"time"

	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

func TestLoadKnownProfiles(t *testing.T) {
	for _, name := range SupportedProfiles {
		p, err := LoadProfile(name)
		if err != nil {
			t.Fatalf("LoadProfile(%q): %v", name, err)
		}
		if p.Name != name {
			t.Errorf("profile name = %q", p.Name)
		}
	}
}

func TestUnknownProfileIsConfigError(t *testing.T) {
	_, err := LoadProfile("chaos")
	if err == nil {
		t.Fatal("expected error")
	}
	if tunnelerr.CategoryOf(err) != tunnelerr.CategoryConfiguration {
		t.Errorf("category = %v", tunnelerr.CategoryOf(err))
	}
	if !tunnelerr.HasCode(err, tunnelerr.CodeBadProfile) {
		t.Errorf("code = %v", tunnelerr.CodeOf(err))
	}
}

func TestProfilePostures(t *testing.T) {
	stable, _ := LoadProfile("stable")
	unstable, _ := LoadProfile("unstable")
	if unstable.MaxReconnectAttempts <= stable.MaxReconnectAttempts {
		t.Error("unstable profile should retry more")
	}
	if unstable.QueueCapacity <= stable.QueueCapacity {
		t.Error("unstable profile should queue more")
	}
	if unstable.RequestTimeout <= stable.RequestTimeout {
		t.Error("unstable profile should allow longer requests")
	}
}

func TestValidateProfileRejectsNotClamps(t *testing.T) {
	p, _ := LoadProfile("stable")
	p.QueueCapacity = 0
	p.BackoffBase = -time.Second
	err := ValidateProfile(&p)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "queueCapacity") {
		t.Errorf("error should name the bad setting: %v", err)
	}
	// Values stay as given, never clamped.
	if p.QueueCapacity != 0 {
		t.Error("validation must not mutate the config")
	}
}

func TestValidateServer(t *testing.T) {
	c := DefaultServer()
	if err := ValidateServer(&c); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	c.Backend.Mode = "carrier-pigeon"
	c.MaxChannelsPerTenant = 0
	if err := ValidateServer(&c); err == nil {
		t.Fatal("expected validation failure")
	}
	c = DefaultServer()
	c.Backend.Mode = "ssh"
	if err := ValidateServer(&c); err == nil {
		t.Fatal("ssh mode without user must fail")
	}
}

func TestAppendErrorAccumulates(t *testing.T) {
	var errs error
	errs = AppendError(errs, nil)
	if errs != nil {
		t.Fatal("nil + nil should stay nil")
	}
	errs = AppendError(errs, errFoo)
	errs = AppendError(errs, errBar)
	msg := errs.Error()
	if !strings.Contains(msg, "foo") || !strings.Contains(msg, "bar") {
		t.Errorf("combined message = %q", msg)
	}
}

var (
	errFoo = &strErr{"foo"}
	errBar = &strErr{"bar"}
)

type strErr struct{ s string }

func (e *strErr) Error() string { return e.s }
