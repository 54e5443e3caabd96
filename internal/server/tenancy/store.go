// Package tenancy holds the tenant credential store backing the tunnel
// server's handshake auth. Credentials live in a JSON file so operators can
// manage them with the tenant subcommands without a database.
package tenancy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

type Tenant struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

type Store struct {
	path string
	mu   sync.RWMutex
	m    map[string]*Tenant // slug -> tenant
	now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path, m: make(map[string]*Tenant), now: time.Now}
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
				return err
			}
			s.m = map[string]*Tenant{}
			return s.saveLocked()
		}
		return err
	}
	var arr []*Tenant
	if len(b) == 0 {
		s.m = map[string]*Tenant{}
		return nil
	}
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	s.m = make(map[string]*Tenant, len(arr))
	for _, t := range arr {
		s.m[t.Slug] = t
	}
	return nil
}

func (s *Store) saveLocked() error {
	arr := make([]*Tenant, 0, len(s.m))
	for _, t := range s.m {
		arr = append(arr, t)
	}
	b, _ := json.MarshalIndent(arr, "", "  ")
	return os.WriteFile(s.path, b, 0o640)
}

func (s *Store) List() []*Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := make([]*Tenant, 0, len(s.m))
	for _, t := range s.m {
		arr = append(arr, t)
	}
	return arr
}

// Authenticate maps a bearer token to its tenant. Tokens are compared in
// constant time; inactive and expired credentials are rejected with distinct
// codes so the client can tell the operator what to fix.
func (s *Store) Authenticate(token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.m {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) != 1 {
			continue
		}
		if !t.Active {
			return "", tunnelerr.Auth(tunnelerr.CodeAuthRejected,
				fmt.Sprintf("tenant %s is deactivated", t.Slug), nil)
		}
		if !t.ExpiresAt.IsZero() && s.now().After(t.ExpiresAt) {
			return "", tunnelerr.Auth(tunnelerr.CodeTokenExpired,
				fmt.Sprintf("credential for tenant %s expired at %s", t.Slug, t.ExpiresAt.Format(time.RFC3339)), nil)
		}
		return t.Slug, nil
	}
	return "", tunnelerr.Auth(tunnelerr.CodeAuthRejected, "unknown credential", nil)
}

func (s *Store) ExistsActive(slug string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.m[slug]
	return ok && t.Active
}

func (s *Store) Create(name, token string, expiresAt time.Time) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slug := Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("invalid name")
	}
	if _, exists := s.m[slug]; exists {
		return nil, fmt.Errorf("tenant exists")
	}
	t := &Tenant{Slug: slug, Name: name, Token: token, Active: true, ExpiresAt: expiresAt}
	s.m[slug] = t
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) Rotate(slug, token string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[slug]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	t.Token = token
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) Deactivate(slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[slug]
	if !ok {
		return fmt.Errorf("not found")
	}
	t.Active = false
	return s.saveLocked()
}

func (s *Store) Delete(slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[slug]; !ok {
		return fmt.Errorf("not found")
	}
	delete(s.m, slug)
	return s.saveLocked()
}

// Slugify very simple
func Slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == '-', r == '_':
			out = append(out, r)
		case r == ' ', r == '.':
			out = append(out, '-')
		}
	}
	// trim dashes
	for len(out) > 0 && (out[0] == '-' || out[0] == '_') {
		out = out[1:]
	}
	for len(out) > 0 && (out[len(out)-1] == '-' || out[len(out)-1] == '_') {
		out = out[:len(out)-1]
	}
	return string(out)
}
