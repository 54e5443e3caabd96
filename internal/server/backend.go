package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/DragonSecurity/conduit/pkg/config"
	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

// BackendChannel is the server's path to a tenant's local answering service.
// The service itself is opaque; the channel just moves one request/response
// pair per call.
type BackendChannel interface {
	Forward(ctx context.Context, req *proto.Request) (*proto.Response, error)
	Close() error
}

// BackendFactory opens a fresh channel for a tenant. The pool calls it when a
// tenant needs more capacity.
type BackendFactory func(tenant, addr string) (BackendChannel, error)

// NewBackendFactory selects the channel variant from config.
func NewBackendFactory(cfg config.Backend) (BackendFactory, error) {
	switch cfg.Mode {
	case "ssh":
		return sshBackendFactory(cfg), nil
	case "loopback":
		return func(tenant, addr string) (BackendChannel, error) {
			return NewLoopbackBackend(func(req *proto.Request) *proto.Response {
				return &proto.Response{
					RequestID:     req.ID,
					CorrelationID: req.CorrelationID,
					StatusCode:    200,
					Payload:       req.Payload,
				}
			}), nil
		}, nil
	default:
		return nil, tunnelerr.Config(tunnelerr.CodeInvalidConfig,
			fmt.Sprintf("unknown backend mode %q", cfg.Mode), nil)
	}
}

// wireRequest is the JSON exchanged with the responder process over the
// remote-shell channel.
type wireRequest struct {
	ID            string            `json:"id"`
	Tenant        string            `json:"tenant"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type wireResponse struct {
	ID            string            `json:"id"`
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// SSHBackend reaches the tenant's answering service over an authenticated SSH
// connection: one session per forwarded request, JSON on stdin/stdout.
type SSHBackend struct {
	mu      sync.Mutex
	client  *ssh.Client
	command string
}

func sshBackendFactory(cfg config.Backend) BackendFactory {
	return func(tenant, addr string) (BackendChannel, error) {
		auth, err := sshAuthMethods(cfg)
		if err != nil {
			return nil, err
		}
		clientCfg := &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		}
		client, err := ssh.Dial("tcp", addr, clientCfg)
		if err != nil {
			return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed,
				"ssh dial "+addr, err).WithContext("tenant", tenant)
		}
		return &SSHBackend{client: client, command: cfg.Command}, nil
	}
}

func sshAuthMethods(cfg config.Backend) ([]ssh.AuthMethod, error) {
	if cfg.KeyPath == "" {
		return nil, tunnelerr.Config(tunnelerr.CodeInvalidConfig, "backend.keyPath is required for ssh mode", nil)
	}
	pem, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, tunnelerr.Config(tunnelerr.CodeInvalidConfig, "read ssh key", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, tunnelerr.Config(tunnelerr.CodeInvalidConfig, "parse ssh key", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (b *SSHBackend) Forward(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "backend channel closed", nil)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "open ssh session", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "ssh stdin", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "ssh stdout", err)
	}
	if err := session.Start(b.command); err != nil {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "start responder", err)
	}

	// Deadline enforcement: closing the session unblocks the decode.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	wreq := wireRequest{
		ID:            req.ID,
		Tenant:        req.Tenant,
		Headers:       req.Headers,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
	}
	if err := json.NewEncoder(stdin).Encode(&wreq); err != nil {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "write request", err)
	}
	_ = stdin.Close()

	var wresp wireResponse
	if err := json.NewDecoder(stdout).Decode(&wresp); err != nil {
		if ctx.Err() != nil {
			return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "backend deadline exceeded", ctx.Err())
		}
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "read response", err)
	}
	return &proto.Response{
		RequestID:     req.ID,
		StatusCode:    wresp.StatusCode,
		Headers:       wresp.Headers,
		Payload:       wresp.Payload,
		ReceivedAt:    time.Now(),
		CorrelationID: req.CorrelationID,
	}, nil
}

func (b *SSHBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

// LoopbackBackend answers in-process; used in dev mode and tests.
type LoopbackBackend struct {
	handler func(*proto.Request) *proto.Response
	closed  bool
	mu      sync.Mutex
}

func NewLoopbackBackend(handler func(*proto.Request) *proto.Response) *LoopbackBackend {
	return &LoopbackBackend{handler: handler}
}

func (b *LoopbackBackend) Forward(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "backend channel closed", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, tunnelerr.Server(tunnelerr.CodeBackendFailed, "backend deadline exceeded", err)
	}
	return b.handler(req), nil
}

func (b *LoopbackBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
