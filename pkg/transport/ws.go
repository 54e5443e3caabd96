package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/conduit/pkg/proto"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

// WSConn wraps a websocket connection with serialized writes. Reads stay
// single-consumer by construction (one read loop per connection).
type WSConn struct {
	c   *websocket.Conn
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWSConn adopts an already-upgraded websocket connection, e.g. on the
// server side of the control endpoint.
func NewWSConn(c *websocket.Conn) *WSConn { return &WSConn{c: c} }

func (w *WSConn) ReadEnvelope() (*proto.Envelope, error) {
	var env proto.Envelope
	if err := w.c.ReadJSON(&env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, tunnelerr.Protocol(tunnelerr.CodeBadEnvelope, "invalid envelope", err)
	}
	return &env, nil
}

func (w *WSConn) WriteEnvelope(env *proto.Envelope) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.c.WriteJSON(env)
}

// Close sends a normal closure frame best-effort, then closes the socket.
func (w *WSConn) Close() error {
	w.closeOnce.Do(func() {
		_ = w.c.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.closeErr = w.c.Close()
	})
	return w.closeErr
}

// WSDialer dials tunnel endpoints over websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Compression      bool
	TLS              *TLSOptions
}

func (d *WSDialer) Dial(ctx context.Context, endpoint, credential string) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout:  timeout,
		EnableCompression: d.Compression,
		ReadBufferSize:    1 << 14,
		WriteBufferSize:   1 << 14,
	}
	if d.TLS != nil {
		cfg, err := d.TLS.ClientConfig()
		if err != nil {
			return nil, tunnelerr.Config(tunnelerr.CodeInvalidConfig, "bad TLS options", err)
		}
		dialer.TLSClientConfig = cfg
	}

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	c, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, tunnelerr.Auth(tunnelerr.CodeAuthRejected, "server rejected credential", err)
		}
		return nil, tunnelerr.Network(tunnelerr.CodeDialFailed, "websocket dial "+endpoint, err)
	}
	return NewWSConn(c), nil
}
