package transport

import (
	"io"
	"sync"

	"github.com/DragonSecurity/conduit/pkg/proto"
)

// Pipe returns two in-memory transports wired back to back, in the spirit of
// net.Pipe. Closing either end unblocks both sides.
func Pipe() (Transport, Transport) {
	ab := make(chan *proto.Envelope, 64)
	ba := make(chan *proto.Envelope, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: ba, out: ab, done: done, once: once}
	b := &pipeConn{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipeConn struct {
	in   chan *proto.Envelope
	out  chan *proto.Envelope
	done chan struct{}
	once *sync.Once
}

func (p *pipeConn) ReadEnvelope() (*proto.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.done:
		// Drain anything already in flight before reporting closure.
		select {
		case env := <-p.in:
			return env, nil
		default:
			return nil, io.ErrClosedPipe
		}
	}
}

func (p *pipeConn) WriteEnvelope(env *proto.Envelope) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	case p.out <- env:
		return nil
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
