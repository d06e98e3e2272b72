package main

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/QPC-database/snocat/daemon"
	"github.com/QPC-database/snocat/tunnel"
)

// connTunnel is a degenerate tunnel.Tunnel over one raw net.Conn: the whole connection is its
// single sub-stream. It exists because the transport layer (QUIC/TLS multiplexing) is explicitly
// out of this module's scope; it lets the cmd/tunneld reference binary exercise the daemon
// end-to-end over plain TCP without a real multiplexor. Production embedders supply their own
// tunnel.Tunnel backed by an actual multiplexed transport.
type connTunnel struct {
	conn net.Conn
	once sync.Once
}

func newConnTunnel(conn net.Conn) *connTunnel {
	return &connTunnel{conn: conn}
}

func (t *connTunnel) Downlink() tunnel.Downlink { return t }
func (t *connTunnel) Uplink() tunnel.Uplink     { return t }
func (t *connTunnel) Side() tunnel.Side         { return tunnel.SideListener }

func (t *connTunnel) Close() error {
	return t.conn.Close()
}

// Next implements tunnel.Downlink: it yields t.conn itself exactly once, then blocks until ctx is
// done (there is never a second sub-stream on a degenerate one-stream tunnel).
func (t *connTunnel) Next(ctx context.Context) (tunnel.Stream, error) {
	yielded := false
	t.once.Do(func() { yielded = true })
	if yielded {
		return connStream{t.conn}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// Open implements tunnel.Uplink: a degenerate single-connection tunnel cannot open additional
// sub-streams toward the peer.
func (t *connTunnel) Open(ctx context.Context) (tunnel.Stream, error) {
	return nil, errors.New("connTunnel: Open not supported over a single raw connection")
}

type connStream struct{ net.Conn }

func (c connStream) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// listenerSource adapts a net.Listener into a daemon.Source, wrapping every accepted connection
// in a connTunnel.
type listenerSource struct {
	ln net.Listener
}

func newListenerSource(ln net.Listener) *listenerSource {
	return &listenerSource{ln: ln}
}

func (s *listenerSource) Next(ctx context.Context) (tunnel.Tunnel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := s.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return newConnTunnel(r.conn), nil
	}
}

var _ daemon.Source = (*listenerSource)(nil)
