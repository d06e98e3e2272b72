package router

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QPC-database/snocat/registry"
	"github.com/QPC-database/snocat/service"
	"github.com/QPC-database/snocat/tunnel"
)

// pipeStream adapts a net.Conn to tunnel.Stream for tests.
type pipeStream struct{ net.Conn }

func (p pipeStream) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return p.Conn.Close()
}

func newStreamPair() (tunnel.Stream, tunnel.Stream) {
	a, b := net.Pipe()
	return pipeStream{a}, pipeStream{b}
}

func TestSplitFirstSegment(t *testing.T) {
	cases := []struct {
		in   string
		name string
		rest string
		ok   bool
	}{
		{"/alice/tcp/80", "alice", "/tcp/80", true},
		{"/alice", "alice", "/", true},
		{"alice/tcp/80", "", "", false},
		{"", "", "", false},
		{"/", "", "/", true},
	}
	for _, c := range cases {
		name, rest, ok := splitFirstSegment(c.in)
		assert.Equal(t, c.ok, ok, "input %q", c.in)
		if c.ok {
			assert.Equal(t, c.name, name, "input %q", c.in)
			assert.Equal(t, c.rest, rest, "input %q", c.in)
		}
	}
}

// fakeTunnel exposes a fixed Uplink.Open result for routing tests.
type fakeTunnel struct {
	uplink tunnel.Uplink
}

func (f fakeTunnel) Downlink() tunnel.Downlink { return nil }
func (f fakeTunnel) Uplink() tunnel.Uplink     { return f.uplink }
func (f fakeTunnel) Side() tunnel.Side         { return tunnel.SideListener }
func (f fakeTunnel) Close() error              { return nil }

type fakeUplink struct {
	stream tunnel.Stream
	err    error
}

func (f fakeUplink) Open(ctx context.Context) (tunnel.Stream, error) {
	return f.stream, f.err
}

func TestByNameRouteNoTunnelNameSegment(t *testing.T) {
	reg := registry.NewInMemory()
	_, _, err := ByName{}.Route(context.Background(), "tcp/80", reg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatchingTunnel))
}

func TestByNameRouteUnknownTunnel(t *testing.T) {
	reg := registry.NewInMemory()
	_, _, err := ByName{}.Route(context.Background(), "/alice/tcp/80", reg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatchingTunnel))
}

func TestByNameRouteOpensUplinkStream(t *testing.T) {
	reg := registry.NewInMemory()
	local, remote := newStreamPair()
	defer remote.Close()

	require.NoError(t, reg.RegisterTunnel(1, fakeTunnel{uplink: fakeUplink{stream: local}}))
	require.NoError(t, reg.NameTunnel(1, "alice"))

	addr, stream, err := ByName{}.Route(context.Background(), "/alice/tcp/80", reg)
	require.NoError(t, err)
	assert.Equal(t, service.Address("/tcp/80"), addr)
	assert.Equal(t, local, stream)
}

func TestByNameRouteNoUplink(t *testing.T) {
	reg := registry.NewInMemory()
	require.NoError(t, reg.RegisterTunnel(1, fakeTunnel{uplink: nil}))
	require.NoError(t, reg.NameTunnel(1, "alice"))

	_, _, err := ByName{}.Route(context.Background(), "/alice/tcp/80", reg)
	require.Error(t, err)
	var linkErr *LinkOpenFailure
	assert.True(t, errors.As(err, &linkErr))
}

func TestByNameRouteUplinkOpenFailure(t *testing.T) {
	reg := registry.NewInMemory()
	boom := errors.New("transport gone")
	require.NoError(t, reg.RegisterTunnel(1, fakeTunnel{uplink: fakeUplink{err: boom}}))
	require.NoError(t, reg.NameTunnel(1, "alice"))

	_, _, err := ByName{}.Route(context.Background(), "/alice/tcp/80", reg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

// echoService accepts any address and echoes one read back to the caller.
type echoService struct{}

func (echoService) Name() string                           { return "echo" }
func (echoService) Accepts(service.Address, tunnel.ID) bool { return true }
func (echoService) Handle(ctx context.Context, _ service.Address, stream tunnel.Stream) error {
	buf := make([]byte, 64)
	n, err := stream.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n > 0 {
		if _, werr := stream.Write(buf[:n]); werr != nil {
			return werr
		}
	}
	return stream.Close()
}

// echoClient writes a fixed payload and reads back whatever comes.
type echoClient struct{ payload []byte }

func (c echoClient) Handle(ctx context.Context, address service.Address, stream tunnel.Stream) (any, error) {
	if _, err := stream.Write(c.payload); err != nil {
		return nil, err
	}
	buf := make([]byte, len(c.payload))
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, err
	}
	return string(buf), nil
}

// TestRequestClientHandlerEndToEnd drives a full Route -> handshake -> Client.Handle round trip,
// with the negotiation's peer side run in a separate goroutine by a Negotiator on the other end of
// the pipe.
func TestRequestClientHandlerEndToEnd(t *testing.T) {
	local, remote := newStreamPair()

	services := service.NewRegistry()
	services.Register(echoService{})
	negotiator := service.NewNegotiator(services)

	negotiated := make(chan error, 1)
	go func() {
		n, err := negotiator.Negotiate(remote, tunnel.ID(1))
		if err != nil {
			negotiated <- err
			return
		}
		negotiated <- n.Service.Handle(context.Background(), n.Address, n.Stream)
	}()

	reg := registry.NewInMemory()
	require.NoError(t, reg.RegisterTunnel(1, fakeTunnel{uplink: fakeUplink{stream: local}}))
	require.NoError(t, reg.NameTunnel(1, "alice"))

	handler := NewRequestClientHandler(ByName{}, reg, services)
	resp, err := handler.Handle(context.Background(), Request{
		Address: "/alice/tcp/80",
		Client:  echoClient{payload: []byte("ping")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ping", resp.Payload)

	require.NoError(t, <-negotiated)
}
