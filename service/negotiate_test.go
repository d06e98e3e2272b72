package service

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type acceptAllService struct{ name string }

func (s acceptAllService) Name() string { return s.name }
func (s acceptAllService) Accepts(Address, tunnel.ID) bool { return true }
func (s acceptAllService) Handle(context.Context, Address, tunnel.Stream) error { return nil }

func TestNegotiateSuccess(t *testing.T) {
	reg := NewRegistry()
	reg.Register(acceptAllService{name: "echo"})
	neg := NewNegotiator(reg)

	initiator, responder := newStreamPair()

	var wg sync.WaitGroup
	wg.Add(1)
	var negotiated Negotiated
	var negErr error
	go func() {
		defer wg.Done()
		negotiated, negErr = neg.Negotiate(responder, tunnel.ID(1))
	}()

	require.NoError(t, WriteAddress(initiator, "/tcp/7878"))
	wg.Wait()

	require.NoError(t, negErr)
	assert.Equal(t, Address("/tcp/7878"), negotiated.Address)
	assert.Equal(t, "echo", negotiated.Service.Name())
}

func TestNegotiateRefused(t *testing.T) {
	neg := NewNegotiator(NewRegistry()) // empty catalog: nothing accepts
	initiator, responder := newStreamPair()

	var wg sync.WaitGroup
	wg.Add(1)
	var negErr error
	go func() {
		defer wg.Done()
		_, negErr = neg.Negotiate(responder, tunnel.ID(5))
	}()

	err := WriteAddress(initiator, "/tcp/65535")
	wg.Wait()

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRefused))
	require.Error(t, negErr)
	assert.True(t, errors.Is(negErr, ErrRefused))
}

func TestNegotiateUnsupportedVersionIsFatal(t *testing.T) {
	neg := NewNegotiator(NewRegistry())
	initiator, responder := newStreamPair()

	var wg sync.WaitGroup
	wg.Add(1)
	var negErr error
	go func() {
		defer wg.Done()
		_, negErr = neg.Negotiate(responder, tunnel.ID(1))
	}()

	_, err := initiator.Write([]byte{0x09, 0x00, 0x00})
	require.NoError(t, err)
	wg.Wait()

	require.Error(t, negErr)
	assert.True(t, errors.Is(negErr, ErrUnsupportedProtocolVersion))
}

func TestNegotiateSiblingIndependence(t *testing.T) {
	// A refused sub-stream must not prevent a sibling sub-stream (here, simulated as a second
	// independent negotiation on the same registry/tunnel id) from succeeding.
	// First sub-stream: refused, because the registry only matches a specific address below.
	picky := NewRegistry()
	picky.Register(funcService{name: "picky", accepts: func(a Address) bool { return a == "/tcp/22" }})
	pickyNeg := NewNegotiator(picky)

	i1, r1 := newStreamPair()
	var wg sync.WaitGroup
	wg.Add(1)
	var err1 error
	go func() {
		defer wg.Done()
		_, err1 = pickyNeg.Negotiate(r1, tunnel.ID(5))
	}()
	writeErr1 := WriteAddress(i1, "/tcp/65535")
	wg.Wait()
	require.Error(t, writeErr1)
	assert.True(t, errors.Is(err1, ErrRefused))

	// Sibling sub-stream on the same tunnel id, different address, must still be accepted.
	i2, r2 := newStreamPair()
	wg.Add(1)
	var negotiated Negotiated
	var err2 error
	go func() {
		defer wg.Done()
		negotiated, err2 = pickyNeg.Negotiate(r2, tunnel.ID(5))
	}()
	require.NoError(t, WriteAddress(i2, "/tcp/22"))
	wg.Wait()
	require.NoError(t, err2)
	assert.Equal(t, Address("/tcp/22"), negotiated.Address)
}

type funcService struct {
	name    string
	accepts func(Address) bool
}

func (f funcService) Name() string                      { return f.name }
func (f funcService) Accepts(a Address, _ tunnel.ID) bool { return f.accepts(a) }
func (f funcService) Handle(context.Context, Address, tunnel.Stream) error {
	return io.EOF
}
