package service

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/QPC-database/snocat/tunnel"
)

// ProtocolVersion is the only negotiation wire version this package understands. Bumping it is
// a breaking wire change: the address grammar, and by extension the framing that carries it,
// must be preserved bit-exact for wire compatibility.
const ProtocolVersion byte = 1

// MaxAddressLength bounds the length-delimited address read from the peer, defending the
// negotiator against a misbehaving or malicious peer claiming an unbounded address length.
const MaxAddressLength = 4096

const (
	statusOK      byte = 0x00
	statusRefused byte = 0x01
)

// Error kinds returned by Negotiate. Only ErrUnsupportedProtocolVersion is fatal to the owning
// tunnel's lifecycle; the rest are local to this one sub-stream.
var (
	ErrUnsupportedProtocolVersion = errors.New("negotiation: unsupported protocol version")
	ErrProtocolViolation          = errors.New("negotiation: protocol violation")
	ErrRefused                    = errors.New("negotiation: no matching service, refused")
)

// Negotiated is the outcome of a successful handshake: the stream (now positioned after the
// handshake bytes, ready for service-specific traffic), the address that was negotiated, and
// the Service chosen to handle it.
type Negotiated struct {
	Stream  tunnel.Stream
	Address Address
	Service Service
}

// Negotiator runs the per-sub-stream handshake against a Registry.
type Negotiator struct {
	services *Registry
}

// NewNegotiator builds a Negotiator over services.
func NewNegotiator(services *Registry) *Negotiator {
	return &Negotiator{services: services}
}

// Negotiate reads a length-delimited Address from stream, looks it up in the service registry,
// and acknowledges the result to the peer. On success it returns the matched Service and the
// stream, ready for service-specific bytes. On failure it closes the stream itself and returns a
// non-nil error; callers should not attempt to reuse stream after an error.
func (n *Negotiator) Negotiate(stream tunnel.Stream, tunnelID tunnel.ID) (Negotiated, error) {
	r := bufio.NewReader(stream)

	var version byte
	if err := readByte(r, &version); err != nil {
		_ = stream.Close()
		return Negotiated{}, fmt.Errorf("negotiation: read protocol version: %w", err)
	}
	if version != ProtocolVersion {
		_ = stream.Close()
		return Negotiated{}, fmt.Errorf("%w: peer sent version %d, want %d", ErrUnsupportedProtocolVersion, version, ProtocolVersion)
	}

	addr, err := readAddress(r)
	if err != nil {
		_ = stream.Close()
		return Negotiated{}, err
	}

	svc, ok := n.services.FindService(addr, tunnelID)
	if !ok {
		if _, werr := stream.Write([]byte{statusRefused}); werr != nil {
			_ = stream.Close()
			return Negotiated{}, fmt.Errorf("negotiation: write refusal: %w", werr)
		}
		_ = stream.Close()
		return Negotiated{}, fmt.Errorf("%w: %q", ErrRefused, addr)
	}

	if _, err := stream.Write([]byte{statusOK}); err != nil {
		_ = stream.Close()
		return Negotiated{}, fmt.Errorf("negotiation: write acknowledgement: %w", err)
	}

	return Negotiated{Stream: stream, Address: addr, Service: svc}, nil
}

// WriteAddress is the initiator-side counterpart of Negotiate's read: it writes the protocol
// version and the length-delimited address, then reads back the single-byte status. Used by
// router.RequestClientHandler before it hands the stream to a Client.
func WriteAddress(stream tunnel.Stream, addr Address) error {
	if len(addr) > MaxAddressLength {
		return fmt.Errorf("%w: address length %d exceeds maximum %d", ErrProtocolViolation, len(addr), MaxAddressLength)
	}

	buf := make([]byte, 0, 3+len(addr))
	buf = append(buf, ProtocolVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(addr)))
	buf = append(buf, addr...)
	if _, err := stream.Write(buf); err != nil {
		return fmt.Errorf("negotiation: write address: %w", err)
	}

	status := make([]byte, 1)
	if _, err := io.ReadFull(stream, status); err != nil {
		return fmt.Errorf("negotiation: read acknowledgement: %w", err)
	}
	switch status[0] {
	case statusOK:
		return nil
	case statusRefused:
		return fmt.Errorf("%w: %q", ErrRefused, addr)
	default:
		return fmt.Errorf("%w: unrecognized status byte %#x", ErrProtocolViolation, status[0])
	}
}

func readByte(r *bufio.Reader, out *byte) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	*out = b
	return nil
}

func readAddress(r *bufio.Reader) (Address, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("%w: read address length: %v", ErrProtocolViolation, err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > MaxAddressLength {
		return "", fmt.Errorf("%w: address length %d exceeds maximum %d", ErrProtocolViolation, n, MaxAddressLength)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: read address bytes: %v", ErrProtocolViolation, err)
	}
	return Address(buf), nil
}
