package tcpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/QPC-database/snocat/service"
	"github.com/QPC-database/snocat/tunnel"
)

// DependencyFailure reports a failure to reach the dialed destination (connection refused,
// timeout, network unreachable), distinct from AddressError's "the address itself is bad".
type DependencyFailure struct {
	Target Target
	Err    error
}

func (e *DependencyFailure) Error() string {
	return fmt.Sprintf("tcpproxy: dial %s:%d: %v", e.Target.Host, e.Target.Port, e.Err)
}

func (e *DependencyFailure) Unwrap() error { return e.Err }

// dialTimeout bounds how long the reference service waits for a TCP handshake or DNS resolution
// to complete before giving up.
const dialTimeout = 30 * time.Second

// Service is the reference tcpproxy.Service: it parses the negotiated address, resolves and
// dials the destination, and pipes bytes bidirectionally between the sub-stream and the socket
// until either side closes.
//
// Grounded on cmd/traffic/cmd/manager/internal/conntunnel/handler.go's dialer: net.Dialer with a
// fixed timeout, then a pair of read/write loops, adapted here from a gRPC-framed byte pump to a
// direct io.Copy-based bidirectional pipe since tunnel.Stream is already a raw byte stream.
type Service struct {
	// LocalOnly restricts resolved addresses to loopback, refusing to proxy to arbitrary
	// hosts reachable from the process. Defaults to false (proxy anywhere).
	LocalOnly bool

	resolver *net.Resolver
	dialer   net.Dialer
}

// NewService builds a reference TCP proxy Service. A nil resolver uses net.DefaultResolver.
func NewService(localOnly bool) *Service {
	return &Service{
		LocalOnly: localOnly,
		resolver:  net.DefaultResolver,
		dialer:    net.Dialer{Timeout: dialTimeout},
	}
}

// Name implements service.Service.
func (s *Service) Name() string { return "tcpproxy" }

// Accepts implements service.Service: any address this package's grammar can parse.
func (s *Service) Accepts(address service.Address, _ tunnel.ID) bool {
	_, err := Parse(address)
	return err == nil
}

// Handle implements service.Service.
func (s *Service) Handle(ctx context.Context, address service.Address, stream tunnel.Stream) error {
	target, err := Parse(address)
	if err != nil {
		return err
	}

	hosts, err := s.resolve(ctx, target)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var conn net.Conn
	var dialErr error
	for _, host := range hosts {
		conn, dialErr = s.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, portString(target.Port)))
		if dialErr == nil {
			break
		}
	}
	if dialErr != nil {
		return &DependencyFailure{Target: target, Err: dialErr}
	}
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			dlog.Debugf(ctx, "tcpproxy: SetNoDelay: %v", err)
		}
	}

	return pipe(ctx, stream, conn)
}

// resolve applies the address grammar's resolution rules and returns candidate hosts to dial in
// order: loopback shorthand tries IPv6 then IPv4 loopback; literal IPs pass through unchanged;
// dns/dns4/dns6 hostnames are resolved via the configured resolver, filtered to the requested
// family, and (if LocalOnly) to loopback results.
func (s *Service) resolve(ctx context.Context, t Target) ([]string, error) {
	switch t.Kind {
	case KindLoopback:
		// The shorthand is inherently loopback, so LocalOnly never rejects it.
		return []string{"::1", "127.0.0.1"}, nil

	case KindIPv4, KindIPv6:
		if s.LocalOnly {
			ip := net.ParseIP(t.Host)
			if ip == nil || !ip.IsLoopback() {
				return nil, &AddressError{Reason: fmt.Sprintf("LocalOnly forbids non-loopback address %q", t.Host)}
			}
		}
		return []string{t.Host}, nil

	case KindDNS, KindDNS4, KindDNS6:
		ips, err := s.resolver.LookupIPAddr(ctx, t.Host)
		if err != nil {
			return nil, &AddressError{Reason: fmt.Sprintf("dns lookup of %q failed: %v", t.Host, err)}
		}
		var candidates []string
		for _, ip := range ips {
			isV4 := ip.IP.To4() != nil
			switch t.Kind {
			case KindDNS4:
				if !isV4 {
					continue
				}
			case KindDNS6:
				if isV4 {
					continue
				}
			}
			if s.LocalOnly && !ip.IP.IsLoopback() {
				continue
			}
			candidates = append(candidates, ip.String())
		}
		if len(candidates) == 0 {
			return nil, &AddressError{Reason: fmt.Sprintf("no resolvable address for %q matched the requested family/LocalOnly filter", t.Host)}
		}
		return candidates, nil

	default:
		return nil, &AddressError{Reason: "unreachable address kind"}
	}
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}

// pipe copies bytes bidirectionally between a and b until either direction ends, then half-closes
// the other side so the peer observes EOF instead of hanging.
func pipe(ctx context.Context, a tunnel.Stream, b net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	var errA, errB error
	go func() {
		defer wg.Done()
		_, errA = io.Copy(b, a)
		if tcpConn, ok := b.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		} else {
			_ = b.Close()
		}
	}()
	go func() {
		defer wg.Done()
		_, errB = io.Copy(a, b)
		_ = a.CloseWrite()
	}()

	wg.Wait()
	_ = a.Close()
	_ = b.Close()

	if errA != nil && !isCleanEnd(errA) {
		return errA
	}
	if errB != nil && !isCleanEnd(errB) {
		return errB
	}
	return nil
}

// isCleanEnd reports whether err is an expected side-effect of the other direction's CloseWrite
// rather than a real transport failure. Streams that can't half-close fall back to a full Close,
// which makes the opposite direction's blocked read surface a "closed" error instead of a clean
// io.EOF.
func isCleanEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
