// Package tcpproxy implements the reference Service and Client for plain TCP forwarding over a
// tunnel, addressed with a small multiaddr-like grammar: /tcp/<port>, /ip4/<v4>/tcp/<port>,
// /ip6/<v6>/tcp/<port>, and /dns|dns4|dns6/<host>/tcp/<port>.
//
// Grounded on the address-resolution shape of telepresence's connpool.ConnID (protocol + host +
// port packed into one comparable value), generalized here to a parseable string grammar per the
// reference distillation's route-address format.
package tcpproxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/QPC-database/snocat/service"
)

// AddressError reports a malformed or unresolvable route address.
type AddressError struct {
	Address service.Address
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("tcpproxy: address %q: %s", e.Address, e.Reason)
}

// Kind distinguishes the address forms the grammar supports.
type Kind int

const (
	KindLoopback Kind = iota
	KindIPv4
	KindIPv6
	KindDNS
	KindDNS4
	KindDNS6
)

func (k Kind) tag() string {
	switch k {
	case KindLoopback:
		return "tcp"
	case KindIPv4:
		return "ip4"
	case KindIPv6:
		return "ip6"
	case KindDNS:
		return "dns"
	case KindDNS4:
		return "dns4"
	case KindDNS6:
		return "dns6"
	default:
		return "unknown"
	}
}

// Target is a parsed route address: either a bare port (loopback shorthand), a literal IP, or a
// hostname to be resolved, always paired with a TCP port.
type Target struct {
	Kind Kind
	Host string // empty for KindLoopback
	Port uint16
}

// Parse decodes addr per the grammar in this package's doc comment. It never performs DNS
// resolution; Resolve does that.
func Parse(addr service.Address) (Target, error) {
	parts := strings.Split(string(addr), "/")
	// A well-formed address looks like "/tcp/7878" or "/ip4/127.0.0.1/tcp/7878", so splitting
	// on "/" yields a leading empty element from the initial slash.
	if len(parts) > 0 && parts[0] == "" {
		parts = parts[1:]
	}

	switch len(parts) {
	case 2:
		if parts[0] != "tcp" {
			return Target{}, &AddressError{Address: addr, Reason: "expected /tcp/<port>"}
		}
		port, err := parsePort(parts[1])
		if err != nil {
			return Target{}, &AddressError{Address: addr, Reason: err.Error()}
		}
		return Target{Kind: KindLoopback, Port: port}, nil

	case 4:
		if parts[2] != "tcp" {
			return Target{}, &AddressError{Address: addr, Reason: "expected .../tcp/<port> as final segment"}
		}
		port, err := parsePort(parts[3])
		if err != nil {
			return Target{}, &AddressError{Address: addr, Reason: err.Error()}
		}
		host := parts[1]
		switch parts[0] {
		case "ip4":
			if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
				return Target{}, &AddressError{Address: addr, Reason: "not a valid IPv4 literal"}
			}
			return Target{Kind: KindIPv4, Host: host, Port: port}, nil
		case "ip6":
			if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
				return Target{}, &AddressError{Address: addr, Reason: "not a valid IPv6 literal"}
			}
			return Target{Kind: KindIPv6, Host: host, Port: port}, nil
		case "dns":
			return Target{Kind: KindDNS, Host: host, Port: port}, nil
		case "dns4":
			return Target{Kind: KindDNS4, Host: host, Port: port}, nil
		case "dns6":
			return Target{Kind: KindDNS6, Host: host, Port: port}, nil
		default:
			return Target{}, &AddressError{Address: addr, Reason: fmt.Sprintf("unrecognized address family %q", parts[0])}
		}

	default:
		return Target{}, &AddressError{Address: addr, Reason: "unrecognized address shape"}
	}
}

// Format is the inverse of Parse. Format(Parse(x)) is not guaranteed to equal x byte-for-byte
// (e.g. Parse accepts a missing leading "/" or a zero-padded port, which Format normalizes), but
// Parse(Format(t)) == t for any Target Parse can produce, satisfying the address round-trip
// property.
func (t Target) Format() service.Address {
	port := strconv.FormatUint(uint64(t.Port), 10)
	switch t.Kind {
	case KindLoopback:
		return service.Address("/tcp/" + port)
	default:
		return service.Address("/" + t.Kind.tag() + "/" + t.Host + "/tcp/" + port)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.New("invalid port number")
	}
	return uint16(n), nil
}
