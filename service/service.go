// Package service defines the pluggable service catalog and the per-substream negotiation
// handshake that maps an incoming route address to a registered Service.
//
// Grounded on pkg/connpool/message.go / control.go's length-prefixed framing, generalized from
// a fixed ConnID+ControlCode wire shape to an opaque address handshake.
package service

import (
	"context"

	"github.com/QPC-database/snocat/tunnel"
)

// Address is an opaque route address, e.g. "/tcp/7878" or "/dns/example.com/tcp/443". Its
// grammar is a contract between peers and the Service that accepts it; this package never
// parses it.
type Address string

// Service is a local handler that accepts matching Addresses and drives a negotiated stream to
// completion.
type Service interface {
	// Name identifies the service for logging and metrics.
	Name() string

	// Accepts reports whether this Service will handle address for the tunnel identified by
	// tunnelID. Called in registration order by the ServiceRegistry; the first Service to
	// return true wins.
	Accepts(address Address, tunnelID tunnel.ID) bool

	// Handle drives the negotiated stream. The stream has already completed the negotiation
	// handshake (the peer's address has been read and acknowledged) by the time Handle is
	// called. Handle must return when ctx is done if it can do so without corrupting
	// in-flight application state, but it is never forcibly aborted.
	Handle(ctx context.Context, address Address, stream tunnel.Stream) error
}

// Registry is the ordered catalog of Services consulted during negotiation. It is append-only
// for the process lifetime; there is no dynamic reconfiguration.
type Registry struct {
	services []Service
}

// NewRegistry returns an empty, append-only service catalog.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends svc to the catalog. Order matters: FindService returns the first match.
func (r *Registry) Register(svc Service) {
	r.services = append(r.services, svc)
}

// FindService returns the first registered Service whose Accepts predicate is true for
// address and tunnelID.
func (r *Registry) FindService(address Address, tunnelID tunnel.ID) (Service, bool) {
	for _, svc := range r.services {
		if svc.Accepts(address, tunnelID) {
			return svc, true
		}
	}
	return nil, false
}

// Len reports the number of registered services. Intended for diagnostics/tests.
func (r *Registry) Len() int {
	return len(r.services)
}
