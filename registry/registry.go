// Package registry implements the keyed store mapping tunnel.ID to tunnel.Tunnel, with a
// secondary lookup by tunnel.Name, and the ordering guarantees the daemon's lifecycle relies on.
//
// Grounded on telepresence's cmd/traffic/cmd/manager/state (the session-by-id map, kept in sync
// with a name index) and pkg/connpool/pool.go (bounded-critical-section map+mutex discipline).
package registry

import (
	"errors"
	"fmt"

	"github.com/QPC-database/snocat/tunnel"
)

// Sentinel errors returned by Registry methods. Callers should compare with errors.Is.
var (
	ErrIDOccupied          = errors.New("registry: tunnel id already occupied")
	ErrNameOccupied        = errors.New("registry: tunnel name already occupied")
	ErrTunnelNotRegistered = errors.New("registry: tunnel id not registered")
	ErrNotFound            = errors.New("registry: tunnel id not found")
)

// Record is the registry's view of one live tunnel: its id, its optional post-authentication
// name, and the Tunnel handle itself.
type Record struct {
	ID     tunnel.ID
	Name   *tunnel.Name
	Tunnel tunnel.Tunnel
}

// Named reports whether this record has been assigned a name.
func (r Record) Named() bool {
	return r.Name != nil
}

// Registry is the contract every tunnel store (in-memory or wrapped) must satisfy: unique IDs,
// unique names, a name set at most once per tunnel, and a deregistered tunnel's handle stays valid for
// whoever already holds a reference to it.
type Registry interface {
	// LookupByID returns the record for id, or ok=false if none is registered.
	LookupByID(id tunnel.ID) (Record, bool)

	// LookupByName returns the record currently owning name, or ok=false if none does.
	LookupByName(name tunnel.Name) (Record, bool)

	// RegisterTunnel adds t under id. Returns ErrIDOccupied if id is already registered.
	RegisterTunnel(id tunnel.ID, t tunnel.Tunnel) error

	// NameTunnel assigns name to the record at id. Returns ErrTunnelNotRegistered if id is
	// absent, or ErrNameOccupied if another live record already owns name. A record that already
	// has a name cannot be renamed; NameTunnel returns an error in that case too.
	NameTunnel(id tunnel.ID, name tunnel.Name) error

	// DeregisterTunnel removes and returns the record at id. Returns ErrNotFound if absent.
	// Deregistration removes visibility only; the Tunnel handle itself stays valid for whoever
	// already holds a reference to it.
	DeregisterTunnel(id tunnel.ID) (Record, error)

	// Len reports the number of currently-registered records. Intended for metrics/tests.
	Len() int

	// Range calls fn once for a snapshot of every currently-registered record, stopping early
	// if fn returns false. Intended for drain-on-shutdown and diagnostic enumeration; it gives no
	// per-tunnel ordering guarantee beyond that snapshot.
	Range(fn func(Record) bool)
}

// ErrAlreadyNamed is returned by NameTunnel when the target record already owns a name: a
// record's name transitions from unset to set at most once.
var ErrAlreadyNamed = errors.New("registry: tunnel already named")

func wrapf(base error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), base)
}
