package registry

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/QPC-database/snocat/tunnel"
)

// Serialized wraps an inner Registry and serializes write operations (RegisterTunnel,
// NameTunnel, DeregisterTunnel) per tunnel.ID, while letting reads (LookupByID/LookupByName)
// pass straight through to the inner registry. It tames callers that might otherwise fire
// NameTunnel and DeregisterTunnel for the same id out of order, without serializing unrelated
// ids against each other.
//
// Grounded on cmd/traffic/cmd/manager/state/state.go's per-session xsync.MapOf index pattern,
// generalized from "one lock protecting several maps" to "one lock per key, held only around
// that key's write".
type Serialized struct {
	inner  Registry
	stripe *xsync.MapOf[tunnel.ID, *sync.Mutex]
}

// NewSerialized wraps inner.
func NewSerialized(inner Registry) *Serialized {
	return &Serialized{
		inner:  inner,
		stripe: xsync.NewMapOf[tunnel.ID, *sync.Mutex](),
	}
}

func (s *Serialized) lockFor(id tunnel.ID) *sync.Mutex {
	mu, _ := s.stripe.LoadOrCompute(id, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

// forgetLock drops the per-id mutex once a tunnel has been deregistered. Safe to call even if
// another writer is mid-registration for a reused id: LoadOrCompute will simply recreate it.
func (s *Serialized) forgetLock(id tunnel.ID) {
	s.stripe.Delete(id)
}

func (s *Serialized) LookupByID(id tunnel.ID) (Record, bool) {
	return s.inner.LookupByID(id)
}

func (s *Serialized) LookupByName(name tunnel.Name) (Record, bool) {
	return s.inner.LookupByName(name)
}

func (s *Serialized) RegisterTunnel(id tunnel.ID, t tunnel.Tunnel) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return s.inner.RegisterTunnel(id, t)
}

func (s *Serialized) NameTunnel(id tunnel.ID, name tunnel.Name) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return s.inner.NameTunnel(id, name)
}

func (s *Serialized) DeregisterTunnel(id tunnel.ID) (Record, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	rec, err := s.inner.DeregisterTunnel(id)
	if err == nil {
		s.forgetLock(id)
	}
	return rec, err
}

func (s *Serialized) Len() int {
	return s.inner.Len()
}

func (s *Serialized) Range(fn func(Record) bool) {
	s.inner.Range(fn)
}
