package registry

import (
	"sync"

	"github.com/QPC-database/snocat/tunnel"
)

// InMemory is the reference Registry implementation: a map keyed by tunnel.ID guarded by a
// single mutex, with a secondary name->id index maintained under the same lock so NameTunnel's
// uniqueness check and its write happen atomically.
//
// Grounded on pkg/connpool/pool.go's Pool: a map protected by a mutex whose critical sections
// never block on I/O, with release-on-removal semantics.
type InMemory struct {
	mu      sync.Mutex
	records map[tunnel.ID]Record
	byName  map[tunnel.Name]tunnel.ID
}

// NewInMemory returns an empty InMemory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[tunnel.ID]Record),
		byName:  make(map[tunnel.Name]tunnel.ID),
	}
}

func (r *InMemory) LookupByID(id tunnel.ID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *InMemory) LookupByName(name tunnel.Name) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return Record{}, false
	}
	rec, ok := r.records[id]
	return rec, ok
}

func (r *InMemory) RegisterTunnel(id tunnel.ID, t tunnel.Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok {
		return wrapf(ErrIDOccupied, "register %s", id)
	}
	r.records[id] = Record{ID: id, Tunnel: t}
	return nil
}

// NameTunnel performs the name-uniqueness check via the byName index (an O(1) map lookup) under
// the same critical section as the write, so no other goroutine can observe a partially-applied
// rename.
func (r *InMemory) NameTunnel(id tunnel.ID, name tunnel.Name) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return wrapf(ErrTunnelNotRegistered, "name %s as %q", id, name)
	}
	if rec.Named() {
		return wrapf(ErrAlreadyNamed, "name %s as %q", id, name)
	}
	if owner, ok := r.byName[name]; ok && owner != id {
		return wrapf(ErrNameOccupied, "name %s as %q", id, name)
	}

	n := name
	rec.Name = &n
	r.records[id] = rec
	r.byName[name] = id
	return nil
}

func (r *InMemory) DeregisterTunnel(id tunnel.ID) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, wrapf(ErrNotFound, "deregister %s", id)
	}
	delete(r.records, id)
	if rec.Name != nil {
		delete(r.byName, *rec.Name)
	}
	return rec, nil
}

func (r *InMemory) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Range calls fn once for a snapshot of every currently-registered record, stopping early if fn
// returns false. fn must not call back into the registry: it runs while the lock is held.
func (r *InMemory) Range(fn func(Record) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if !fn(rec) {
			return
		}
	}
}
