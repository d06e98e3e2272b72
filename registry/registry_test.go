package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QPC-database/snocat/tunnel"
)

// fakeTunnel is a no-op tunnel.Tunnel used only to exercise registry bookkeeping.
type fakeTunnel struct{ tag int }

func (fakeTunnel) Downlink() tunnel.Downlink { return nil }
func (fakeTunnel) Uplink() tunnel.Uplink     { return nil }
func (fakeTunnel) Side() tunnel.Side         { return tunnel.SideListener }
func (fakeTunnel) Close() error              { return nil }

func newRegistries() map[string]func() Registry {
	return map[string]func() Registry{
		"in-memory":  func() Registry { return NewInMemory() },
		"serialized": func() Registry { return NewSerialized(NewInMemory()) },
	}
}

func TestRegisterLookupDeregister(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			id := tunnel.ID(1)

			_, ok := r.LookupByID(id)
			assert.False(t, ok, "must not be visible before registration")

			require.NoError(t, r.RegisterTunnel(id, fakeTunnel{}))

			rec, ok := r.LookupByID(id)
			require.True(t, ok)
			assert.Equal(t, id, rec.ID)
			assert.False(t, rec.Named())

			_, err := r.DeregisterTunnel(id)
			require.NoError(t, err)

			_, ok = r.LookupByID(id)
			assert.False(t, ok, "must not be visible after deregistration")
		})
	}
}

func TestRegisterIDOccupied(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			id := tunnel.ID(7)
			require.NoError(t, r.RegisterTunnel(id, fakeTunnel{tag: 1}))
			err := r.RegisterTunnel(id, fakeTunnel{tag: 2})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIDOccupied))

			// The first registration must remain untouched (scenario 6).
			rec, ok := r.LookupByID(id)
			require.True(t, ok)
			assert.Equal(t, fakeTunnel{tag: 1}, rec.Tunnel)
		})
	}
}

func TestNameTunnelCollision(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			idA, idB := tunnel.ID(1), tunnel.ID(2)
			require.NoError(t, r.RegisterTunnel(idA, fakeTunnel{}))
			require.NoError(t, r.RegisterTunnel(idB, fakeTunnel{}))

			require.NoError(t, r.NameTunnel(idA, "bob"))

			err := r.NameTunnel(idB, "bob")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNameOccupied))

			// A remains intact and reachable (scenario 3).
			rec, ok := r.LookupByName("bob")
			require.True(t, ok)
			assert.Equal(t, idA, rec.ID)
		})
	}
}

func TestNameTunnelAtMostOnce(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			id := tunnel.ID(1)
			require.NoError(t, r.RegisterTunnel(id, fakeTunnel{}))
			require.NoError(t, r.NameTunnel(id, "alice"))

			err := r.NameTunnel(id, "alice2")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAlreadyNamed))
		})
	}
}

func TestNameTunnelNotRegistered(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			err := r.NameTunnel(tunnel.ID(42), "ghost")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTunnelNotRegistered))
		})
	}
}

func TestDeregisterNotFound(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			_, err := r.DeregisterTunnel(tunnel.ID(99))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

// TestReregisterAfterDeregister checks that an id is reusable once its prior registration has
// been deregistered.
func TestReregisterAfterDeregister(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			id := tunnel.ID(1)
			require.NoError(t, r.RegisterTunnel(id, fakeTunnel{}))
			_, err := r.DeregisterTunnel(id)
			require.NoError(t, err)
			assert.NoError(t, r.RegisterTunnel(id, fakeTunnel{}))
		})
	}
}

// TestConcurrentRegisterUniqueIDs checks that concurrent registration of N distinct ids never
// leaves two live records sharing an id.
func TestConcurrentRegisterUniqueIDs(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			const n = 200
			var wg sync.WaitGroup
			wg.Add(n)
			for i := 0; i < n; i++ {
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, r.RegisterTunnel(tunnel.ID(i+1), fakeTunnel{tag: i}))
				}(i)
			}
			wg.Wait()
			assert.Equal(t, n, r.Len())
		})
	}
}

// TestConcurrentNameRace checks that only one of N concurrent NameTunnel calls for the same
// name across distinct ids may succeed.
func TestConcurrentNameRace(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			const n = 50
			for i := 0; i < n; i++ {
				require.NoError(t, r.RegisterTunnel(tunnel.ID(i+1), fakeTunnel{}))
			}

			var wg sync.WaitGroup
			wg.Add(n)
			successes := make([]bool, n)
			for i := 0; i < n; i++ {
				go func(i int) {
					defer wg.Done()
					successes[i] = r.NameTunnel(tunnel.ID(i+1), "contested") == nil
				}(i)
			}
			wg.Wait()

			count := 0
			for _, ok := range successes {
				if ok {
					count++
				}
			}
			assert.Equal(t, 1, count, "exactly one NameTunnel call should win the name")
		})
	}
}

// TestSerializedLinearizesSameID reproduces a race worth guarding against directly: a NameTunnel
// and a DeregisterTunnel racing for the same id must not interleave arbitrarily.
func TestSerializedLinearizesSameID(t *testing.T) {
	r := NewSerialized(NewInMemory())
	id := tunnel.ID(1)
	require.NoError(t, r.RegisterTunnel(id, fakeTunnel{}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.NameTunnel(id, "racer")
	}()
	go func() {
		defer wg.Done()
		_, _ = r.DeregisterTunnel(id)
	}()
	wg.Wait()

	// Whichever order they ran in, the registry must end up in a consistent state: either
	// gone, or present with at most one name.
	if rec, ok := r.LookupByID(id); ok {
		if rec.Named() {
			assert.Equal(t, tunnel.Name("racer"), *rec.Name)
		}
	}
}

func TestRangeVisitsEveryRecord(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			require.NoError(t, r.RegisterTunnel(1, fakeTunnel{tag: 1}))
			require.NoError(t, r.RegisterTunnel(2, fakeTunnel{tag: 2}))

			seen := map[tunnel.ID]bool{}
			r.Range(func(rec Record) bool {
				seen[rec.ID] = true
				return true
			})
			assert.Equal(t, map[tunnel.ID]bool{1: true, 2: true}, seen)
		})
	}
}

func TestRangeStopsEarly(t *testing.T) {
	for name, factory := range newRegistries() {
		t.Run(name, func(t *testing.T) {
			r := factory()
			require.NoError(t, r.RegisterTunnel(1, fakeTunnel{}))
			require.NoError(t, r.RegisterTunnel(2, fakeTunnel{}))

			visits := 0
			r.Range(func(rec Record) bool {
				visits++
				return false
			})
			assert.Equal(t, 1, visits)
		})
	}
}
