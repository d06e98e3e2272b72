// Package daemon drives the tunnel lifecycle state machine: accepting tunnels from a Source,
// registering, authenticating, naming and serving them, and dispatching their sub-streams
// through a negotiator into the service catalog.
//
// Grounded on telepresence's cmd/traffic/cmd/manager.Main (the top-level run loop wiring a
// session manager, a gRPC server and shutdown plumbing together) and pkg/connpool/pool.go (the
// per-connection handler registry driving concurrent per-connection goroutines under a shared
// errgroup-style shutdown).
package daemon

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/QPC-database/snocat/registry"
	"github.com/QPC-database/snocat/router"
	"github.com/QPC-database/snocat/service"
	"github.com/QPC-database/snocat/tunnel"
)

// Source is the abstract tunnel acceptor a Daemon consumes. Next blocks until a new tunnel is
// available, the source is exhausted (io.EOF), or ctx is done.
type Source interface {
	Next(ctx context.Context) (tunnel.Tunnel, error)
}

// Config bundles the collaborators a Daemon is built from.
type Config struct {
	// Services is the catalog consulted during sub-stream negotiation. Required.
	Services *service.Registry

	// Tunnels is the backing store for live tunnels. Required; callers should pass a
	// registry.Serialized wrapping a registry.InMemory to get per-tunnel operation ordering.
	Tunnels registry.Registry

	// Router resolves outbound route addresses to tunnels. Optional: a Daemon with no Router
	// can still accept and serve inbound tunnels, it just cannot be used as a
	// RequestClientHandler's collaborator from within this process.
	Router router.Router

	// Authenticate assigns names to freshly-registered tunnels. Required.
	Authenticate AuthenticationHandler

	// IDs mints tunnel identifiers. Defaults to a fresh tunnel.Counter if nil.
	IDs tunnel.IDGenerator

	// Metrics is the Prometheus registerer collectors are registered against. Defaults to
	// prometheus.DefaultRegisterer if nil; pass a fresh prometheus.NewRegistry() in tests to
	// avoid collisions between independently-constructed Daemons.
	Metrics prometheus.Registerer
}

// Daemon owns the tunnel registry and drives every accepted tunnel through its lifecycle.
type Daemon struct {
	services     *service.Registry
	tunnels      registry.Registry
	router       router.Router
	authenticate AuthenticationHandler
	ids          tunnel.IDGenerator
	negotiator   *service.Negotiator
	metrics      *metrics
	events       *Events
}

// New builds a Daemon from cfg. Panics if Services, Tunnels or Authenticate is nil, failing fast
// on misconfiguration at construction time rather than deep inside Run.
func New(cfg Config) *Daemon {
	if cfg.Services == nil {
		panic("daemon: Config.Services must not be nil")
	}
	if cfg.Tunnels == nil {
		panic("daemon: Config.Tunnels must not be nil")
	}
	if cfg.Authenticate == nil {
		panic("daemon: Config.Authenticate must not be nil")
	}
	ids := cfg.IDs
	if ids == nil {
		ids = tunnel.NewCounter()
	}

	return &Daemon{
		services:     cfg.Services,
		tunnels:      cfg.Tunnels,
		router:       cfg.Router,
		authenticate: cfg.Authenticate,
		ids:          ids,
		negotiator:   service.NewNegotiator(cfg.Services),
		metrics:      newMetrics(cfg.Metrics),
		events:       newEvents(),
	}
}

// Events returns the subscribable lifecycle event streams.
func (d *Daemon) Events() *Events { return d.events }

// Tunnels returns the backing registry, for callers that want to build a router.RequestClientHandler
// or inspect live tunnels directly.
func (d *Daemon) Tunnels() registry.Registry { return d.tunnels }

// Services returns the service catalog this Daemon negotiates sub-streams against.
func (d *Daemon) Services() *service.Registry { return d.services }

// Run consumes source until it is exhausted, ctx is cancelled, or a fatal error occurs anywhere
// in a tunnel's lifecycle. Each accepted tunnel is driven by its own goroutine under a shared
// errgroup; per the lifecycle contract, a goroutine only returns a non-nil (and therefore
// cancelling) error when it carries a FatalError, so one tunnel's fatal condition tears down
// the whole daemon while an ordinary disconnect never does.
func (d *Daemon) Run(ctx context.Context, source Source) error {
	group, gctx := errgroup.WithContext(ctx)

	for {
		t, err := source.Next(gctx)
		if err != nil {
			if gctx.Err() != nil {
				dlog.Debugf(ctx, "tunnel source stopped: context done")
				break
			}
			dlog.Infof(ctx, "tunnel source exhausted: %v", err)
			break
		}

		group.Go(func() error {
			return d.runTunnel(gctx, t)
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("daemon: fatal error, shutting down: %w", err)
	}
	return nil
}
