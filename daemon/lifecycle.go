package daemon

import (
	"context"
	"errors"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/errgroup"

	"github.com/QPC-database/snocat/service"
	"github.com/QPC-database/snocat/tunnel"
)

// AuthenticationHandler assigns a Name to a freshly-registered tunnel, or rejects it. Returning
// ErrAuthRefused or a wrapped ErrAuthHandlingFailed drops the tunnel without a FatalError;
// returning Fatal(err) propagates to the whole Daemon.
type AuthenticationHandler func(ctx context.Context, id tunnel.ID, t tunnel.Tunnel) (tunnel.Name, error)

// runTunnel drives one accepted tunnel.Tunnel through its full lifecycle: REGISTERING ->
// REGISTERED -> AUTHENTICATING -> NAMED -> SERVING -> DEREGISTERING -> GONE, per the state
// machine. The returned error is non-nil only when it is a FatalError; every other failure is
// absorbed here and only logged, so that a single misbehaving tunnel never brings down the
// daemon's outer errgroup.
func (d *Daemon) runTunnel(ctx context.Context, t tunnel.Tunnel) error {
	id := d.ids.Next()
	ctx = dlog.WithField(ctx, "tunnel_id", id.String())

	// REGISTERING -> REGISTERED
	if err := d.tunnels.RegisterTunnel(id, t); err != nil {
		dlog.Errorf(ctx, "registration failed: %v", err)
		return nil // DROPPED: no disconnected event, nothing was ever visible.
	}
	d.events.connected.emit(ConnectedEvent{ID: id, Tunnel: t})
	d.metrics.tunnelsConnected.Inc()
	d.refreshRegisteredGauge()
	dlog.Debugf(ctx, "tunnel registered")

	named := false
	var name tunnel.Name
	defer func() {
		if _, err := d.tunnels.DeregisterTunnel(id); err != nil {
			dlog.Errorf(ctx, "deregistration failed: %v", err)
		}
		d.refreshRegisteredGauge()
		var namePtr *tunnel.Name
		if named {
			namePtr = &name
		}
		d.events.disconnected.emit(DisconnectedEvent{ID: id, Name: namePtr})
		dlog.Debugf(ctx, "tunnel deregistered")
	}()

	// REGISTERED -> AUTHENTICATING -> NAMED
	if d.authenticate == nil {
		dlog.Errorf(ctx, "no authentication handler configured")
		return nil
	}
	authedName, err := d.authenticate(ctx, id, t)
	if err != nil {
		if IsFatal(err) {
			dlog.Errorf(ctx, "authentication failed fatally: %v", err)
			return err
		}
		d.metrics.tunnelsAuthFailed.Inc()
		if errors.Is(err, ErrAuthHandlingFailed) {
			dlog.Warnf(ctx, "authentication handling failed: %v", err)
		} else {
			dlog.Debugf(ctx, "authentication declined: %v", err)
		}
		return nil
	}
	if err := d.tunnels.NameTunnel(id, authedName); err != nil {
		dlog.Errorf(ctx, "naming failed: %v", err)
		return nil
	}
	named, name = true, authedName
	d.events.authenticated.emit(AuthenticatedEvent{ID: id, Name: authedName, Tunnel: t})
	dlog.Debugf(ctx, "tunnel authenticated as %q", authedName)

	// NAMED -> SERVING
	downlink := t.Downlink()
	if downlink == nil {
		dlog.Debugf(ctx, "tunnel has no downlink: %v", ErrDownlinkUnavailable)
		return nil
	}
	if err := d.serve(ctx, id, downlink); err != nil {
		// serve only returns non-nil for fatal errors; everything else is absorbed inside it.
		dlog.Errorf(ctx, "serving failed fatally: %v", err)
		return err
	}
	return nil
}

// serve consumes downlink as a lazy sequence of inbound sub-streams, dispatching each
// concurrently. It returns when the downlink sequence ends, ctx is cancelled (after letting
// already-dispatched sub-streams run to completion), or a fatal error occurs.
func (d *Daemon) serve(ctx context.Context, id tunnel.ID, downlink tunnel.Downlink) error {
	group, gctx := errgroup.WithContext(ctx)

	for {
		stream, err := downlink.Next(gctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || gctx.Err() != nil {
				break
			}
			dlog.Debugf(ctx, "downlink ended: %v", err)
			break
		}

		group.Go(func() error {
			return d.dispatchSubstream(ctx, id, stream)
		})
	}

	return group.Wait()
}

// dispatchSubstream runs the negotiation handshake on stream and, on success, the matched
// Service's Handle. It returns nil for every outcome except a fatal error, so that one
// sub-stream's failure never cancels its siblings (see errgroup.WithContext's shared-context
// cancellation, which this function is deliberately structured to avoid triggering).
func (d *Daemon) dispatchSubstream(ctx context.Context, id tunnel.ID, stream tunnel.Stream) error {
	negotiated, err := d.negotiator.Negotiate(stream, id)
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedProtocolVersion) {
			d.metrics.substreamsTotal.WithLabelValues(outcomeFatal).Inc()
			return Fatal(err)
		}
		d.metrics.substreamsTotal.WithLabelValues(outcomeRefused).Inc()
		dlog.Debugf(ctx, "sub-stream negotiation failed: %v", err)
		return nil
	}

	d.metrics.substreamsServing.Inc()
	defer d.metrics.substreamsServing.Dec()

	if err := negotiated.Service.Handle(ctx, negotiated.Address, negotiated.Stream); err != nil {
		if IsFatal(err) {
			d.metrics.substreamsTotal.WithLabelValues(outcomeFatal).Inc()
			return err
		}
		if errors.Is(err, context.Canceled) {
			d.metrics.substreamsTotal.WithLabelValues(outcomeCanceled).Inc()
		} else {
			d.metrics.substreamsTotal.WithLabelValues(outcomeServed).Inc()
			dlog.Debugf(ctx, "sub-stream %q handling ended: %v", negotiated.Address, err)
		}
		return nil
	}

	d.metrics.substreamsTotal.WithLabelValues(outcomeServed).Inc()
	return nil
}

// refreshRegisteredGauge syncs the tunnels_registered gauge with the registry's current size.
// Called after every registration/deregistration rather than incrementally, since Registry.Len
// is the single source of truth and the two must never drift.
func (d *Daemon) refreshRegisteredGauge() {
	d.metrics.tunnelsRegistered.Set(float64(d.tunnels.Len()))
}
