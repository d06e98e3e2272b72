package daemon

import (
	"github.com/hashicorp/go-multierror"

	"github.com/QPC-database/snocat/registry"
	"github.com/QPC-database/snocat/tunnel"
)

// CloseAllTunnels force-closes every tunnel currently in the registry and aggregates whatever
// Close errors they return. It is a hard-stop tool for process shutdown after Run has already
// returned. Normal shutdown (cancelling Run's context) never calls this, since in-flight
// Service.Handle calls are meant to finish on their own rather than being forcibly aborted.
// Callers that need every socket gone before the process exits (e.g. to satisfy an orchestrator's
// shutdown deadline) call this as a final step.
//
// Aggregates with hashicorp/go-multierror rather than returning only the first failure, since a
// caller deciding whether it's safe to exit wants to know about every tunnel that failed to close.
func (d *Daemon) CloseAllTunnels() error {
	var toClose []tunnel.Tunnel
	d.tunnels.Range(func(rec registry.Record) bool {
		toClose = append(toClose, rec.Tunnel)
		return true
	})

	var result *multierror.Error
	for _, t := range toClose {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
