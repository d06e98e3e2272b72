// Command tunneld is the reference daemon binary: it accepts raw TCP connections as degenerate
// single-stream tunnels, authenticates them with a trivial handler, and serves the reference TCP
// proxy service against them. Grounded on cmd/traffic/cmd/manager's Main (dgroup-based
// goroutine group with signal handling) and cmd/authenticator/main.go's cobra wiring.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/QPC-database/snocat/config"
	"github.com/QPC-database/snocat/daemon"
	"github.com/QPC-database/snocat/registry"
	"github.com/QPC-database/snocat/router"
	"github.com/QPC-database/snocat/service"
	"github.com/QPC-database/snocat/tcpproxy"
	"github.com/QPC-database/snocat/tunnel"
)

func main() {
	root := &cobra.Command{
		Use:   "tunneld",
		Short: "reference multiplexed-tunnel daemon",
	}
	root.AddCommand(serveCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// version is set at build time via -ldflags; left as a default for unreleased builds.
var version = "dev"

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "accept tunnels and serve the reference TCP proxy catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	env, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("tunneld: load config: %w", err)
	}

	logLevel, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		return fmt.Errorf("tunneld: parse log level %q: %w", env.LogLevel, err)
	}
	logrusLogger := logrus.New()
	logrusLogger.SetLevel(logLevel)
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logrusLogger))

	group := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})

	services := service.NewRegistry()
	services.Register(tcpproxy.NewService(env.LocalOnly))

	d := daemon.New(daemon.Config{
		Services:     services,
		Tunnels:      registry.NewSerialized(registry.NewInMemory()),
		Router:       router.ByName{},
		Authenticate: authenticateByRemoteAddr,
		IDs:          tunnel.NewCounter(),
		Metrics:      prometheus.DefaultRegisterer,
	})

	logEvents(ctx, group, d)

	group.Go("tunnels", func(ctx context.Context) error {
		ln, err := net.Listen("tcp", env.ListenAddress)
		if err != nil {
			return fmt.Errorf("tunneld: listen on %s: %w", env.ListenAddress, err)
		}
		go func() {
			<-ctx.Done()
			_ = ln.Close()
		}()
		dlog.Infof(ctx, "accepting tunnels on %s", env.ListenAddress)
		return d.Run(ctx, newListenerSource(ln))
	})

	group.Go("metrics", func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{
			Addr:     env.MetricsAddress,
			Handler:  mux,
			ErrorLog: dlog.StdLogger(ctx, dlog.LogLevelError),
		}
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		dlog.Infof(ctx, "serving metrics on %s", env.MetricsAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	runErr := group.Wait()
	if closeErr := d.CloseAllTunnels(); closeErr != nil {
		dlog.Errorf(ctx, "closing remaining tunnels: %v", closeErr)
	}
	return runErr
}

// authenticateByRemoteAddr is the reference binary's trivial AuthenticationHandler: it assigns
// each tunnel a name derived from a fresh UUID rather than validating any credentials. Real
// deployments supply their own handler; this exists so cmd/tunneld can run standalone.
func authenticateByRemoteAddr(ctx context.Context, id tunnel.ID, t tunnel.Tunnel) (tunnel.Name, error) {
	return tunnel.Name(fmt.Sprintf("tunnel-%s", uuid.NewString())), nil
}

func logEvents(ctx context.Context, group *dgroup.Group, d *daemon.Daemon) {
	group.Go("events", func(ctx context.Context) error {
		connected, unsubConnected := d.Events().SubscribeConnected()
		authenticated, unsubAuthed := d.Events().SubscribeAuthenticated()
		disconnected, unsubDisc := d.Events().SubscribeDisconnected()
		defer unsubConnected()
		defer unsubAuthed()
		defer unsubDisc()

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-connected:
				dlog.Infof(ctx, "tunnel %s connected", ev.ID)
			case ev := <-authenticated:
				dlog.Infof(ctx, "tunnel %s authenticated as %q", ev.ID, ev.Name)
			case ev := <-disconnected:
				dlog.Infof(ctx, "tunnel %s disconnected", ev.ID)
			}
		}
	})
}
