package daemon

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QPC-database/snocat/registry"
	"github.com/QPC-database/snocat/service"
)

type closeRecordingTunnel struct {
	fakeTunnel
	closeErr error
	closed   int
}

func (t *closeRecordingTunnel) Close() error {
	t.closed++
	return t.closeErr
}

func TestCloseAllTunnelsAggregatesErrors(t *testing.T) {
	services := service.NewRegistry()
	reg := registry.NewSerialized(registry.NewInMemory())
	d := New(Config{
		Services:     services,
		Tunnels:      reg,
		Authenticate: alwaysNamed("x"),
		Metrics:      prometheus.NewRegistry(),
	})

	ok := &closeRecordingTunnel{fakeTunnel: fakeTunnel{downlink: &fakeDownlink{}}}
	boom := errors.New("socket already gone")
	failing := &closeRecordingTunnel{fakeTunnel: fakeTunnel{downlink: &fakeDownlink{}}, closeErr: boom}

	require.NoError(t, reg.RegisterTunnel(1, ok))
	require.NoError(t, reg.RegisterTunnel(2, failing))

	err := d.CloseAllTunnels()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket already gone")
	assert.Equal(t, 1, ok.closed)
	assert.Equal(t, 1, failing.closed)
}

func TestCloseAllTunnelsNoErrorWhenEmpty(t *testing.T) {
	d := newTestDaemon(t, alwaysNamed("x"))
	assert.NoError(t, d.CloseAllTunnels())
}
