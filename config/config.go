// Package config loads the reference daemon binary's settings from the environment.
//
// Grounded on cmd/traffic/cmd/manager/envconfig.go's Env struct and LoadEnv function.
package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Env is the reference cmd/tunneld binary's environment configuration.
type Env struct {
	ListenAddress  string `env:"TUNNELD_LISTEN,default=:7070"`
	MetricsAddress string `env:"TUNNELD_METRICS_LISTEN,default=:9090"`

	// LocalOnly forwards to tcpproxy.NewService; true refuses to dial anywhere but loopback.
	LocalOnly bool `env:"TUNNELD_LOCAL_ONLY,default=false"`

	// LogLevel is one of the names logrus.ParseLevel accepts (trace, debug, info, warn, error).
	LogLevel string `env:"TUNNELD_LOG_LEVEL,default=info"`
}

// Load reads Env from the process environment.
func Load(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}
