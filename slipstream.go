// Package slipstream provides a top-level convenience entry point for wiring
// a routing-slip workflow engine from configuration.
//
// Usage:
//
//	import "github.com/BaSui01/slipstream"
//
//	cfg, err := config.Load("")
//	t, err := slipstream.NewTransport(cfg.Transport, logger)
//	repo, err := slipstream.NewRepository(cfg.Repository, logger)
//
// This is a thin wrapper around the transport and repository factories; use
// the packages directly when you need finer control.
package slipstream

import (
	"go.uber.org/zap"

	"github.com/BaSui01/slipstream/config"
	"github.com/BaSui01/slipstream/internal/telemetry"
	"github.com/BaSui01/slipstream/repository"
	"github.com/BaSui01/slipstream/transport"
	"github.com/BaSui01/slipstream/types"
)

// Version is the engine release version.
const Version = "0.3.0"

// SpecVersion is the envelope wire-format version (see types.SpecVersion).
const SpecVersion = types.SpecVersion

// NewTransport creates the configured transport backend.
func NewTransport(cfg config.TransportConfig, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Backend {
	case transport.BackendRedis:
		return transport.NewRedis(cfg.Redis, logger), nil
	case transport.BackendInMemory, "":
		return transport.NewInMemory(cfg.QueueSize, logger), nil
	default:
		return nil, types.NewError(types.ErrTransportConnect,
			"unsupported transport backend: "+string(cfg.Backend))
	}
}

// NewRepository creates the configured repository backend.
func NewRepository(cfg repository.Config, logger *zap.Logger) (repository.WorkflowRepository, error) {
	return repository.New(cfg, logger)
}

// NewLogger builds a zap logger from config.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	return telemetry.NewLogger(cfg.Log)
}
