package repository

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates a WorkflowRepository based on the configuration.
func New(config Config, logger *zap.Logger) (WorkflowRepository, error) {
	switch config.Backend {
	case BackendMemory, "":
		return NewInMemory(), nil
	case BackendSQLite:
		dsn := config.DSN
		if dsn == "" {
			dsn = "slipstream.db"
		}
		return OpenSQLite(dsn, logger)
	case BackendPostgres:
		if config.DSN == "" {
			return nil, fmt.Errorf("postgres repository requires a DSN")
		}
		return OpenPostgres(config.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported repository backend: %s", config.Backend)
	}
}
