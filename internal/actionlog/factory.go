package actionlog

import (
	"context"
	"fmt"

	"github.com/sandpipe/sandpipe/internal/common/config"
)

// NewRepository builds the repository selected by cfg.Driver.
func NewRepository(ctx context.Context, cfg config.ActionLogConfig) (Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "sqlite":
		return NewSQLiteRepository(cfg.Path)
	case "postgres":
		return NewPostgresRepository(ctx, cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown actionlog driver %q", cfg.Driver)
	}
}
