package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplytree/internal/config"
)

// Open builds the backend named by cfg.Driver and applies its schema.
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (SolutionStore, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Dir, opts...)
	case "sqlite":
		s, err := NewSQLite(cfg.DatabaseURL, opts...)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL, nil, opts...)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
