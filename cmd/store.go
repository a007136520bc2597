package main

import (
	"context"

	"github.com/sells-group/supplytree/internal/store"
)

func initStore(ctx context.Context) (store.SolutionStore, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.Store)
}
