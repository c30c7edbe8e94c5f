package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zapdesk/flowengine/pkg/persistence"
	"github.com/zapdesk/flowengine/pkg/persistence/postgresql"
)

// NewPersistence creates the storage layer from a database URL and runs
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Storage {
	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	if err != nil {
		panic(fmt.Errorf("failed to initialize persistence: %w", err))
	}

	return store
}
