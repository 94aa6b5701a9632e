// Package repository implements the storage gateway of the ingest pipeline
// on PostgreSQL (optionally TimescaleDB) and on SQLite.
package repository

import (
	"context"

	"github.com/pkg/errors"

	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/util"
)

var ErrStoreNotInitialized = errors.New("metric store is not initialized")

// New builds the store selected by cfg.Type. The store is not opened until Init.
func New(cfg config.StorageConfig, pg config.PostgresConfig, logger *util.MetricsLogger) (domain.MetricStore, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgresStore(pg, logger), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, logger), nil
	default:
		return nil, errors.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Migrate opens the store, which applies any pending schema migrations, and
// closes it again.
func Migrate(ctx context.Context, store domain.MetricStore) error {
	if err := store.Init(ctx); err != nil {
		return err
	}
	return store.Close()
}
