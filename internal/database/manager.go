// Package database coordinates the pool's storage backends: PostgreSQL for
// durable share statistics and worker credentials, Redis for best-effort
// counters, InfluxDB for telemetry.
package database

import (
	"context"
	"fmt"

	"github.com/itrailmpool/miningcore/internal/database/influx"
	"github.com/itrailmpool/miningcore/internal/database/postgres"
	"github.com/itrailmpool/miningcore/internal/database/redis"
	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/pkg/errors"
)

// Manager holds the storage clients and repositories.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	ShareStats *postgres.ShareStatisticRepository
	Miners     *postgres.MinerRepository
}

// Config holds configuration for all storage backends.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects every backend, cleaning up partial connections on
// failure.
func NewManager(cfg *Config) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		_ = pgClient.Close()
		_ = redisClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB")
	}

	return &Manager{
		Postgres:   pgClient,
		Redis:      redisClient,
		Influx:     influxClient,
		ShareStats: postgres.NewShareStatisticRepository(pgClient.DB()),
		Miners:     postgres.NewMinerRepository(pgClient.DB()),
	}, nil
}

// Close closes all backends.
func (m *Manager) Close() error {
	var errs []error
	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}
	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}
	m.Influx.Close()
	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every backend.
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}
	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}
	return nil
}

// PersistShareStatistics writes a batch of share statistics inside one
// transaction via the bulk-copy path. This is the recorder's persist core
// and the recovery replay target; it carries no retry policy of its own.
func (m *Manager) PersistShareStatistics(ctx context.Context, records []*events.ShareStatistic) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := m.Postgres.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "persist_shares",
			"failed to begin transaction")
	}

	if err := m.ShareStats.BatchInsert(ctx, tx, records); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "persist_shares",
			"failed to commit transaction")
	}
	return nil
}

// GetWorkerAddress resolves a worker's payout address in a single
// short-lived transaction.
func (m *Manager) GetWorkerAddress(ctx context.Context, poolID, workerName, passwordHash string) (string, error) {
	tx, err := m.Postgres.BeginTx(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeDatabase, "get_worker_address",
			"failed to begin transaction")
	}

	address, err := m.Miners.GetWorkerAddress(ctx, tx, poolID, workerName, passwordHash)
	if err != nil {
		_ = tx.Rollback()
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeDatabase, "get_worker_address",
			"failed to commit transaction")
	}
	return address, nil
}
