package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/pkg/errors"
)

// ShareStatisticRepository persists share statistic batches.
type ShareStatisticRepository struct {
	db *sql.DB
}

// NewShareStatisticRepository creates a repository.
func NewShareStatisticRepository(db *sql.DB) *ShareStatisticRepository {
	return &ShareStatisticRepository{db: db}
}

// BatchInsert bulk-inserts records inside the caller's transaction using the
// COPY protocol.
func (r *ShareStatisticRepository) BatchInsert(ctx context.Context, tx *sql.Tx, records []*events.ShareStatistic) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("share_statistics",
		"pool_id", "block_height", "difficulty", "network_difficulty",
		"miner", "worker", "device", "useragent", "ip_address", "source",
		"is_valid", "is_block_candidate", "created",
	))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "batch_insert",
			"failed to prepare bulk copy")
	}

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.PoolID, rec.BlockHeight, rec.Difficulty, rec.NetworkDifficulty,
			rec.Miner, rec.Worker, rec.Device, rec.UserAgent, rec.IPAddress, rec.Source,
			rec.IsValid, rec.IsBlockCandidate, rec.Created,
		); err != nil {
			_ = stmt.Close()
			return errors.Wrap(err, errors.ErrorTypeDatabase, "batch_insert",
				"failed to buffer record")
		}
	}

	// Flush the copy buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return errors.Wrap(err, errors.ErrorTypeDatabase, "batch_insert",
			"failed to flush bulk copy")
	}
	if err := stmt.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "batch_insert",
			"failed to close bulk copy")
	}
	return nil
}

// MinerRepository looks worker credentials up.
type MinerRepository struct {
	db *sql.DB
}

// NewMinerRepository creates a repository.
func NewMinerRepository(db *sql.DB) *MinerRepository {
	return &MinerRepository{db: db}
}

// GetWorkerAddress resolves a worker's payout address by pool, worker name
// and password hash within the caller's transaction. Returns "" when no
// worker matches.
func (r *MinerRepository) GetWorkerAddress(ctx context.Context, tx *sql.Tx, poolID, workerName, passwordHash string) (string, error) {
	query := `
		SELECT address FROM miner_workers
		WHERE pool_id = $1 AND worker_name = $2 AND password_hash = $3`

	var address string
	err := tx.QueryRowContext(ctx, query, poolID, workerName, passwordHash).Scan(&address)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", errors.Wrap(err, errors.ErrorTypeDatabase, "get_worker_address",
			"failed to query worker address")
	}
	return address, nil
}
