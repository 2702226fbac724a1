package database

import (
	"context"
	"time"

	"github.com/itrailmpool/miningcore/pkg/log"
)

// hashrateWindow bounds the per-worker hashrate sample retention.
const hashrateWindow = 10 * time.Minute

// PoolTelemetry publishes share events to InfluxDB and best-effort counters
// and hashrate snapshots to Redis. Implements the stratum Telemetry surface.
type PoolTelemetry struct {
	manager *Manager
	logger  *log.Logger
}

// NewPoolTelemetry creates a telemetry sink over the storage manager.
func NewPoolTelemetry(manager *Manager, logger *log.Logger) *PoolTelemetry {
	return &PoolTelemetry{
		manager: manager,
		logger:  logger.WithComponent("telemetry"),
	}
}

// RecordShareEvent publishes a submit latency and outcome.
func (t *PoolTelemetry) RecordShareEvent(poolID string, elapsed time.Duration, success bool) {
	t.manager.Influx.WriteShareEvent(poolID, elapsed, success)
}

// RecordAcceptedShare publishes the share metric and a hashrate sample
// derived from the share difficulty.
func (t *PoolTelemetry) RecordAcceptedShare(poolID, miner, worker string, difficulty float64) {
	t.manager.Influx.WriteShareMetric(poolID, miner, worker, difficulty)

	// Approximate hashrate contribution of one share at this difficulty.
	hashrate := difficulty * 4294967296 / hashrateWindow.Seconds()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.manager.Redis.RecordWorkerHashrate(ctx, poolID, miner, worker, hashrate, hashrateWindow); err != nil {
		t.logger.Debug("hashrate snapshot failed", "pool_id", poolID, "error", err)
	}
}

// RecordConnectionCount publishes a pool's live connection count.
func (t *PoolTelemetry) RecordConnectionCount(poolID string, active int64) {
	t.manager.Influx.WriteConnectionMetric(poolID, active)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.manager.Redis.SetConnectionCount(ctx, poolID, active); err != nil {
		t.logger.Debug("connection count publish failed", "pool_id", poolID, "error", err)
	}
}

// RecordBannedPeer increments a pool's banned-reject counter.
func (t *PoolTelemetry) RecordBannedPeer(poolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := t.manager.Redis.IncrementCounter(ctx, "pool:"+poolID+":banned_rejects", time.Hour); err != nil {
		t.logger.Debug("banned-reject counter failed", "pool_id", poolID, "error", err)
	}
}
