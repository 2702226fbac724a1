// Package auth resolves miner login credentials to payout addresses.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/pkg/log"
)

// WorkerStore looks a worker's payout address up in the persistent store.
// The lookup runs in its own transaction; an empty result means no match.
type WorkerStore interface {
	GetWorkerAddress(ctx context.Context, poolID, workerName, passwordHash string) (string, error)
}

// Resolver resolves (workerName, password) credentials to a payout address
// and caches hits. The cache has no per-entry TTL; a wall-clock timer clears
// it entirely. Misses are not cached, so a repeated failed login hits the
// store every time.
type Resolver struct {
	poolID string
	store  WorkerStore
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver for one pool.
func NewResolver(poolID string, store WorkerStore, logger *log.Logger) *Resolver {
	return &Resolver{
		poolID: poolID,
		store:  store,
		logger: logger.WithPool(poolID).WithComponent("auth"),
		cache:  make(map[string]string),
	}
}

// Resolve returns the payout address for the credentials, or "" when the
// credentials are unknown. Empty inputs short-circuit to "".
func (r *Resolver) Resolve(ctx context.Context, workerName, password string) (string, error) {
	if workerName == "" || password == "" {
		return "", nil
	}

	passwordHash := sha256Hex(password)
	key := workerName + ":" + passwordHash

	r.mu.Lock()
	if address, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return address, nil
	}
	r.mu.Unlock()

	address, err := r.store.GetWorkerAddress(ctx, r.poolID, workerName, passwordHash)
	if err != nil {
		return "", err
	}
	if address == "" {
		return "", nil
	}

	r.mu.Lock()
	r.cache[key] = address
	r.mu.Unlock()

	r.logger.Debug("resolved worker address", "worker", workerName)
	return address, nil
}

// CacheSize returns the number of cached entries.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// EvictAll drops every cached entry.
func (r *Resolver) EvictAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// StartEviction clears the whole cache on each timer tick until ctx ends.
// The reference interval is one hour.
func (r *Resolver) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.EvictAll()
				r.logger.Debug("address cache evicted")
			}
		}
	}()
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
