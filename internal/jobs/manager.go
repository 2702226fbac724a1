// Package jobs manages the current mining jobs of a pool: it consumes the
// upstream job stream, hands out subscriber data, and validates share
// submissions against retained jobs.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/internal/stratum"
	"github.com/itrailmpool/miningcore/internal/validation"
	"github.com/itrailmpool/miningcore/pkg/log"
)

const (
	// extraNonce2Size is the per-share client search space width in bytes.
	extraNonce2Size = 4
	// retainedJobs bounds how many recent jobs accept submissions.
	retainedJobs = 8
)

// AddressValidator checks payout addresses against the coin daemon.
type AddressValidator interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
}

// Manager implements the pool's job-side collaborator surface.
type Manager struct {
	poolID    string
	daemon    AddressValidator
	validator *validation.Validator
	logger    *log.Logger

	jobs chan []any

	mu    sync.Mutex
	byID  map[string]*validation.Job
	order []string

	extraNonce1Counter atomic.Uint64
}

// NewManager creates a manager for one pool.
func NewManager(poolID string, daemon AddressValidator, logger *log.Logger) *Manager {
	return &Manager{
		poolID:    poolID,
		daemon:    daemon,
		validator: validation.NewValidator(poolID, extraNonce2Size),
		logger:    logger.WithPool(poolID).WithComponent("jobs"),
		jobs:      make(chan []any, 16),
		byID:      make(map[string]*validation.Job),
	}
}

// SubscriberData assigns a unique extranonce1 for a new subscriber and
// returns it with the extranonce2 size.
func (m *Manager) SubscriberData(connID string) (string, int) {
	n := m.extraNonce1Counter.Add(1)
	return fmt.Sprintf("%08x", uint32(n)), extraNonce2Size
}

// ValidateAddress checks an address against the daemon. Empty addresses are
// invalid without a daemon round trip.
func (m *Manager) ValidateAddress(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, nil
	}
	return m.daemon.ValidateAddress(ctx, address)
}

// SubmitShare validates a submission, returning the share or a
// *stratum.StratumError.
func (m *Manager) SubmitShare(ctx context.Context, sub *stratum.ShareSubmission) (*events.Share, error) {
	parsed, serr := validation.ParseSubmission(sub.Params)
	if serr != nil {
		return nil, serr
	}

	job := m.lookup(parsed.JobID)
	if job == nil {
		return nil, stratum.ErrJobNotFound()
	}

	share, serr := m.validator.ValidateShare(job, parsed, sub)
	if serr != nil {
		return nil, serr
	}
	return share, nil
}

// Jobs returns the stream of job parameter tuples for the broadcaster.
func (m *Manager) Jobs() <-chan []any {
	return m.jobs
}

// AddJob retains the job for submission validation and emits its params on
// the job stream. A clean job retires all previously retained jobs.
func (m *Manager) AddJob(job *validation.Job) {
	m.mu.Lock()
	if job.CleanJobs {
		m.byID = make(map[string]*validation.Job)
		m.order = m.order[:0]
	}
	if _, exists := m.byID[job.ID]; !exists {
		m.byID[job.ID] = job
		m.order = append(m.order, job.ID)
		for len(m.order) > retainedJobs {
			delete(m.byID, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.mu.Unlock()

	select {
	case m.jobs <- job.Params():
	default:
		// The broadcaster fell behind; drop the oldest queued job so the
		// newest always wins.
		select {
		case <-m.jobs:
		default:
		}
		m.jobs <- job.Params()
		m.logger.Warn("job stream backlogged, dropped stale job", "job_id", job.ID)
	}
	m.logger.Info("job added", "job_id", job.ID, "block_height", job.Height, "clean", job.CleanJobs)
}

// RetireJobs drops every retained job. Invoked when a new chain tip makes
// outstanding work stale before the next job arrives.
func (m *Manager) RetireJobs(reason string) {
	m.mu.Lock()
	n := len(m.byID)
	m.byID = make(map[string]*validation.Job)
	m.order = m.order[:0]
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("retired jobs", "count", n, "reason", reason)
	}
}

func (m *Manager) lookup(jobID string) *validation.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[jobID]
}
