package stratum

import (
	"sync"
	"time"
)

// WorkerContext is the per-connection mutable miner state. Request handlers
// for a single connection are serialized, but the job broadcaster and the
// vardiff timer touch difficulty state from other goroutines, so access is
// guarded by a mutex.
type WorkerContext struct {
	mu sync.Mutex

	subscribed bool
	authorized bool
	userAgent  string

	miner  string
	worker string

	difficulty        float64
	pendingDifficulty float64
	hasPending        bool

	varDiff *VarDiffState

	versionMask    uint32
	hasVersionMask bool

	lastActivity time.Time

	validShares   uint64
	invalidShares uint64
}

// NewWorkerContext creates a context with the endpoint base difficulty
// active. vd is nil when variable difficulty is disabled for the pool.
func NewWorkerContext(baseDifficulty float64, vd *VarDiffState) *WorkerContext {
	return &WorkerContext{
		difficulty:   baseDifficulty,
		varDiff:      vd,
		lastActivity: time.Now(),
	}
}

// SetDifficulty stages d as the pending difficulty. The active difficulty
// is untouched until ApplyPendingDifficulty promotes it, so a difficulty
// change and the job that depends on it can be pushed together.
func (w *WorkerContext) SetDifficulty(d float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingDifficulty = d
	w.hasPending = true
}

// ApplyPendingDifficulty promotes the pending difficulty to active. Returns
// false when no promotion was pending; idempotent until the next
// SetDifficulty.
func (w *WorkerContext) ApplyPendingDifficulty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasPending {
		return false
	}
	w.difficulty = w.pendingDifficulty
	w.pendingDifficulty = 0
	w.hasPending = false
	return true
}

// Difficulty returns the active difficulty.
func (w *WorkerContext) Difficulty() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.difficulty
}

// HasPendingDifficulty reports whether a promotion is staged.
func (w *WorkerContext) HasPendingDifficulty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasPending
}

// VarDiff returns the vardiff state, nil when disabled.
func (w *WorkerContext) VarDiff() *VarDiffState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.varDiff
}

// DisableVarDiff turns variable difficulty off for this connection.
// Static difficulty sources win over retargeting.
func (w *WorkerContext) DisableVarDiff() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.varDiff = nil
}

// SetSubscribed marks the connection subscribed.
func (w *WorkerContext) SetSubscribed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribed = true
}

// IsSubscribed reports whether mining.subscribe completed.
func (w *WorkerContext) IsSubscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subscribed
}

// SetAuthorized records the authorized miner identity.
func (w *WorkerContext) SetAuthorized(miner, worker string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.authorized = true
	w.miner = miner
	w.worker = worker
}

// IsAuthorized reports whether mining.authorize succeeded.
func (w *WorkerContext) IsAuthorized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authorized
}

// Miner returns the payout address.
func (w *WorkerContext) Miner() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.miner
}

// Worker returns the worker value recorded at authorization.
func (w *WorkerContext) Worker() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.worker
}

// SetUserAgent records the client user agent from mining.subscribe.
func (w *WorkerContext) SetUserAgent(ua string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.userAgent = ua
}

// UserAgent returns the recorded user agent.
func (w *WorkerContext) UserAgent() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.userAgent
}

// SetVersionRollingMask stores the negotiated version-rolling mask.
func (w *WorkerContext) SetVersionRollingMask(mask uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.versionMask = mask
	w.hasVersionMask = true
}

// VersionRollingMask returns the negotiated mask if one was configured.
func (w *WorkerContext) VersionRollingMask() (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.versionMask, w.hasVersionMask
}

// MarkActivity updates the last-activity timestamp.
func (w *WorkerContext) MarkActivity(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = t
}

// LastActivity returns the last-activity timestamp.
func (w *WorkerContext) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// IncValidShares increments the accepted-share counter.
func (w *WorkerContext) IncValidShares() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validShares++
}

// IncInvalidShares increments the rejected-share counter.
func (w *WorkerContext) IncInvalidShares() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invalidShares++
}

// Stats returns the accepted and rejected share counters.
func (w *WorkerContext) Stats() (valid, invalid uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.validShares, w.invalidShares
}
