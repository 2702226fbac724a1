package stratum

import (
	"math"
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/internal/config"
)

// shareTimeWindow bounds the ring buffer of recent share timestamps used to
// estimate the share rate.
const shareTimeWindow = 64

// VarDiffState tracks per-connection retargeting state: the last retarget
// time and a ring buffer of accepted-share timestamps.
type VarDiffState struct {
	mu           sync.Mutex
	lastRetarget time.Time
	times        [shareTimeWindow]time.Time
	head         int
	count        int
}

// VarDiffManager drives variable-difficulty retargeting toward a target
// share interval. It is shared by all connections of a pool.
type VarDiffManager struct {
	cfg config.VarDiffConfig
}

// NewVarDiffManager creates a manager for the given settings.
func NewVarDiffManager(cfg config.VarDiffConfig) *VarDiffManager {
	return &VarDiffManager{cfg: cfg}
}

// MinDiff returns the configured lower bound.
func (v *VarDiffManager) MinDiff() float64 {
	return v.cfg.MinDiff
}

// RetargetInterval returns the retarget period.
func (v *VarDiffManager) RetargetInterval() time.Duration {
	return time.Duration(v.cfg.RetargetTimeSec * float64(time.Second))
}

// NewState creates retargeting state for a new connection.
func (v *VarDiffManager) NewState(now time.Time) *VarDiffState {
	return &VarDiffState{lastRetarget: now}
}

// RecordShare appends an accepted-share timestamp to the ring buffer.
func (s *VarDiffState) RecordShare(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[s.head] = now
	s.head = (s.head + 1) % shareTimeWindow
	if s.count < shareTimeWindow {
		s.count++
	}
}

// sharesSince counts buffered timestamps at or after t.
func (s *VarDiffState) sharesSince(t time.Time) int {
	n := 0
	for i := range s.count {
		idx := (s.head - 1 - i + 2*shareTimeWindow) % shareTimeWindow
		if s.times[idx].Before(t) {
			break
		}
		n++
	}
	return n
}

// Retarget computes a new difficulty for the connection, returning (0, false)
// when no change is due. Invoked after every accepted share and by the
// periodic timer; idle connections ramp down when the window passes with no
// shares.
func (v *VarDiffManager) Retarget(state *VarDiffState, currentDiff float64, now time.Time) (float64, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	elapsed := now.Sub(state.lastRetarget).Seconds()
	if elapsed < v.cfg.RetargetTimeSec {
		return 0, false
	}

	shares := state.sharesSince(state.lastRetarget)
	state.lastRetarget = now

	var newDiff float64
	if shares == 0 {
		newDiff = currentDiff / 2
	} else {
		actualInterval := elapsed / float64(shares)
		// Inside the configured variance band, leave the difficulty alone.
		variance := math.Abs(actualInterval-v.cfg.TargetTimeSec) / v.cfg.TargetTimeSec * 100
		if variance <= v.cfg.VariancePercent {
			return 0, false
		}
		newDiff = currentDiff * v.cfg.TargetTimeSec / actualInterval
	}

	if v.cfg.MaxDelta > 0 {
		newDiff = math.Max(newDiff, currentDiff-v.cfg.MaxDelta)
		newDiff = math.Min(newDiff, currentDiff+v.cfg.MaxDelta)
	}
	newDiff = math.Max(newDiff, v.cfg.MinDiff)
	if v.cfg.MaxDiff > 0 {
		newDiff = math.Min(newDiff, v.cfg.MaxDiff)
	}

	if newDiff == currentDiff {
		return 0, false
	}
	return newDiff, true
}
