package stratum

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/itrailmpool/miningcore/pkg/log"
)

// controlVarSeparator splits password control-vars ("x,d=1024").
const controlVarSeparator = ","

// StaticDiffProvider resolves an out-of-band static minimum difficulty for
// a client, keyed by user agent, coin and algorithm. NiceHash is the one
// known implementation.
type StaticDiffProvider interface {
	GetStaticMinDiff(ctx context.Context, userAgent, coin, algorithm string) (float64, bool)
}

// DifficultyController applies the three static difficulty sources and
// drives vardiff retargeting. All writes go through
// WorkerContext.SetDifficulty so promotions stay decoupled from
// notification time.
type DifficultyController struct {
	logger    *log.Logger
	staticMin StaticDiffProvider
	vardiff   *VarDiffManager
	coin      string
	algorithm string
}

// NewDifficultyController creates a controller. staticMin and vardiff may
// be nil when the respective source is disabled.
func NewDifficultyController(logger *log.Logger, staticMin StaticDiffProvider, vardiff *VarDiffManager, coin, algorithm string) *DifficultyController {
	return &DifficultyController{
		logger:    logger.WithComponent("difficulty"),
		staticMin: staticMin,
		vardiff:   vardiff,
		coin:      coin,
		algorithm: algorithm,
	}
}

// VarDiff returns the pool's vardiff manager, nil when disabled.
func (dc *DifficultyController) VarDiff() *VarDiffManager {
	return dc.vardiff
}

// ApplyStaticMinimum consults the static-diff provider at subscribe time.
// A hit disables vardiff for the connection and stages the difficulty.
func (dc *DifficultyController) ApplyStaticMinimum(ctx context.Context, c *Conn) bool {
	if dc.staticMin == nil {
		return false
	}
	ua := c.Worker().UserAgent()
	if ua == "" {
		return false
	}
	diff, ok := dc.staticMin.GetStaticMinDiff(ctx, ua, dc.coin, dc.algorithm)
	if !ok || diff <= 0 {
		return false
	}
	c.Worker().DisableVarDiff()
	c.Worker().SetDifficulty(diff)
	dc.logger.LogDifficultyChange(c.ID(), c.Worker().Difficulty(), diff, "static-minimum")
	return true
}

// ParseControlVars tokenizes a password string on the reserved separator
// into key=value control variables. Tokens without '=' are ignored.
func ParseControlVars(password string) map[string]string {
	vars := make(map[string]string)
	for _, token := range strings.Split(password, controlVarSeparator) {
		key, value, ok := strings.Cut(strings.TrimSpace(token), "=")
		if !ok {
			continue
		}
		vars[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return vars
}

// ApplyPasswordDifficulty applies a d=<number> control-var at authorize
// time. The requested value is honored only when it cannot lower the
// effective difficulty: at or above the vardiff floor while vardiff is
// enabled, or strictly above the current difficulty otherwise. A hit
// disables vardiff and stages the difficulty.
func (dc *DifficultyController) ApplyPasswordDifficulty(c *Conn, password string) bool {
	raw, ok := ParseControlVars(password)["d"]
	if !ok {
		return false
	}
	requested, err := strconv.ParseFloat(raw, 64)
	if err != nil || requested <= 0 {
		dc.logger.Debug("ignoring malformed static diff", "conn_id", c.ID(), "value", raw)
		return false
	}

	w := c.Worker()
	vardiffEnabled := w.VarDiff() != nil
	switch {
	case vardiffEnabled && dc.vardiff != nil && requested >= dc.vardiff.MinDiff():
	case !vardiffEnabled && requested > w.Difficulty():
	default:
		return false
	}

	old := w.Difficulty()
	w.DisableVarDiff()
	w.SetDifficulty(requested)
	dc.logger.LogDifficultyChange(c.ID(), old, requested, "password")
	return true
}

// ApplySuggestedDifficulty applies a mining.suggest_difficulty request.
// Only values above the endpoint base difficulty are accepted; vardiff
// stays enabled.
func (dc *DifficultyController) ApplySuggestedDifficulty(c *Conn, requested float64) bool {
	if requested <= c.BaseDifficulty() {
		return false
	}
	old := c.Worker().Difficulty()
	c.Worker().SetDifficulty(requested)
	dc.logger.LogDifficultyChange(c.ID(), old, requested, "suggested")
	return true
}

// ApplyMinimumDifficulty applies the mining.configure minimum-difficulty
// extension. Only values above the endpoint base difficulty are accepted;
// a hit disables vardiff.
func (dc *DifficultyController) ApplyMinimumDifficulty(c *Conn, requested float64) bool {
	if requested <= c.BaseDifficulty() {
		return false
	}
	old := c.Worker().Difficulty()
	c.Worker().DisableVarDiff()
	c.Worker().SetDifficulty(requested)
	dc.logger.LogDifficultyChange(c.ID(), old, requested, "minimum-difficulty")
	return true
}

// RecordShareAndRetarget feeds an accepted share into vardiff and stages a
// new difficulty when a retarget is due. Returns true when a difficulty was
// staged; the caller promotes it and notifies the client.
func (dc *DifficultyController) RecordShareAndRetarget(c *Conn, now time.Time) bool {
	state := c.Worker().VarDiff()
	if state == nil || dc.vardiff == nil {
		return false
	}
	state.RecordShare(now)
	return dc.retarget(c, state, now)
}

// RetargetIdle runs the periodic retarget check without recording a share,
// so idle connections ramp down.
func (dc *DifficultyController) RetargetIdle(c *Conn, now time.Time) bool {
	state := c.Worker().VarDiff()
	if state == nil || dc.vardiff == nil {
		return false
	}
	return dc.retarget(c, state, now)
}

func (dc *DifficultyController) retarget(c *Conn, state *VarDiffState, now time.Time) bool {
	current := c.Worker().Difficulty()
	newDiff, ok := dc.vardiff.Retarget(state, current, now)
	if !ok {
		return false
	}
	c.Worker().SetDifficulty(newDiff)
	dc.logger.LogDifficultyChange(c.ID(), current, newDiff, "vardiff")
	return true
}
