package stratum

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/itrailmpool/miningcore/internal/config"
	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/pkg/log"
)

// versionRollingPoolMask is the pool's allowed version-rolling mask
// (BIP 320 general-purpose bits). Client masks are AND-ed with it.
const versionRollingPoolMask uint32 = 0x1fffe000

// ShareSubmission carries a mining.submit request plus the connection state
// the validator needs.
type ShareSubmission struct {
	PoolID         string
	ConnID         string
	ExtraNonce1    string
	Difficulty     float64
	VersionMask    uint32
	HasVersionMask bool
	Miner          string
	Worker         string
	UserAgent      string
	IPAddress      string
	Params         []any
}

// JobManager is the upstream job and share-validation collaborator.
type JobManager interface {
	// SubscriberData returns the extranonce1 and extranonce2 size for a
	// new subscriber.
	SubscriberData(connID string) (string, int)
	// ValidateAddress checks a payout address against the coin daemon.
	ValidateAddress(ctx context.Context, address string) (bool, error)
	// SubmitShare validates a submission, returning the resulting share or
	// a *StratumError describing the rejection.
	SubmitShare(ctx context.Context, sub *ShareSubmission) (*events.Share, error)
	// Jobs is the stream of job parameter tuples.
	Jobs() <-chan []any
}

// AddressResolver resolves login credentials to a payout address.
type AddressResolver interface {
	Resolve(ctx context.Context, workerName, password string) (string, error)
}

// BanManager bans peers by IP for a duration.
type BanManager interface {
	Ban(ip string, d time.Duration, reason string)
}

// Telemetry receives share-event measurements and connection counters out
// of band. Implementations must not block the hot path.
type Telemetry interface {
	RecordShareEvent(poolID string, elapsed time.Duration, success bool)
	RecordAcceptedShare(poolID, miner, worker string, difficulty float64)
	RecordConnectionCount(poolID string, active int64)
	RecordBannedPeer(poolID string)
}

// StatisticPublisher enqueues share statistics for persistence.
type StatisticPublisher interface {
	Publish(stat events.ShareStatistic) bool
}

// SharePublisher fans accepted shares out to downstream processors.
type SharePublisher interface {
	PublishShare(ctx context.Context, share *events.Share)
}

// PoolHandler is the per-connection request state machine for one pool.
// A single instance serves all connections; per-connection state lives on
// the WorkerContext.
type PoolHandler struct {
	cfg               config.PoolConfig
	banOnLoginFailure bool
	logger            *log.Logger

	jobs        JobManager
	broadcaster *Broadcaster
	diff        *DifficultyController
	resolver    AddressResolver
	bans        BanManager
	telemetry   Telemetry
	stats       StatisticPublisher
	shares      SharePublisher

	lastBlockTime atomic.Int64

	clock func() time.Time
}

// NewPoolHandler wires the state machine. shares may be nil when downstream
// fan-out is disabled.
func NewPoolHandler(cfg config.PoolConfig, banOnLoginFailure bool, logger *log.Logger, jobs JobManager, broadcaster *Broadcaster, diff *DifficultyController, resolver AddressResolver, bans BanManager, telemetry Telemetry, stats StatisticPublisher, shares SharePublisher) *PoolHandler {
	return &PoolHandler{
		cfg:               cfg,
		banOnLoginFailure: banOnLoginFailure,
		logger:            logger.WithPool(cfg.ID).WithComponent("handler"),
		jobs:              jobs,
		broadcaster:       broadcaster,
		diff:              diff,
		resolver:          resolver,
		bans:              bans,
		telemetry:         telemetry,
		stats:             stats,
		shares:            shares,
		clock:             time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (h *PoolHandler) SetClock(clock func() time.Time) {
	h.clock = clock
}

// LastBlockTime returns when this pool last produced a block candidate.
func (h *PoolHandler) LastBlockTime() time.Time {
	n := h.lastBlockTime.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// HandleRequest dispatches one client request. Stratum-typed rejections are
// encoded as error responses; any returned error terminates the connection.
func (h *PoolHandler) HandleRequest(ctx context.Context, c *Conn, msg *Message, receivedAt time.Time) error {
	if !msg.IsRequest() {
		return nil
	}
	if msg.ID == nil {
		return c.SendError(nil, ErrMissingRequestID())
	}

	switch msg.Method {
	case "mining.subscribe":
		return h.onSubscribe(ctx, c, msg)
	case "mining.authorize":
		return h.onAuthorize(ctx, c, msg)
	case "mining.submit":
		return h.onSubmit(ctx, c, msg, receivedAt)
	case "mining.suggest_difficulty":
		return h.onSuggestDifficulty(c, msg)
	case "mining.configure":
		return h.onConfigure(c, msg)
	case "mining.extranonce.subscribe":
		return c.SendResponse(msg.ID, true)
	case "mining.ping":
		return c.SendResponse(msg.ID, "pong")
	case "mining.get_transactions", "mining.multi_version":
		// Silently ignored. Some clients may hang waiting for a response.
		return nil
	default:
		h.logger.Debug("unsupported method", "method", msg.Method, "conn_id", c.ID())
		return c.SendError(msg.ID, ErrUnsupportedRequest())
	}
}

func (h *PoolHandler) onSubscribe(ctx context.Context, c *Conn, msg *Message) error {
	userAgent := strings.TrimSpace(msg.ParamString(0))

	extraNonce1, extraNonce2Size := h.jobs.SubscriberData(c.ID())
	c.SetExtraNonce1(extraNonce1)

	result := []any{
		[]any{
			[]any{"mining.set_difficulty", c.ID()},
			[]any{"mining.notify", c.ID()},
		},
		extraNonce1,
		extraNonce2Size,
	}
	if err := c.SendResponse(msg.ID, result); err != nil {
		return err
	}

	w := c.Worker()
	w.SetSubscribed()
	if userAgent != "" {
		w.SetUserAgent(userAgent)
	}

	h.diff.ApplyStaticMinimum(ctx, c)
	w.ApplyPendingDifficulty()

	msgs := []*Message{
		NewNotification("mining.set_difficulty", []any{w.Difficulty()}),
	}
	if params := h.broadcaster.Current(); params != nil {
		msgs = append(msgs, NewNotification("mining.notify", params))
	}
	return c.Send(msgs...)
}

func (h *PoolHandler) onAuthorize(ctx context.Context, c *Conn, msg *Message) error {
	workerValue := strings.TrimSpace(msg.ParamString(0))
	password := msg.ParamString(1)

	username, workerSuffix, _ := strings.Cut(workerValue, ".")

	var miner, workerName string
	authorized := false

	if username != "" {
		isAddress, err := h.jobs.ValidateAddress(ctx, username)
		if err != nil {
			h.logger.WithError(err).Error("address validation failed", "conn_id", c.ID())
			return c.SendError(msg.ID, ErrOther("address validation unavailable"))
		}
		if isAddress {
			// Legacy path: the username is itself the payout address.
			miner = username
			workerName = workerSuffix
			authorized = true
		} else {
			address, rerr := h.resolver.Resolve(ctx, username, password)
			if rerr != nil {
				h.logger.WithError(rerr).Error("credential lookup failed", "conn_id", c.ID())
			} else if address != "" {
				valid, verr := h.jobs.ValidateAddress(ctx, address)
				if verr != nil {
					h.logger.WithError(verr).Error("address validation failed", "conn_id", c.ID())
				} else if valid {
					miner = address
					workerName = workerValue
					authorized = true
				}
			}
		}
	}

	if !authorized {
		sendErr := c.SendError(msg.ID, ErrUnauthorizedWorker())
		h.logger.Warn("authorization rejected", "conn_id", c.ID(), "worker", workerValue)
		if h.banOnLoginFailure {
			// Repeated failed logins would flood the daemon with
			// validateAddress calls.
			h.bans.Ban(c.RemoteIP(), h.cfg.LoginFailureBanTimeout(), "login failure")
			c.Close()
		}
		return sendErr
	}

	c.Worker().SetAuthorized(miner, workerName)
	if err := c.SendResponse(msg.ID, true); err != nil {
		return err
	}
	h.logger.WithMiner(miner, workerName).Info("worker authorized", "conn_id", c.ID())

	if h.diff.ApplyPasswordDifficulty(c, password) {
		c.Worker().ApplyPendingDifficulty()
		return c.Notify("mining.set_difficulty", []any{c.Worker().Difficulty()})
	}
	return nil
}

func (h *PoolHandler) onSubmit(ctx context.Context, c *Conn, msg *Message, receivedAt time.Time) error {
	now := h.clock()

	// Aged submits indicate pool overload; answering them would compound it.
	if age := now.Sub(receivedAt); age > h.cfg.MaxShareAge() {
		h.logger.Warn("dropping stale share submission", "conn_id", c.ID(), "age", age.String())
		return nil
	}

	w := c.Worker()
	w.MarkActivity(now)

	if !w.IsAuthorized() {
		return c.SendError(msg.ID, ErrUnauthorizedWorker())
	}
	if !w.IsSubscribed() {
		return c.SendError(msg.ID, ErrNotSubscribed())
	}

	mask, hasMask := w.VersionRollingMask()
	sub := &ShareSubmission{
		PoolID:         h.cfg.ID,
		ConnID:         c.ID(),
		ExtraNonce1:    c.ExtraNonce1(),
		Difficulty:     w.Difficulty(),
		VersionMask:    mask,
		HasVersionMask: hasMask,
		Miner:          w.Miner(),
		Worker:         w.Worker(),
		UserAgent:      w.UserAgent(),
		IPAddress:      c.RemoteIP(),
		Params:         msg.Params,
	}

	share, err := h.jobs.SubmitShare(ctx, sub)
	if err != nil {
		var serr *StratumError
		if errors.As(err, &serr) {
			return h.onSubmitRejected(c, msg.ID, serr, receivedAt)
		}
		return err
	}

	if err := c.SendResponse(msg.ID, true); err != nil {
		h.logger.WithError(err).Debug("share response delivery failed", "conn_id", c.ID())
	}

	if h.shares != nil {
		h.shares.PublishShare(ctx, share)
	}
	h.telemetry.RecordShareEvent(h.cfg.ID, h.clock().Sub(receivedAt), true)

	if share.IsBlockCandidate {
		h.lastBlockTime.Store(now.UnixNano())
		h.logger.WithMiner(share.Miner, share.Worker).Info("block candidate submitted",
			"block_height", share.BlockHeight, "difficulty", share.Difficulty)
	}

	w.IncValidShares()
	h.stats.Publish(h.buildStatistic(c, share))
	h.telemetry.RecordAcceptedShare(h.cfg.ID, share.Miner, w.Worker(), share.Difficulty)
	h.logger.LogShareSubmission(share.Miner, w.Worker(), jobID(h.broadcaster.Current()), share.Difficulty, "accepted")

	if h.diff.RecordShareAndRetarget(c, now) {
		return h.pushDifficultyUpdate(c)
	}
	return nil
}

// onSubmitRejected handles a validator rejection: error response,
// telemetry, invalid-share statistic and the ban check.
func (h *PoolHandler) onSubmitRejected(c *Conn, id any, serr *StratumError, receivedAt time.Time) error {
	sendErr := c.SendError(id, serr)

	h.telemetry.RecordShareEvent(h.cfg.ID, h.clock().Sub(receivedAt), false)
	c.Worker().IncInvalidShares()
	h.stats.Publish(h.buildStatistic(c, nil))
	h.logger.LogShareSubmission(c.Worker().Miner(), c.Worker().Worker(), "", c.Worker().Difficulty(), "rejected")

	h.considerBan(c)
	return sendErr
}

// considerBan bans the peer when the invalid-share ratio exceeds the pool's
// thresholds.
func (h *PoolHandler) considerBan(c *Conn) {
	b := h.cfg.Banning
	if !b.Enabled {
		return
	}
	valid, invalid := c.Worker().Stats()
	total := valid + invalid
	if b.CheckThreshold == 0 || total < b.CheckThreshold {
		return
	}
	ratio := float64(invalid) / float64(total) * 100
	if ratio <= b.InvalidPercent {
		return
	}
	h.logger.Warn("banning peer for invalid shares",
		"conn_id", c.ID(), "invalid_percent", ratio, "total_shares", total)
	h.bans.Ban(c.RemoteIP(), b.BanTime(), "invalid shares")
	c.Close()
}

func (h *PoolHandler) onSuggestDifficulty(c *Conn, msg *Message) error {
	if err := c.SendResponse(msg.ID, true); err != nil {
		return err
	}

	requested, ok := msg.ParamFloat(0)
	if !ok {
		h.logger.Debug("unparseable suggested difficulty", "conn_id", c.ID(), "params", fmt.Sprintf("%v", msg.Params))
		return nil
	}

	if h.diff.ApplySuggestedDifficulty(c, requested) {
		c.Worker().ApplyPendingDifficulty()
		return c.Notify("mining.set_difficulty", []any{c.Worker().Difficulty()})
	}
	return nil
}

func (h *PoolHandler) onConfigure(c *Conn, msg *Message) error {
	extensions, _ := paramAt(msg.Params, 0).([]any)
	extParams, _ := paramAt(msg.Params, 1).(map[string]any)

	result := make(map[string]any)
	minDiffApplied := false

	for _, ext := range extensions {
		name, ok := ext.(string)
		if !ok {
			continue
		}
		switch name {
		case "version-rolling":
			// The pool mask is used when no (or a malformed) client mask is
			// present.
			mask := versionRollingPoolMask
			if raw, ok := extParams["version-rolling.mask"].(string); ok {
				if clientMask, err := strconv.ParseUint(raw, 16, 32); err == nil {
					mask = uint32(clientMask) & versionRollingPoolMask
				}
			}
			c.Worker().SetVersionRollingMask(mask)
			result["version-rolling"] = true
			result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)

		case "minimum-difficulty":
			requested, ok := numericParam(extParams["minimum-difficulty.value"])
			applied := ok && h.diff.ApplyMinimumDifficulty(c, requested)
			result["minimum-difficulty"] = applied
			minDiffApplied = minDiffApplied || applied
		}
		// Unknown extensions are omitted from the result.
	}

	if err := c.SendResponse(msg.ID, result); err != nil {
		return err
	}

	if minDiffApplied {
		c.Worker().ApplyPendingDifficulty()
		return c.Notify("mining.set_difficulty", []any{c.Worker().Difficulty()})
	}
	return nil
}

// pushDifficultyUpdate promotes a staged difficulty and delivers the
// set_difficulty plus a notify for the current job as one unit.
func (h *PoolHandler) pushDifficultyUpdate(c *Conn) error {
	if !c.Worker().ApplyPendingDifficulty() {
		return nil
	}
	msgs := []*Message{
		NewNotification("mining.set_difficulty", []any{c.Worker().Difficulty()}),
	}
	if params := h.broadcaster.Current(); params != nil {
		msgs = append(msgs, NewNotification("mining.notify", params))
	}
	return c.Send(msgs...)
}

// buildStatistic projects a share (or, for rejections, the connection
// context) into the persisted statistic. The worker and device always come
// from the context's worker value, split on the first dot.
func (h *PoolHandler) buildStatistic(c *Conn, share *events.Share) events.ShareStatistic {
	workerName, device := events.SplitWorkerDevice(c.Worker().Worker())

	if share != nil {
		return events.ShareStatistic{
			PoolID:            share.PoolID,
			BlockHeight:       share.BlockHeight,
			Difficulty:        share.Difficulty,
			NetworkDifficulty: share.NetworkDifficulty,
			Miner:             share.Miner,
			Worker:            workerName,
			Device:            device,
			UserAgent:         share.UserAgent,
			IPAddress:         share.IPAddress,
			Source:            share.Source,
			IsValid:           true,
			IsBlockCandidate:  share.IsBlockCandidate,
			Created:           share.Created,
		}
	}

	w := c.Worker()
	return events.ShareStatistic{
		PoolID:     h.cfg.ID,
		Difficulty: w.Difficulty(),
		Miner:      w.Miner(),
		Worker:     workerName,
		Device:     device,
		UserAgent:  w.UserAgent(),
		IPAddress:  c.RemoteIP(),
		Source:     h.cfg.ID,
		IsValid:    false,
		Created:    h.clock(),
	}
}

func paramAt(params []any, i int) any {
	if i >= len(params) {
		return nil
	}
	return params[i]
}

func numericParam(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
