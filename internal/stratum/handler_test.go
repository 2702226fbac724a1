package stratum

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/itrailmpool/miningcore/internal/config"
	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/pkg/log"
)

var testJobParams = []any{
	"job1", "prevhash", "cb1", "cb2", []any{}, "20000000", "1d00ffff", "5a54a978", true,
}

type fakeJobs struct {
	mu         sync.Mutex
	validAddrs map[string]bool
	submitFn   func(*ShareSubmission) (*events.Share, error)
	jobs       chan []any
}

func (f *fakeJobs) SubscriberData(connID string) (string, int) {
	return "ab012345", 4
}

func (f *fakeJobs) ValidateAddress(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validAddrs[address], nil
}

func (f *fakeJobs) SubmitShare(_ context.Context, sub *ShareSubmission) (*events.Share, error) {
	return f.submitFn(sub)
}

func (f *fakeJobs) Jobs() <-chan []any {
	return f.jobs
}

type fakeResolver struct {
	addrs map[string]string
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, workerName, password string) (string, error) {
	f.calls++
	return f.addrs[workerName+":"+password], nil
}

type fakeBans struct {
	mu     sync.Mutex
	banned []string
}

func (f *fakeBans) Ban(ip string, _ time.Duration, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned = append(f.banned, ip)
}

func (f *fakeBans) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.banned)
}

type shareEvent struct {
	success bool
}

type fakeTelemetry struct {
	mu     sync.Mutex
	events []shareEvent
}

func (f *fakeTelemetry) RecordShareEvent(_ string, _ time.Duration, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, shareEvent{success: success})
}

func (f *fakeTelemetry) RecordAcceptedShare(_, _, _ string, _ float64)  {}
func (f *fakeTelemetry) RecordConnectionCount(_ string, _ int64)        {}
func (f *fakeTelemetry) RecordBannedPeer(_ string)                      {}

type fakeStats struct {
	mu    sync.Mutex
	stats []events.ShareStatistic
}

func (f *fakeStats) Publish(stat events.ShareStatistic) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, stat)
	return true
}

func (f *fakeStats) all() []events.ShareStatistic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.ShareStatistic(nil), f.stats...)
}

type testPool struct {
	t        *testing.T
	client   net.Conn
	lines    chan map[string]any
	conn     *Conn
	handler  *PoolHandler
	jobs     *fakeJobs
	resolver *fakeResolver
	bans     *fakeBans
	telem    *fakeTelemetry
	stats    *fakeStats
	cancel   context.CancelFunc
}

type testPoolOpts struct {
	cfg        config.PoolConfig
	vardiff    *config.VarDiffConfig
	validAddrs map[string]bool
	resolved   map[string]string
	submitFn   func(*ShareSubmission) (*events.Share, error)
}

func defaultOpts() *testPoolOpts {
	return &testPoolOpts{
		cfg: config.PoolConfig{
			ID:        "btc1",
			Coin:      "bitcoin",
			Algorithm: "sha256",
			Ports: map[string]config.PortConfig{
				"3333": {Difficulty: 16},
			},
			MaxShareAgeSec:            30,
			LoginFailureBanTimeoutSec: 300,
		},
		validAddrs: map[string]bool{},
		resolved:   map[string]string{},
		submitFn: func(sub *ShareSubmission) (*events.Share, error) {
			return &events.Share{
				PoolID:            sub.PoolID,
				BlockHeight:       100,
				Difficulty:        sub.Difficulty,
				NetworkDifficulty: 1e12,
				Miner:             sub.Miner,
				Worker:            sub.Worker,
				UserAgent:         sub.UserAgent,
				IPAddress:         sub.IPAddress,
				Source:            sub.PoolID,
				Created:           time.Now(),
				IsValid:           true,
			}, nil
		},
	}
}

func newTestPool(t *testing.T, opts *testPoolOpts) *testPool {
	t.Helper()
	if opts == nil {
		opts = defaultOpts()
	}

	logger := log.New("test", "dev", "error", "text")
	ctx, cancel := context.WithCancel(context.Background())

	jobsFake := &fakeJobs{validAddrs: opts.validAddrs, submitFn: opts.submitFn, jobs: make(chan []any, 4)}
	resolver := &fakeResolver{addrs: opts.resolved}
	bans := &fakeBans{}
	telem := &fakeTelemetry{}
	stats := &fakeStats{}

	registry := NewRegistry()
	broadcaster := NewBroadcaster(logger, registry, jobsFake.jobs)
	broadcaster.Broadcast(testJobParams)

	var vardiff *VarDiffManager
	if opts.vardiff != nil {
		vardiff = NewVarDiffManager(*opts.vardiff)
	}
	diff := NewDifficultyController(logger, nil, vardiff, opts.cfg.Coin, opts.cfg.Algorithm)

	handler := NewPoolHandler(opts.cfg, true, logger, jobsFake, broadcaster, diff, resolver, bans, telem, stats, nil)

	serverSide, clientSide := net.Pipe()

	var vdState *VarDiffState
	if vardiff != nil {
		vdState = vardiff.NewState(time.Now())
	}
	worker := NewWorkerContext(16, vdState)
	c := NewConn("conn1", opts.cfg.ID, serverSide, worker, 16, logger, 5*time.Second, 5*time.Second)
	registry.Add(c)

	go func() {
		_ = c.Start(ctx, handler)
	}()

	lines := make(chan map[string]any, 32)
	go func() {
		dec := json.NewDecoder(clientSide)
		for {
			var m map[string]any
			if err := dec.Decode(&m); err != nil {
				close(lines)
				return
			}
			lines <- m
		}
	}()

	tp := &testPool{
		t:        t,
		client:   clientSide,
		lines:    lines,
		conn:     c,
		handler:  handler,
		jobs:     jobsFake,
		resolver: resolver,
		bans:     bans,
		telem:    telem,
		stats:    stats,
		cancel:   cancel,
	}
	t.Cleanup(func() {
		cancel()
		_ = clientSide.Close()
	})
	return tp
}

func (tp *testPool) send(v any) {
	tp.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		tp.t.Fatalf("marshal request: %v", err)
	}
	if _, err := tp.client.Write(append(data, '\n')); err != nil {
		tp.t.Fatalf("write request: %v", err)
	}
}

func (tp *testPool) expect() map[string]any {
	tp.t.Helper()
	select {
	case m, ok := <-tp.lines:
		if !ok {
			tp.t.Fatalf("connection closed while expecting a message")
		}
		return m
	case <-time.After(2 * time.Second):
		tp.t.Fatalf("timed out waiting for a message")
		return nil
	}
}

func (tp *testPool) expectNone(wait time.Duration) {
	tp.t.Helper()
	select {
	case m, ok := <-tp.lines:
		if ok {
			tp.t.Fatalf("unexpected message: %v", m)
		}
	case <-time.After(wait):
	}
}

func (tp *testPool) subscribe() {
	tp.t.Helper()
	tp.send(map[string]any{"id": 1, "method": "mining.subscribe", "params": []any{"cgminer/4.11"}})
	tp.expect() // subscription response
	tp.expect() // set_difficulty
	tp.expect() // mining.notify
}

func (tp *testPool) authorize(worker, password string) map[string]any {
	tp.t.Helper()
	tp.send(map[string]any{"id": 2, "method": "mining.authorize", "params": []any{worker, password}})
	return tp.expect()
}

func errorCode(t *testing.T, m map[string]any) int {
	t.Helper()
	tuple, ok := m["error"].([]any)
	if !ok || len(tuple) < 2 {
		t.Fatalf("expected error tuple, got %v", m)
	}
	code, ok := tuple[0].(float64)
	if !ok {
		t.Fatalf("expected numeric error code, got %v", tuple[0])
	}
	return int(code)
}

func TestSubscribeHappyPath(t *testing.T) {
	tp := newTestPool(t, nil)

	tp.send(map[string]any{"id": 1, "method": "mining.subscribe", "params": []any{"cgminer/4.11"}})

	resp := tp.expect()
	if resp["id"] != float64(1) {
		t.Fatalf("response id = %v, want 1", resp["id"])
	}
	result, ok := resp["result"].([]any)
	if !ok || len(result) != 3 {
		t.Fatalf("subscribe result = %v, want 3-element array", resp["result"])
	}
	subs, ok := result[0].([]any)
	if !ok || len(subs) != 2 {
		t.Fatalf("subscriptions = %v, want 2 entries", result[0])
	}
	first, _ := subs[0].([]any)
	if len(first) != 2 || first[0] != "mining.set_difficulty" || first[1] != "conn1" {
		t.Fatalf("first subscription = %v", subs[0])
	}
	if result[1] != "ab012345" || result[2] != float64(4) {
		t.Fatalf("extranonce data = %v, %v", result[1], result[2])
	}

	setDiff := tp.expect()
	if setDiff["method"] != "mining.set_difficulty" {
		t.Fatalf("expected set_difficulty, got %v", setDiff)
	}
	if params := setDiff["params"].([]any); params[0] != float64(16) {
		t.Fatalf("initial difficulty = %v, want 16", params[0])
	}

	notify := tp.expect()
	if notify["method"] != "mining.notify" {
		t.Fatalf("expected mining.notify, got %v", notify)
	}
	if params := notify["params"].([]any); params[0] != "job1" {
		t.Fatalf("job id = %v, want job1", params[0])
	}

	if !tp.conn.Worker().IsSubscribed() {
		t.Fatal("connection not marked subscribed")
	}
	if tp.conn.Worker().UserAgent() != "cgminer/4.11" {
		t.Fatalf("user agent = %q", tp.conn.Worker().UserAgent())
	}
}

func TestAuthorizeLegacyAddressAndSubmit(t *testing.T) {
	opts := defaultOpts()
	opts.validAddrs["1A1zP"] = true
	tp := newTestPool(t, opts)

	tp.subscribe()

	resp := tp.authorize("1A1zP.worker1", "x")
	if resp["result"] != true {
		t.Fatalf("authorize result = %v, want true", resp["result"])
	}
	if got := tp.conn.Worker().Miner(); got != "1A1zP" {
		t.Fatalf("miner = %q, want 1A1zP", got)
	}
	if got := tp.conn.Worker().Worker(); got != "worker1" {
		t.Fatalf("worker = %q, want worker1", got)
	}

	tp.send(map[string]any{"id": 3, "method": "mining.submit",
		"params": []any{"1A1zP.worker1", "job1", "00000001", "5a54a978", "1a2b3c4d"}})
	resp = tp.expect()
	if resp["result"] != true {
		t.Fatalf("submit result = %v, want true", resp["result"])
	}

	deadline := time.Now().Add(time.Second)
	for len(tp.stats.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stats := tp.stats.all()
	if len(stats) != 1 {
		t.Fatalf("statistics published = %d, want 1", len(stats))
	}
	if !stats[0].IsValid {
		t.Fatal("statistic not marked valid")
	}
	if stats[0].Worker != "worker1" {
		t.Fatalf("statistic worker = %q, want worker1", stats[0].Worker)
	}
	valid, invalid := tp.conn.Worker().Stats()
	if valid != 1 || invalid != 0 {
		t.Fatalf("share counters = %d/%d, want 1/0", valid, invalid)
	}
}

func TestAuthorizeCredentialPath(t *testing.T) {
	opts := defaultOpts()
	opts.validAddrs["1Resolved"] = true
	opts.resolved["alice:pw"] = "1Resolved"
	tp := newTestPool(t, opts)

	tp.subscribe()

	resp := tp.authorize("alice.rig1", "pw")
	if resp["result"] != true {
		t.Fatalf("authorize result = %v, want true", resp["result"])
	}
	if got := tp.conn.Worker().Miner(); got != "1Resolved" {
		t.Fatalf("miner = %q, want 1Resolved", got)
	}
	// The credential path records the full, un-split worker value.
	if got := tp.conn.Worker().Worker(); got != "alice.rig1" {
		t.Fatalf("worker = %q, want alice.rig1", got)
	}
}

func TestAuthorizeFailureBansPeer(t *testing.T) {
	tp := newTestPool(t, nil)
	tp.subscribe()

	resp := tp.authorize("nobody", "x")
	if code := errorCode(t, resp); code != ErrorCodeUnauthorized {
		t.Fatalf("error code = %d, want %d", code, ErrorCodeUnauthorized)
	}

	deadline := time.Now().Add(time.Second)
	for tp.bans.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tp.bans.count() != 1 {
		t.Fatalf("bans = %d, want 1", tp.bans.count())
	}

	select {
	case <-tp.conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after login failure")
	}
}

func TestSubmitOrderingGuards(t *testing.T) {
	opts := defaultOpts()
	opts.validAddrs["1A1zP"] = true
	tp := newTestPool(t, opts)

	submitParams := []any{"1A1zP.w", "job1", "00000001", "5a54a978", "1a2b3c4d"}

	// Fresh connection: unauthorized wins over unsubscribed.
	tp.send(map[string]any{"id": 1, "method": "mining.submit", "params": submitParams})
	if code := errorCode(t, tp.expect()); code != ErrorCodeUnauthorized {
		t.Fatalf("fresh submit error = %d, want %d", code, ErrorCodeUnauthorized)
	}

	// Authorized but not subscribed.
	resp := tp.authorize("1A1zP.w", "x")
	if resp["result"] != true {
		t.Fatalf("authorize failed: %v", resp)
	}
	tp.send(map[string]any{"id": 3, "method": "mining.submit", "params": submitParams})
	if code := errorCode(t, tp.expect()); code != ErrorCodeNotSubscribed {
		t.Fatalf("unsubscribed submit error = %d, want %d", code, ErrorCodeNotSubscribed)
	}
}

func TestStaleSubmitDropped(t *testing.T) {
	opts := defaultOpts()
	opts.validAddrs["1A1zP"] = true
	tp := newTestPool(t, opts)

	tp.subscribe()
	tp.authorize("1A1zP.w", "x")

	tp.handler.SetClock(func() time.Time { return time.Now().Add(40 * time.Second) })

	tp.send(map[string]any{"id": 4, "method": "mining.submit",
		"params": []any{"1A1zP.w", "job1", "00000001", "5a54a978", "1a2b3c4d"}})
	tp.expectNone(200 * time.Millisecond)

	if got := len(tp.stats.all()); got != 0 {
		t.Fatalf("statistics published for stale share = %d, want 0", got)
	}
}

func TestPasswordStaticDifficulty(t *testing.T) {
	opts := defaultOpts()
	opts.validAddrs["1A1zP"] = true
	opts.vardiff = &config.VarDiffConfig{
		MinDiff:         512,
		MaxDiff:         100000,
		TargetTimeSec:   15,
		RetargetTimeSec: 90,
		VariancePercent: 30,
	}
	tp := newTestPool(t, opts)

	tp.subscribe()

	resp := tp.authorize("1A1zP.w", "x,d=1024")
	if resp["result"] != true {
		t.Fatalf("authorize failed: %v", resp)
	}

	setDiff := tp.expect()
	if setDiff["method"] != "mining.set_difficulty" {
		t.Fatalf("expected set_difficulty, got %v", setDiff)
	}
	if params := setDiff["params"].([]any); params[0] != float64(1024) {
		t.Fatalf("difficulty = %v, want 1024", params[0])
	}
	if tp.conn.Worker().Difficulty() != 1024 {
		t.Fatalf("active difficulty = %v, want 1024", tp.conn.Worker().Difficulty())
	}
	if tp.conn.Worker().VarDiff() != nil {
		t.Fatal("vardiff not disabled by static difficulty")
	}
}

func TestSuggestDifficulty(t *testing.T) {
	tp := newTestPool(t, nil)
	tp.subscribe()

	// Above the endpoint base: accepted.
	tp.send(map[string]any{"id": 5, "method": "mining.suggest_difficulty", "params": []any{float64(32)}})
	if resp := tp.expect(); resp["result"] != true {
		t.Fatalf("suggest response = %v, want true", resp)
	}
	setDiff := tp.expect()
	if params := setDiff["params"].([]any); params[0] != float64(32) {
		t.Fatalf("difficulty = %v, want 32", params[0])
	}

	// At or below the base: acknowledged but ignored.
	tp.send(map[string]any{"id": 6, "method": "mining.suggest_difficulty", "params": []any{float64(8)}})
	if resp := tp.expect(); resp["result"] != true {
		t.Fatalf("suggest response = %v, want true", resp)
	}
	tp.expectNone(150 * time.Millisecond)
	if tp.conn.Worker().Difficulty() != 32 {
		t.Fatalf("difficulty = %v, want 32", tp.conn.Worker().Difficulty())
	}
}

func TestConfigureVersionRolling(t *testing.T) {
	tp := newTestPool(t, nil)

	tp.send(map[string]any{"id": 7, "method": "mining.configure", "params": []any{
		[]any{"version-rolling"},
		map[string]any{"version-rolling.mask": "ffffffff", "version-rolling.min-bit-count": float64(2)},
	}})

	resp := tp.expect()
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("configure result = %v, want map", resp["result"])
	}
	if result["version-rolling"] != true {
		t.Fatalf("version-rolling = %v, want true", result["version-rolling"])
	}
	if result["version-rolling.mask"] != "1fffe000" {
		t.Fatalf("mask = %v, want 1fffe000", result["version-rolling.mask"])
	}

	mask, has := tp.conn.Worker().VersionRollingMask()
	if !has || mask != 0x1fffe000 {
		t.Fatalf("stored mask = %x (%v)", mask, has)
	}
}

func TestConfigureMinimumDifficulty(t *testing.T) {
	opts := defaultOpts()
	opts.vardiff = &config.VarDiffConfig{
		MinDiff:         8,
		TargetTimeSec:   15,
		RetargetTimeSec: 90,
		VariancePercent: 30,
	}
	tp := newTestPool(t, opts)

	tp.send(map[string]any{"id": 8, "method": "mining.configure", "params": []any{
		[]any{"minimum-difficulty", "unknown-extension"},
		map[string]any{"minimum-difficulty.value": float64(64)},
	}})

	resp := tp.expect()
	result := resp["result"].(map[string]any)
	if result["minimum-difficulty"] != true {
		t.Fatalf("minimum-difficulty = %v, want true", result["minimum-difficulty"])
	}
	if _, present := result["unknown-extension"]; present {
		t.Fatal("unknown extension leaked into result")
	}

	setDiff := tp.expect()
	if params := setDiff["params"].([]any); params[0] != float64(64) {
		t.Fatalf("difficulty = %v, want 64", params[0])
	}
	if tp.conn.Worker().VarDiff() != nil {
		t.Fatal("vardiff not disabled by minimum-difficulty")
	}
}

func TestMissingRequestID(t *testing.T) {
	tp := newTestPool(t, nil)

	tp.send(map[string]any{"method": "mining.subscribe", "params": []any{}})
	resp := tp.expect()
	if code := errorCode(t, resp); code != ErrorCodeMinusOne {
		t.Fatalf("error code = %d, want %d", code, ErrorCodeMinusOne)
	}
}

func TestUnknownMethod(t *testing.T) {
	tp := newTestPool(t, nil)

	tp.send(map[string]any{"id": 9, "method": "mining.bogus", "params": []any{}})
	resp := tp.expect()
	if code := errorCode(t, resp); code != ErrorCodeOther {
		t.Fatalf("error code = %d, want %d", code, ErrorCodeOther)
	}
}

func TestGetTransactionsIgnored(t *testing.T) {
	tp := newTestPool(t, nil)

	tp.send(map[string]any{"id": 10, "method": "mining.get_transactions", "params": []any{}})
	tp.expectNone(150 * time.Millisecond)
}

func TestExtranonceSubscribe(t *testing.T) {
	tp := newTestPool(t, nil)

	tp.send(map[string]any{"id": 11, "method": "mining.extranonce.subscribe", "params": []any{}})
	if resp := tp.expect(); resp["result"] != true {
		t.Fatalf("result = %v, want true", resp["result"])
	}
}

func TestInvalidShareBanning(t *testing.T) {
	opts := defaultOpts()
	opts.validAddrs["1A1zP"] = true
	opts.cfg.Banning = config.PoolBanningConfig{
		Enabled:        true,
		CheckThreshold: 2,
		InvalidPercent: 50,
		BanTimeSec:     600,
	}
	opts.submitFn = func(*ShareSubmission) (*events.Share, error) {
		return nil, ErrLowDifficultyShare()
	}
	tp := newTestPool(t, opts)

	tp.subscribe()
	tp.authorize("1A1zP.w", "x")

	submitParams := []any{"1A1zP.w", "job1", "00000001", "5a54a978", "1a2b3c4d"}
	tp.send(map[string]any{"id": 20, "method": "mining.submit", "params": submitParams})
	if code := errorCode(t, tp.expect()); code != ErrorCodeLowDifficulty {
		t.Fatalf("error code = %d, want %d", code, ErrorCodeLowDifficulty)
	}
	tp.send(map[string]any{"id": 21, "method": "mining.submit", "params": submitParams})
	if code := errorCode(t, tp.expect()); code != ErrorCodeLowDifficulty {
		t.Fatalf("error code = %d, want %d", code, ErrorCodeLowDifficulty)
	}

	deadline := time.Now().Add(time.Second)
	for tp.bans.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tp.bans.count() == 0 {
		t.Fatal("peer not banned after invalid share flood")
	}

	stats := tp.stats.all()
	if len(stats) != 2 {
		t.Fatalf("invalid statistics = %d, want 2", len(stats))
	}
	for _, s := range stats {
		if s.IsValid {
			t.Fatal("rejected share produced a valid statistic")
		}
	}
}
