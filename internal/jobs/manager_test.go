package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/itrailmpool/miningcore/internal/stratum"
	"github.com/itrailmpool/miningcore/internal/validation"
	"github.com/itrailmpool/miningcore/pkg/log"
)

type stubDaemon struct {
	valid map[string]bool
}

func (s *stubDaemon) ValidateAddress(_ context.Context, address string) (bool, error) {
	return s.valid[address], nil
}

func newTestManager() *Manager {
	return NewManager("btc1", &stubDaemon{valid: map[string]bool{"1A1zP": true}},
		log.New("test", "dev", "error", "text"))
}

func job(id string, clean bool) *validation.Job {
	return &validation.Job{
		ID:        id,
		PrevHash:  strings.Repeat("00", 32),
		CoinB1:    "01000000",
		CoinB2:    "ffffffff",
		Version:   "20000000",
		NBits:     "22000100",
		NTime:     "5a54a978",
		CleanJobs: clean,
		Height:    100,
		CreatedAt: time.Now(),
	}
}

func drainJob(t *testing.T, m *Manager) []any {
	t.Helper()
	select {
	case params := <-m.Jobs():
		return params
	case <-time.After(time.Second):
		t.Fatal("no job emitted")
		return nil
	}
}

func TestSubscriberDataUniqueness(t *testing.T) {
	m := newTestManager()
	seen := make(map[string]struct{})
	for range 100 {
		en1, size := m.SubscriberData("conn")
		if size != 4 {
			t.Fatalf("extranonce2 size = %d, want 4", size)
		}
		if len(en1) != 8 {
			t.Fatalf("extranonce1 %q, want 8 hex chars", en1)
		}
		if _, dup := seen[en1]; dup {
			t.Fatalf("duplicate extranonce1 %q", en1)
		}
		seen[en1] = struct{}{}
	}
}

func TestValidateAddress(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	ok, err := m.ValidateAddress(ctx, "1A1zP")
	if err != nil || !ok {
		t.Fatalf("ValidateAddress(1A1zP) = %v, %v", ok, err)
	}
	ok, err = m.ValidateAddress(ctx, "garbage")
	if err != nil || ok {
		t.Fatalf("ValidateAddress(garbage) = %v, %v", ok, err)
	}
	// Empty addresses never reach the daemon.
	ok, err = m.ValidateAddress(ctx, "")
	if err != nil || ok {
		t.Fatalf("ValidateAddress(\"\") = %v, %v", ok, err)
	}
}

func TestAddJobEmitsParams(t *testing.T) {
	m := newTestManager()
	m.AddJob(job("job1", false))

	params := drainJob(t, m)
	if params[0] != "job1" {
		t.Fatalf("params[0] = %v, want job1", params[0])
	}
}

func TestSubmitShareUnknownJob(t *testing.T) {
	m := newTestManager()
	m.AddJob(job("job1", false))

	sub := &stratum.ShareSubmission{
		PoolID:      "btc1",
		ExtraNonce1: "ab012345",
		Difficulty:  1e-12,
		Params:      []any{"w", "nosuchjob", "00000001", "5a54a978", "1a2b3c4d"},
	}
	_, err := m.SubmitShare(context.Background(), sub)
	serr, ok := err.(*stratum.StratumError)
	if !ok || serr.Code != stratum.ErrorCodeJobNotFound {
		t.Fatalf("error = %v, want job not found", err)
	}
}

func TestSubmitShareAccepts(t *testing.T) {
	m := newTestManager()
	m.AddJob(job("job1", false))

	sub := &stratum.ShareSubmission{
		PoolID:      "btc1",
		ExtraNonce1: "ab012345",
		Difficulty:  1e-12,
		Miner:       "1A1zP",
		Worker:      "w",
		IPAddress:   "10.0.0.1",
		Params:      []any{"w", "job1", "00000001", "5a54a978", "1a2b3c4d"},
	}
	share, err := m.SubmitShare(context.Background(), sub)
	if err != nil {
		t.Fatalf("SubmitShare() error = %v", err)
	}
	if !share.IsValid || share.BlockHeight != 100 {
		t.Fatalf("share = %+v", share)
	}
}

func TestCleanJobRetiresOldJobs(t *testing.T) {
	m := newTestManager()
	m.AddJob(job("job1", false))
	drainJob(t, m)
	m.AddJob(job("job2", true))
	drainJob(t, m)

	sub := &stratum.ShareSubmission{
		PoolID:      "btc1",
		ExtraNonce1: "ab012345",
		Difficulty:  1e-12,
		Params:      []any{"w", "job1", "00000001", "5a54a978", "1a2b3c4d"},
	}
	_, err := m.SubmitShare(context.Background(), sub)
	serr, ok := err.(*stratum.StratumError)
	if !ok || serr.Code != stratum.ErrorCodeJobNotFound {
		t.Fatalf("error = %v, want job not found after clean job", err)
	}
}

func TestRetainedJobWindow(t *testing.T) {
	m := newTestManager()
	for i := range retainedJobs + 2 {
		m.AddJob(job("job"+string(rune('a'+i)), false))
		drainJob(t, m)
	}
	if m.lookup("joba") != nil {
		t.Fatal("oldest job still retained past the window")
	}
	if m.lookup("job"+string(rune('a'+retainedJobs+1))) == nil {
		t.Fatal("newest job missing")
	}
}

func TestRetireJobs(t *testing.T) {
	m := newTestManager()
	m.AddJob(job("job1", false))
	drainJob(t, m)

	m.RetireJobs("new chain tip")
	if m.lookup("job1") != nil {
		t.Fatal("job survived retirement")
	}
}
