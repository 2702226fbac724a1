package stratum

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/itrailmpool/miningcore/pkg/log"
)

func TestParseControlVars(t *testing.T) {
	tests := []struct {
		name     string
		password string
		want     map[string]string
	}{
		{
			name:     "single diff token",
			password: "x,d=1024",
			want:     map[string]string{"d": "1024"},
		},
		{
			name:     "multiple tokens",
			password: "d=512,m=solo",
			want:     map[string]string{"d": "512", "m": "solo"},
		},
		{
			name:     "no tokens",
			password: "x",
			want:     map[string]string{},
		},
		{
			name:     "whitespace tolerated",
			password: " d = 64 ",
			want:     map[string]string{"d": "64"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseControlVars(tt.password); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseControlVars(%q) = %v, want %v", tt.password, got, tt.want)
			}
		})
	}
}

// newTestConn builds a Conn over a pipe for controller tests. The peer end
// is discarded; no messages are sent in these tests.
func newTestConn(t *testing.T, baseDiff float64, vd *VarDiffState) *Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	logger := log.New("test", "dev", "error", "text")
	w := NewWorkerContext(baseDiff, vd)
	return NewConn("c1", "btc1", server, w, baseDiff, logger, time.Second, time.Second)
}

func TestApplyPasswordDifficulty(t *testing.T) {
	logger := log.New("test", "dev", "error", "text")
	vd := NewVarDiffManager(testVarDiffConfig())

	tests := []struct {
		name        string
		password    string
		vardiff     bool
		currentDiff float64
		wantApplied bool
		wantDiff    float64
	}{
		{
			name:        "vardiff enabled above floor",
			password:    "x,d=1024",
			vardiff:     true,
			currentDiff: 16,
			wantApplied: true,
			wantDiff:    1024,
		},
		{
			name:        "vardiff enabled below floor",
			password:    "x,d=4",
			vardiff:     true,
			currentDiff: 16,
			wantApplied: false,
		},
		{
			name:        "vardiff disabled above current",
			password:    "d=64",
			vardiff:     false,
			currentDiff: 16,
			wantApplied: true,
			wantDiff:    64,
		},
		{
			name:        "vardiff disabled at current",
			password:    "d=16",
			vardiff:     false,
			currentDiff: 16,
			wantApplied: false,
		},
		{
			name:        "no control var",
			password:    "x",
			vardiff:     true,
			currentDiff: 16,
			wantApplied: false,
		},
		{
			name:        "malformed value",
			password:    "d=fast",
			vardiff:     false,
			currentDiff: 16,
			wantApplied: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mgr *VarDiffManager
			var state *VarDiffState
			if tt.vardiff {
				mgr = vd
				state = vd.NewState(time.Now())
			}
			dc := NewDifficultyController(logger, nil, mgr, "bitcoin", "sha256")
			c := newTestConn(t, tt.currentDiff, state)

			applied := dc.ApplyPasswordDifficulty(c, tt.password)
			if applied != tt.wantApplied {
				t.Fatalf("applied = %v, want %v", applied, tt.wantApplied)
			}
			if !applied {
				return
			}
			if c.Worker().VarDiff() != nil {
				t.Fatal("vardiff not disabled")
			}
			c.Worker().ApplyPendingDifficulty()
			if c.Worker().Difficulty() != tt.wantDiff {
				t.Fatalf("difficulty = %v, want %v", c.Worker().Difficulty(), tt.wantDiff)
			}
		})
	}
}

func TestApplySuggestedDifficultyKeepsVarDiff(t *testing.T) {
	logger := log.New("test", "dev", "error", "text")
	vd := NewVarDiffManager(testVarDiffConfig())
	dc := NewDifficultyController(logger, nil, vd, "bitcoin", "sha256")
	c := newTestConn(t, 16, vd.NewState(time.Now()))

	if !dc.ApplySuggestedDifficulty(c, 32) {
		t.Fatal("suggestion above base rejected")
	}
	if c.Worker().VarDiff() == nil {
		t.Fatal("suggest_difficulty must not disable vardiff")
	}
	if dc.ApplySuggestedDifficulty(c, 16) {
		t.Fatal("suggestion at base accepted")
	}
}

type staticDiffStub struct {
	diff float64
}

func (s staticDiffStub) GetStaticMinDiff(_ context.Context, _, _, _ string) (float64, bool) {
	return s.diff, s.diff > 0
}

func TestApplyStaticMinimumDisablesVarDiff(t *testing.T) {
	logger := log.New("test", "dev", "error", "text")
	vd := NewVarDiffManager(testVarDiffConfig())
	dc := NewDifficultyController(logger, staticDiffStub{diff: 500000}, vd, "bitcoin", "sha256")

	c := newTestConn(t, 16, vd.NewState(time.Now()))
	c.Worker().SetUserAgent("NiceHash/3.0")

	if !dc.ApplyStaticMinimum(context.Background(), c) {
		t.Fatal("static minimum not applied")
	}
	if c.Worker().VarDiff() != nil {
		t.Fatal("vardiff not disabled")
	}
	c.Worker().ApplyPendingDifficulty()
	if c.Worker().Difficulty() != 500000 {
		t.Fatalf("difficulty = %v, want 500000", c.Worker().Difficulty())
	}

	// No user agent: provider not consulted.
	c2 := newTestConn(t, 16, vd.NewState(time.Now()))
	if dc.ApplyStaticMinimum(context.Background(), c2) {
		t.Fatal("static minimum applied without a user agent")
	}
}
