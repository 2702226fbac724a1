package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// ClusterConfig is the pool topology loaded from the TOML file.
type ClusterConfig struct {
	Banning       ClusterBanningConfig `toml:"banning"`
	Recovery      RecoveryConfig       `toml:"recovery"`
	Notifications NotificationsConfig  `toml:"notifications"`
	Pools         []PoolConfig         `toml:"pools"`
}

// ClusterBanningConfig holds cluster-wide banning policy.
type ClusterBanningConfig struct {
	// BanOnLoginFailure defaults to true when absent.
	BanOnLoginFailure *bool `toml:"ban_on_login_failure"`
}

// Enabled reports the effective ban-on-login-failure setting.
func (c ClusterBanningConfig) Enabled() bool {
	return c.BanOnLoginFailure == nil || *c.BanOnLoginFailure
}

// RecoveryConfig holds share-statistic recovery settings.
type RecoveryConfig struct {
	ShareRecoveryFile string `toml:"share_recovery_file"`
}

// File returns the recovery file path, defaulted when unset.
func (r RecoveryConfig) File() string {
	if r.ShareRecoveryFile == "" {
		return "recovered-shares-statistic.txt"
	}
	return r.ShareRecoveryFile
}

// NotificationsConfig gates outbound notifications.
type NotificationsConfig struct {
	Admin AdminNotificationsConfig `toml:"admin"`
}

// AdminNotificationsConfig gates admin notifications.
type AdminNotificationsConfig struct {
	Enabled              bool `toml:"enabled"`
	NotifyPaymentSuccess bool `toml:"notify_payment_success"`
}

// PoolConfig describes one pool instance.
type PoolConfig struct {
	ID        string `toml:"id"`
	Coin      string `toml:"coin"`
	Algorithm string `toml:"algorithm"`

	// Ports maps the listen port to its endpoint settings.
	Ports map[string]PortConfig `toml:"ports"`

	Banning PoolBanningConfig `toml:"banning"`
	VarDiff *VarDiffConfig    `toml:"vardiff"`

	LoginFailureBanTimeoutSec int `toml:"login_failure_ban_timeout_sec"`
	MaxShareAgeSec            int `toml:"max_share_age_sec"`
}

// LoginFailureBanTimeout returns the ban duration for failed logins.
func (p PoolConfig) LoginFailureBanTimeout() time.Duration {
	if p.LoginFailureBanTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.LoginFailureBanTimeoutSec) * time.Second
}

// MaxShareAge returns the stale-submit cutoff.
func (p PoolConfig) MaxShareAge() time.Duration {
	if p.MaxShareAgeSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.MaxShareAgeSec) * time.Second
}

// PortConfig describes one listen endpoint of a pool.
type PortConfig struct {
	ListenAddr string  `toml:"listen"`
	Difficulty float64 `toml:"difficulty"`
}

// BaseDifficulty returns the endpoint base difficulty, defaulted when unset.
func (p PortConfig) BaseDifficulty() float64 {
	if p.Difficulty <= 0 {
		return 1.0
	}
	return p.Difficulty
}

// PoolBanningConfig holds the invalid-share banning thresholds.
type PoolBanningConfig struct {
	Enabled        bool    `toml:"enabled"`
	CheckThreshold uint64  `toml:"check_threshold"`
	InvalidPercent float64 `toml:"invalid_percent"`
	BanTimeSec     int     `toml:"ban_time_sec"`
}

// BanTime returns the invalid-share ban duration.
func (b PoolBanningConfig) BanTime() time.Duration {
	if b.BanTimeSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(b.BanTimeSec) * time.Second
}

// VarDiffConfig holds variable-difficulty retargeting settings.
type VarDiffConfig struct {
	MinDiff         float64 `toml:"min_diff"`
	MaxDiff         float64 `toml:"max_diff"`
	TargetTimeSec   float64 `toml:"target_time_sec"`
	RetargetTimeSec float64 `toml:"retarget_time_sec"`
	VariancePercent float64 `toml:"variance_percent"`
	MaxDelta        float64 `toml:"max_delta"`
}

// LoadCluster parses the cluster TOML file at path.
func LoadCluster(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster config: %w", err)
	}
	var cfg ClusterConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cluster config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("cluster config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *ClusterConfig) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	seen := make(map[string]struct{}, len(c.Pools))
	for i := range c.Pools {
		p := &c.Pools[i]
		if p.ID == "" {
			return fmt.Errorf("pool %d: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("pool %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		if len(p.Ports) == 0 {
			return fmt.Errorf("pool %q: at least one port is required", p.ID)
		}
		if p.VarDiff != nil {
			if p.VarDiff.MinDiff <= 0 {
				return fmt.Errorf("pool %q: vardiff min_diff must be positive", p.ID)
			}
			if p.VarDiff.MaxDiff > 0 && p.VarDiff.MaxDiff < p.VarDiff.MinDiff {
				return fmt.Errorf("pool %q: vardiff max_diff below min_diff", p.ID)
			}
			if p.VarDiff.TargetTimeSec <= 0 || p.VarDiff.RetargetTimeSec <= 0 {
				return fmt.Errorf("pool %q: vardiff target/retarget times must be positive", p.ID)
			}
		}
	}
	return nil
}
