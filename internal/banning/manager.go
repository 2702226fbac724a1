// Package banning provides short-duration IP banning for abusive peers.
package banning

import (
	"context"
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/pkg/log"
)

// Manager is a wall-clock ban table keyed by peer IP. Connection acceptance
// consults it; authorization failures and invalid-share floods feed it.
type Manager struct {
	logger *log.Logger

	mu   sync.Mutex
	bans map[string]time.Time

	now func() time.Time
}

// NewManager creates an empty ban table.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		logger: logger.WithComponent("banning"),
		bans:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Ban bans ip for the given duration. An existing ban is extended only if
// the new expiry is later.
func (m *Manager) Ban(ip string, d time.Duration, reason string) {
	if ip == "" || d <= 0 {
		return
	}
	until := m.now().Add(d)

	m.mu.Lock()
	if existing, ok := m.bans[ip]; !ok || until.After(existing) {
		m.bans[ip] = until
	}
	m.mu.Unlock()

	m.logger.Warn("peer banned", "remote_ip", ip, "reason", reason, "ban_until", until)
}

// IsBanned reports whether ip is currently banned. Expired entries are
// removed lazily.
func (m *Manager) IsBanned(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.bans[ip]
	if !ok {
		return false
	}
	if m.now().After(until) {
		delete(m.bans, ip)
		return false
	}
	return true
}

// Count returns the number of entries, expired included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bans)
}

// StartJanitor periodically removes expired entries until ctx ends.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, until := range m.bans {
		if now.After(until) {
			delete(m.bans, ip)
		}
	}
}
