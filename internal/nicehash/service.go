// Package nicehash queries the NiceHash public API for the static minimum
// difficulty its clients require per algorithm.
package nicehash

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/pkg/log"
)

// cacheTTL bounds how long a fetched algorithm table is reused.
const cacheTTL = time.Hour

// userAgentMarker identifies NiceHash clients in the subscribe user agent.
const userAgentMarker = "nicehash"

// Service resolves the NiceHash static minimum difficulty for an algorithm.
// Results are cached for an hour; API failures are logged and treated as
// "no static minimum".
type Service struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger

	mu        sync.Mutex
	minDiffs  map[string]float64
	fetchedAt time.Time

	now func() time.Time
}

// NewService creates a service against the given API base URL.
func NewService(baseURL string, logger *log.Logger) *Service {
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.WithComponent("nicehash"),
		now:     time.Now,
	}
}

// GetStaticMinDiff returns the static minimum difficulty for the algorithm
// when the user agent identifies a NiceHash client and the API knows the
// algorithm. The coin name is logged for operator context only.
func (s *Service) GetStaticMinDiff(ctx context.Context, userAgent, coin, algorithm string) (float64, bool) {
	if !strings.Contains(strings.ToLower(userAgent), userAgentMarker) {
		return 0, false
	}

	diffs, err := s.algorithms(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("static diff lookup failed", "coin", coin, "algorithm", algorithm)
		return 0, false
	}

	diff, ok := diffs[strings.ToLower(algorithm)]
	if !ok || diff <= 0 {
		return 0, false
	}
	s.logger.Debug("static minimum difficulty resolved", "coin", coin, "algorithm", algorithm, "difficulty", diff)
	return diff, true
}

// algorithms returns the cached algorithm table, refreshing it when stale.
func (s *Service) algorithms(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.minDiffs != nil && s.now().Sub(s.fetchedAt) < cacheTTL {
		return s.minDiffs, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/main/api/v2/mining/algorithms", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		MiningAlgorithms []struct {
			Algorithm     string  `json:"algorithm"`
			PoolDifficulty float64 `json:"poolDifficulty"`
		} `json:"miningAlgorithms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	diffs := make(map[string]float64, len(payload.MiningAlgorithms))
	for _, a := range payload.MiningAlgorithms {
		diffs[strings.ToLower(a.Algorithm)] = a.PoolDifficulty
	}

	s.minDiffs = diffs
	s.fetchedAt = s.now()
	return diffs, nil
}
