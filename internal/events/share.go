// Package events defines the share event types flowing between the Stratum
// front-end, the telemetry sinks and the share statistic recorder.
package events

import (
	"strings"
	"time"
)

// Share is the result of validating a miner submission. It is produced by
// the share validator and consumed by value downstream.
type Share struct {
	PoolID            string    `json:"poolId"`
	BlockHeight       int64     `json:"blockHeight"`
	Difficulty        float64   `json:"difficulty"`
	NetworkDifficulty float64   `json:"networkDifficulty"`
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker"`
	UserAgent         string    `json:"userAgent"`
	IPAddress         string    `json:"ipAddress"`
	Source            string    `json:"source"`
	Created           time.Time `json:"created"`
	IsBlockCandidate  bool      `json:"isBlockCandidate"`
	IsValid           bool      `json:"isValid"`
	BlockHash         string    `json:"blockHash,omitempty"`
}

// ShareStatistic is the flattened projection persisted for payout
// accounting. One JSON object per line in the recovery file.
type ShareStatistic struct {
	PoolID            string    `json:"poolId"`
	BlockHeight       int64     `json:"blockHeight"`
	Difficulty        float64   `json:"difficulty"`
	NetworkDifficulty float64   `json:"networkDifficulty"`
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker"`
	Device            string    `json:"device"`
	UserAgent         string    `json:"userAgent"`
	IPAddress         string    `json:"ipAddress"`
	Source            string    `json:"source"`
	IsValid           bool      `json:"isValid"`
	IsBlockCandidate  bool      `json:"isBlockCandidate"`
	Created           time.Time `json:"created"`
}

// SplitWorkerDevice splits a stored worker value into the worker name and
// the device suffix after the first dot.
func SplitWorkerDevice(worker string) (string, string) {
	name, device, _ := strings.Cut(worker, ".")
	return name, device
}

// StatisticBus is a bounded in-process queue feeding the recorder. Publish
// never blocks the submit hot path: when the queue is full the statistic is
// dropped and false returned.
type StatisticBus struct {
	ch chan ShareStatistic
}

// NewStatisticBus creates a bus with the given capacity.
func NewStatisticBus(capacity int) *StatisticBus {
	return &StatisticBus{ch: make(chan ShareStatistic, capacity)}
}

// Publish enqueues a statistic, dropping it when the queue is full.
func (b *StatisticBus) Publish(stat ShareStatistic) bool {
	select {
	case b.ch <- stat:
		return true
	default:
		return false
	}
}

// C returns the consumer side of the queue.
func (b *StatisticBus) C() <-chan ShareStatistic {
	return b.ch
}

// Close closes the queue. Publish must not be called afterwards.
func (b *StatisticBus) Close() {
	close(b.ch)
}
