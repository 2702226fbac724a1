// Package influx provides time-series telemetry for the pool: share event
// latencies, share outcomes and connection counts.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations. Writes go through the non-blocking
// write API so the submit hot path never waits on telemetry.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates and health-checks a client.
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}
	return nil
}

// WriteShareEvent records a share submit's processing latency and outcome.
func (c *Client) WriteShareEvent(poolID string, elapsed time.Duration, success bool) {
	tags := map[string]string{
		"category": "share",
		"pool_id":  poolID,
		"success":  fmt.Sprintf("%t", success),
	}
	fields := map[string]any{
		"elapsed_ms": float64(elapsed.Nanoseconds()) / 1e6,
		"count":      1,
	}
	c.writeAPI.WritePoint(write.NewPoint("share_events", tags, fields, time.Now()))
}

// WriteShareMetric records an accepted share's difficulty per worker.
func (c *Client) WriteShareMetric(poolID, miner, worker string, difficulty float64) {
	tags := map[string]string{
		"pool_id": poolID,
		"miner":   miner,
		"worker":  worker,
	}
	fields := map[string]any{
		"difficulty": difficulty,
		"count":      1,
	}
	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, time.Now()))
}

// WriteConnectionMetric records a pool's live connection count.
func (c *Client) WriteConnectionMetric(poolID string, active int64) {
	tags := map[string]string{"pool_id": poolID}
	fields := map[string]any{"active_connections": active}
	c.writeAPI.WritePoint(write.NewPoint("connections", tags, fields, time.Now()))
}

// Flush forces a write of all pending points.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
