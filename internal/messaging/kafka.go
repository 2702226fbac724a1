// Package messaging provides Kafka-based communication between the pool
// front-end, the job builder and the downstream share processors.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/itrailmpool/miningcore/pkg/circuit"
	"github.com/itrailmpool/miningcore/pkg/errors"
	"github.com/itrailmpool/miningcore/pkg/retry"
)

// Client wraps kafka-go with JSON encoding, connection pooling and a
// publish-side circuit breaker.
type Client struct {
	brokers []string
	logger  *slog.Logger

	writers   map[string]*kafka.Writer
	readers   map[string]*kafka.Reader
	writersMu sync.RWMutex
	readersMu sync.RWMutex

	breaker     *circuit.Breaker
	retryConfig *retry.Config
}

// NewClient creates a Kafka client for the given brokers.
func NewClient(brokers []string, logger *slog.Logger) *Client {
	return &Client{
		brokers: brokers,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafka.Reader),
		breaker: circuit.New(&circuit.Config{
			MaxFailures:  5,
			OpenDuration: 15 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}
}

// Producer returns the pooled writer for a topic.
func (c *Client) Producer(topic string) *kafka.Writer {
	c.writersMu.RLock()
	if w, ok := c.writers[topic]; ok {
		c.writersMu.RUnlock()
		return w
	}
	c.writersMu.RUnlock()

	c.writersMu.Lock()
	defer c.writersMu.Unlock()
	if w, ok := c.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	c.writers[topic] = w
	c.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// Consumer returns the pooled reader for a topic and group.
func (c *Client) Consumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	c.readersMu.RLock()
	if r, ok := c.readers[key]; ok {
		c.readersMu.RUnlock()
		return r
	}
	c.readersMu.RUnlock()

	c.readersMu.Lock()
	defer c.readersMu.Unlock()
	if r, ok := c.readers[key]; ok {
		return r
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})
	c.readers[key] = r
	c.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return r
}

// PublishJSON publishes a JSON-encoded value to a topic.
func (c *Client) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "publish_json",
			"failed to marshal message")
	}

	return c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}
			if err := c.Producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_json",
					"failed to publish message")
			}
			c.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// ConsumeJSON reads one message from the reader and unmarshals it into
// value, returning the message key.
func (c *Client) ConsumeJSON(ctx context.Context, reader *kafka.Reader, value any) (string, error) {
	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeMessaging, "consume_json",
			"failed to read message")
	}
	if err := json.Unmarshal(msg.Value, value); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "consume_json",
			"failed to unmarshal message")
	}
	return string(msg.Key), nil
}

// Close closes every pooled producer and consumer.
func (c *Client) Close() error {
	c.writersMu.Lock()
	defer c.writersMu.Unlock()
	c.readersMu.Lock()
	defer c.readersMu.Unlock()

	var lastErr error
	for topic, w := range c.writers {
		if err := w.Close(); err != nil {
			c.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	for key, r := range c.readers {
		if err := r.Close(); err != nil {
			c.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}
	c.writers = make(map[string]*kafka.Writer)
	c.readers = make(map[string]*kafka.Reader)
	return lastErr
}
