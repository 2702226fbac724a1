package daemon

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"

	zmq "github.com/pebbe/zmq4"
)

// ZMQ topics published by the daemon.
const (
	TopicHashBlock = "hashblock"
)

// ZMQNotifier subscribes to the daemon's ZMQ notification socket.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *slog.Logger
}

// NewZMQNotifier creates a notifier for the endpoint.
func NewZMQNotifier(endpoint string, logger *slog.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, err
	}
	return &ZMQNotifier{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// Subscribe adds a topic subscription.
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return err
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects the socket.
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return err
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen receives messages and routes them to handler until ctx ends.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if strings.Contains(err.Error(), "resource temporarily unavailable") {
				continue
			}
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("malformed ZMQ message", "parts", len(msg))
			continue
		}

		handler(string(msg[0]), msg[1])
	}
}

// Close closes the socket.
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// JobRetirer drops retained jobs when the chain tip moves.
type JobRetirer interface {
	RetireJobs(reason string)
}

// WatchChainTip subscribes to hashblock notifications and retires stale
// jobs on each new tip. Runs until ctx ends.
func WatchChainTip(ctx context.Context, notifier *ZMQNotifier, retirer JobRetirer, logger *slog.Logger) error {
	if err := notifier.Subscribe(TopicHashBlock); err != nil {
		return err
	}
	if err := notifier.Connect(); err != nil {
		return err
	}

	return notifier.Listen(ctx, func(topic string, data []byte) {
		if topic != TopicHashBlock {
			return
		}
		blockHash := hex.EncodeToString(data)
		logger.Info("new chain tip", "block_hash", blockHash)
		retirer.RetireJobs("new chain tip")
	})
}
