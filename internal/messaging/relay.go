package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/itrailmpool/miningcore/internal/events"
)

// ShareRelay fans accepted shares out to downstream processors and routes
// block candidates to the block submitter. Publishing is best effort; the
// submit hot path never blocks on broker failures.
type ShareRelay struct {
	client *Client
	logger *slog.Logger
}

// NewShareRelay creates a relay over the given client.
func NewShareRelay(client *Client, logger *slog.Logger) *ShareRelay {
	return &ShareRelay{client: client, logger: logger}
}

// PublishShare publishes a share, and its block-candidate record when the
// share solves a block.
func (r *ShareRelay) PublishShare(ctx context.Context, share *events.Share) {
	if err := r.client.PublishJSON(ctx, TopicShares, share.Miner, share); err != nil {
		r.logger.Error("failed to publish share", "miner", share.Miner, "error", err)
	}
	if share.IsBlockCandidate {
		if err := r.client.PublishJSON(ctx, TopicBlockCandidates, share.BlockHash, share); err != nil {
			r.logger.Error("failed to publish block candidate", "block_hash", share.BlockHash, "error", err)
		}
	}
}

// AdminNotifier publishes operator notifications.
type AdminNotifier struct {
	client *Client
}

// NewAdminNotifier creates a notifier over the given client.
func NewAdminNotifier(client *Client) *AdminNotifier {
	return &AdminNotifier{client: client}
}

// NotifyAdmin publishes one notification.
func (n *AdminNotifier) NotifyAdmin(ctx context.Context, subject, body string) error {
	return n.client.PublishJSON(ctx, TopicAdminNotifications, subject, AdminNotification{
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now(),
	})
}
