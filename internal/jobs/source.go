package jobs

import (
	"context"

	"github.com/itrailmpool/miningcore/internal/messaging"
	"github.com/itrailmpool/miningcore/internal/validation"
	"github.com/itrailmpool/miningcore/pkg/log"
)

// KafkaSource feeds a Manager from the job builder's Kafka topic.
type KafkaSource struct {
	client  *messaging.Client
	groupID string
	manager *Manager
	logger  *log.Logger
}

// NewKafkaSource creates a source for the manager's pool.
func NewKafkaSource(client *messaging.Client, groupID string, manager *Manager, logger *log.Logger) *KafkaSource {
	return &KafkaSource{
		client:  client,
		groupID: groupID,
		manager: manager,
		logger:  logger.WithPool(manager.poolID).WithComponent("job-source"),
	}
}

// Run consumes job messages until the context ends. Messages for other
// pools are skipped.
func (s *KafkaSource) Run(ctx context.Context) error {
	reader := s.client.Consumer(messaging.TopicJobs, s.groupID)
	defer func() {
		if err := reader.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close job consumer")
		}
	}()

	s.logger.Info("consuming jobs", "topic", messaging.TopicJobs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var msg messaging.JobMessage
		if _, err := s.client.ConsumeJSON(ctx, reader, &msg); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			s.logger.WithError(err).Error("failed to consume job message")
			continue
		}

		if msg.PoolID != "" && msg.PoolID != s.manager.poolID {
			continue
		}

		s.manager.AddJob(&validation.Job{
			ID:                msg.JobID,
			PrevHash:          msg.PrevHash,
			CoinB1:            msg.CoinB1,
			CoinB2:            msg.CoinB2,
			MerkleBranch:      msg.MerkleBranch,
			Version:           msg.Version,
			NBits:             msg.NBits,
			NTime:             msg.NTime,
			CleanJobs:         msg.CleanJobs,
			Height:            msg.BlockHeight,
			NetworkDifficulty: msg.NetworkDifficulty,
			CreatedAt:         msg.CreatedAt,
		})
	}
}
