package job

import (
	"context"
	"time"

	"coursepay/internal/infrastructure/observability"
	"coursepay/internal/model"
	"coursepay/internal/repository"

	"go.uber.org/zap"
)

type publisher interface {
	Publish(topic, key string, value []byte, headers map[string]string) (int32, int64, error)
}

// OutboxSender relays committed outbox rows to Kafka. Delivery is at least
// once; consumers dedupe on the payload's event_id.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  publisher
	maxRetry   int
	logger     *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(outboxRepo *repository.OutboxRepository, pub publisher, maxRetry int, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: outboxRepo,
		publisher:  pub,
		maxRetry:   maxRetry,
		logger:     logger.Named("outbox"),
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context done, outbox sender exiting")
			return
		case <-s.stopCh:
			s.logger.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("load pending messages", zap.Error(err))
		return
	}

	// 【Per-order ordering】
	// The notifier keys every message on its order number so one order's
	// events land on one partition in commit order. That only holds if an
	// order's events also leave here in order: once a message fails, the rest
	// of that order's messages in the batch wait for the next tick behind it.
	// A message that goes dead stops blocking, so one bad row cannot wedge an
	// order forever.
	blocked := make(map[string]bool)
	for _, msg := range messages {
		if blocked[msg.AggregateID] {
			observability.OutboxPublishedTotal.WithLabelValues("held").Inc()
			continue
		}
		if !s.sendMessage(ctx, msg) {
			blocked[msg.AggregateID] = true
		}
	}
}

// sendMessage publishes one message and reports whether it went out.
func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	partition, offset, err := s.publisher.Publish(msg.Topic, msg.MessageKey, []byte(msg.Payload), map[string]string{
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
	})
	if err == nil {
		observability.OutboxPublishedTotal.WithLabelValues("sent").Inc()
		if err := s.outboxRepo.MarkAsSent(ctx, msg.ID); err != nil {
			// It is on the topic; the resend next tick is deduped downstream.
			s.logger.Error("mark message sent", zap.Int64("id", msg.ID), zap.Error(err))
			return true
		}
		s.logger.Debug("message published",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("event_type", msg.EventType),
			zap.Int32("partition", partition),
			zap.Int64("offset", offset))
		return true
	}

	observability.OutboxPublishedTotal.WithLabelValues("error").Inc()
	s.logger.Warn("publish failed", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("increment retry count", zap.Int64("id", msg.ID), zap.Error(err))
	}

	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("mark message failed", zap.Int64("id", msg.ID), zap.Error(err))
			return false
		}
		observability.OutboxPublishedTotal.WithLabelValues("dead").Inc()
		s.logger.Error("message gave up after max retries", zap.Int64("id", msg.ID), zap.String("event_type", msg.EventType))
	}
	return false
}
