package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"coursepay/internal/infrastructure/database"
	"coursepay/internal/infrastructure/mq"
	"coursepay/internal/ledger"
	"coursepay/internal/model"
	"coursepay/internal/repository"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	return db
}

func outboxStatus(t *testing.T, repo *repository.OutboxRepository, aggregate string) (string, int) {
	t.Helper()
	msgs, err := repo.ListByAggregate(context.Background(), aggregate)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].Status, msgs[0].RetryCount
}

func TestOutboxSender_PublishesAndRetries(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewOutboxRepository(newDB(t))
	require.NoError(t, repo.Create(ctx, nil,
		&model.OutboxMessage{MessageKey: "ORD1", EventType: model.EventCoursePurchased, AggregateID: "ORD1",
			Topic: "coursepay.notifications", Payload: `{"event_id":"e1"}`, Status: model.OutboxStatusPending},
		&model.OutboxMessage{MessageKey: "ORD2", EventType: model.EventPaymentFailed, AggregateID: "ORD2",
			Topic: "coursepay.notifications", Payload: `{"event_id":"e2"}`, Status: model.OutboxStatusPending},
	))

	producer := mocks.NewSyncProducer(t, mq.NewProducerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "ORD1" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewOutboxSender(repo, mq.NewPublisher(producer), 2, zaptest.NewLogger(t))

	sender.processPendingMessages(ctx)
	status, _ := outboxStatus(t, repo, "ORD1")
	assert.Equal(t, model.OutboxStatusSent, status)
	status, retries := outboxStatus(t, repo, "ORD2")
	assert.Equal(t, model.OutboxStatusPending, status)
	assert.Equal(t, 1, retries)

	// Only ORD2 is still pending; its second failure exhausts the budget.
	sender.processPendingMessages(ctx)
	status, retries = outboxStatus(t, repo, "ORD2")
	assert.Equal(t, model.OutboxStatusFailed, status)
	assert.Equal(t, 2, retries)

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.NoError(t, producer.Close())
}

func expectPayload(want string) func(*sarama.ProducerMessage) error {
	return func(msg *sarama.ProducerMessage) error {
		v, _ := msg.Value.Encode()
		if string(v) != want {
			return errors.New("unexpected payload " + string(v))
		}
		return nil
	}
}

func TestOutboxSender_FailedMessageHoldsItsOrder(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewOutboxRepository(newDB(t))
	msg := func(order, eventID, eventType string) *model.OutboxMessage {
		return &model.OutboxMessage{MessageKey: order, EventType: eventType, AggregateID: order,
			Topic: "coursepay.notifications", Payload: `{"event_id":"` + eventID + `"}`, Status: model.OutboxStatusPending}
	}
	require.NoError(t, repo.Create(ctx, nil,
		msg("ORD1", "e1", model.EventCoursePurchased),
		msg("ORD1", "e2", model.EventRevenueEarned),
		msg("ORD2", "e3", model.EventPaymentFailed),
	))

	producer := mocks.NewSyncProducer(t, mq.NewProducerConfig())
	// e1 fails, so e2 must not overtake it; ORD2 is unaffected.
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectPayload(`{"event_id":"e3"}`))
	// Next tick: ORD1 drains in commit order.
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectPayload(`{"event_id":"e1"}`))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectPayload(`{"event_id":"e2"}`))

	sender := NewOutboxSender(repo, mq.NewPublisher(producer), 3, zaptest.NewLogger(t))

	sender.processPendingMessages(ctx)
	ord1, err := repo.ListByAggregate(ctx, "ORD1")
	require.NoError(t, err)
	require.Len(t, ord1, 2)
	assert.Equal(t, model.OutboxStatusPending, ord1[0].Status)
	assert.Equal(t, 1, ord1[0].RetryCount)
	assert.Equal(t, model.OutboxStatusPending, ord1[1].Status)
	assert.Zero(t, ord1[1].RetryCount, "held, not attempted")
	status, _ := outboxStatus(t, repo, "ORD2")
	assert.Equal(t, model.OutboxStatusSent, status)

	sender.processPendingMessages(ctx)
	ord1, err = repo.ListByAggregate(ctx, "ORD1")
	require.NoError(t, err)
	for _, m := range ord1 {
		assert.Equal(t, model.OutboxStatusSent, m.Status)
	}
	require.NoError(t, producer.Close())
}

func TestLedgerAuditJob_ReportsDrift(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	l := ledger.New(db, "usd", 3, zaptest.NewLogger(t))
	require.NoError(t, l.InTx(ctx, func(tx *gorm.DB) error {
		_, err := l.Post(ctx, tx, "",
			ledger.Entry{OwnerID: "alice", Type: model.TransactionTypeDeposit, Amount: 5000},
			ledger.Entry{OwnerID: "bob", Type: model.TransactionTypeDeposit, Amount: 700})
		return err
	}))

	j := NewLedgerAuditJob(l, 0, zaptest.NewLogger(t))
	assert.Equal(t, time.Hour, j.interval)
	assert.Zero(t, j.runOnce(ctx))

	require.NoError(t, db.Model(&model.Wallet{}).Where("owner_id = ?", "bob").
		UpdateColumn("balance", 900).Error)
	assert.Equal(t, 1, j.runOnce(ctx))
}

type fakeOrders struct {
	cancelled, recovered int
	limit                int
	olderThan            time.Duration
	err                  error
}

func (f *fakeOrders) CancelAbandoned(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.olderThan, f.limit = olderThan, limit
	return f.cancelled, f.err
}

func (f *fakeOrders) RecoverStalled(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.olderThan, f.limit = olderThan, limit
	return f.recovered, f.err
}

type countingSweeper struct{ calls int }

func (s *countingSweeper) Sweep() int {
	s.calls++
	return 1
}

func TestOrderTimeoutJob_RunOnce(t *testing.T) {
	orders := &fakeOrders{cancelled: 2}
	locks := &countingSweeper{}
	j := NewOrderTimeoutJob(orders, locks, 15*time.Minute, zaptest.NewLogger(t))

	j.runOnce(context.Background())
	assert.Equal(t, 1, locks.calls)
	assert.Equal(t, 15*time.Minute, orders.olderThan)
	assert.Equal(t, 100, orders.limit)

	orders.err = errors.New("db down")
	j.runOnce(context.Background())
	assert.Equal(t, 2, locks.calls)
}

func TestStalledOrderJob_RunOnce(t *testing.T) {
	orders := &fakeOrders{recovered: 1}
	j := NewStalledOrderJob(orders, 10*time.Minute, zaptest.NewLogger(t))

	j.runOnce(context.Background())
	assert.Equal(t, 10*time.Minute, orders.olderThan)
	assert.Equal(t, 50, orders.limit)
}

func TestJobs_StopAndCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	j := NewStalledOrderJob(&fakeOrders{}, time.Minute, logger)

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()
	j.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	timeout := NewOrderTimeoutJob(&fakeOrders{}, nil, time.Minute, logger)
	done = make(chan struct{})
	go func() {
		timeout.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not exit on cancel")
	}
}
