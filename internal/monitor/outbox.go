package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/newsletter-threader/internal/eventstore/sqlite"
	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/thread"
)

// Outbox is the journal side of the dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// EventPublisher forwards one outbox entry; msgID deduplicates redeliveries.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// OutboxDispatcher drains the journal outbox to the event bus.
type OutboxDispatcher struct {
	store        Outbox
	pub          EventPublisher
	log          *zap.Logger
	batch        int
	idle         time.Duration
	retryBackoff time.Duration

	Sleep SleepFunc
}

func NewOutboxDispatcher(store Outbox, pub EventPublisher, log *zap.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		store:        store,
		pub:          pub,
		log:          logging.Named(log, "outbox"),
		batch:        100,
		idle:         500 * time.Millisecond,
		retryBackoff: 10 * time.Second,
		Sleep:        thread.SleepContext,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) error {
	d.log.Info("outbox dispatcher started")
	defer d.log.Info("outbox dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			d.log.Error("dequeue outbox", zap.Error(err))
			wait = time.Second
		case n == 0:
			wait = d.idle
		}

		if wait > 0 {
			if err := d.Sleep(ctx, wait); err != nil {
				return nil
			}
		}
	}
}

// DispatchOnce publishes one batch and returns how many entries it saw.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.log.Warn("publish failed, will retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, d.retryBackoff); err != nil {
				d.log.Error("mark retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.log.Error("mark published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
		}
	}
	return len(messages), nil
}
