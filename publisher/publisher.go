package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miragespace/billing/metrics"
	"github.com/miragespace/billing/spec"
	"github.com/miragespace/billing/spec/broker"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Options struct {
	DB             *gorm.DB
	Logger         *zap.Logger
	Producer       broker.Producer
	Metrics        *metrics.Metrics
	MaxAttempts    int           // Attempts before a message is parked as dead
	PublishTimeout time.Duration // Timeout of a single publish
	RetryInterval  time.Duration // Initial delay between attempts
	RetryMax       time.Duration // Cap on the delay between attempts
	BatchSize      int
}

// Publisher drains the outbox to the message bus. Delivery is at least once;
// consumers deduplicate with the idempotency key.
type Publisher struct {
	Options
	notify chan struct{}
	mu     sync.Mutex
}

func New(option Options) (*Publisher, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.MaxAttempts <= 0 {
		option.MaxAttempts = 10
	}
	if option.PublishTimeout <= 0 {
		option.PublishTimeout = spec.DefaultExternalCallTimeout
	}
	if option.RetryInterval <= 0 {
		option.RetryInterval = time.Second
	}
	if option.RetryMax <= 0 {
		option.RetryMax = time.Minute * 10
	}
	if option.BatchSize <= 0 {
		option.BatchSize = 100
	}
	if err := option.DB.AutoMigrate(&OutboxMessage{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize publisher")
	}
	return &Publisher{
		Options: option,
		notify:  make(chan struct{}, 1),
	}, nil
}

// Notify asks Run to drain soon. It never blocks.
func (p *Publisher) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run drains whenever notified until ctx is canceled
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
			if _, err := p.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.Logger.Error("Cannot drain outbox",
					zap.Error(err),
				)
			}
		}
	}
}

// Drain publishes every due message once and returns how many were published
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	published := 0
	for {
		due := make([]OutboxMessage, 0, p.BatchSize)
		if err := p.DB.WithContext(ctx).
			Where("published_at IS NULL AND dead_at IS NULL AND next_attempt_at <= ?", time.Now().UTC()).
			Order("created_at, id").
			Limit(p.BatchSize).
			Find(&due).Error; err != nil {
			return published, extErrors.Wrap(err, "Cannot list outbox")
		}
		if len(due) == 0 {
			return published, nil
		}
		for i := range due {
			if err := ctx.Err(); err != nil {
				return published, err
			}
			ok, err := p.publishOne(ctx, &due[i])
			if err != nil {
				return published, err
			}
			if ok {
				published++
			}
		}
		if len(due) < p.BatchSize {
			return published, nil
		}
	}
}

func (p *Publisher) publishOne(ctx context.Context, msg *OutboxMessage) (bool, error) {
	logger := p.Logger.With(
		zap.String("Topic", msg.Topic),
		zap.String("IdempotencyKey", msg.ID),
	)

	pubCtx, cancel := context.WithTimeout(ctx, p.PublishTimeout)
	pubErr := p.Producer.Publish(pubCtx, broker.Message{
		Topic:          msg.Topic,
		IdempotencyKey: msg.ID,
		Body:           msg.Payload,
	})
	cancel()

	now := time.Now().UTC()
	msg.Attempts++
	if pubErr == nil {
		msg.PublishedAt = &now
		msg.LastError = ""
		p.Metrics.Publish(msg.Topic, "ok")
	} else {
		msg.LastError = pubErr.Error()
		if msg.Attempts >= p.MaxAttempts {
			msg.DeadAt = &now
			p.Metrics.Publish(msg.Topic, "dead")
			logger.Error("Giving up publishing event",
				zap.Int("Attempts", msg.Attempts),
				zap.Error(pubErr),
			)
		} else {
			msg.NextAttemptAt = now.Add(spec.BackoffDelay(p.RetryInterval, p.RetryMax, msg.Attempts))
			p.Metrics.Publish(msg.Topic, "retry")
			logger.Warn("Cannot publish event, will retry",
				zap.Int("Attempts", msg.Attempts),
				zap.Time("NextAttemptAt", msg.NextAttemptAt),
				zap.Error(pubErr),
			)
		}
	}
	if err := p.DB.WithContext(ctx).Save(msg).Error; err != nil {
		logger.Error("Database returned error",
			zap.Error(err),
		)
		return false, extErrors.Wrap(err, "Cannot update outbox message")
	}
	return pubErr == nil, nil
}

// Dead returns messages that exhausted their attempts
func (p *Publisher) Dead(ctx context.Context) ([]OutboxMessage, error) {
	msgs := make([]OutboxMessage, 0, 4)
	if err := p.DB.WithContext(ctx).
		Where("dead_at IS NOT NULL").
		Order("dead_at").
		Find(&msgs).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list dead messages")
	}
	return msgs, nil
}

// Requeue revives a dead message for another round of attempts
func (p *Publisher) Requeue(ctx context.Context, id string) error {
	result := p.DB.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("id = ? AND dead_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"dead_at":         nil,
			"attempts":        0,
			"next_attempt_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot requeue message")
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no dead message %s", id)
	}
	p.Notify()
	return nil
}

// Pending returns every message not yet published, in enqueue order
func (p *Publisher) Pending(ctx context.Context) ([]OutboxMessage, error) {
	msgs := make([]OutboxMessage, 0, 4)
	if err := p.DB.WithContext(ctx).
		Where("published_at IS NULL AND dead_at IS NULL").
		Order("created_at, id").
		Find(&msgs).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list pending messages")
	}
	return msgs, nil
}
