package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/dispatch"
	"github.com/miragespace/billing/lifecycle"
	"github.com/miragespace/billing/publisher"
	"github.com/miragespace/billing/spec"
	"github.com/miragespace/billing/subscription"

	"go.uber.org/zap"
)

const defaultBatchSize = 500

// DueLister finds subscriptions with elapsed deadlines
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Submitter queues a command without waiting for it, folding it into a
// command of the same kind already waiting in its lane
type Submitter interface {
	Coalesce(ctx context.Context, env lifecycle.Envelope) (bool, error)
}

// Drainer publishes what is due in the outbox
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

var (
	_ DueLister = &subscription.Manager{}
	_ Submitter = &dispatch.Dispatcher{}
	_ Drainer   = &publisher.Publisher{}
)

type SweeperOptions struct {
	Ticker        *Ticker
	Subscriptions DueLister
	Dispatcher    Submitter
	Publisher     Drainer
	Logger        *zap.Logger
	BatchSize     int
}

// Sweeper injects Tick commands for every subscription that has work due
type Sweeper struct {
	SweeperOptions
}

func NewSweeper(option SweeperOptions) (*Sweeper, error) {
	if option.Ticker == nil {
		return nil, fmt.Errorf("nil Ticker is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Dispatcher == nil {
		return nil, fmt.Errorf("nil Dispatcher is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.BatchSize <= 0 {
		option.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		SweeperOptions: option,
	}, nil
}

// Run sweeps on every tick until ctx is done. Commands already submitted
// keep running in the dispatcher.
func (s *Sweeper) Run(ctx context.Context) error {
	for at := range s.Ticker.Ticks(ctx) {
		if _, err := s.Sweep(ctx, at); err != nil {
			s.Logger.Error("Sweep failed",
				zap.Time("At", at),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Sweep submits a Tick for each subscription due at now and drains the
// outbox. A subscription whose previous Tick is still waiting gets no
// second one. It returns the number of ticks queued.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.Subscriptions.ListDue(ctx, now, s.BatchSize)
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, id := range ids {
		queued, err := s.Dispatcher.Coalesce(ctx, lifecycle.Envelope{
			Command: command.Tick{
				SubscriptionID: id,
				At:             now,
			},
			Source: spec.SourceScheduler,
		})
		if err != nil {
			return submitted, err
		}
		if queued {
			submitted++
		}
	}
	if len(ids) > 0 {
		s.Logger.Debug("Sweep submitted ticks",
			zap.Int("Count", submitted),
			zap.Int("Waiting", len(ids)-submitted),
		)
	}

	if s.Publisher != nil {
		if _, err := s.Publisher.Drain(ctx); err != nil {
			s.Logger.Warn("Cannot drain outbox",
				zap.Error(err),
			)
		}
	}
	return submitted, nil
}
