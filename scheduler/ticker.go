// Package scheduler drives time-based work: it turns a cron schedule into
// ticks and sweeps due subscriptions into the dispatcher.
package scheduler

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type TickerOptions struct {
	// Schedule is a standard cron expression or a descriptor such as "@every 1m"
	Schedule string
	Now      func() time.Time
	After    func(d time.Duration) <-chan time.Time
}

// Ticker produces tick times on a cron schedule
type Ticker struct {
	TickerOptions
	schedule cron.Schedule
}

func NewTicker(option TickerOptions) (*Ticker, error) {
	if option.Schedule == "" {
		return nil, fmt.Errorf("empty Schedule is invalid")
	}
	schedule, err := cron.ParseStandard(option.Schedule)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot parse sweep schedule")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	if option.After == nil {
		option.After = time.After
	}
	return &Ticker{
		TickerOptions: option,
		schedule:      schedule,
	}, nil
}

// Ticks returns a fresh sequence of tick times. The next tick is only
// computed once the previous one was received, so a slow consumer skips
// ticks instead of queueing them. The channel is closed when ctx is done.
func (t *Ticker) Ticks(ctx context.Context) <-chan time.Time {
	ch := make(chan time.Time)
	go func() {
		defer close(ch)
		for {
			now := t.Now()
			next := t.schedule.Next(now)
			select {
			case <-ctx.Done():
				return
			case <-t.After(next.Sub(now)):
			}
			select {
			case <-ctx.Done():
				return
			case ch <- next.UTC():
			}
		}
	}()
	return ch
}
