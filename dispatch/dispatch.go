// Package dispatch serializes commands per key. Commands with the same
// key are applied one at a time in arrival order; different keys run
// concurrently, bounded by a worker limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/lifecycle"
	"github.com/miragespace/billing/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned when a command is handed to a closed Dispatcher
var ErrClosed = errors.New("dispatcher is closed")

// Applier applies one command. *lifecycle.Engine implements it.
type Applier interface {
	Apply(ctx context.Context, env lifecycle.Envelope) (idempotency.Outcome, error)
}

var _ Applier = &lifecycle.Engine{}

type Options struct {
	Applier Applier
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Workers int64 // Commands applied at the same time across all keys
}

type result struct {
	outcome idempotency.Outcome
	err     error
}

type job struct {
	ctx    context.Context
	env    lifecycle.Envelope
	result chan result // nil for fire-and-forget jobs
}

type lane struct {
	queue []job
}

// Dispatcher routes commands to per-key lanes
type Dispatcher struct {
	Options

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

func New(option Options) (*Dispatcher, error) {
	if option.Applier == nil {
		return nil, fmt.Errorf("nil Applier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Workers <= 0 {
		option.Workers = 16
	}
	return &Dispatcher{
		Options: option,
		sem:     semaphore.NewWeighted(option.Workers),
		lanes:   make(map[string]*lane),
	}, nil
}

// Dispatch applies env in its lane and waits for the outcome. If ctx ends
// first the command still runs; only the wait is abandoned.
func (d *Dispatcher) Dispatch(ctx context.Context, env lifecycle.Envelope) (idempotency.Outcome, error) {
	if env.Command == nil {
		return "", fmt.Errorf("nil Command is invalid")
	}
	ch := make(chan result, 1)
	if err := d.enqueue(job{
		ctx:    context.WithoutCancel(ctx),
		env:    env,
		result: ch,
	}); err != nil {
		return "", err
	}
	select {
	case r := <-ch:
		return r.outcome, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Submit queues env without waiting for it
func (d *Dispatcher) Submit(ctx context.Context, env lifecycle.Envelope) error {
	if env.Command == nil {
		return fmt.Errorf("nil Command is invalid")
	}
	return d.enqueue(job{
		ctx: context.WithoutCancel(ctx),
		env: env,
	})
}

// Coalesce queues env unless its lane already holds a submitted command of
// the same kind that has not started; that command then takes env's place.
// It reports whether a new command was queued.
func (d *Dispatcher) Coalesce(ctx context.Context, env lifecycle.Envelope) (bool, error) {
	if env.Command == nil {
		return false, fmt.Errorf("nil Command is invalid")
	}
	j := job{
		ctx: context.WithoutCancel(ctx),
		env: env,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	if l, ok := d.lanes[env.Command.Key()]; ok {
		for i := range l.queue {
			// the running command has already left the queue
			if l.queue[i].result == nil && l.queue[i].env.Command.Name() == env.Command.Name() {
				l.queue[i] = j
				return false, nil
			}
		}
	}
	d.push(j)
	return true, nil
}

// Close stops accepting commands and waits for queued ones to finish
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Lanes returns the number of keys with queued or running commands
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.push(j)
	return nil
}

// push appends j to its lane, starting the lane if needed. d.mu must be held.
func (d *Dispatcher) push(j job) {
	key := j.env.Command.Key()
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{}
		d.lanes[key] = l
		d.wg.Add(1)
		d.Metrics.LaneOpened()
		go d.run(key, l)
	}
	l.queue = append(l.queue, j)
}

// run drains one lane and removes it once empty
func (d *Dispatcher) run(key string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			d.Metrics.LaneClosed()
			return
		}
		j := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		d.mu.Unlock()

		outcome, err := d.apply(j)
		if j.result != nil {
			j.result <- result{outcome: outcome, err: err}
			continue
		}
		if err != nil {
			d.Logger.Error("Cannot apply submitted command",
				zap.String("Key", key),
				zap.String("Command", j.env.Command.Name()),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) apply(j job) (idempotency.Outcome, error) {
	// a worker is only held while a command is applied, so a busy lane
	// never keeps other lanes from running
	if err := d.sem.Acquire(j.ctx, 1); err != nil {
		return "", err
	}
	defer d.sem.Release(1)
	return d.Applier.Apply(j.ctx, j.env)
}
