package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/dispatch"
	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/lifecycle"
	"github.com/miragespace/billing/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 30, 0, time.UTC)

// fakeClock advances to whatever the ticker waits for
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func newTicker(t *testing.T, schedule string) *Ticker {
	t.Helper()
	c := &fakeClock{now: t0}
	ticker, err := NewTicker(TickerOptions{
		Schedule: schedule,
		Now:      c.Now,
		After:    c.After,
	})
	require.NoError(t, err)
	return ticker
}

func TestTickerFollowsSchedule(t *testing.T) {
	ticker := newTicker(t, "*/5 * * * *")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := ticker.Ticks(ctx)
	got := []time.Time{<-ticks, <-ticks, <-ticks}
	assert.Equal(t, []time.Time{
		time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 10, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 15, 0, 0, time.UTC),
	}, got)
}

func TestTickerStopsOnCancelAndRestarts(t *testing.T) {
	ticker := newTicker(t, "@every 1m")
	ctx, cancel := context.WithCancel(context.Background())

	ticks := ticker.Ticks(ctx)
	first := <-ticks
	cancel()
	for range ticks {
	}

	ticks = ticker.Ticks(context.Background())
	second := <-ticks
	assert.True(t, second.After(first))
}

func TestNewTickerValidation(t *testing.T) {
	_, err := NewTicker(TickerOptions{})
	assert.Error(t, err)

	_, err = NewTicker(TickerOptions{Schedule: "every now and then"})
	assert.Error(t, err)
}

type fakeDue struct {
	ids   []string
	err   error
	limit int
}

func (f *fakeDue) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	f.limit = limit
	return f.ids, f.err
}

type fakeSubmitter struct {
	mu   sync.Mutex
	envs []lifecycle.Envelope
	err  error
}

func (f *fakeSubmitter) Coalesce(ctx context.Context, env lifecycle.Envelope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.envs = append(f.envs, env)
	return true, nil
}

// gatedApplier holds every command until release is closed
type gatedApplier struct {
	mu      sync.Mutex
	release chan struct{}
	started chan struct{}
	applied []lifecycle.Envelope
}

func (g *gatedApplier) Apply(ctx context.Context, env lifecycle.Envelope) (idempotency.Outcome, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applied = append(g.applied, env)
	return idempotency.OutcomeApplied, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

type fakeDrainer struct {
	mu     sync.Mutex
	drains int
}

func (f *fakeDrainer) Drain(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return 0, nil
}

func newSweeper(t *testing.T, due *fakeDue, sub *fakeSubmitter, drain *fakeDrainer) *Sweeper {
	t.Helper()
	s, err := NewSweeper(SweeperOptions{
		Ticker:        newTicker(t, "@every 1m"),
		Subscriptions: due,
		Dispatcher:    sub,
		Publisher:     drain,
		Logger:        zap.NewNop(),
		BatchSize:     10,
	})
	require.NoError(t, err)
	return s
}

func TestSweepSubmitsTicks(t *testing.T) {
	due := &fakeDue{ids: []string{"sub_1", "sub_2"}}
	sub := &fakeSubmitter{}
	drain := &fakeDrainer{}
	s := newSweeper(t, due, sub, drain)

	n, err := s.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 10, due.limit)
	assert.Equal(t, 1, drain.drains)

	require.Len(t, sub.envs, 2)
	assert.Equal(t, command.Tick{SubscriptionID: "sub_1", At: t0}, sub.envs[0].Command)
	assert.Equal(t, spec.SourceScheduler, sub.envs[0].Source)
	assert.Empty(t, sub.envs[0].EventID)
}

func TestSweepSkipsSubscriptionsWithWaitingTick(t *testing.T) {
	applier := &gatedApplier{
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	d, err := dispatch.New(dispatch.Options{
		Applier: applier,
		Logger:  zap.NewNop(),
		Workers: 2,
	})
	require.NoError(t, err)

	due := &fakeDue{ids: []string{"sub_1"}}
	s, err := NewSweeper(SweeperOptions{
		Ticker:        newTicker(t, "@every 1m"),
		Subscriptions: due,
		Dispatcher:    d,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)

	n, err := s.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-applier.started

	// the first tick is running, so one more may wait behind it
	for i := 1; i <= 3; i++ {
		n, err = s.Sweep(context.Background(), t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		queued := 0
		if i == 1 {
			queued = 1
		}
		assert.Equal(t, queued, n, "sweep %d", i)
	}

	close(applier.release)
	d.Close()
	require.Len(t, applier.applied, 2)
	assert.Equal(t, command.Tick{SubscriptionID: "sub_1", At: t0}, applier.applied[0].Command)
	// the waiting tick carries the latest sweep time
	assert.Equal(t, command.Tick{SubscriptionID: "sub_1", At: t0.Add(3 * time.Minute)}, applier.applied[1].Command)
}

func TestSweepErrors(t *testing.T) {
	due := &fakeDue{err: errors.New("database is gone")}
	s := newSweeper(t, due, &fakeSubmitter{}, &fakeDrainer{})
	_, err := s.Sweep(context.Background(), t0)
	assert.Error(t, err)

	due = &fakeDue{ids: []string{"sub_1"}}
	s = newSweeper(t, due, &fakeSubmitter{err: errors.New("closed")}, &fakeDrainer{})
	n, err := s.Sweep(context.Background(), t0)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	due := &fakeDue{ids: []string{"sub_1"}}
	sub := &fakeSubmitter{}
	s := newSweeper(t, due, sub, &fakeDrainer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return sub.count() >= 3
	}, time.Second*5, time.Millisecond*10)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewSweeperValidation(t *testing.T) {
	_, err := NewSweeper(SweeperOptions{})
	assert.Error(t, err)
}
