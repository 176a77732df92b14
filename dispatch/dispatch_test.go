package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingApplier struct {
	mu      sync.Mutex
	order   map[string][]string
	block   map[string]chan struct{}
	running int32
	peak    int32
	delay   time.Duration
	err     error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{
		order: make(map[string][]string),
		block: make(map[string]chan struct{}),
	}
}

func (r *recordingApplier) Apply(ctx context.Context, env lifecycle.Envelope) (idempotency.Outcome, error) {
	n := atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}

	key := env.Command.Key()
	r.mu.Lock()
	gate := r.block[key]
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.order[key] = append(r.order[key], env.EventID)
	r.mu.Unlock()
	return idempotency.OutcomeApplied, r.err
}

func (r *recordingApplier) seen(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order[key]...)
}

func tick(sub, eventID string) lifecycle.Envelope {
	return lifecycle.Envelope{
		Command: command.Tick{SubscriptionID: sub},
		EventID: eventID,
	}
}

func newDispatcher(t *testing.T, applier Applier, workers int64) *Dispatcher {
	t.Helper()
	d, err := New(Options{
		Applier: applier,
		Logger:  zap.NewNop(),
		Workers: workers,
	})
	require.NoError(t, err)
	return d
}

func TestSameKeyKeepsArrivalOrder(t *testing.T) {
	applier := newRecordingApplier()
	applier.delay = time.Millisecond
	d := newDispatcher(t, applier, 4)

	ids := []string{"e1", "e2", "e3", "e4", "e5", "e6"}
	for _, id := range ids {
		require.NoError(t, d.Submit(context.Background(), tick("sub_1", id)))
	}
	outcome, err := d.Dispatch(context.Background(), tick("sub_1", "e7"))
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeApplied, outcome)

	assert.Equal(t, append(ids, "e7"), applier.seen("subscription:sub_1"))
	d.Close()
}

func TestBlockedLaneDoesNotBlockOthers(t *testing.T) {
	applier := newRecordingApplier()
	gate := make(chan struct{})
	applier.block["subscription:slow"] = gate
	d := newDispatcher(t, applier, 2)

	require.NoError(t, d.Submit(context.Background(), tick("slow", "s1")))
	require.NoError(t, d.Submit(context.Background(), tick("slow", "s2")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{"f1", "f2", "f3"} {
		_, err := d.Dispatch(ctx, tick("fast", id))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"f1", "f2", "f3"}, applier.seen("subscription:fast"))
	assert.Empty(t, applier.seen("subscription:slow"))

	close(gate)
	d.Close()
	assert.Equal(t, []string{"s1", "s2"}, applier.seen("subscription:slow"))
	assert.Zero(t, d.Lanes())
}

func TestCoalesceReplacesWaitingCommandOfSameKind(t *testing.T) {
	applier := newRecordingApplier()
	gate := make(chan struct{})
	applier.block["subscription:sub_1"] = gate
	d := newDispatcher(t, applier, 2)

	require.NoError(t, d.Submit(context.Background(), tick("sub_1", "e1")))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&applier.running) == 1
	}, 5*time.Second, time.Millisecond)

	queued, err := d.Coalesce(context.Background(), tick("sub_1", "e2"))
	require.NoError(t, err)
	assert.True(t, queued)
	queued, err = d.Coalesce(context.Background(), tick("sub_1", "e3"))
	require.NoError(t, err)
	assert.False(t, queued)
	// other keys are unaffected
	queued, err = d.Coalesce(context.Background(), tick("sub_2", "o1"))
	require.NoError(t, err)
	assert.True(t, queued)

	close(gate)
	d.Close()
	assert.Equal(t, []string{"e1", "e3"}, applier.seen("subscription:sub_1"))
	assert.Equal(t, []string{"o1"}, applier.seen("subscription:sub_2"))

	_, err = d.Coalesce(context.Background(), tick("sub_1", "e4"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkersBoundConcurrency(t *testing.T) {
	applier := newRecordingApplier()
	applier.delay = 5 * time.Millisecond
	d := newDispatcher(t, applier, 2)

	for _, sub := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, d.Submit(context.Background(), tick(sub, sub+"1")))
	}
	d.Close()
	assert.LessOrEqual(t, atomic.LoadInt32(&applier.peak), int32(2))
}

func TestDispatchReturnsApplyError(t *testing.T) {
	applier := newRecordingApplier()
	applier.err = errors.New("database is gone")
	d := newDispatcher(t, applier, 1)
	defer d.Close()

	_, err := d.Dispatch(context.Background(), tick("sub_1", "e1"))
	assert.EqualError(t, err, "database is gone")
}

func TestDispatchStopsWaitingWhenContextEnds(t *testing.T) {
	applier := newRecordingApplier()
	gate := make(chan struct{})
	applier.block["subscription:sub_1"] = gate
	d := newDispatcher(t, applier, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, tick("sub_1", "e1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the command itself still completes
	close(gate)
	d.Close()
	assert.Equal(t, []string{"e1"}, applier.seen("subscription:sub_1"))
}

func TestClosedDispatcherRejects(t *testing.T) {
	d := newDispatcher(t, newRecordingApplier(), 1)
	d.Close()

	_, err := d.Dispatch(context.Background(), tick("sub_1", "e1"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Submit(context.Background(), tick("sub_1", "e2")), ErrClosed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Logger: zap.NewNop()})
	assert.Error(t, err)
	_, err = New(Options{Applier: newRecordingApplier()})
	assert.Error(t, err)
}
