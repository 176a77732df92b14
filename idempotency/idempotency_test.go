package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/miragespace/billing/dbtest"
	"github.com/miragespace/billing/spec"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(LedgerOptions{DB: dbtest.New(t), Logger: zap.NewNop()})
	require.NoError(t, err)

	ev, err := l.Check(ctx, "evt_1")
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = l.Begin(ctx, "evt_1", spec.SourceStripe, "payment_intent.succeeded")
	require.NoError(t, err)
	assert.False(t, ev.Terminal)
	assert.Equal(t, 1, ev.Attempts)

	// a redelivery before completion resumes the same row
	ev, err = l.Begin(ctx, "evt_1", spec.SourceStripe, "payment_intent.succeeded")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Attempts)

	err = l.DB.Transaction(func(tx *gorm.DB) error {
		terminal, err := LockTerminal(tx, "evt_1")
		require.NoError(t, err)
		assert.False(t, terminal)
		return Complete(tx, "evt_1", OutcomeApplied)
	})
	require.NoError(t, err)

	ev, err = l.Check(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ev.Terminal)
	assert.Equal(t, OutcomeApplied, ev.Outcome)
	assert.NotNil(t, ev.ProcessedAt)

	terminal, err := LockTerminal(l.DB, "evt_1")
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestCompleteRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(LedgerOptions{DB: dbtest.New(t), Logger: zap.NewNop()})
	require.NoError(t, err)
	_, err = l.Begin(ctx, "evt_2", spec.SourceBus, "users.user_created")
	require.NoError(t, err)

	err = l.DB.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, Complete(tx, "evt_2", OutcomeApplied))
		return assert.AnError
	})
	require.Error(t, err)

	ev, err := l.Check(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, ev.Terminal)
}

func TestRedisGate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g, err := NewRedisGate(GateOptions{Redis: client, Logger: zap.NewNop(), TTL: time.Minute})
	require.NoError(t, err)

	assert.False(t, g.Seen(ctx, "evt_1"))
	g.Mark(ctx, "evt_1")
	assert.True(t, g.Seen(ctx, "evt_1"))
	assert.True(t, mr.Exists("billing:event:evt_1"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, g.Seen(ctx, "evt_1"))

	// an unreachable Redis degrades to a miss
	mr.Close()
	assert.False(t, g.Seen(ctx, "evt_1"))
	g.Mark(ctx, "evt_1")
}

func TestNoopGate(t *testing.T) {
	var g Gate = NoopGate{}
	g.Mark(context.Background(), "x")
	assert.False(t, g.Seen(context.Background(), "x"))
}
