package invoice

import (
	"context"
	"testing"
	"time"

	"github.com/miragespace/billing/dbtest"
	"github.com/miragespace/billing/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		DB:     dbtest.New(t),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return m
}

func TestNaturalIDsAreStable(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, PeriodInvoiceID("sub", KindRenewal, start), PeriodInvoiceID("sub", KindRenewal, start))
	assert.NotEqual(t, PeriodInvoiceID("sub", KindRenewal, start), PeriodInvoiceID("sub", KindInitial, start))
	assert.NotEqual(t, TransitionInvoiceID("sub", KindProration, 1), TransitionInvoiceID("sub", KindProration, 2))
	assert.Equal(t, AttemptID("in", 1, OutcomeFailed), AttemptID("in", 1, OutcomeFailed))
}

func TestCreateIsIdempotent(t *testing.T) {
	m := newManager(t)
	inv := &Invoice{ID: "in_1", SubscriptionID: "sub", CustomerID: "cus", Kind: KindInitial, Amount: 1999, Currency: "usd", Status: StatusDraft}

	created, err := Create(m.DB, inv)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &Invoice{ID: "in_1", SubscriptionID: "sub", CustomerID: "cus", Kind: KindInitial, Amount: 1, Currency: "usd", Status: StatusDraft}
	created, err = Create(m.DB, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := m.Get(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1999), got.Amount)
}

func TestPaidInvoiceIsImmutable(t *testing.T) {
	m := newManager(t)
	inv := &Invoice{ID: "in_1", SubscriptionID: "sub", CustomerID: "cus", Kind: KindInitial, Amount: 1999, Currency: "usd", Status: StatusOpen}
	_, err := Create(m.DB, inv)
	require.NoError(t, err)

	now := time.Now().UTC()
	inv.Status = StatusPaid
	inv.PaidAt = &now
	require.NoError(t, Save(m.DB, inv))

	inv.Status = StatusVoid
	err = Save(m.DB, inv)
	assert.ErrorIs(t, err, spec.ErrImmutable)

	got, err := Get(m.DB, "in_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
}

func TestAttemptsAreAppendOnly(t *testing.T) {
	m := newManager(t)
	a := &PaymentAttempt{InvoiceID: "in_1", Number: 1, Outcome: OutcomeFailed, FailureReason: "card_declined"}
	inserted, err := AppendAttempt(m.DB, a)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = AppendAttempt(m.DB, &PaymentAttempt{InvoiceID: "in_1", Number: 1, Outcome: OutcomeFailed})
	require.NoError(t, err)
	assert.False(t, inserted)

	a.FailureReason = "rewritten"
	assert.ErrorIs(t, m.DB.Save(a).Error, spec.ErrImmutable)
	assert.ErrorIs(t, m.DB.Delete(a).Error, spec.ErrImmutable)

	ok, err := HasOutcome(m.DB, "in_1", 1, OutcomeFailed)
	require.NoError(t, err)
	assert.True(t, ok)

	attempts, err := m.ListAttempts(context.Background(), "in_1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "card_declined", attempts[0].FailureReason)
}

func TestLatestPaidAndSchedules(t *testing.T) {
	m := newManager(t)
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 1, 0)
	for _, inv := range []*Invoice{
		{ID: "a", SubscriptionID: "sub", CustomerID: "cus", Kind: KindInitial, Status: StatusPaid, PaidAt: &t1, ChargeID: "pi_a"},
		{ID: "b", SubscriptionID: "sub", CustomerID: "cus", Kind: KindRenewal, Status: StatusPaid, PaidAt: &t2, ChargeID: "pi_b"},
		{ID: "c", SubscriptionID: "sub", CustomerID: "cus", Kind: KindRenewal, Status: StatusOpen},
	} {
		_, err := Create(m.DB, inv)
		require.NoError(t, err)
	}
	latest, err := LatestPaid(m.DB, "sub")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "pi_b", latest.ChargeID)

	inv, err := Get(m.DB, "c")
	require.NoError(t, err)
	d := NewDunningSchedule(inv, DefaultPolicy(), t2)
	require.NoError(t, SaveSchedule(m.DB, d))

	schedules, err := ListSchedules(m.DB, "sub")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, spec.Durations{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}, schedules[0].Offsets)

	d.Recover()
	require.NoError(t, SaveSchedule(m.DB, d))
	schedules, err = ListSchedules(m.DB, "sub")
	require.NoError(t, err)
	assert.Empty(t, schedules)
}
