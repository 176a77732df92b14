package audit

import (
	"context"
	"testing"

	"github.com/miragespace/billing/dbtest"
	"github.com/miragespace/billing/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordIsAppendOnly(t *testing.T) {
	m, err := NewManager(ManagerOptions{DB: dbtest.New(t), Logger: zap.NewNop()})
	require.NoError(t, err)

	e := &Entry{
		SubscriptionID: "sub",
		Action:         "transition",
		FromState:      "active",
		ToState:        "past_due",
		Details:        spec.Parameters{"invoice": "in_1"},
	}
	require.NoError(t, Record(m.DB, e))
	require.NoError(t, Record(m.DB, &Entry{SubscriptionID: "sub", Action: "payment_failed"}))
	assert.NotEmpty(t, e.ID)

	e.ToState = "grace"
	assert.ErrorIs(t, m.DB.Save(e).Error, spec.ErrImmutable)
	assert.ErrorIs(t, m.DB.Delete(e).Error, spec.ErrImmutable)

	entries, err := m.List(context.Background(), "sub")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		if entry.Action == "transition" {
			assert.Equal(t, "past_due", entry.ToState)
			assert.Equal(t, "in_1", entry.Details["invoice"])
		}
	}
}
