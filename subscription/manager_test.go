package subscription

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miragespace/billing/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const catalog = `[
  {"id": "student-v1", "tier": "student", "name": "Student", "amount": 499, "currency": "usd", "interval": "month", "trialDays": 14},
  {"id": "family-v1", "tier": "family", "name": "Family", "amount": 1999, "currency": "usd", "interval": "month"}
]`

func newManager(t *testing.T, planJSON string) *Manager {
	t.Helper()
	path := ""
	if planJSON != "" {
		path = filepath.Join(t.TempDir(), "plans.json")
		require.NoError(t, os.WriteFile(path, []byte(planJSON), 0o600))
	}
	m, err := NewManager(ManagerOptions{
		DB:             dbtest.New(t),
		Logger:         zap.NewNop(),
		PathToPlanJSON: path,
	})
	require.NoError(t, err)
	return m
}

func TestNewManagerLoadsCatalog(t *testing.T) {
	m := newManager(t, catalog)
	ctx := context.Background()

	plans, err := m.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	student, err := m.GetPlan(ctx, "student-v1")
	require.NoError(t, err)
	require.NotNil(t, student)
	assert.True(t, student.HasTrial())
	assert.Equal(t, TierStudent, student.Tier)

	missing, err := m.GetPlan(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSyncPlansRejectsChangedTerms(t *testing.T) {
	m := newManager(t, catalog)
	ctx := context.Background()

	// same terms again is fine
	require.NoError(t, m.SyncPlans(ctx, []Plan{{ID: "family-v1", Tier: TierFamily, Name: "Family", Amount: 1999, Currency: "usd", Interval: "month"}}))

	err := m.SyncPlans(ctx, []Plan{{ID: "family-v1", Tier: TierFamily, Name: "Family", Amount: 2499, Currency: "usd", Interval: "month"}})
	assert.ErrorIs(t, err, ErrPlanChanged)
}

func TestLoadPlansValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": "x", "tier": "gold", "name": "X", "amount": 1, "currency": "usd", "interval": "month"}]`), 0o600))
	_, err := loadPlansFromFile(path)
	assert.Error(t, err)
}

func TestListDueAndFindLive(t *testing.T) {
	m := newManager(t, catalog)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &Subscription{ID: "sub-due", CustomerID: "cus-1", ProductLine: "learning", PlanID: "family-v1", NextActionAt: &past}
	due.SetState(StateActive)
	later := &Subscription{ID: "sub-later", CustomerID: "cus-2", ProductLine: "learning", PlanID: "family-v1", NextActionAt: &future}
	later.SetState(StateActive)
	done := &Subscription{ID: "sub-done", CustomerID: "cus-1", ProductLine: "tutoring", PlanID: "family-v1"}
	done.SetState(StateCanceled)
	require.NoError(t, m.DB.Create(due).Error)
	require.NoError(t, m.DB.Create(later).Error)
	require.NoError(t, m.DB.Create(done).Error)

	ids, err := m.ListDue(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-due"}, ids)

	live, err := m.FindLive(ctx, "cus-1", "learning")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "sub-due", live.ID)

	none, err := m.FindLive(ctx, "cus-1", "tutoring")
	require.NoError(t, err)
	assert.Nil(t, none)

	exists, err := LiveExists(m.DB, "cus-2", "learning")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLiveKeyIsUnique(t *testing.T) {
	m := newManager(t, catalog)
	a := &Subscription{ID: "a", CustomerID: "cus", ProductLine: "learning", PlanID: "family-v1"}
	a.SetState(StateActive)
	b := &Subscription{ID: "b", CustomerID: "cus", ProductLine: "learning", PlanID: "family-v1"}
	b.SetState(StateTrialing)
	require.NoError(t, m.DB.Create(a).Error)
	assert.Error(t, m.DB.Create(b).Error)
}
