package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPlanChanged is returned when a catalog entry redefines an existing plan
var ErrPlanChanged = errors.New("plan terms differ from the stored plan")

type ManagerOptions struct {
	DB             *gorm.DB
	Logger         *zap.Logger
	PathToPlanJSON string
}

// Manager handles the database operations relating to Subscriptions and Plans
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Plan{}, &Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
	}
	m := &Manager{
		ManagerOptions: option,
	}
	if len(option.PathToPlanJSON) > 0 {
		plans, err := loadPlansFromFile(option.PathToPlanJSON)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot populate defined Plans")
		}
		if err := m.SyncPlans(context.Background(), plans); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SyncPlans inserts catalog plans that do not exist yet. A plan that exists with
// different terms is rejected since plans are immutable once stored.
func (m *Manager) SyncPlans(ctx context.Context, plans []Plan) error {
	return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range plans {
			p := plans[i]
			var existing Plan
			res := tx.First(&existing, "id = ?", p.ID)
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				if err := tx.Create(&p).Error; err != nil {
					return extErrors.Wrapf(err, "Cannot create plan %s", p.ID)
				}
				continue
			}
			if res.Error != nil {
				return res.Error
			}
			if !existing.sameTerms(&p) {
				return extErrors.Wrapf(ErrPlanChanged, "plan %s", p.ID)
			}
		}
		return nil
	})
}

func (m *Manager) ListPlans(ctx context.Context) ([]Plan, error) {
	plans := make([]Plan, 0, 4)
	if err := m.DB.WithContext(ctx).Order("id").Find(&plans).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list plans")
	}
	return plans, nil
}

func (m *Manager) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return GetPlan(m.DB.WithContext(ctx), id)
}

func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}
	return &sub, nil
}

// FindLive returns the non-terminal subscription of a customer on a product line
func (m *Manager) FindLive(ctx context.Context, customerID, productLine string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).First(&sub, "active_key = ?", LiveKey(customerID, productLine))
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot find live subscription")
	}
	return &sub, nil
}

// ListDue returns IDs of subscriptions whose next action time has elapsed
func (m *Manager) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids := make([]string, 0, 8)
	q := m.DB.WithContext(ctx).
		Model(&Subscription{}).
		Where("next_action_at IS NOT NULL AND next_action_at <= ?", now).
		Order("next_action_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list due subscriptions")
	}
	return ids, nil
}

// GetPlan loads a plan with the given handle, which may be a transaction
func GetPlan(tx *gorm.DB, id string) (*Plan, error) {
	var p Plan
	result := tx.First(&p, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}
	return &p, nil
}

// Lock selects the subscription FOR UPDATE inside tx
func Lock(tx *gorm.DB, id string) (*Subscription, error) {
	var sub Subscription
	result := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sub, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot lock subscription")
	}
	return &sub, nil
}

// LiveExists reports whether the customer already has a non-terminal subscription on the product line
func LiveExists(tx *gorm.DB, customerID, productLine string) (bool, error) {
	var count int64
	if err := tx.Model(&Subscription{}).
		Where("active_key = ?", LiveKey(customerID, productLine)).
		Count(&count).Error; err != nil {
		return false, extErrors.Wrap(err, "Cannot check live subscriptions")
	}
	return count > 0, nil
}
