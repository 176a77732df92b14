// Package audit keeps an append-only trail of every financial transition
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/miragespace/billing/spec"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry is one line of the audit trail. Entries are never updated or deleted.
type Entry struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	SubscriptionID string          `json:"subscriptionId" gorm:"index"`
	CustomerID     string          `json:"customerId" gorm:"index"`
	Action         string          `json:"action" gorm:"not null"`
	FromState      string          `json:"fromState"`
	ToState        string          `json:"toState"`
	EventID        string          `json:"eventId" gorm:"index"` // External id that caused the entry, if any
	Details        spec.Parameters `json:"details"`
	CreatedAt      time.Time       `json:"createdAt" gorm:"index"`
}

func (Entry) TableName() string {
	return "audit_entries"
}

func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = shortuuid.New()
	}
	return nil
}

func (e *Entry) BeforeUpdate(tx *gorm.DB) error {
	return spec.ErrImmutable
}

func (e *Entry) BeforeDelete(tx *gorm.DB) error {
	return spec.ErrImmutable
}

// Record appends e inside tx
func Record(tx *gorm.DB, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := tx.Create(e).Error; err != nil {
		return extErrors.Wrap(err, "Cannot record audit entry")
	}
	return nil
}

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager reads the audit trail
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
	if err := option.DB.AutoMigrate(&Entry{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize audit.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// List returns the trail of a subscription in the order it was written
func (m *Manager) List(ctx context.Context, subscriptionID string) ([]Entry, error) {
	entries := make([]Entry, 0, 8)
	if err := m.DB.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at, id").
		Find(&entries).Error; err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot list audit entries")
	}
	return entries, nil
}
