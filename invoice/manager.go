package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/miragespace/billing/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Invoices, PaymentAttempts,
// Refunds and DunningSchedules. The package level functions take a handle that
// is usually the caller's transaction.
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
	if err := option.DB.AutoMigrate(&Invoice{}, &PaymentAttempt{}, &Refund{}, &DunningSchedule{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize invoice.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := Get(m.DB.WithContext(ctx), id)
	if err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
	}
	return inv, err
}

func (m *Manager) ListBySubscription(ctx context.Context, subscriptionID string) ([]Invoice, error) {
	return ListBySubscription(m.DB.WithContext(ctx), subscriptionID)
}

// ListAttempts returns every recorded attempt of an invoice in order
func (m *Manager) ListAttempts(ctx context.Context, invoiceID string) ([]PaymentAttempt, error) {
	attempts := make([]PaymentAttempt, 0, 4)
	if err := m.DB.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("number, created_at").
		Find(&attempts).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list payment attempts")
	}
	return attempts, nil
}

func (m *Manager) GetSchedule(ctx context.Context, invoiceID string) (*DunningSchedule, error) {
	return GetSchedule(m.DB.WithContext(ctx), invoiceID)
}

func (m *Manager) ListRefunds(ctx context.Context, subscriptionID string) ([]Refund, error) {
	return ListRefunds(m.DB.WithContext(ctx), subscriptionID, false)
}

// Create inserts inv unless a row with the same natural id exists. It reports whether a row was inserted.
func Create(tx *gorm.DB, inv *Invoice) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(inv)
	if res.Error != nil {
		return false, extErrors.Wrap(res.Error, "Cannot create invoice")
	}
	return res.RowsAffected > 0, nil
}

// Save persists inv. A paid invoice is never written again.
func Save(tx *gorm.DB, inv *Invoice) error {
	res := tx.Model(inv).
		Where("status <> ?", StatusPaid).
		Select("*").
		Omit("created_at").
		Updates(inv)
	if res.Error != nil {
		return extErrors.Wrap(res.Error, "Cannot save invoice")
	}
	if res.RowsAffected == 0 {
		return extErrors.Wrapf(spec.ErrImmutable, "invoice %s", inv.ID)
	}
	return nil
}

func Get(tx *gorm.DB, id string) (*Invoice, error) {
	var inv Invoice
	result := tx.First(&inv, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get invoice by id")
	}
	return &inv, nil
}

func ListBySubscription(tx *gorm.DB, subscriptionID string) ([]Invoice, error) {
	invoices := make([]Invoice, 0, 4)
	if err := tx.
		Where("subscription_id = ?", subscriptionID).
		Order("created_at, id").
		Find(&invoices).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list invoices")
	}
	return invoices, nil
}

// LatestPaid returns the most recently paid invoice of a subscription
func LatestPaid(tx *gorm.DB, subscriptionID string) (*Invoice, error) {
	var inv Invoice
	result := tx.
		Where("subscription_id = ? AND status = ?", subscriptionID, StatusPaid).
		Order("paid_at DESC").
		First(&inv)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get latest paid invoice")
	}
	return &inv, nil
}

// AppendAttempt records an attempt outcome. Recording the same outcome for the
// same attempt twice is a no-op; inserted reports whether a row was added.
func AppendAttempt(tx *gorm.DB, a *PaymentAttempt) (inserted bool, err error) {
	if a.ID == "" {
		a.ID = AttemptID(a.InvoiceID, a.Number, a.Outcome)
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return false, extErrors.Wrap(res.Error, "Cannot append payment attempt")
	}
	return res.RowsAffected > 0, nil
}

// HasOutcome reports whether an outcome was already recorded for an attempt
func HasOutcome(tx *gorm.DB, invoiceID string, number int, outcome Outcome) (bool, error) {
	var count int64
	if err := tx.Model(&PaymentAttempt{}).
		Where("invoice_id = ? AND number = ? AND outcome = ?", invoiceID, number, outcome).
		Count(&count).Error; err != nil {
		return false, extErrors.Wrap(err, "Cannot check payment attempts")
	}
	return count > 0, nil
}

func GetSchedule(tx *gorm.DB, invoiceID string) (*DunningSchedule, error) {
	var d DunningSchedule
	result := tx.First(&d, "invoice_id = ?", invoiceID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get dunning schedule")
	}
	return &d, nil
}

// ListSchedules returns the schedules of a subscription that may still act
func ListSchedules(tx *gorm.DB, subscriptionID string) ([]DunningSchedule, error) {
	schedules := make([]DunningSchedule, 0, 2)
	if err := tx.
		Where("subscription_id = ? AND status IN ?", subscriptionID, []DunningStatus{DunningActive, DunningExhausted}).
		Order("failed_at").
		Find(&schedules).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list dunning schedules")
	}
	return schedules, nil
}

func SaveSchedule(tx *gorm.DB, d *DunningSchedule) error {
	if err := tx.Save(d).Error; err != nil {
		return extErrors.Wrap(err, "Cannot save dunning schedule")
	}
	return nil
}

// CreateRefund inserts r unless it already exists
func CreateRefund(tx *gorm.DB, r *Refund) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(r)
	if res.Error != nil {
		return false, extErrors.Wrap(res.Error, "Cannot create refund")
	}
	return res.RowsAffected > 0, nil
}

func GetRefund(tx *gorm.DB, id string) (*Refund, error) {
	var r Refund
	result := tx.First(&r, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get refund by id")
	}
	return &r, nil
}

func SaveRefund(tx *gorm.DB, r *Refund) error {
	if err := tx.Save(r).Error; err != nil {
		return extErrors.Wrap(err, "Cannot save refund")
	}
	return nil
}

// ListRefunds returns refunds of a subscription, optionally only those still waiting for submission
func ListRefunds(tx *gorm.DB, subscriptionID string, pendingOnly bool) ([]Refund, error) {
	refunds := make([]Refund, 0, 2)
	q := tx.Where("subscription_id = ?", subscriptionID)
	if pendingOnly {
		q = q.Where("status = ?", RefundPending)
	}
	if err := q.Order("created_at, id").Find(&refunds).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot list refunds")
	}
	return refunds, nil
}
