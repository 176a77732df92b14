package customer

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUnknownCustomer is returned when a processor customer id maps to no Customer
var ErrUnknownCustomer = errors.New("unknown customer")

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Customers and Tenants
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for customers
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Customer{}, &Tenant{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize customer.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	cust, err := Get(m.DB.WithContext(ctx), id)
	if err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
	}
	return cust, err
}

// GetTenant will try to return the tenant in the database by id
func (m *Manager) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	result := m.DB.WithContext(ctx).First(&t, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get tenant by id")
	}
	return &t, nil
}

// Deactivate flags the customer inactive. Customers are never deleted.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	result := m.DB.WithContext(ctx).
		Model(&Customer{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot deactivate customer")
	}
	return nil
}

// Get loads a customer with the given handle, which may be a transaction
func Get(tx *gorm.DB, id string) (*Customer, error) {
	var cust Customer
	result := tx.First(&cust, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}
	return &cust, nil
}

// Provision inserts c unless a customer with the same id exists. It reports whether a row was inserted.
func Provision(tx *gorm.DB, c *Customer) (bool, error) {
	if c.TenantKind == "" {
		c.TenantKind = TenantIndividual
	}
	c.Active = true
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot provision customer")
	}
	return result.RowsAffected > 0, nil
}

// RegisterTenant inserts t unless a tenant with the same id exists
func RegisterTenant(tx *gorm.DB, t *Tenant) (bool, error) {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(t)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot register tenant")
	}
	return result.RowsAffected > 0, nil
}

// SetPaymentMethod records the default payment method of the customer known to
// the processor as processorCustomerID. It reports whether the stored value changed.
func SetPaymentMethod(tx *gorm.DB, processorCustomerID, paymentMethod string) (bool, error) {
	var cust Customer
	result := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&cust, "processor_customer_id = ?", processorCustomerID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, extErrors.Wrapf(ErrUnknownCustomer, "processor customer %s", processorCustomerID)
	}
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot get customer by processor id")
	}
	if cust.DefaultPaymentMethod == paymentMethod {
		return false, nil
	}
	if err := tx.Model(&cust).Update("default_payment_method", paymentMethod).Error; err != nil {
		return false, extErrors.Wrap(err, "Cannot update payment method")
	}
	return true, nil
}
