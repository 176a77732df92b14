package customer

import "time"

// TenantKind distinguishes individual, family and institutional accounts
type TenantKind string

const (
	TenantIndividual TenantKind = "individual"
	TenantFamily     TenantKind = "family"
	TenantSchool     TenantKind = "school"
)

// Customer is the paying party of a subscription
type Customer struct {
	ID                   string     `json:"id" gorm:"primaryKey"`             // Platform user id
	TenantID             string     `json:"tenantId" gorm:"index"`            // Family or school the customer belongs to, if any
	TenantKind           TenantKind `json:"tenantKind" gorm:"not null"`       // Kind of account
	Email                string     `json:"email" gorm:"index"`               // User's email address
	ProcessorCustomerID  string     `json:"processorCustomerId" gorm:"index"` // Corresponds to Stripe's customer ID
	DefaultPaymentMethod string     `json:"defaultPaymentMethod"`             // Opaque payment method token
	Active               bool       `json:"active" gorm:"not null;default:true"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Tenant is a family or school that customers may belong to
type Tenant struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	Kind         TenantKind `json:"kind" gorm:"not null"`
	Name         string     `json:"name"`
	BillingEmail string     `json:"billingEmail"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
