// Package command enumerates the normalized, processor-agnostic commands the
// engine applies. Every inbound source (processor webhooks, bus messages, the
// scheduler) is reduced to one of these variants before dispatch.
package command

import "time"

// Command is implemented only by the variants in this package
type Command interface {
	// Key is the serialization key. Commands sharing a key are applied in arrival order.
	Key() string
	// Name is a short label used in logs and metrics
	Name() string
	isCommand()
}

// CancelMode selects between immediate and end-of-period cancellation
type CancelMode string

const (
	CancelImmediate   CancelMode = "immediate"
	CancelAtPeriodEnd CancelMode = "at_period_end"
)

func subscriptionKey(id string) string { return "subscription:" + id }
func customerKey(id string) string     { return "customer:" + id }
func tenantKey(id string) string       { return "tenant:" + id }

// CreateSubscription starts a subscription for a customer on a product line
type CreateSubscription struct {
	SubscriptionID string
	CustomerID     string
	ProductLine    string
	PlanID         string
	At             time.Time
}

// MarkInvoicePaid reports a successful charge for an invoice attempt
type MarkInvoicePaid struct {
	SubscriptionID string
	InvoiceID      string
	Attempt        int
	ChargeID       string
	Amount         int64
	At             time.Time
}

// MarkInvoiceFailed reports a failed charge for an invoice attempt
type MarkInvoiceFailed struct {
	SubscriptionID string
	InvoiceID      string
	Attempt        int
	Reason         string
	At             time.Time
}

// RecordRefund reports a refund settled by the processor
type RecordRefund struct {
	SubscriptionID string
	RefundID       string
	ProcessorID    string
	Amount         int64
	At             time.Time
}

// Cancel ends a subscription immediately or at the end of its current period
type Cancel struct {
	SubscriptionID string
	Mode           CancelMode
	Reason         string
	At             time.Time
}

// ChangePlan moves an active subscription to another plan with proration
type ChangePlan struct {
	SubscriptionID string
	PlanID         string
	At             time.Time
}

// Tick is the synthetic command injected by the scheduler. The engine decides
// what is due (trial end, renewal, dunning retry, grace expiry, resubmission).
type Tick struct {
	SubscriptionID string
	At             time.Time
}

// ProvisionCustomer creates the billing customer for a platform user
type ProvisionCustomer struct {
	CustomerID          string
	TenantID            string
	TenantKind          string
	Email               string
	ProcessorCustomerID string
	PaymentMethod       string
	At                  time.Time
}

// RegisterTenant provisions the billing context of an organisation (e.g. a school)
type RegisterTenant struct {
	TenantID     string
	Kind         string
	TenantName   string
	BillingEmail string
	At           time.Time
}

// SetPaymentMethod updates the default payment method of a processor customer
type SetPaymentMethod struct {
	ProcessorCustomerID string
	PaymentMethod       string
	At                  time.Time
}

func (c CreateSubscription) Key() string { return subscriptionKey(c.SubscriptionID) }
func (c MarkInvoicePaid) Key() string    { return subscriptionKey(c.SubscriptionID) }
func (c MarkInvoiceFailed) Key() string  { return subscriptionKey(c.SubscriptionID) }
func (c RecordRefund) Key() string       { return subscriptionKey(c.SubscriptionID) }
func (c Cancel) Key() string             { return subscriptionKey(c.SubscriptionID) }
func (c ChangePlan) Key() string         { return subscriptionKey(c.SubscriptionID) }
func (c Tick) Key() string               { return subscriptionKey(c.SubscriptionID) }
func (c ProvisionCustomer) Key() string  { return customerKey(c.CustomerID) }
func (c RegisterTenant) Key() string     { return tenantKey(c.TenantID) }
func (c SetPaymentMethod) Key() string   { return customerKey(c.ProcessorCustomerID) }

func (CreateSubscription) Name() string { return "create_subscription" }
func (MarkInvoicePaid) Name() string    { return "mark_invoice_paid" }
func (MarkInvoiceFailed) Name() string  { return "mark_invoice_failed" }
func (RecordRefund) Name() string       { return "record_refund" }
func (Cancel) Name() string             { return "cancel" }
func (ChangePlan) Name() string         { return "change_plan" }
func (Tick) Name() string               { return "tick" }
func (ProvisionCustomer) Name() string  { return "provision_customer" }
func (RegisterTenant) Name() string     { return "register_tenant" }
func (SetPaymentMethod) Name() string   { return "set_payment_method" }

func (CreateSubscription) isCommand() {}
func (MarkInvoicePaid) isCommand()    {}
func (MarkInvoiceFailed) isCommand()  {}
func (RecordRefund) isCommand()       {}
func (Cancel) isCommand()             {}
func (ChangePlan) isCommand()         {}
func (Tick) isCommand()               {}
func (ProvisionCustomer) isCommand()  {}
func (RegisterTenant) isCommand()     {}
func (SetPaymentMethod) isCommand()   {}
