package invoice

import (
	"strconv"
	"time"

	"github.com/miragespace/billing/spec"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status of an Invoice
type Status string

const (
	StatusDraft         Status = "draft"
	StatusOpen          Status = "open"
	StatusPaid          Status = "paid"
	StatusUncollectible Status = "uncollectible"
	StatusVoid          Status = "void"
)

// Kind explains why an Invoice was created
type Kind string

const (
	KindInitial   Kind = "initial"
	KindRenewal   Kind = "renewal"
	KindProration Kind = "proration"
)

// Outcome of a PaymentAttempt
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

var namespace = uuid.MustParse("0b6f1f4e-6a4c-4f0e-9a53-3c1d7d3e2a10")

// NaturalID derives a stable identifier from a natural key so replays produce the same row
func NaturalID(prefix string, parts ...string) string {
	key := prefix
	for _, p := range parts {
		key += "/" + p
	}
	return prefix + "_" + uuid.NewSHA1(namespace, []byte(key)).String()
}

// PeriodInvoiceID is the id of the initial or renewal invoice for a period
func PeriodInvoiceID(subscriptionID string, kind Kind, periodStart time.Time) string {
	return NaturalID("in", subscriptionID, string(kind), strconv.FormatInt(periodStart.Unix(), 10))
}

// TransitionInvoiceID is the id of an invoice created by a specific transition (e.g. proration)
func TransitionInvoiceID(subscriptionID string, kind Kind, version int64) string {
	return NaturalID("in", subscriptionID, string(kind), "v"+strconv.FormatInt(version, 10))
}

type Invoice struct {
	ID                 string     `json:"id" gorm:"primaryKey"`
	SubscriptionID     string     `json:"subscriptionId" gorm:"index;not null"`
	CustomerID         string     `json:"customerId" gorm:"index;not null"`
	Kind               Kind       `json:"kind" gorm:"not null"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	Status             Status     `json:"status" gorm:"index;not null"`
	DueDate            time.Time  `json:"dueDate"`
	PeriodStart        time.Time  `json:"periodStart"`
	PeriodEnd          time.Time  `json:"periodEnd"`
	AttemptCount       int        `json:"attemptCount"`       // Number of charges requested so far; the current attempt number
	SubmissionPending  bool       `json:"submissionPending"`  // The current attempt has not been accepted by the processor yet
	SubmissionFailures int        `json:"submissionFailures"` // Consecutive failures submitting the current attempt
	NextSubmitAt       *time.Time `json:"nextSubmitAt"`
	ChargeID           string     `json:"chargeId"` // Processor id of the latest accepted submission
	PaidAt             *time.Time `json:"paidAt"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Settled reports whether no further collection will happen for this invoice
func (i *Invoice) Settled() bool {
	return i.Status == StatusPaid || i.Status == StatusVoid || i.Status == StatusUncollectible
}

// PaymentAttempt is an append-only record of a charge outcome
type PaymentAttempt struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	InvoiceID        string     `json:"invoiceId" gorm:"not null;uniqueIndex:idx_attempt_natural,priority:1"`
	Number           int        `json:"number" gorm:"not null;uniqueIndex:idx_attempt_natural,priority:2"`
	Outcome          Outcome    `json:"outcome" gorm:"not null;uniqueIndex:idx_attempt_natural,priority:3"`
	FailureReason    string     `json:"failureReason"`
	ChargeID         string     `json:"chargeId"`
	ScheduledRetryAt *time.Time `json:"scheduledRetryAt"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// AttemptID is the natural id of an attempt outcome
func AttemptID(invoiceID string, number int, outcome Outcome) string {
	return NaturalID("pa", invoiceID, strconv.Itoa(number), string(outcome))
}

func (a *PaymentAttempt) BeforeUpdate(tx *gorm.DB) error {
	return spec.ErrImmutable
}

func (a *PaymentAttempt) BeforeDelete(tx *gorm.DB) error {
	return spec.ErrImmutable
}

// RefundStatus of a Refund
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSubmitted RefundStatus = "submitted"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
)

// Refund returns part of a paid invoice, e.g. the credit of a downgrade
type Refund struct {
	ID                 string       `json:"id" gorm:"primaryKey"`
	SubscriptionID     string       `json:"subscriptionId" gorm:"index;not null"`
	InvoiceID          string       `json:"invoiceId" gorm:"index;not null"`
	ChargeID           string       `json:"chargeId"`
	Amount             int64        `json:"amount"`
	Currency           string       `json:"currency"`
	Status             RefundStatus `json:"status" gorm:"index;not null"`
	ProcessorID        string       `json:"processorId"`
	SubmissionFailures int          `json:"submissionFailures"`
	NextSubmitAt       *time.Time   `json:"nextSubmitAt"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// RefundID is the id of a refund issued by a subscription transition
func RefundID(subscriptionID string, version int64) string {
	return NaturalID("re", subscriptionID, "v"+strconv.FormatInt(version, 10))
}
