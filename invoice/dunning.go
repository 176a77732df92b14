package invoice

import (
	"time"

	"github.com/miragespace/billing/spec"
)

// DunningStatus of a DunningSchedule
type DunningStatus string

const (
	DunningActive    DunningStatus = "active"
	DunningRecovered DunningStatus = "recovered"
	DunningExhausted DunningStatus = "exhausted"
	DunningCanceled  DunningStatus = "canceled"
)

// Policy configures collection retries
type Policy struct {
	Offsets          spec.Durations // Retry offsets measured from the first failure
	GracePeriod      time.Duration  // Time between exhausting retries and expiry
	MaxResubmissions int            // Submission failures tolerated before an attempt counts as failed
	ResubmitInterval time.Duration  // Initial delay between submission retries
	ResubmitMax      time.Duration  // Cap on the submission retry delay
}

// DefaultPolicy retries after 1, 3 and 7 days and allows 7 days of grace
func DefaultPolicy() Policy {
	return Policy{
		Offsets:          spec.Durations{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
		GracePeriod:      168 * time.Hour,
		MaxResubmissions: 5,
		ResubmitInterval: time.Minute,
		ResubmitMax:      time.Hour,
	}
}

// ResubmitDelay returns how long to wait before submitting again after the given number of failures
func (p Policy) ResubmitDelay(failures int) time.Duration {
	return spec.BackoffDelay(p.ResubmitInterval, p.ResubmitMax, failures)
}

// DunningSchedule tracks retries of one failed invoice. Retry times are fixed
// when the schedule starts and do not drift with late results.
type DunningSchedule struct {
	InvoiceID        string         `json:"invoiceId" gorm:"primaryKey"`
	SubscriptionID   string         `json:"subscriptionId" gorm:"index;not null"`
	FailedAt         time.Time      `json:"failedAt"`
	Offsets          spec.Durations `json:"offsets"`
	GracePeriod      time.Duration  `json:"gracePeriod"`
	RetriesSubmitted int            `json:"retriesSubmitted"`
	AwaitingResult   bool           `json:"awaitingResult"`
	Status           DunningStatus  `json:"status" gorm:"index;not null"`
	GraceDeadline    *time.Time     `json:"graceDeadline"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// NewDunningSchedule starts dunning for inv at the time of its first failure
func NewDunningSchedule(inv *Invoice, policy Policy, failedAt time.Time) *DunningSchedule {
	offsets := make(spec.Durations, len(policy.Offsets))
	copy(offsets, policy.Offsets)
	return &DunningSchedule{
		InvoiceID:      inv.ID,
		SubscriptionID: inv.SubscriptionID,
		FailedAt:       failedAt,
		Offsets:        offsets,
		GracePeriod:    policy.GracePeriod,
		Status:         DunningActive,
	}
}

// NextRetryAt returns when the next retry should be submitted. ok is false when
// no retry is pending, either because one is in flight or none remain.
func (d *DunningSchedule) NextRetryAt() (at time.Time, ok bool) {
	if d.Status != DunningActive || d.AwaitingResult || d.RetriesSubmitted >= len(d.Offsets) {
		return time.Time{}, false
	}
	return d.FailedAt.Add(d.Offsets[d.RetriesSubmitted]), true
}

// RetryDue reports whether a retry should be submitted at now
func (d *DunningSchedule) RetryDue(now time.Time) bool {
	at, ok := d.NextRetryAt()
	return ok && !now.Before(at)
}

// RetrySubmitted records that the next retry has been requested
func (d *DunningSchedule) RetrySubmitted() {
	d.RetriesSubmitted++
	d.AwaitingResult = true
}

// RecordFailure records a failed retry. It reports true once the last retry
// has failed, at which point the grace deadline is set.
func (d *DunningSchedule) RecordFailure(now time.Time) (exhausted bool) {
	if d.Status != DunningActive {
		return false
	}
	d.AwaitingResult = false
	if d.RetriesSubmitted < len(d.Offsets) {
		return false
	}
	deadline := now.Add(d.GracePeriod)
	d.Status = DunningExhausted
	d.GraceDeadline = &deadline
	return true
}

// Recover closes the schedule after a successful payment
func (d *DunningSchedule) Recover() {
	d.Status = DunningRecovered
	d.AwaitingResult = false
}

// Cancel stops any remaining retries
func (d *DunningSchedule) Cancel() {
	if d.Status == DunningActive || d.Status == DunningExhausted {
		d.Status = DunningCanceled
	}
	d.AwaitingResult = false
}
