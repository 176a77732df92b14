package subscription

import "time"

type Subscription struct {
	ID                string     `json:"id" gorm:"primaryKey"`
	CustomerID        string     `json:"customerId" gorm:"index;not null"`
	ProductLine       string     `json:"productLine" gorm:"not null"`
	PlanID            string     `json:"planId" gorm:"not null"`
	State             State      `json:"state" gorm:"index;not null"`
	PeriodStart       time.Time  `json:"periodStart"`
	PeriodEnd         time.Time  `json:"periodEnd"`
	TrialEnd          *time.Time `json:"trialEnd"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	GraceDeadline     *time.Time `json:"graceDeadline"`
	CanceledAt        *time.Time `json:"canceledAt"`
	NextActionAt      *time.Time `json:"nextActionAt" gorm:"index"` // Sweep index: earliest time a Tick has something to do
	ActiveKey         *string    `json:"-" gorm:"uniqueIndex"`      // customer/product line while non-terminal, NULL afterwards
	Version           int64      `json:"version"`                   // Incremented on every applied transition, used as the transition id
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// LiveKey is the uniqueness key for non-terminal subscriptions
func LiveKey(customerID, productLine string) string {
	return customerID + "/" + productLine
}

// SetState moves the subscription to state and maintains the live uniqueness key
func (s *Subscription) SetState(state State) {
	s.State = state
	if state.Terminal() {
		s.ActiveKey = nil
		s.NextActionAt = nil
		return
	}
	key := LiveKey(s.CustomerID, s.ProductLine)
	s.ActiveKey = &key
}

// Terminal reports whether the subscription can no longer transition
func (s *Subscription) Terminal() bool {
	return s.State.Terminal()
}

// StartPeriod sets the current period to begin at start and last one plan interval
func (s *Subscription) StartPeriod(start time.Time, interval string) {
	s.PeriodStart = start
	s.PeriodEnd = AddInterval(start, interval)
}

// AddInterval advances t by one billing interval
func AddInterval(t time.Time, interval string) time.Time {
	switch interval {
	case IntervalYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}
