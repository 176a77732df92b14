package subscription

// State is the custom type to define the current state of a subscription
type State string

// Defining different States for a Subscription
const (
	StateTrialing State = "trialing"
	StateActive   State = "active"
	StatePastDue  State = "past_due"
	StateGrace    State = "grace"
	StateCanceled State = "canceled"
	StateExpired  State = "expired"
)

// Terminal reports whether the state is absorbing
func (s State) Terminal() bool {
	return s == StateCanceled || s == StateExpired
}

// Tier is the product tier of a Plan
type Tier string

const (
	TierFreemium Tier = "freemium"
	TierStudent  Tier = "student"
	TierFamily   Tier = "family"
	TierSchool   Tier = "school"
)

// Billing intervals understood by AddInterval
const (
	IntervalMonth string = "month"
	IntervalYear  string = "year"
)
