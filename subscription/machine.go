package subscription

import (
	"github.com/miragespace/billing/spec"

	extErrors "github.com/pkg/errors"
)

// Trigger is an input to the subscription state machine
type Trigger string

const (
	TriggerTrialEnded       Trigger = "trial_ended"
	TriggerRenewalPaid      Trigger = "renewal_paid"
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerRetrySucceeded   Trigger = "retry_succeeded"
	TriggerRetriesExhausted Trigger = "retries_exhausted"
	TriggerGracePayment     Trigger = "grace_payment"
	TriggerGraceElapsed     Trigger = "grace_elapsed"
	TriggerCancel           Trigger = "cancel"
	TriggerCancelDeferred   Trigger = "cancel_deferred"
	TriggerPeriodEnded      Trigger = "period_ended" // only fires with CancelAtPeriodEnd set
	TriggerPlanChange       Trigger = "plan_change"
)

var transitions = map[State]map[Trigger]State{
	StateTrialing: {
		TriggerTrialEnded:     StateActive,
		TriggerCancel:         StateCanceled,
		TriggerCancelDeferred: StateTrialing,
		TriggerPeriodEnded:    StateCanceled,
	},
	StateActive: {
		TriggerRenewalPaid:    StateActive,
		TriggerPaymentFailed:  StatePastDue,
		TriggerCancel:         StateCanceled,
		TriggerCancelDeferred: StateActive,
		TriggerPeriodEnded:    StateCanceled,
		TriggerPlanChange:     StateActive,
	},
	StatePastDue: {
		TriggerRetrySucceeded:   StateActive,
		TriggerRetriesExhausted: StateGrace,
		TriggerCancel:           StateCanceled,
		TriggerCancelDeferred:   StatePastDue,
	},
	StateGrace: {
		TriggerGracePayment:   StateActive,
		TriggerGraceElapsed:   StateExpired,
		TriggerCancel:         StateCanceled,
		TriggerCancelDeferred: StateGrace,
	},
}

// TransitionError describes a rejected transition
type TransitionError struct {
	From     State
	Trigger  Trigger
	Terminal bool
}

func (e *TransitionError) Error() string {
	if e.Terminal {
		return "subscription is " + string(e.From) + " and cannot transition on " + string(e.Trigger)
	}
	return "no transition from " + string(e.From) + " on " + string(e.Trigger)
}

func (e *TransitionError) Unwrap() error {
	return spec.ErrInvalidTransition
}

// Next returns the state reached from from on trigger. Rejections unwrap to
// spec.ErrInvalidTransition; terminal states reject every trigger.
func Next(from State, trigger Trigger) (State, error) {
	if from.Terminal() {
		return from, &TransitionError{From: from, Trigger: trigger, Terminal: true}
	}
	to, ok := transitions[from][trigger]
	if !ok {
		return from, &TransitionError{From: from, Trigger: trigger}
	}
	return to, nil
}

// PaymentTrigger maps a successful payment to the trigger valid for the current state
func PaymentTrigger(from State) Trigger {
	switch from {
	case StatePastDue:
		return TriggerRetrySucceeded
	case StateGrace:
		return TriggerGracePayment
	default:
		return TriggerRenewalPaid
	}
}

// Transition applies trigger to s, bumping its Version on success
func (s *Subscription) Transition(trigger Trigger) (from State, err error) {
	from = s.State
	to, err := Next(from, trigger)
	if err != nil {
		return from, extErrors.WithStack(err)
	}
	s.SetState(to)
	s.Version++
	return from, nil
}
