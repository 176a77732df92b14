// Package webhook receives payment processor events, verifies their
// signature and feeds them to the ingest pipeline.
package webhook

import (
	"fmt"
	"time"

	"github.com/miragespace/billing/spec"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Verifier checks the Stripe-Signature header of a delivery
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a Verifier for the endpoint secret. A zero tolerance
// uses the processor default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty webhook secret is invalid")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{
		secret:    secret,
		tolerance: tolerance,
	}, nil
}

// Verify authenticates payload and decodes it. Failures wrap spec.ErrVerification.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, extErrors.Wrap(spec.ErrVerification, err.Error())
	}
	if event.ID == "" {
		return stripe.Event{}, extErrors.Wrap(spec.ErrVerification, "event has no id")
	}
	return event, nil
}
