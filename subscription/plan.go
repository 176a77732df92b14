package subscription

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/miragespace/billing/proration"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
)

var validate = validator.New()

// Plan describes a priced offering. Plans are immutable: new terms require a new ID.
type Plan struct {
	ID        string `json:"id" gorm:"primaryKey" validate:"required"`
	Tier      Tier   `json:"tier" gorm:"not null" validate:"required,oneof=freemium student family school"`
	Name      string `json:"name" validate:"required"`
	Amount    int64  `json:"amount" validate:"gte=0"`                            // Smallest currency unit per interval
	Currency  string `json:"currency" validate:"required,len=3,lowercase"`       // The ISO currency code (e.g. usd)
	Interval  string `json:"interval" validate:"required,oneof=month year"`      // Billing Frequency
	TrialDays int    `json:"trialDays" validate:"gte=0"`                         // Zero means no trial
	Version   int    `json:"version" gorm:"not null;default:1" validate:"gte=0"` // Informational, bumped by catalog owners
}

// Price returns the proration view of the plan
func (p *Plan) Price() proration.Price {
	return proration.Price{
		Amount:   p.Amount,
		Currency: p.Currency,
		Interval: p.Interval,
	}
}

// HasTrial reports whether new subscriptions on this plan start trialing
func (p *Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// sameTerms compares everything that affects billing
func (p *Plan) sameTerms(o *Plan) bool {
	return p.Tier == o.Tier &&
		p.Amount == o.Amount &&
		p.Currency == o.Currency &&
		p.Interval == o.Interval &&
		p.TrialDays == o.TrialDays
}

func loadPlansFromFile(path string) ([]Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot read plan catalog")
	}
	var plans []Plan
	if err := json.Unmarshal(b, &plans); err != nil {
		return nil, extErrors.Wrap(err, "Cannot parse plan catalog")
	}
	seen := make(map[string]bool, len(plans))
	for _, p := range plans {
		if err := validate.Struct(&p); err != nil {
			return nil, extErrors.Wrapf(err, "Invalid plan %q", p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("Duplicate plan ID %q in catalog", p.ID)
		}
		seen[p.ID] = true
	}
	return plans, nil
}
