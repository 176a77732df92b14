package external

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/miragespace/billing/spec"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

// ChargeRequest asks the processor to collect an invoice attempt
type ChargeRequest struct {
	IdempotencyKey      string
	SubscriptionID      string
	InvoiceID           string
	Attempt             int
	Amount              int64
	Currency            string
	ProcessorCustomerID string
	PaymentMethod       string
	Description         string
}

// RefundRequest asks the processor to return part of a charge
type RefundRequest struct {
	IdempotencyKey string
	SubscriptionID string
	RefundID       string
	ChargeID       string
	Amount         int64
}

// Processor submits charges and refunds. Results are reported back
// asynchronously through webhooks; the returned id only confirms acceptance.
// Errors wrap spec.ErrExternalCall.
type Processor interface {
	SubmitCharge(ctx context.Context, req ChargeRequest) (string, error)
	SubmitRefund(ctx context.Context, req RefundRequest) (string, error)
}

func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

type StripeOptions struct {
	Client *client.API
	Logger *zap.Logger
}

// StripeProcessor submits PaymentIntents and Refunds to Stripe
type StripeProcessor struct {
	StripeOptions
}

var _ Processor = &StripeProcessor{}

func NewStripeProcessor(option StripeOptions) (*StripeProcessor, error) {
	if option.Client == nil {
		return nil, fmt.Errorf("nil Client is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &StripeProcessor{
		StripeOptions: option,
	}, nil
}

// SubmitCharge creates and confirms an off-session PaymentIntent. A card decline
// is a result, not a submission failure: the intent id is returned and the
// outcome arrives as payment_intent.payment_failed.
func (p *StripeProcessor) SubmitCharge(ctx context.Context, req ChargeRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:     stripe.Int64(req.Amount),
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		Customer:   stripe.String(req.ProcessorCustomerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(spec.MetaSubscriptionID, req.SubscriptionID)
	params.AddMetadata(spec.MetaInvoiceID, req.InvoiceID)
	params.AddMetadata(spec.MetaAttempt, strconv.Itoa(req.Attempt))

	pi, err := p.Client.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard && stripeErr.PaymentIntent != nil {
			return stripeErr.PaymentIntent.ID, nil
		}
		p.Logger.Error("Stripe returned error",
			zap.String("InvoiceID", req.InvoiceID),
			zap.Int("Attempt", req.Attempt),
			zap.Error(err),
		)
		return "", extErrors.Wrap(spec.ErrExternalCall, err.Error())
	}
	return pi.ID, nil
}

// SubmitRefund refunds against a PaymentIntent or a Charge id
func (p *StripeProcessor) SubmitRefund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount: stripe.Int64(req.Amount),
	}
	if strings.HasPrefix(req.ChargeID, "pi_") {
		params.PaymentIntent = stripe.String(req.ChargeID)
	} else {
		params.Charge = stripe.String(req.ChargeID)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(spec.MetaSubscriptionID, req.SubscriptionID)
	params.AddMetadata(spec.MetaRefundID, req.RefundID)

	r, err := p.Client.Refunds.New(params)
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.String("RefundID", req.RefundID),
			zap.Error(err),
		)
		return "", extErrors.Wrap(spec.ErrExternalCall, err.Error())
	}
	return r.ID, nil
}
