package webhook

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/ingest"
	"github.com/miragespace/billing/spec"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v82"
)

// Handled event types
const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
	eventPaymentCanceled  = "payment_intent.canceled"
	eventRefundCreated    = "refund.created"
	eventRefundUpdated    = "refund.updated"
	eventCustomerUpdated  = "customer.updated"
)

// Normalize maps a verified event to a command. Events the engine does not
// handle, and objects the engine did not create, yield a nil command.
func Normalize(event stripe.Event) (command.Command, error) {
	if event.Data == nil {
		return nil, extErrors.Wrap(ingest.ErrInvalidPayload, "event has no data")
	}
	at := time.Unix(event.Created, 0).UTC()

	switch string(event.Type) {
	case eventPaymentSucceeded, eventPaymentFailed, eventPaymentCanceled:
		var pi stripe.PaymentIntent
		if err := decode(event.Data.Raw, &pi); err != nil {
			return nil, err
		}
		subscriptionID, invoiceID, attempt, ok := chargeMetadata(pi.Metadata)
		if !ok {
			return nil, nil
		}
		if string(event.Type) == eventPaymentSucceeded {
			return command.MarkInvoicePaid{
				SubscriptionID: subscriptionID,
				InvoiceID:      invoiceID,
				Attempt:        attempt,
				ChargeID:       pi.ID,
				Amount:         pi.AmountReceived,
				At:             at,
			}, nil
		}
		return command.MarkInvoiceFailed{
			SubscriptionID: subscriptionID,
			InvoiceID:      invoiceID,
			Attempt:        attempt,
			Reason:         failureReason(string(event.Type), &pi),
			At:             at,
		}, nil

	case eventRefundCreated, eventRefundUpdated:
		var r stripe.Refund
		if err := decode(event.Data.Raw, &r); err != nil {
			return nil, err
		}
		if r.Status != stripe.RefundStatusSucceeded {
			return nil, nil
		}
		subscriptionID := r.Metadata[spec.MetaSubscriptionID]
		refundID := r.Metadata[spec.MetaRefundID]
		if subscriptionID == "" || refundID == "" {
			return nil, nil
		}
		return command.RecordRefund{
			SubscriptionID: subscriptionID,
			RefundID:       refundID,
			ProcessorID:    r.ID,
			Amount:         r.Amount,
			At:             at,
		}, nil

	case eventCustomerUpdated:
		var c stripe.Customer
		if err := decode(event.Data.Raw, &c); err != nil {
			return nil, err
		}
		if c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil {
			return nil, nil
		}
		return command.SetPaymentMethod{
			ProcessorCustomerID: c.ID,
			PaymentMethod:       c.InvoiceSettings.DefaultPaymentMethod.ID,
			At:                  at,
		}, nil
	}
	return nil, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return extErrors.Wrap(ingest.ErrInvalidPayload, err.Error())
	}
	return nil
}

// chargeMetadata reads the routing metadata attached on submission
func chargeMetadata(meta map[string]string) (subscriptionID, invoiceID string, attempt int, ok bool) {
	subscriptionID = meta[spec.MetaSubscriptionID]
	invoiceID = meta[spec.MetaInvoiceID]
	if subscriptionID == "" || invoiceID == "" {
		return "", "", 0, false
	}
	if s := meta[spec.MetaAttempt]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return "", "", 0, false
		}
		attempt = n
	}
	return subscriptionID, invoiceID, attempt, true
}

func failureReason(eventType string, pi *stripe.PaymentIntent) string {
	if eventType == eventPaymentCanceled {
		return "canceled"
	}
	if e := pi.LastPaymentError; e != nil {
		if e.DeclineCode != "" {
			return string(e.DeclineCode)
		}
		if e.Code != "" {
			return string(e.Code)
		}
	}
	return "payment_failed"
}
