package lifecycle

import (
	"strconv"
	"time"

	"github.com/miragespace/billing/audit"
	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/customer"
	"github.com/miragespace/billing/external"
	"github.com/miragespace/billing/invoice"
	"github.com/miragespace/billing/publisher"
	"github.com/miragespace/billing/spec"
	"github.com/miragespace/billing/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type effectKind string

const (
	effectCharge effectKind = "charge"
	effectRefund effectKind = "refund"
)

// effect is a processor call to make once the transaction has committed
type effect struct {
	kind           effectKind
	subscriptionID string
	charge         external.ChargeRequest
	refund         external.RefundRequest
}

type transitionRecord struct {
	from, to subscription.State
}

// work is the state of one command being applied inside a transaction
type work struct {
	e       *Engine
	tx      *gorm.DB
	logger  *zap.Logger
	eventID string
	now     time.Time

	sub  *subscription.Subscription
	plan *subscription.Plan

	effects     []effect
	queued      map[string]bool
	published   int
	transitions []transitionRecord
}

func (e *Engine) newWork(tx *gorm.DB, logger *zap.Logger, env Envelope) *work {
	now := e.now()
	if env.Command != nil {
		if at := commandTime(env.Command); !at.IsZero() {
			now = at.UTC()
		}
	}
	return &work{
		e:       e,
		tx:      tx,
		logger:  logger,
		eventID: env.EventID,
		now:     now,
		queued:  make(map[string]bool),
	}
}

func commandTime(cmd command.Command) time.Time {
	switch c := cmd.(type) {
	case command.CreateSubscription:
		return c.At
	case command.MarkInvoicePaid:
		return c.At
	case command.MarkInvoiceFailed:
		return c.At
	case command.RecordRefund:
		return c.At
	case command.Cancel:
		return c.At
	case command.ChangePlan:
		return c.At
	case command.Tick:
		return c.At
	case command.ProvisionCustomer:
		return c.At
	case command.RegisterTenant:
		return c.At
	case command.SetPaymentMethod:
		return c.At
	}
	return time.Time{}
}

// committed runs the post-commit bookkeeping of w
func (w *work) committed() {
	for _, t := range w.transitions {
		w.e.Metrics.Transition(string(t.from), string(t.to))
	}
	if w.published > 0 {
		w.e.Notifier.Notify()
	}
}

func (w *work) loadPlan() (*subscription.Plan, error) {
	if w.plan != nil && w.plan.ID == w.sub.PlanID {
		return w.plan, nil
	}
	p, err := subscription.GetPlan(w.tx, w.sub.PlanID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, extErrors.Errorf("plan %s of subscription %s does not exist", w.sub.PlanID, w.sub.ID)
	}
	w.plan = p
	return p, nil
}

// transition applies trigger to the locked subscription and records it
func (w *work) transition(trigger subscription.Trigger, details spec.Parameters) error {
	from, err := w.sub.Transition(trigger)
	if err != nil {
		return err
	}
	w.transitions = append(w.transitions, transitionRecord{from: from, to: w.sub.State})
	w.logger.Info("Subscription transitioned",
		zap.String("SubscriptionID", w.sub.ID),
		zap.String("From", string(from)),
		zap.String("To", string(w.sub.State)),
		zap.String("Trigger", string(trigger)),
	)
	if details == nil {
		details = spec.Parameters{}
	}
	details["trigger"] = string(trigger)
	return w.audit("transition", string(from), string(w.sub.State), details)
}

func (w *work) audit(action, from, to string, details spec.Parameters) error {
	entry := &audit.Entry{
		Action:    action,
		FromState: from,
		ToState:   to,
		EventID:   w.eventID,
		Details:   details,
		CreatedAt: w.e.now(),
	}
	if w.sub != nil {
		entry.SubscriptionID = w.sub.ID
		entry.CustomerID = w.sub.CustomerID
	}
	return audit.Record(w.tx, entry)
}

// publish writes a domain event to the outbox
func (w *work) publish(topic, transitionID string, amount int64, reason string) error {
	plan, err := w.loadPlan()
	if err != nil {
		return err
	}
	_, err = publisher.Enqueue(w.tx, publisher.Event{
		Topic:          topic,
		SubscriptionID: w.sub.ID,
		CustomerID:     w.sub.CustomerID,
		PlanID:         plan.ID,
		Amount:         amount,
		Currency:       plan.Currency,
		Reason:         reason,
		TransitionID:   transitionID,
		At:             w.now,
	})
	if err != nil {
		return err
	}
	w.published++
	return nil
}

func versionID(sub *subscription.Subscription) string {
	return "v" + strconv.FormatInt(sub.Version, 10)
}

func attemptID(inv *invoice.Invoice, attempt int) string {
	return inv.ID + ":" + strconv.Itoa(attempt)
}

// issueInvoice creates an invoice for the subscription and requests its first charge
func (w *work) issueInvoice(id string, kind invoice.Kind, amount int64, start, end time.Time) (*invoice.Invoice, error) {
	plan, err := w.loadPlan()
	if err != nil {
		return nil, err
	}
	inv := &invoice.Invoice{
		ID:             id,
		SubscriptionID: w.sub.ID,
		CustomerID:     w.sub.CustomerID,
		Kind:           kind,
		Amount:         amount,
		Currency:       plan.Currency,
		Status:         invoice.StatusDraft,
		DueDate:        start,
		PeriodStart:    start,
		PeriodEnd:      end,
	}
	created, err := invoice.Create(w.tx, inv)
	if err != nil {
		return nil, err
	}
	if !created {
		return invoice.Get(w.tx, id)
	}
	if err := w.requestCharge(inv); err != nil {
		return nil, err
	}
	if err := invoice.Save(w.tx, inv); err != nil {
		return nil, err
	}
	return inv, w.audit("invoice_issued", "", string(inv.Status), spec.Parameters{
		"invoice": inv.ID,
		"kind":    string(kind),
		"amount":  strconv.FormatInt(amount, 10),
	})
}

// requestCharge starts a new attempt on inv. The caller saves inv.
func (w *work) requestCharge(inv *invoice.Invoice) error {
	inv.AttemptCount++
	inv.SubmissionPending = true
	inv.SubmissionFailures = 0
	now := w.now
	inv.NextSubmitAt = &now
	return w.queueCharge(inv)
}

// queueCharge submits the current attempt of inv after commit
func (w *work) queueCharge(inv *invoice.Invoice) error {
	key := "charge:" + inv.ID
	if w.queued[key] {
		return nil
	}
	cust, err := customer.Get(w.tx, inv.CustomerID)
	if err != nil {
		return err
	}
	req := external.ChargeRequest{
		IdempotencyKey: attemptID(inv, inv.AttemptCount),
		SubscriptionID: inv.SubscriptionID,
		InvoiceID:      inv.ID,
		Attempt:        inv.AttemptCount,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Description:    string(inv.Kind) + " invoice " + inv.ID,
	}
	if cust != nil {
		req.ProcessorCustomerID = cust.ProcessorCustomerID
		req.PaymentMethod = cust.DefaultPaymentMethod
	}
	w.queued[key] = true
	w.effects = append(w.effects, effect{
		kind:           effectCharge,
		subscriptionID: inv.SubscriptionID,
		charge:         req,
	})
	return nil
}

// queueRefund submits r after commit
func (w *work) queueRefund(r *invoice.Refund) {
	key := "refund:" + r.ID
	if w.queued[key] {
		return
	}
	w.queued[key] = true
	w.effects = append(w.effects, effect{
		kind:           effectRefund,
		subscriptionID: r.SubscriptionID,
		refund: external.RefundRequest{
			IdempotencyKey: r.ID,
			SubscriptionID: r.SubscriptionID,
			RefundID:       r.ID,
			ChargeID:       r.ChargeID,
			Amount:         r.Amount,
		},
	})
}

// saveSubscription recomputes the next action time and persists the subscription
func (w *work) saveSubscription() error {
	next, err := w.nextAction()
	if err != nil {
		return err
	}
	w.sub.NextActionAt = next
	if err := w.tx.Save(w.sub).Error; err != nil {
		return extErrors.Wrap(err, "Cannot save subscription")
	}
	return nil
}

// nextAction is the earliest time a Tick has something to do for the subscription
func (w *work) nextAction() (*time.Time, error) {
	sub := w.sub
	if sub.Terminal() {
		return nil, nil
	}
	var next *time.Time
	consider := func(t time.Time) {
		if next == nil || t.Before(*next) {
			t := t
			next = &t
		}
	}

	switch sub.State {
	case subscription.StateTrialing:
		if sub.TrialEnd != nil {
			consider(*sub.TrialEnd)
		}
	case subscription.StateActive:
		if sub.CancelAtPeriodEnd {
			consider(sub.PeriodEnd)
			break
		}
		renewal, err := invoice.Get(w.tx, invoice.PeriodInvoiceID(sub.ID, invoice.KindRenewal, sub.PeriodEnd))
		if err != nil {
			return nil, err
		}
		if renewal == nil {
			consider(sub.PeriodEnd)
		}
	case subscription.StateGrace:
		if sub.GraceDeadline != nil {
			consider(*sub.GraceDeadline)
		}
	}

	invoices, err := invoice.ListBySubscription(w.tx, sub.ID)
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if !inv.Settled() && inv.SubmissionPending && inv.NextSubmitAt != nil {
			consider(*inv.NextSubmitAt)
		}
	}
	schedules, err := invoice.ListSchedules(w.tx, sub.ID)
	if err != nil {
		return nil, err
	}
	for i := range schedules {
		if at, ok := schedules[i].NextRetryAt(); ok {
			consider(at)
		}
	}
	refunds, err := invoice.ListRefunds(w.tx, sub.ID, true)
	if err != nil {
		return nil, err
	}
	for _, r := range refunds {
		if r.NextSubmitAt != nil {
			consider(*r.NextSubmitAt)
		}
	}
	return next, nil
}
