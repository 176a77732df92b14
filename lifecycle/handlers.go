package lifecycle

import (
	"errors"
	"strconv"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/customer"
	"github.com/miragespace/billing/external"
	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/invoice"
	"github.com/miragespace/billing/proration"
	"github.com/miragespace/billing/spec"
	"github.com/miragespace/billing/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	reasonSubmissionFailed = "submission_failed"
	reasonExpired          = "expired"
	reasonPeriodEnded      = "canceled_at_period_end"
)

func (e *Engine) createSubscription(w *work, c command.CreateSubscription) (idempotency.Outcome, error) {
	var existing subscription.Subscription
	res := w.tx.Limit(1).Find(&existing, "id = ?", c.SubscriptionID)
	if res.Error != nil {
		return "", extErrors.Wrap(res.Error, "Cannot check subscription")
	}
	if res.RowsAffected > 0 {
		return idempotency.OutcomeDuplicate, nil
	}
	if c.ProductLine == "" {
		return "", extErrors.Wrap(errRejected, "product line is required")
	}
	cust, err := customer.Get(w.tx, c.CustomerID)
	if err != nil {
		return "", err
	}
	if cust == nil || !cust.Active {
		return "", extErrors.Wrapf(errRejected, "customer %s is not provisioned", c.CustomerID)
	}
	plan, err := subscription.GetPlan(w.tx, c.PlanID)
	if err != nil {
		return "", err
	}
	if plan == nil {
		return "", extErrors.Wrapf(errRejected, "unknown plan %s", c.PlanID)
	}
	live, err := subscription.LiveExists(w.tx, c.CustomerID, c.ProductLine)
	if err != nil {
		return "", err
	}
	if live {
		return "", extErrors.Wrapf(errRejected, "customer %s already subscribes to %s", c.CustomerID, c.ProductLine)
	}

	sub := &subscription.Subscription{
		ID:          c.SubscriptionID,
		CustomerID:  c.CustomerID,
		ProductLine: c.ProductLine,
		PlanID:      plan.ID,
		Version:     1,
	}
	w.sub = sub
	w.plan = plan
	if plan.HasTrial() {
		trialEnd := w.now.AddDate(0, 0, plan.TrialDays)
		sub.SetState(subscription.StateTrialing)
		sub.PeriodStart = w.now
		sub.PeriodEnd = trialEnd
		sub.TrialEnd = &trialEnd
	} else {
		sub.SetState(subscription.StateActive)
		sub.StartPeriod(w.now, plan.Interval)
	}
	if err := w.tx.Create(sub).Error; err != nil {
		return "", extErrors.Wrap(err, "Cannot create subscription")
	}
	if err := w.audit("created", "", string(sub.State), spec.Parameters{"plan": plan.ID}); err != nil {
		return "", err
	}
	if sub.State == subscription.StateActive && plan.Amount > 0 {
		id := invoice.PeriodInvoiceID(sub.ID, invoice.KindInitial, sub.PeriodStart)
		if _, err := w.issueInvoice(id, invoice.KindInitial, plan.Amount, sub.PeriodStart, sub.PeriodEnd); err != nil {
			return "", err
		}
	}
	if err := w.saveSubscription(); err != nil {
		return "", err
	}
	return idempotency.OutcomeApplied, nil
}

func (e *Engine) provisionCustomer(w *work, c command.ProvisionCustomer) (idempotency.Outcome, error) {
	created, err := customer.Provision(w.tx, &customer.Customer{
		ID:                   c.CustomerID,
		TenantID:             c.TenantID,
		TenantKind:           customer.TenantKind(c.TenantKind),
		Email:                c.Email,
		ProcessorCustomerID:  c.ProcessorCustomerID,
		DefaultPaymentMethod: c.PaymentMethod,
	})
	if err != nil {
		return "", err
	}
	if !created {
		return idempotency.OutcomeDuplicate, nil
	}
	return idempotency.OutcomeApplied, w.audit("customer_provisioned", "", "", spec.Parameters{"customer": c.CustomerID})
}

func (e *Engine) registerTenant(w *work, c command.RegisterTenant) (idempotency.Outcome, error) {
	created, err := customer.RegisterTenant(w.tx, &customer.Tenant{
		ID:           c.TenantID,
		Kind:         customer.TenantKind(c.Kind),
		Name:         c.TenantName,
		BillingEmail: c.BillingEmail,
	})
	if err != nil {
		return "", err
	}
	if !created {
		return idempotency.OutcomeDuplicate, nil
	}
	return idempotency.OutcomeApplied, w.audit("tenant_registered", "", "", spec.Parameters{"tenant": c.TenantID})
}

func (e *Engine) setPaymentMethod(w *work, c command.SetPaymentMethod) (idempotency.Outcome, error) {
	changed, err := customer.SetPaymentMethod(w.tx, c.ProcessorCustomerID, c.PaymentMethod)
	if errors.Is(err, customer.ErrUnknownCustomer) {
		return "", extErrors.Wrap(errRejected, err.Error())
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return idempotency.OutcomeDuplicate, nil
	}
	return idempotency.OutcomeApplied, w.audit("payment_method_updated", "", "", spec.Parameters{"processorCustomer": c.ProcessorCustomerID})
}

// loadInvoice returns the invoice of the locked subscription with the given id
func (w *work) loadInvoice(id string) (*invoice.Invoice, error) {
	inv, err := invoice.Get(w.tx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil || inv.SubscriptionID != w.sub.ID {
		return nil, extErrors.Wrapf(errIgnored, "unknown invoice %s", id)
	}
	return inv, nil
}

func (e *Engine) markInvoicePaid(w *work, c command.MarkInvoicePaid) (idempotency.Outcome, error) {
	inv, err := w.loadInvoice(c.InvoiceID)
	if err != nil {
		return "", err
	}
	attempt := c.Attempt
	if attempt <= 0 {
		attempt = inv.AttemptCount
	}
	record := &invoice.PaymentAttempt{
		InvoiceID: inv.ID,
		Number:    attempt,
		Outcome:   invoice.OutcomeSucceeded,
		ChargeID:  c.ChargeID,
		CreatedAt: w.now,
	}
	if inv.Status == invoice.StatusPaid {
		// a duplicate or late success never pays twice
		if _, err := invoice.AppendAttempt(w.tx, record); err != nil {
			return "", err
		}
		return idempotency.OutcomeDuplicate, nil
	}

	now := w.now
	from := inv.Status
	inv.Status = invoice.StatusPaid
	inv.PaidAt = &now
	inv.SubmissionPending = false
	inv.NextSubmitAt = nil
	if c.ChargeID != "" {
		inv.ChargeID = c.ChargeID
	}
	if err := invoice.Save(w.tx, inv); err != nil {
		return "", err
	}
	if _, err := invoice.AppendAttempt(w.tx, record); err != nil {
		return "", err
	}
	if err := w.audit("invoice_paid", string(from), string(inv.Status), spec.Parameters{
		"invoice": inv.ID,
		"attempt": strconv.Itoa(attempt),
		"charge":  inv.ChargeID,
	}); err != nil {
		return "", err
	}

	schedule, err := invoice.GetSchedule(w.tx, inv.ID)
	if err != nil {
		return "", err
	}
	if schedule != nil && schedule.Status != invoice.DunningRecovered {
		schedule.Recover()
		if err := invoice.SaveSchedule(w.tx, schedule); err != nil {
			return "", err
		}
	}
	if err := w.publish(spec.TopicPaymentSucceeded, inv.ID, inv.Amount, ""); err != nil {
		return "", err
	}

	if w.sub.Terminal() {
		w.logger.Warn("Payment received for a terminal subscription",
			zap.String("SubscriptionID", w.sub.ID),
			zap.String("InvoiceID", inv.ID),
		)
		return idempotency.OutcomeApplied, nil
	}
	if inv.Kind == invoice.KindRenewal && inv.PeriodEnd.After(w.sub.PeriodEnd) {
		w.sub.PeriodStart = inv.PeriodStart
		w.sub.PeriodEnd = inv.PeriodEnd
	}
	if w.sub.State == subscription.StateTrialing {
		return idempotency.OutcomeApplied, nil
	}
	if w.sub.State == subscription.StatePastDue || w.sub.State == subscription.StateGrace {
		owing, err := w.dunningOutstanding()
		if err != nil {
			return "", err
		}
		if owing != "" {
			w.logger.Info("Subscription still in dunning for another invoice",
				zap.String("SubscriptionID", w.sub.ID),
				zap.String("PaidInvoiceID", inv.ID),
				zap.String("DunningInvoiceID", owing),
			)
			return idempotency.OutcomeApplied, nil
		}
	}
	if err := w.transition(subscription.PaymentTrigger(w.sub.State), spec.Parameters{"invoice": inv.ID}); err != nil {
		return "", err
	}
	w.sub.GraceDeadline = nil
	return idempotency.OutcomeApplied, nil
}

// dunningOutstanding returns the id of an unsettled invoice of the locked
// subscription whose dunning is still running or exhausted, or "" if none.
func (w *work) dunningOutstanding() (string, error) {
	schedules, err := invoice.ListSchedules(w.tx, w.sub.ID)
	if err != nil {
		return "", err
	}
	for _, d := range schedules {
		if d.Status != invoice.DunningActive && d.Status != invoice.DunningExhausted {
			continue
		}
		inv, err := invoice.Get(w.tx, d.InvoiceID)
		if err != nil {
			return "", err
		}
		if inv != nil && !inv.Settled() {
			return inv.ID, nil
		}
	}
	return "", nil
}

func (e *Engine) markInvoiceFailed(w *work, c command.MarkInvoiceFailed) (idempotency.Outcome, error) {
	inv, err := w.loadInvoice(c.InvoiceID)
	if err != nil {
		return "", err
	}
	attempt := c.Attempt
	if attempt <= 0 {
		attempt = inv.AttemptCount
	}
	if attempt > inv.AttemptCount {
		return "", extErrors.Wrapf(errRejected, "attempt %d of invoice %s was never requested", attempt, inv.ID)
	}
	if inv.Settled() || attempt < inv.AttemptCount {
		// late result of an earlier attempt; keep the record without acting on it
		inserted, err := invoice.AppendAttempt(w.tx, &invoice.PaymentAttempt{
			InvoiceID:     inv.ID,
			Number:        attempt,
			Outcome:       invoice.OutcomeFailed,
			FailureReason: c.Reason,
			CreatedAt:     w.now,
		})
		if err != nil {
			return "", err
		}
		if !inserted {
			return idempotency.OutcomeDuplicate, nil
		}
		return idempotency.OutcomeApplied, nil
	}
	seen, err := invoice.HasOutcome(w.tx, inv.ID, attempt, invoice.OutcomeFailed)
	if err != nil {
		return "", err
	}
	if seen {
		return idempotency.OutcomeDuplicate, nil
	}
	if err := w.paymentFailed(inv, attempt, c.Reason); err != nil {
		return "", err
	}
	return idempotency.OutcomeApplied, nil
}

// paymentFailed handles the failure of the current attempt of inv: it starts or
// advances dunning and moves the subscription to past_due or grace.
func (w *work) paymentFailed(inv *invoice.Invoice, attempt int, reason string) error {
	inv.SubmissionPending = false
	inv.SubmissionFailures = 0
	inv.NextSubmitAt = nil
	if inv.Status == invoice.StatusDraft {
		inv.Status = invoice.StatusOpen
	}

	schedule, err := invoice.GetSchedule(w.tx, inv.ID)
	if err != nil {
		return err
	}
	switch {
	case schedule == nil:
		if w.sub.State == subscription.StateActive {
			if err := w.transition(subscription.TriggerPaymentFailed, spec.Parameters{"invoice": inv.ID}); err != nil {
				return err
			}
		}
		if w.sub.State == subscription.StatePastDue {
			schedule = invoice.NewDunningSchedule(inv, w.e.Policy, w.now)
		}
	case schedule.Status == invoice.DunningActive && schedule.AwaitingResult:
		if schedule.RecordFailure(w.now) && w.sub.State == subscription.StatePastDue {
			if err := w.transition(subscription.TriggerRetriesExhausted, spec.Parameters{"invoice": inv.ID}); err != nil {
				return err
			}
			w.sub.GraceDeadline = schedule.GraceDeadline
			// one last collection attempt while in grace
			if err := w.requestCharge(inv); err != nil {
				return err
			}
		}
	}

	record := &invoice.PaymentAttempt{
		InvoiceID:     inv.ID,
		Number:        attempt,
		Outcome:       invoice.OutcomeFailed,
		FailureReason: reason,
		CreatedAt:     w.now,
	}
	if schedule != nil {
		if err := invoice.SaveSchedule(w.tx, schedule); err != nil {
			return err
		}
		if at, ok := schedule.NextRetryAt(); ok {
			record.ScheduledRetryAt = &at
		}
	}
	if _, err := invoice.AppendAttempt(w.tx, record); err != nil {
		return err
	}
	if err := invoice.Save(w.tx, inv); err != nil {
		return err
	}
	if err := w.audit("invoice_payment_failed", "", string(inv.Status), spec.Parameters{
		"invoice": inv.ID,
		"attempt": strconv.Itoa(attempt),
		"reason":  reason,
	}); err != nil {
		return err
	}
	return w.publish(spec.TopicPaymentFailed, attemptID(inv, attempt), inv.Amount, reason)
}

// chargeSubmitted records the processor's answer to a charge submission
func (w *work) chargeSubmitted(req external.ChargeRequest, processorID string, callErr error) error {
	inv, err := invoice.Get(w.tx, req.InvoiceID)
	if err != nil {
		return err
	}
	if inv == nil || inv.Settled() || !inv.SubmissionPending || inv.AttemptCount != req.Attempt {
		return nil
	}
	if callErr == nil {
		inv.SubmissionPending = false
		inv.SubmissionFailures = 0
		inv.NextSubmitAt = nil
		inv.ChargeID = processorID
		if inv.Status == invoice.StatusDraft {
			inv.Status = invoice.StatusOpen
		}
		if _, err := invoice.AppendAttempt(w.tx, &invoice.PaymentAttempt{
			InvoiceID: inv.ID,
			Number:    inv.AttemptCount,
			Outcome:   invoice.OutcomePending,
			ChargeID:  processorID,
			CreatedAt: w.now,
		}); err != nil {
			return err
		}
		return invoice.Save(w.tx, inv)
	}

	inv.SubmissionFailures++
	w.logger.Warn("Charge submission failed",
		zap.String("InvoiceID", inv.ID),
		zap.Int("Attempt", inv.AttemptCount),
		zap.Int("Failures", inv.SubmissionFailures),
		zap.Error(callErr),
	)
	if inv.SubmissionFailures >= w.e.Policy.MaxResubmissions {
		return w.paymentFailed(inv, inv.AttemptCount, reasonSubmissionFailed)
	}
	next := w.now.Add(w.e.Policy.ResubmitDelay(inv.SubmissionFailures))
	inv.NextSubmitAt = &next
	return invoice.Save(w.tx, inv)
}

// refundSubmitted records the processor's answer to a refund submission
func (w *work) refundSubmitted(req external.RefundRequest, processorID string, callErr error) error {
	r, err := invoice.GetRefund(w.tx, req.RefundID)
	if err != nil {
		return err
	}
	if r == nil || r.Status != invoice.RefundPending {
		return nil
	}
	if callErr == nil {
		r.Status = invoice.RefundSubmitted
		r.ProcessorID = processorID
		r.NextSubmitAt = nil
		return invoice.SaveRefund(w.tx, r)
	}
	r.SubmissionFailures++
	if r.SubmissionFailures >= w.e.Policy.MaxResubmissions {
		r.Status = invoice.RefundFailed
		r.NextSubmitAt = nil
		w.logger.Error("Giving up submitting refund",
			zap.String("RefundID", r.ID),
			zap.Error(callErr),
		)
		if err := w.audit("refund_failed", "", "", spec.Parameters{"refund": r.ID}); err != nil {
			return err
		}
		return invoice.SaveRefund(w.tx, r)
	}
	next := w.now.Add(w.e.Policy.ResubmitDelay(r.SubmissionFailures))
	r.NextSubmitAt = &next
	return invoice.SaveRefund(w.tx, r)
}

func (e *Engine) recordRefund(w *work, c command.RecordRefund) (idempotency.Outcome, error) {
	r, err := invoice.GetRefund(w.tx, c.RefundID)
	if err != nil {
		return "", err
	}
	if r == nil || r.SubscriptionID != w.sub.ID {
		return "", extErrors.Wrapf(errIgnored, "unknown refund %s", c.RefundID)
	}
	if r.Status == invoice.RefundSucceeded {
		return idempotency.OutcomeDuplicate, nil
	}
	r.Status = invoice.RefundSucceeded
	r.NextSubmitAt = nil
	if c.ProcessorID != "" {
		r.ProcessorID = c.ProcessorID
	}
	if err := invoice.SaveRefund(w.tx, r); err != nil {
		return "", err
	}
	return idempotency.OutcomeApplied, w.audit("refund_settled", "", string(r.Status), spec.Parameters{
		"refund": r.ID,
		"amount": strconv.FormatInt(r.Amount, 10),
	})
}

func (e *Engine) cancel(w *work, c command.Cancel) (idempotency.Outcome, error) {
	reason := c.Reason
	if reason == "" {
		reason = "canceled"
	}
	if c.Mode == command.CancelAtPeriodEnd {
		if w.sub.CancelAtPeriodEnd && !w.sub.Terminal() {
			return idempotency.OutcomeDuplicate, nil
		}
		if err := w.transition(subscription.TriggerCancelDeferred, spec.Parameters{"reason": reason}); err != nil {
			return "", err
		}
		w.sub.CancelAtPeriodEnd = true
		return idempotency.OutcomeApplied, nil
	}
	if err := w.end(subscription.TriggerCancel, reason); err != nil {
		return "", err
	}
	return idempotency.OutcomeApplied, nil
}

// end moves the subscription to a terminal state, closes its open invoices and
// dunning, and announces the cancellation
func (w *work) end(trigger subscription.Trigger, reason string) error {
	if err := w.transition(trigger, spec.Parameters{"reason": reason}); err != nil {
		return err
	}
	now := w.now
	w.sub.CanceledAt = &now
	w.sub.GraceDeadline = nil

	closed := invoice.StatusVoid
	if trigger == subscription.TriggerGraceElapsed {
		closed = invoice.StatusUncollectible
	}
	invoices, err := invoice.ListBySubscription(w.tx, w.sub.ID)
	if err != nil {
		return err
	}
	for i := range invoices {
		inv := &invoices[i]
		if inv.Settled() {
			continue
		}
		inv.Status = closed
		inv.SubmissionPending = false
		inv.NextSubmitAt = nil
		if err := invoice.Save(w.tx, inv); err != nil {
			return err
		}
	}
	schedules, err := invoice.ListSchedules(w.tx, w.sub.ID)
	if err != nil {
		return err
	}
	for i := range schedules {
		schedules[i].Cancel()
		if err := invoice.SaveSchedule(w.tx, &schedules[i]); err != nil {
			return err
		}
	}
	return w.publish(spec.TopicSubscriptionCanceled, versionID(w.sub), 0, reason)
}

func (e *Engine) changePlan(w *work, c command.ChangePlan) (idempotency.Outcome, error) {
	if c.PlanID == w.sub.PlanID {
		return "", extErrors.Wrapf(errRejected, "subscription is already on plan %s", c.PlanID)
	}
	oldPlan, err := w.loadPlan()
	if err != nil {
		return "", err
	}
	newPlan, err := subscription.GetPlan(w.tx, c.PlanID)
	if err != nil {
		return "", err
	}
	if newPlan == nil {
		return "", extErrors.Wrapf(errRejected, "unknown plan %s", c.PlanID)
	}
	elapsed := proration.ElapsedFraction(w.sub.PeriodStart, w.sub.PeriodEnd, w.now)
	adjustment, err := proration.Prorate(oldPlan.Price(), newPlan.Price(), elapsed)
	if errors.Is(err, proration.ErrIncompatiblePlans) {
		return "", extErrors.Wrap(errRejected, err.Error())
	}
	if err != nil {
		return "", err
	}
	if err := w.transition(subscription.TriggerPlanChange, spec.Parameters{
		"from":       oldPlan.ID,
		"to":         newPlan.ID,
		"adjustment": strconv.FormatInt(adjustment, 10),
	}); err != nil {
		return "", err
	}
	w.sub.PlanID = newPlan.ID
	w.plan = newPlan

	switch {
	case adjustment > 0:
		id := invoice.TransitionInvoiceID(w.sub.ID, invoice.KindProration, w.sub.Version)
		if _, err := w.issueInvoice(id, invoice.KindProration, adjustment, w.now, w.sub.PeriodEnd); err != nil {
			return "", err
		}
	case adjustment < 0:
		if err := w.issueRefund(-adjustment); err != nil {
			return "", err
		}
	}
	return idempotency.OutcomeApplied, nil
}

// issueRefund credits amount against the latest paid invoice, capped at what it collected
func (w *work) issueRefund(amount int64) error {
	paid, err := invoice.LatestPaid(w.tx, w.sub.ID)
	if err != nil {
		return err
	}
	if paid == nil || paid.ChargeID == "" {
		w.logger.Info("No paid charge to refund proration credit against",
			zap.String("SubscriptionID", w.sub.ID),
			zap.Int64("Amount", amount),
		)
		return w.audit("credit_unrefunded", "", "", spec.Parameters{"amount": strconv.FormatInt(amount, 10)})
	}
	if amount > paid.Amount {
		amount = paid.Amount
	}
	now := w.now
	r := &invoice.Refund{
		ID:             invoice.RefundID(w.sub.ID, w.sub.Version),
		SubscriptionID: w.sub.ID,
		InvoiceID:      paid.ID,
		ChargeID:       paid.ChargeID,
		Amount:         amount,
		Currency:       paid.Currency,
		Status:         invoice.RefundPending,
		NextSubmitAt:   &now,
	}
	created, err := invoice.CreateRefund(w.tx, r)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	w.queueRefund(r)
	return w.audit("refund_issued", "", string(r.Status), spec.Parameters{
		"refund":  r.ID,
		"invoice": paid.ID,
		"amount":  strconv.FormatInt(amount, 10),
	})
}

func (e *Engine) tick(w *work, c command.Tick) (idempotency.Outcome, error) {
	sub := w.sub
	if sub.Terminal() {
		return idempotency.OutcomeIgnored, nil
	}
	before := len(w.effects) + len(w.transitions)

	// submissions that failed earlier, or never recorded a result
	if err := w.resubmitDue(); err != nil {
		return "", err
	}

	// retries run whatever the state; a subscription may owe more than one invoice
	if err := w.retryDue(); err != nil {
		return "", err
	}

	switch sub.State {
	case subscription.StateTrialing:
		if sub.TrialEnd != nil && !w.now.Before(*sub.TrialEnd) {
			if err := w.endTrial(); err != nil {
				return "", err
			}
		}
	case subscription.StateActive:
		if !w.now.Before(sub.PeriodEnd) {
			if err := w.endPeriod(); err != nil {
				return "", err
			}
		}
	case subscription.StateGrace:
		if sub.GraceDeadline != nil && !w.now.Before(*sub.GraceDeadline) {
			if err := w.end(subscription.TriggerGraceElapsed, reasonExpired); err != nil {
				return "", err
			}
		}
	}

	if len(w.effects)+len(w.transitions) == before {
		return idempotency.OutcomeIgnored, nil
	}
	return idempotency.OutcomeApplied, nil
}

func (w *work) endTrial() error {
	if w.sub.CancelAtPeriodEnd {
		return w.end(subscription.TriggerPeriodEnded, reasonPeriodEnded)
	}
	plan, err := w.loadPlan()
	if err != nil {
		return err
	}
	start := *w.sub.TrialEnd
	if err := w.transition(subscription.TriggerTrialEnded, nil); err != nil {
		return err
	}
	w.sub.StartPeriod(start, plan.Interval)
	if plan.Amount <= 0 {
		return nil
	}
	id := invoice.PeriodInvoiceID(w.sub.ID, invoice.KindInitial, start)
	_, err = w.issueInvoice(id, invoice.KindInitial, plan.Amount, w.sub.PeriodStart, w.sub.PeriodEnd)
	return err
}

func (w *work) endPeriod() error {
	if w.sub.CancelAtPeriodEnd {
		return w.end(subscription.TriggerPeriodEnded, reasonPeriodEnded)
	}
	plan, err := w.loadPlan()
	if err != nil {
		return err
	}
	start := w.sub.PeriodEnd
	end := subscription.AddInterval(start, plan.Interval)
	if plan.Amount <= 0 {
		if err := w.transition(subscription.TriggerRenewalPaid, nil); err != nil {
			return err
		}
		w.sub.StartPeriod(start, plan.Interval)
		return nil
	}
	id := invoice.PeriodInvoiceID(w.sub.ID, invoice.KindRenewal, start)
	existing, err := invoice.Get(w.tx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = w.issueInvoice(id, invoice.KindRenewal, plan.Amount, start, end)
	return err
}

// retryDue submits dunning retries whose time has come
func (w *work) retryDue() error {
	schedules, err := invoice.ListSchedules(w.tx, w.sub.ID)
	if err != nil {
		return err
	}
	for i := range schedules {
		d := &schedules[i]
		if !d.RetryDue(w.now) {
			continue
		}
		inv, err := invoice.Get(w.tx, d.InvoiceID)
		if err != nil {
			return err
		}
		if inv == nil || inv.Settled() {
			d.Cancel()
		} else {
			d.RetrySubmitted()
			if err := w.requestCharge(inv); err != nil {
				return err
			}
			if err := invoice.Save(w.tx, inv); err != nil {
				return err
			}
			if err := w.audit("dunning_retry", "", "", spec.Parameters{
				"invoice": inv.ID,
				"retry":   strconv.Itoa(d.RetriesSubmitted),
			}); err != nil {
				return err
			}
		}
		if err := invoice.SaveSchedule(w.tx, d); err != nil {
			return err
		}
	}
	return nil
}

// resubmitDue queues submissions that are pending and due
func (w *work) resubmitDue() error {
	invoices, err := invoice.ListBySubscription(w.tx, w.sub.ID)
	if err != nil {
		return err
	}
	for i := range invoices {
		inv := &invoices[i]
		if inv.Settled() || !inv.SubmissionPending || inv.NextSubmitAt == nil || w.now.Before(*inv.NextSubmitAt) {
			continue
		}
		if err := w.queueCharge(inv); err != nil {
			return err
		}
	}
	refunds, err := invoice.ListRefunds(w.tx, w.sub.ID, true)
	if err != nil {
		return err
	}
	for i := range refunds {
		r := &refunds[i]
		if r.NextSubmitAt == nil || w.now.Before(*r.NextSubmitAt) {
			continue
		}
		w.queueRefund(r)
	}
	return nil
}
