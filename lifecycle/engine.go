// Package lifecycle applies normalized commands to subscriptions, invoices and
// customers. Every command is applied in a single database transaction that
// also writes the audit trail, the outbox and the idempotency ledger; calls to
// the payment processor happen only after that transaction commits.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/external"
	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/invoice"
	"github.com/miragespace/billing/metrics"
	"github.com/miragespace/billing/spec"
	"github.com/miragespace/billing/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnhandledCommand is returned for a command variant the engine does not know
var ErrUnhandledCommand = errors.New("unhandled command")

// errRejected marks a command that is well formed but not applicable
var errRejected = errors.New("command rejected")

// errIgnored marks a command that refers to nothing the engine knows about
var errIgnored = errors.New("command ignored")

// Envelope carries a command and the external id it was derived from
type Envelope struct {
	Command command.Command
	EventID string // Ledger key; empty for scheduler ticks
	Source  spec.Source
}

// Notifier is told when outbox rows were committed
type Notifier interface {
	Notify()
}

type Options struct {
	DB              *gorm.DB
	Logger          *zap.Logger
	Processor       external.Processor
	Notifier        Notifier
	Metrics         *metrics.Metrics
	Policy          invoice.Policy
	ExternalTimeout time.Duration
	TxOptions       *sql.TxOptions // nil uses the driver default
	Clock           func() time.Time
}

// Engine is the single writer of billing state
type Engine struct {
	Options
}

func NewEngine(option Options) (*Engine, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if len(option.Policy.Offsets) == 0 {
		option.Policy = invoice.DefaultPolicy()
	}
	if option.ExternalTimeout <= 0 {
		option.ExternalTimeout = spec.DefaultExternalCallTimeout
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	return &Engine{
		Options: option,
	}, nil
}

func (e *Engine) now() time.Time {
	return e.Clock().UTC()
}

// Apply applies env exactly once with respect to its EventID. An invalid
// transition is not an error: the event is recorded as rejected and the
// subscription is left unchanged. Database failures wrap spec.ErrPersistence.
func (e *Engine) Apply(ctx context.Context, env Envelope) (idempotency.Outcome, error) {
	if env.Command == nil {
		return "", fmt.Errorf("nil Command is invalid")
	}
	logger := e.Logger.With(
		zap.String("Command", env.Command.Name()),
		zap.String("Key", env.Command.Key()),
		zap.String("EventID", env.EventID),
	)

	var w *work
	outcome := idempotency.OutcomeApplied
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if env.EventID != "" {
			terminal, err := idempotency.LockTerminal(tx, env.EventID)
			if err != nil {
				return err
			}
			if terminal {
				outcome = idempotency.OutcomeDuplicate
				return nil
			}
		}

		// the handler runs under a savepoint so a rejection leaves no partial writes
		err := tx.Transaction(func(inner *gorm.DB) error {
			var err error
			w = e.newWork(inner, logger, env)
			outcome, err = e.handle(w, env.Command)
			return err
		})
		switch {
		case err == nil:
		case errors.Is(err, spec.ErrInvalidTransition), errors.Is(err, errRejected):
			logger.Info("Command rejected",
				zap.String("Reason", err.Error()),
			)
			outcome = idempotency.OutcomeRejected
			w = nil
		case errors.Is(err, errIgnored):
			logger.Debug("Command ignored",
				zap.String("Reason", err.Error()),
			)
			outcome = idempotency.OutcomeIgnored
			w = nil
		default:
			return err
		}

		if env.EventID != "" {
			return idempotency.Complete(tx, env.EventID, outcome)
		}
		return nil
	}, e.TxOptions)
	if err != nil {
		if errors.Is(err, ErrUnhandledCommand) {
			logger.Error("No handler for command",
				zap.Error(err),
			)
			return "", err
		}
		logger.Error("Cannot apply command",
			zap.Error(err),
		)
		return "", extErrors.Wrap(spec.ErrPersistence, err.Error())
	}

	if w != nil {
		w.committed()
		if len(w.effects) > 0 {
			e.perform(context.WithoutCancel(ctx), logger, w.effects)
		}
	}
	return outcome, nil
}

func (e *Engine) handle(w *work, cmd command.Command) (idempotency.Outcome, error) {
	switch c := cmd.(type) {
	case command.CreateSubscription:
		return e.createSubscription(w, c)
	case command.ProvisionCustomer:
		return e.provisionCustomer(w, c)
	case command.RegisterTenant:
		return e.registerTenant(w, c)
	case command.SetPaymentMethod:
		return e.setPaymentMethod(w, c)
	case command.MarkInvoicePaid:
		return e.withSubscription(w, c.SubscriptionID, func() (idempotency.Outcome, error) {
			return e.markInvoicePaid(w, c)
		})
	case command.MarkInvoiceFailed:
		return e.withSubscription(w, c.SubscriptionID, func() (idempotency.Outcome, error) {
			return e.markInvoiceFailed(w, c)
		})
	case command.RecordRefund:
		return e.withSubscription(w, c.SubscriptionID, func() (idempotency.Outcome, error) {
			return e.recordRefund(w, c)
		})
	case command.Cancel:
		return e.withSubscription(w, c.SubscriptionID, func() (idempotency.Outcome, error) {
			return e.cancel(w, c)
		})
	case command.ChangePlan:
		return e.withSubscription(w, c.SubscriptionID, func() (idempotency.Outcome, error) {
			return e.changePlan(w, c)
		})
	case command.Tick:
		return e.withSubscription(w, c.SubscriptionID, func() (idempotency.Outcome, error) {
			return e.tick(w, c)
		})
	default:
		return "", extErrors.Wrapf(ErrUnhandledCommand, "%T", cmd)
	}
}

// withSubscription locks the subscription, runs fn and persists the result
func (e *Engine) withSubscription(w *work, id string, fn func() (idempotency.Outcome, error)) (idempotency.Outcome, error) {
	sub, err := subscription.Lock(w.tx, id)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", extErrors.Wrapf(errIgnored, "unknown subscription %s", id)
	}
	w.sub = sub
	outcome, err := fn()
	if err != nil {
		return "", err
	}
	if err := w.saveSubscription(); err != nil {
		return "", err
	}
	return outcome, nil
}

// perform submits charges and refunds, recording each result in its own
// transaction. Recording a result may queue further submissions.
func (e *Engine) perform(ctx context.Context, logger *zap.Logger, effects []effect) {
	for len(effects) > 0 {
		next := make([]effect, 0)
		for _, eff := range effects {
			callCtx, cancel := context.WithTimeout(ctx, e.ExternalTimeout)
			var id string
			var err error
			switch eff.kind {
			case effectCharge:
				id, err = e.Processor.SubmitCharge(callCtx, eff.charge)
			case effectRefund:
				id, err = e.Processor.SubmitRefund(callCtx, eff.refund)
			}
			cancel()
			result := "ok"
			if err != nil {
				result = "error"
			}
			e.Metrics.Submission(string(eff.kind), result)

			more, rerr := e.recordSubmission(ctx, logger, eff, id, err)
			if rerr != nil {
				// the submission stays pending and is retried by a later Tick
				logger.Error("Cannot record submission result",
					zap.String("SubscriptionID", eff.subscriptionID),
					zap.Error(rerr),
				)
				continue
			}
			next = append(next, more...)
		}
		effects = next
	}
}

func (e *Engine) recordSubmission(ctx context.Context, logger *zap.Logger, eff effect, processorID string, callErr error) ([]effect, error) {
	var w *work
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w = e.newWork(tx, logger, Envelope{Source: spec.SourceScheduler})
		w.now = e.now()
		_, err := e.withSubscription(w, eff.subscriptionID, func() (idempotency.Outcome, error) {
			switch eff.kind {
			case effectCharge:
				return idempotency.OutcomeApplied, w.chargeSubmitted(eff.charge, processorID, callErr)
			case effectRefund:
				return idempotency.OutcomeApplied, w.refundSubmitted(eff.refund, processorID, callErr)
			}
			return idempotency.OutcomeIgnored, nil
		})
		return err
	}, e.TxOptions)
	if err != nil {
		if errors.Is(err, errIgnored) {
			return nil, nil
		}
		return nil, err
	}
	w.committed()
	return w.effects, nil
}
