// Package ingest turns inbound events from any source into dispatched
// commands exactly once per external id.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/lifecycle"
	"github.com/miragespace/billing/metrics"
	"github.com/miragespace/billing/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrInvalidPayload marks events that can never be normalized. They are
// acknowledged and recorded as ignored.
var ErrInvalidPayload = errors.New("invalid payload")

// Dispatcher applies an envelope in its lane and waits for the outcome
type Dispatcher interface {
	Dispatch(ctx context.Context, env lifecycle.Envelope) (idempotency.Outcome, error)
}

// Inbound identifies an external event before it is normalized
type Inbound struct {
	ID     string // Processor event id or bus delivery id
	Source spec.Source
	Type   string
}

// Normalizer maps an inbound event to a command. A nil command means the
// event is not one the engine handles.
type Normalizer func() (command.Command, error)

type PipelineOptions struct {
	Ledger     *idempotency.Ledger
	Gate       idempotency.Gate
	Dispatcher Dispatcher
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Pipeline is the shared path of webhook and bus events
type Pipeline struct {
	PipelineOptions
}

func NewPipeline(option PipelineOptions) (*Pipeline, error) {
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Dispatcher == nil {
		return nil, fmt.Errorf("nil Dispatcher is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Gate == nil {
		option.Gate = idempotency.NoopGate{}
	}
	return &Pipeline{
		PipelineOptions: option,
	}, nil
}

// Process applies in at most once. The returned error wraps
// spec.ErrPersistence when the event must be redelivered.
func (p *Pipeline) Process(ctx context.Context, in Inbound, normalize Normalizer) (idempotency.Outcome, error) {
	if in.ID == "" {
		return "", fmt.Errorf("empty event id is invalid")
	}
	logger := p.Logger.With(
		zap.String("EventID", in.ID),
		zap.String("Source", string(in.Source)),
		zap.String("Type", in.Type),
	)

	if p.Gate.Seen(ctx, in.ID) {
		return p.done(in, idempotency.OutcomeDuplicate), nil
	}
	ev, err := p.Ledger.Check(ctx, in.ID)
	if err != nil {
		return p.fail(logger, in, err)
	}
	if ev != nil && ev.Terminal {
		p.Gate.Mark(ctx, in.ID)
		return p.done(in, idempotency.OutcomeDuplicate), nil
	}
	if _, err := p.Ledger.Begin(ctx, in.ID, in.Source, in.Type); err != nil {
		return p.fail(logger, in, err)
	}

	cmd, err := normalize()
	switch {
	case errors.Is(err, ErrInvalidPayload):
		logger.Warn("Dropping malformed event",
			zap.Error(err),
		)
	case err != nil:
		return p.fail(logger, in, err)
	}
	if cmd == nil {
		if err := p.Ledger.Finish(ctx, in.ID, idempotency.OutcomeIgnored); err != nil {
			return p.fail(logger, in, err)
		}
		p.Gate.Mark(ctx, in.ID)
		return p.done(in, idempotency.OutcomeIgnored), nil
	}

	outcome, err := p.Dispatcher.Dispatch(ctx, lifecycle.Envelope{
		Command: cmd,
		EventID: in.ID,
		Source:  in.Source,
	})
	if err != nil {
		return p.fail(logger, in, err)
	}
	p.Gate.Mark(ctx, in.ID)
	logger.Debug("Event processed",
		zap.String("Command", cmd.Name()),
		zap.String("Outcome", string(outcome)),
	)
	return p.done(in, outcome), nil
}

func (p *Pipeline) done(in Inbound, outcome idempotency.Outcome) idempotency.Outcome {
	p.Metrics.Event(string(in.Source), string(outcome))
	return outcome
}

func (p *Pipeline) fail(logger *zap.Logger, in Inbound, err error) (idempotency.Outcome, error) {
	p.Metrics.Event(string(in.Source), "error")
	logger.Error("Cannot process event",
		zap.Error(err),
	)
	if errors.Is(err, spec.ErrPersistence) {
		return "", err
	}
	return "", extErrors.Wrap(spec.ErrPersistence, err.Error())
}
