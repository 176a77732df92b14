package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/miragespace/billing/command"
	"github.com/miragespace/billing/spec"
	"github.com/miragespace/billing/spec/broker"
	"github.com/miragespace/billing/subscription"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var validate = validator.New()

var subscriptionNamespace = uuid.MustParse("4c7a1f0e-2f4d-4f55-b0d3-6a8e1b9d2c71")

// UserCreated is the payload of users.user_created
type UserCreated struct {
	UserID           string    `json:"user_id" validate:"required"`
	Email            string    `json:"email" validate:"required,email"`
	TenantID         string    `json:"tenant_id"`
	TenantKind       string    `json:"tenant_kind" validate:"omitempty,oneof=individual family school"`
	StripeCustomerID string    `json:"stripe_customer_id"`
	PaymentMethod    string    `json:"payment_method"`
	CreatedAt        time.Time `json:"created_at"`
}

// PlanChanged is the payload of billing.plan_changed. It starts a
// subscription, changes the plan of the live one, or cancels it.
type PlanChanged struct {
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id" validate:"required"`
	ProductLine    string    `json:"product_line" validate:"required"`
	PlanID         string    `json:"plan_id" validate:"required_without=Cancel"`
	Cancel         bool      `json:"cancel"`
	AtPeriodEnd    bool      `json:"at_period_end"`
	Reason         string    `json:"reason"`
	ChangedAt      time.Time `json:"changed_at"`
}

// SchoolRegistered is the payload of schools.school_registered
type SchoolRegistered struct {
	SchoolID     string    `json:"school_id" validate:"required"`
	Name         string    `json:"name" validate:"required"`
	BillingEmail string    `json:"billing_email" validate:"omitempty,email"`
	RegisteredAt time.Time `json:"registered_at"`
}

// LiveFinder looks up the live subscription of a customer on a product line
type LiveFinder interface {
	FindLive(ctx context.Context, customerID, productLine string) (*subscription.Subscription, error)
}

var _ LiveFinder = &subscription.Manager{}

type TaskOptions struct {
	Pipeline      *Pipeline
	Consumer      broker.Consumer
	Subscriptions LiveFinder
	Logger        *zap.Logger
}

// Task consumes platform events from the message bus
type Task struct {
	TaskOptions
}

func NewTask(option TaskOptions) (*Task, error) {
	if option.Pipeline == nil {
		return nil, fmt.Errorf("nil Pipeline is invalid")
	}
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// HandleEvents consumes every topic in spec.ConsumedTopics until ctx is done
func (t *Task) HandleEvents(ctx context.Context) error {
	for _, topic := range spec.ConsumedTopics {
		ch, err := t.Consumer.Receive(ctx, topic)
		if err != nil {
			return extErrors.Wrapf(err, "Cannot receive %s", topic)
		}
		go t.consume(ctx, ch)
	}
	return nil
}

func (t *Task) consume(ctx context.Context, ch <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			t.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and acknowledges it. Only persistence
// failures are requeued; malformed payloads are dropped.
func (t *Task) Handle(ctx context.Context, d broker.Delivery) {
	logger := t.Logger.With(
		zap.String("DeliveryID", d.ID),
		zap.String("Topic", d.Topic),
	)
	_, err := t.Pipeline.Process(ctx, Inbound{
		ID:     d.ID,
		Source: spec.SourceBus,
		Type:   d.Topic,
	}, func() (command.Command, error) {
		return t.normalize(ctx, d)
	})
	if err != nil {
		if nerr := d.Nack(true); nerr != nil {
			logger.Error("Cannot nack delivery",
				zap.Error(nerr),
			)
		}
		return
	}
	if aerr := d.Ack(); aerr != nil {
		logger.Error("Cannot ack delivery",
			zap.Error(aerr),
		)
	}
}

func (t *Task) normalize(ctx context.Context, d broker.Delivery) (command.Command, error) {
	switch d.Topic {
	case spec.TopicUserCreated:
		var p UserCreated
		if err := decode(d.Body, &p); err != nil {
			return nil, err
		}
		kind := p.TenantKind
		if kind == "" {
			kind = "individual"
		}
		return command.ProvisionCustomer{
			CustomerID:          p.UserID,
			TenantID:            p.TenantID,
			TenantKind:          kind,
			Email:               p.Email,
			ProcessorCustomerID: p.StripeCustomerID,
			PaymentMethod:       p.PaymentMethod,
			At:                  p.CreatedAt,
		}, nil

	case spec.TopicSchoolRegistered:
		var p SchoolRegistered
		if err := decode(d.Body, &p); err != nil {
			return nil, err
		}
		return command.RegisterTenant{
			TenantID:     p.SchoolID,
			Kind:         "school",
			TenantName:   p.Name,
			BillingEmail: p.BillingEmail,
			At:           p.RegisteredAt,
		}, nil

	case spec.TopicPlanChanged:
		var p PlanChanged
		if err := decode(d.Body, &p); err != nil {
			return nil, err
		}
		return t.planChanged(ctx, d.ID, p)
	}
	return nil, nil
}

func (t *Task) planChanged(ctx context.Context, deliveryID string, p PlanChanged) (command.Command, error) {
	live, err := t.Subscriptions.FindLive(ctx, p.CustomerID, p.ProductLine)
	if err != nil {
		return nil, err
	}
	matches := live != nil && (p.SubscriptionID == "" || p.SubscriptionID == live.ID)

	if p.Cancel {
		id := p.SubscriptionID
		if matches {
			id = live.ID
		}
		if id == "" {
			return nil, nil
		}
		mode := command.CancelImmediate
		if p.AtPeriodEnd {
			mode = command.CancelAtPeriodEnd
		}
		return command.Cancel{
			SubscriptionID: id,
			Mode:           mode,
			Reason:         p.Reason,
			At:             p.ChangedAt,
		}, nil
	}

	if matches {
		return command.ChangePlan{
			SubscriptionID: live.ID,
			PlanID:         p.PlanID,
			At:             p.ChangedAt,
		}, nil
	}
	id := p.SubscriptionID
	if id == "" {
		// replays of the same delivery create the same subscription
		id = "sub_" + uuid.NewSHA1(subscriptionNamespace, []byte(deliveryID)).String()
	}
	return command.CreateSubscription{
		SubscriptionID: id,
		CustomerID:     p.CustomerID,
		ProductLine:    p.ProductLine,
		PlanID:         p.PlanID,
		At:             p.ChangedAt,
	}, nil
}

func decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return extErrors.Wrap(ErrInvalidPayload, err.Error())
	}
	if err := validate.Struct(v); err != nil {
		return extErrors.Wrap(ErrInvalidPayload, err.Error())
	}
	return nil
}
