package publisher

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var namespace = uuid.MustParse("6d1f6c52-2b6e-4b7b-9f0e-8f4c3a0de6b1")

// Event is a domain event produced by an applied transition
type Event struct {
	Topic          string
	SubscriptionID string
	CustomerID     string
	PlanID         string
	Amount         int64
	Currency       string
	Reason         string
	TransitionID   string // Identifies the transition within the subscription, e.g. "v7" or "in_x:2"
	At             time.Time
}

// Payload is the body published on the bus
type Payload struct {
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Plan           string    `json:"plan"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason,omitempty"`
}

// IdempotencyKey is stable for a (subscription, transition, topic) triple so
// consumers can deduplicate replays
func IdempotencyKey(subscriptionID, transitionID, topic string) string {
	return uuid.NewSHA1(namespace, []byte(subscriptionID+"/"+transitionID+"/"+topic)).String()
}

// OutboxMessage is an event waiting to be published. Rows are written in the
// same transaction as the transition that produced them.
type OutboxMessage struct {
	ID             string     `json:"id" gorm:"primaryKey"` // The idempotency key
	Topic          string     `json:"topic" gorm:"not null"`
	SubscriptionID string     `json:"subscriptionId" gorm:"index"`
	Payload        []byte     `json:"payload"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt" gorm:"index"`
	PublishedAt    *time.Time `json:"publishedAt" gorm:"index"`
	DeadAt         *time.Time `json:"deadAt" gorm:"index"`
	LastError      string     `json:"lastError"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Enqueue writes ev to the outbox inside tx. Enqueuing the same transition twice is a no-op.
func Enqueue(tx *gorm.DB, ev Event) (*OutboxMessage, error) {
	key := IdempotencyKey(ev.SubscriptionID, ev.TransitionID, ev.Topic)
	body, err := json.Marshal(Payload{
		SubscriptionID: ev.SubscriptionID,
		CustomerID:     ev.CustomerID,
		Amount:         ev.Amount,
		Currency:       ev.Currency,
		Plan:           ev.PlanID,
		Timestamp:      ev.At.UTC(),
		IdempotencyKey: key,
		Reason:         ev.Reason,
	})
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode event payload")
	}
	msg := &OutboxMessage{
		ID:             key,
		Topic:          ev.Topic,
		SubscriptionID: ev.SubscriptionID,
		Payload:        body,
		NextAttemptAt:  time.Now().UTC(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(msg).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot enqueue event")
	}
	return msg, nil
}
