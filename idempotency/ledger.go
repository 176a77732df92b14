package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miragespace/billing/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome is how an inbound event ended up being handled
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // the event changed state
	OutcomeDuplicate Outcome = "duplicate" // the event id was already terminal
	OutcomeRejected  Outcome = "rejected"  // the event was valid but not allowed in the current state
	OutcomeIgnored   Outcome = "ignored"   // the event type is not handled
)

// WebhookEvent records every external event id the engine has seen. A row is
// terminal once its effect has been committed.
type WebhookEvent struct {
	ID          string      `json:"id" gorm:"primaryKey"`
	Source      spec.Source `json:"source" gorm:"index;not null"`
	Type        string      `json:"type"`
	ReceivedAt  time.Time   `json:"receivedAt"`
	Outcome     Outcome     `json:"outcome"`
	Terminal    bool        `json:"terminal" gorm:"index;not null;default:false"`
	ProcessedAt *time.Time  `json:"processedAt"`
	Attempts    int         `json:"attempts"`
}

type LedgerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Ledger is the durable idempotency store
type Ledger struct {
	LedgerOptions
}

func NewLedger(option LedgerOptions) (*Ledger, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&WebhookEvent{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize idempotency.Ledger")
	}
	return &Ledger{
		LedgerOptions: option,
	}, nil
}

// Check returns the ledger row for id, or nil if the id was never seen
func (l *Ledger) Check(ctx context.Context, id string) (*WebhookEvent, error) {
	return get(l.DB.WithContext(ctx), id)
}

// Begin records that id was received. It commits on its own so a crash before
// the event is applied leaves a non-terminal row to resume from.
func (l *Ledger) Begin(ctx context.Context, id string, source spec.Source, eventType string) (*WebhookEvent, error) {
	now := time.Now().UTC()
	ev := &WebhookEvent{
		ID:         id,
		Source:     source,
		Type:       eventType,
		ReceivedAt: now,
		Attempts:   1,
	}
	result := l.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"attempts": gorm.Expr("webhook_events.attempts + 1"),
			}),
		}).
		Create(ev)
	if result.Error != nil {
		l.Logger.Error("Database returned error",
			zap.String("EventID", id),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot record webhook event")
	}
	return get(l.DB.WithContext(ctx), id)
}

// Finish marks id terminal for events that never reach the engine
func (l *Ledger) Finish(ctx context.Context, id string, outcome Outcome) error {
	return Complete(l.DB.WithContext(ctx), id, outcome)
}

// Complete marks id terminal inside tx so it commits atomically with the state change
func Complete(tx *gorm.DB, id string, outcome Outcome) error {
	now := time.Now().UTC()
	result := tx.Model(&WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"terminal":     true,
			"outcome":      outcome,
			"processed_at": now,
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot complete webhook event")
	}
	return nil
}

// LockTerminal re-reads id under tx and reports whether a concurrent delivery
// already committed it
func LockTerminal(tx *gorm.DB, id string) (bool, error) {
	var ev WebhookEvent
	result := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ev, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot lock webhook event")
	}
	return ev.Terminal, nil
}

func get(tx *gorm.DB, id string) (*WebhookEvent, error) {
	var ev WebhookEvent
	result := tx.First(&ev, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get webhook event")
	}
	return &ev, nil
}
