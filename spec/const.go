package spec

import "time"

// Define constants shared by the engine, the ingress and the bus adapters
const (
	TopicPaymentSucceeded      string = "payments.payment_succeeded"
	TopicPaymentFailed         string = "payments.payment_failed"
	TopicSubscriptionCanceled  string = "payments.subscription_canceled"
	TopicUserCreated           string = "users.user_created"
	TopicPlanChanged           string = "billing.plan_changed"
	TopicSchoolRegistered      string = "schools.school_registered"
	DefaultExternalCallTimeout        = time.Second * 10
	DefaultSweepSchedule              = "@every 1m"
)

// ConsumedTopics are the topics the engine subscribes to on the bus
var ConsumedTopics = []string{
	TopicUserCreated,
	TopicPlanChanged,
	TopicSchoolRegistered,
}

// Source identifies where an inbound event came from
type Source string

const (
	SourceStripe    Source = "stripe"
	SourceBus       Source = "bus"
	SourceScheduler Source = "scheduler"
)

// Metadata keys attached to processor objects so results can be routed back
const (
	MetaSubscriptionID string = "subscription_id"
	MetaInvoiceID      string = "invoice_id"
	MetaRefundID       string = "refund_id"
	MetaAttempt        string = "attempt"
)
