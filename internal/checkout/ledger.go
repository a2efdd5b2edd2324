package checkout

import "time"

// Webhook outcomes recorded in the ledger.
const (
	OutcomePaid            = "paid"
	OutcomeAlreadyPaid     = "already_paid"
	OutcomePaymentFailed   = "payment_failed"
	OutcomeAwaitingPayment = "awaiting_payment"
	OutcomeOrderCancelled  = "order_cancelled"
	OutcomeIgnored         = "ignored"
)

// ProcessedWebhookEvent records a Stripe event that has been handled so
// redelivered events are acknowledged without touching the order again.
type ProcessedWebhookEvent struct {
	EventID     string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	EventType   string    `gorm:"column:event_type;size:120;not null"`
	OrderID     string    `gorm:"column:order_id;size:200;index"`
	Outcome     string    `gorm:"column:outcome;size:64;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

// TableName exposes the table backing the webhook ledger.
func (ProcessedWebhookEvent) TableName() string {
	return "processed_webhook_events"
}
