package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrMalformedNotification = errors.New("malformed_notification")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrProviderUnavailable   = errors.New("provider_unavailable")
	ErrUnknownProvider       = errors.New("unknown_provider")
	ErrInvalidConfig         = errors.New("invalid_adapter_config")
	ErrAmountMismatch        = errors.New("amount_mismatch")
)

// EventType is the canonical classification of a provider notification.
type EventType string

const (
	EventPaymentSuccess EventType = "payment_success"
	EventRefundSuccess  EventType = "refund_success"
)

// PaymentEvent is the provider-neutral form every adapter normalizes to.
// Amount is in minor units regardless of how the provider quotes it.
type PaymentEvent struct {
	Provider              string
	Type                  EventType
	OrderNo               string
	ProviderTransactionID string
	Amount                int64
	OccurredAt            time.Time
}

// ProviderStatus is the canonical answer to an order status query.
type ProviderStatus string

const (
	StatusPaid     ProviderStatus = "paid"
	StatusPending  ProviderStatus = "pending"
	StatusNotFound ProviderStatus = "not_found"
	StatusRefunded ProviderStatus = "refunded"
)

// QueryResult is the normalized outcome of querying a provider for an order.
type QueryResult struct {
	Status                ProviderStatus
	ProviderTransactionID string
	Amount                int64
}

// AdapterConfig carries the merchant credentials an adapter needs.
type AdapterConfig struct {
	AppID      string
	MerchantID string
	APIKey     string
	GatewayURL string
	HTTPClient *http.Client
}

// PaymentAdapter hides one provider's wire format. Verify authenticates the
// raw notification, Parse normalizes it, QueryStatus asks the provider for
// the authoritative state of an order.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
	QueryStatus(ctx context.Context, orderNo string) (*QueryResult, error)
	// Ack renders the provider-specific acknowledgement body.
	Ack() (contentType string, body []byte)
}

// AdapterFactory builds a configured adapter for one provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// EventRecord dedupes provider notifications. The provider transaction id is
// the idempotency key; a row with ProcessedAt set has already been applied.
type EventRecord struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	Provider              string       `gorm:"not null;uniqueIndex:idx_event_provider_tx,priority:1"`
	ProviderTransactionID string       `gorm:"not null;uniqueIndex:idx_event_provider_tx,priority:2"`
	OrderNo               string       `gorm:"not null;index"`
	Type                  EventType    `gorm:"type:text;not null"`
	Amount                int64        `gorm:"not null"`
	ProcessedAt           *time.Time
	CreatedAt             time.Time `gorm:"not null"`
}

func (EventRecord) TableName() string { return "payment_events" }
