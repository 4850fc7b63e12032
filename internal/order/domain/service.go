package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrInvalidState        = errors.New("invalid_state")
	ErrConflictingPayment  = errors.New("conflicting_payment")
	ErrInvalidOrderRequest = errors.New("invalid_order_request")
)

// ConflictingPaymentError reports that an order already settled under a
// different provider transaction id. It needs manual review, never automatic
// resolution.
type ConflictingPaymentError struct {
	OrderID               snowflake.ID
	ExistingTransactionID string
	IncomingTransactionID string
}

func (e *ConflictingPaymentError) Error() string {
	return fmt.Sprintf("conflicting_payment: order %s settled with tx %s, got tx %s",
		e.OrderID, e.ExistingTransactionID, e.IncomingTransactionID)
}

func (e *ConflictingPaymentError) Is(target error) bool {
	return target == ErrConflictingPayment
}

type CreateOrderRequest struct {
	UserID       snowflake.ID `json:"user_id"`
	Kind         Kind         `json:"kind"`
	Amount       int64        `json:"amount"`
	PointsAmount int64        `json:"points_amount"`
	VipDays      int          `json:"vip_days"`
	Provider     string       `json:"provider"`
}

type Service interface {
	Create(ctx context.Context, req CreateOrderRequest) (*Order, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Order, error)
	GetByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	List(ctx context.Context, userID snowflake.ID, cursor int64, limit int) ([]Order, bool, error)

	// ApplyPaymentSuccess settles a pending order and fulfills it (points
	// credit or VIP grant) in one transaction. Replaying the same provider
	// transaction id succeeds without side effects; a different id returns a
	// ConflictingPaymentError.
	ApplyPaymentSuccess(ctx context.Context, orderID snowflake.ID, providerTransactionID string) error

	Cancel(ctx context.Context, orderID snowflake.ID, reason string) error
	BeginRefund(ctx context.Context, orderID snowflake.ID) error
	CompleteRefund(ctx context.Context, orderID snowflake.ID) error

	// ListReconcileCandidates returns pending orders created inside
	// [oldest, newest) plus all refunding orders, bounded by limit.
	ListReconcileCandidates(ctx context.Context, oldest, newest time.Time, limit int) ([]Order, error)
	// ListExpiredPending returns pending orders created before cutoff.
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}
