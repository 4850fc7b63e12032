package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrAlreadyRevoked      = errors.New("already_revoked")
	ErrNotFound            = errors.New("not_found")
)

// Service is the exclusive path for mutating a user's points balance. Every
// mutation pairs the balance update with exactly one PointsTransaction inside
// a single database transaction.
type Service interface {
	Credit(ctx context.Context, userID snowflake.ID, amount int64, reason Reason, relatedOrderID *snowflake.ID) (*PointsTransaction, error)
	Debit(ctx context.Context, userID snowflake.ID, amount int64, reason Reason) (*PointsTransaction, error)

	// CreditTx and DebitTx run inside a caller-owned transaction so a balance
	// mutation can share an atomic unit with an order state transition.
	CreditTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason Reason, relatedOrderID *snowflake.ID) (*PointsTransaction, error)
	DebitTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason Reason) (*PointsTransaction, error)

	Adjust(ctx context.Context, operatorID, targetUserID snowflake.ID, adjustmentType AdjustmentType, amount int64) (*AdjustmentAuditLog, error)
	Revoke(ctx context.Context, operatorID, logID snowflake.ID) (*AdjustmentAuditLog, error)

	Balance(ctx context.Context, userID snowflake.ID) (*PointsBalance, error)
	ListTransactions(ctx context.Context, userID snowflake.ID, cursor int64, limit int) ([]PointsTransaction, bool, error)
}
