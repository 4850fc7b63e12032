package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason classifies a points transaction.
type Reason string

const (
	ReasonSignin      Reason = "signin"
	ReasonTask        Reason = "task"
	ReasonExchange    Reason = "exchange"
	ReasonOrderPaid   Reason = "order_paid"
	ReasonOrderRefund Reason = "order_refund"
	ReasonAdminAdjust Reason = "admin_adjust"
	ReasonAdminRevoke Reason = "admin_revoke"
)

// AdjustmentType classifies a manual operator action.
type AdjustmentType string

const (
	AdjustmentTypeGift   AdjustmentType = "gift"
	AdjustmentTypeDeduct AdjustmentType = "deduct"
	AdjustmentTypeRevoke AdjustmentType = "revoke"
)

// PointsBalance is the single mutable row per user. It is only ever written
// through the ledger service.
type PointsBalance struct {
	UserID      snowflake.ID `gorm:"primaryKey"`
	Balance     int64        `gorm:"not null;default:0"`
	TotalEarned int64        `gorm:"not null;default:0"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (PointsBalance) TableName() string { return "points_balances" }

// PointsTransaction is an append-only ledger entry. BalanceAfter is the
// balance snapshot taken in the same transaction that applied Delta.
type PointsTransaction struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	UserID         snowflake.ID  `gorm:"not null;index"`
	Delta          int64         `gorm:"not null"`
	BalanceAfter   int64         `gorm:"not null"`
	Reason         Reason        `gorm:"type:text;not null;index"`
	RelatedOrderID *snowflake.ID `gorm:"index"`
	CreatedBy      *snowflake.ID
	CreatedAt      time.Time `gorm:"not null"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

// AdjustmentAuditLog records a manual operator adjustment and whether it has
// been revoked. A log is revoked at most once.
type AdjustmentAuditLog struct {
	ID                   snowflake.ID   `gorm:"primaryKey"`
	TargetUserID         snowflake.ID   `gorm:"not null;index"`
	AdjustmentType       AdjustmentType `gorm:"type:text;not null"`
	Amount               int64          `gorm:"not null"`
	RelatedTransactionID snowflake.ID   `gorm:"not null"`
	Revoked              bool           `gorm:"not null;default:false"`
	RevokedAt            *time.Time
	OperatorID           snowflake.ID `gorm:"not null"`
	CreatedAt            time.Time    `gorm:"not null"`
}

func (AdjustmentAuditLog) TableName() string { return "adjustment_audit_logs" }
