package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind classifies what a paid order delivers.
type Kind string

const (
	KindPoints   Kind = "points"
	KindVip      Kind = "vip"
	KindRecharge Kind = "recharge"
)

// PaymentStatus is the order lifecycle state. Transitions are applied with
// guarded UPDATEs keyed on the expected current status, so a lost race shows
// up as zero affected rows instead of a double transition.
type PaymentStatus int

const (
	StatusPending   PaymentStatus = 0
	StatusPaid      PaymentStatus = 1
	StatusCancelled PaymentStatus = 2
	StatusRefunding PaymentStatus = 3
	StatusRefunded  PaymentStatus = 4
)

func (s PaymentStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPaid:
		return "PAID"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRefunding:
		return "REFUNDING"
	case StatusRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

type Order struct {
	ID                    snowflake.ID  `gorm:"primaryKey"`
	OrderNo               string        `gorm:"uniqueIndex;not null"`
	UserID                snowflake.ID  `gorm:"not null;index"`
	Kind                  Kind          `gorm:"type:text;not null"`
	Amount                int64         `gorm:"not null"`
	PointsAmount          int64         `gorm:"not null;default:0"`
	VipDays               int           `gorm:"not null;default:0"`
	Provider              string        `gorm:"not null"`
	PaymentStatus         PaymentStatus `gorm:"not null;default:0;index"`
	ProviderTransactionID *string
	CancelReason          string
	PaidAt                *time.Time
	RefundedAt            *time.Time
	CreatedAt             time.Time `gorm:"not null;index"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }
