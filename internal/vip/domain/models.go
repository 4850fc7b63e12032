package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// VipMembership tracks a user's VIP window. The expiry extends forward on
// each grant; an expired membership restarts from the grant time.
type VipMembership struct {
	UserID        snowflake.ID `gorm:"primaryKey"`
	ExpiresAt     time.Time    `gorm:"not null"`
	LastOrderID   snowflake.ID `gorm:"not null"`
	LastGrantDays int          `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null"`
	UpdatedAt     time.Time    `gorm:"not null"`
}

func (VipMembership) TableName() string { return "vip_memberships" }
