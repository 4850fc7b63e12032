package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// GrantTx extends the membership inside a caller-owned transaction.
	// Granting twice for the same order is a no-op.
	GrantTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, days int, orderID snowflake.ID) error
	IsActive(ctx context.Context, userID snowflake.ID) (bool, *VipMembership, error)
}
