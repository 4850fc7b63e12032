package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/openmall/pointspay/internal/clock"
	vipdomain "github.com/openmall/pointspay/internal/vip/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) vipdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("vip.service"),
		clock: p.Clock,
	}
}

// GrantTx extends the user's membership by days inside the caller's
// transaction. Replaying the same order is a no-op, so a duplicate payment
// notification never grants twice.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, days int, orderID snowflake.ID) error {
	if days <= 0 {
		return nil
	}
	now := s.clock.Now()

	var membership vipdomain.VipMembership
	err := tx.WithContext(ctx).First(&membership, "user_id = ?", userID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.WithContext(ctx).Create(&vipdomain.VipMembership{
			UserID:        userID,
			ExpiresAt:     now.AddDate(0, 0, days),
			LastOrderID:   orderID,
			LastGrantDays: days,
			CreatedAt:     now,
			UpdatedAt:     now,
		}).Error
	case err != nil:
		return err
	}

	if membership.LastOrderID == orderID {
		return nil
	}

	base := membership.ExpiresAt
	if base.Before(now) {
		base = now
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE vip_memberships
		 SET expires_at = ?, last_order_id = ?, last_grant_days = ?, updated_at = ?
		 WHERE user_id = ? AND last_order_id = ?`,
		base.AddDate(0, 0, days), orderID, days, now, userID, membership.LastOrderID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Another grant landed between read and write; it carried its own
		// order id, so this one is treated as already applied.
		return nil
	}

	s.log.Info("vip granted",
		zap.String("user_id", userID.String()),
		zap.Int("days", days),
		zap.String("order_id", orderID.String()),
	)
	return nil
}

// IsActive reports whether the user holds an unexpired membership.
func (s *Service) IsActive(ctx context.Context, userID snowflake.ID) (bool, *vipdomain.VipMembership, error) {
	var membership vipdomain.VipMembership
	err := s.db.WithContext(ctx).First(&membership, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return membership.ExpiresAt.After(s.clock.Now()), &membership, nil
}
