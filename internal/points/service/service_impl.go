package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/openmall/pointspay/internal/clock"
	obsmetrics "github.com/openmall/pointspay/internal/observability/metrics"
	pointsdomain "github.com/openmall/pointspay/internal/points/domain"
	"github.com/openmall/pointspay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) pointsdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("points.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Credit(ctx context.Context, userID snowflake.ID, amount int64, reason pointsdomain.Reason, relatedOrderID *snowflake.ID) (*pointsdomain.PointsTransaction, error) {
	var record *pointsdomain.PointsTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = s.CreditTx(ctx, tx, userID, amount, reason, relatedOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Counted only after the transaction commits.
	obsmetrics.Default().IncLedgerOp(string(reason))
	return record, nil
}

func (s *Service) Debit(ctx context.Context, userID snowflake.ID, amount int64, reason pointsdomain.Reason) (*pointsdomain.PointsTransaction, error) {
	var record *pointsdomain.PointsTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = s.DebitTx(ctx, tx, userID, amount, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	obsmetrics.Default().IncLedgerOp(string(reason))
	return record, nil
}

// CreditTx increments the balance and totalEarned and appends the paired
// transaction record. A missing balance row is created on first credit.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason pointsdomain.Reason, relatedOrderID *snowflake.ID) (*pointsdomain.PointsTransaction, error) {
	return s.creditTx(ctx, tx, userID, amount, reason, relatedOrderID, nil)
}

// DebitTx decrements the balance if and only if it stays non-negative; the
// check and the decrement are one guarded UPDATE, so concurrent debits cannot
// overdraw.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason pointsdomain.Reason) (*pointsdomain.PointsTransaction, error) {
	return s.debitTx(ctx, tx, userID, amount, reason, nil)
}

func (s *Service) creditTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason pointsdomain.Reason, relatedOrderID *snowflake.ID, createdBy *snowflake.ID) (*pointsdomain.PointsTransaction, error) {
	if amount <= 0 {
		return nil, pointsdomain.ErrInvalidAmount
	}
	now := s.clock.Now()

	result := tx.WithContext(ctx).Exec(
		`UPDATE points_balances
		 SET balance = balance + ?, total_earned = total_earned + ?, updated_at = ?
		 WHERE user_id = ?`,
		amount, amount, now, userID,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		err := tx.WithContext(ctx).Create(&pointsdomain.PointsBalance{
			UserID:      userID,
			Balance:     amount,
			TotalEarned: amount,
			CreatedAt:   now,
			UpdatedAt:   now,
		}).Error
		if err != nil {
			if !db.IsDuplicateKeyErr(err) {
				return nil, err
			}
			// Lost the race for the first credit; apply onto the winner's row.
			retry := tx.WithContext(ctx).Exec(
				`UPDATE points_balances
				 SET balance = balance + ?, total_earned = total_earned + ?, updated_at = ?
				 WHERE user_id = ?`,
				amount, amount, now, userID,
			)
			if retry.Error != nil {
				return nil, retry.Error
			}
		}
	}

	return s.appendTransaction(ctx, tx, userID, amount, reason, relatedOrderID, createdBy, now)
}

func (s *Service) debitTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reason pointsdomain.Reason, createdBy *snowflake.ID) (*pointsdomain.PointsTransaction, error) {
	if amount <= 0 {
		return nil, pointsdomain.ErrInvalidAmount
	}
	now := s.clock.Now()

	result := tx.WithContext(ctx).Exec(
		`UPDATE points_balances
		 SET balance = balance - ?, updated_at = ?
		 WHERE user_id = ? AND balance >= ?`,
		amount, now, userID, amount,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, pointsdomain.ErrInsufficientBalance
	}

	return s.appendTransaction(ctx, tx, userID, -amount, reason, nil, createdBy, now)
}

func (s *Service) appendTransaction(ctx context.Context, tx *gorm.DB, userID snowflake.ID, delta int64, reason pointsdomain.Reason, relatedOrderID *snowflake.ID, createdBy *snowflake.ID, now time.Time) (*pointsdomain.PointsTransaction, error) {
	var balance pointsdomain.PointsBalance
	if err := tx.WithContext(ctx).First(&balance, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}

	record := &pointsdomain.PointsTransaction{
		ID:             s.genID.Generate(),
		UserID:         userID,
		Delta:          delta,
		BalanceAfter:   balance.Balance,
		Reason:         reason,
		RelatedOrderID: relatedOrderID,
		CreatedBy:      createdBy,
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) Adjust(ctx context.Context, operatorID, targetUserID snowflake.ID, adjustmentType pointsdomain.AdjustmentType, amount int64) (*pointsdomain.AdjustmentAuditLog, error) {
	if amount <= 0 {
		return nil, pointsdomain.ErrInvalidAmount
	}

	var entry *pointsdomain.AdjustmentAuditLog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record *pointsdomain.PointsTransaction
		var err error
		switch adjustmentType {
		case pointsdomain.AdjustmentTypeGift:
			record, err = s.creditTx(ctx, tx, targetUserID, amount, pointsdomain.ReasonAdminAdjust, nil, &operatorID)
		case pointsdomain.AdjustmentTypeDeduct:
			record, err = s.debitTx(ctx, tx, targetUserID, amount, pointsdomain.ReasonAdminAdjust, &operatorID)
		default:
			return pointsdomain.ErrInvalidAmount
		}
		if err != nil {
			return err
		}

		entry = &pointsdomain.AdjustmentAuditLog{
			ID:                   s.genID.Generate(),
			TargetUserID:         targetUserID,
			AdjustmentType:       adjustmentType,
			Amount:               amount,
			RelatedTransactionID: record.ID,
			OperatorID:           operatorID,
			CreatedAt:            s.clock.Now(),
		}
		return tx.WithContext(ctx).Create(entry).Error
	})
	if err != nil {
		return nil, err
	}

	obsmetrics.Default().IncLedgerOp(string(pointsdomain.ReasonAdminAdjust))
	s.log.Info("points adjusted",
		zap.String("target_user_id", targetUserID.String()),
		zap.String("type", string(adjustmentType)),
		zap.Int64("amount", amount),
		zap.String("operator_id", operatorID.String()),
	)
	return entry, nil
}

// Revoke reverses a prior adjustment exactly once. Reversing a gift debits
// the target; if that would drive the balance negative the revoke is rejected
// and the log stays unrevoked.
func (s *Service) Revoke(ctx context.Context, operatorID, logID snowflake.ID) (*pointsdomain.AdjustmentAuditLog, error) {
	var entry pointsdomain.AdjustmentAuditLog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).First(&entry, "id = ?", logID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pointsdomain.ErrNotFound
			}
			return err
		}
		if entry.Revoked {
			return pointsdomain.ErrAlreadyRevoked
		}

		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE adjustment_audit_logs
			 SET revoked = ?, revoked_at = ?
			 WHERE id = ? AND revoked = ?`,
			true, now, logID, false,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return pointsdomain.ErrAlreadyRevoked
		}

		var err error
		switch entry.AdjustmentType {
		case pointsdomain.AdjustmentTypeGift:
			_, err = s.debitTx(ctx, tx, entry.TargetUserID, entry.Amount, pointsdomain.ReasonAdminRevoke, &operatorID)
		case pointsdomain.AdjustmentTypeDeduct:
			_, err = s.creditTx(ctx, tx, entry.TargetUserID, entry.Amount, pointsdomain.ReasonAdminRevoke, nil, &operatorID)
		default:
			return pointsdomain.ErrNotFound
		}
		if err != nil {
			return err
		}

		entry.Revoked = true
		entry.RevokedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	obsmetrics.Default().IncLedgerOp(string(pointsdomain.ReasonAdminRevoke))
	s.log.Info("adjustment revoked",
		zap.String("log_id", logID.String()),
		zap.String("operator_id", operatorID.String()),
	)
	return &entry, nil
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (*pointsdomain.PointsBalance, error) {
	var balance pointsdomain.PointsBalance
	err := s.db.WithContext(ctx).First(&balance, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &pointsdomain.PointsBalance{UserID: userID}, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID snowflake.ID, cursor int64, limit int) ([]pointsdomain.PointsTransaction, bool, error) {
	if limit <= 0 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if cursor > 0 {
		query = query.Where("id < ?", cursor)
	}

	var records []pointsdomain.PointsTransaction
	if err := query.Order("id desc").Limit(limit + 1).Find(&records).Error; err != nil {
		return nil, false, err
	}

	hasMore := false
	if len(records) > limit {
		hasMore = true
		records = records[:limit]
	}
	return records, hasMore, nil
}
