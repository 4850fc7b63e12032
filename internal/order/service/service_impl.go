package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/openmall/pointspay/internal/clock"
	obsmetrics "github.com/openmall/pointspay/internal/observability/metrics"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
	pointsdomain "github.com/openmall/pointspay/internal/points/domain"
	vipdomain "github.com/openmall/pointspay/internal/vip/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Points pointsdomain.Service
	Vip    vipdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	points pointsdomain.Service
	vip    vipdomain.Service
}

func NewService(p Params) orderdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("order.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		points: p.Points,
		vip:    p.Vip,
	}
}

func (s *Service) Create(ctx context.Context, req orderdomain.CreateOrderRequest) (*orderdomain.Order, error) {
	if req.UserID == 0 || req.Amount <= 0 {
		return nil, orderdomain.ErrInvalidOrderRequest
	}
	switch req.Kind {
	case orderdomain.KindPoints, orderdomain.KindRecharge:
		if req.PointsAmount <= 0 {
			return nil, orderdomain.ErrInvalidOrderRequest
		}
	case orderdomain.KindVip:
		if req.VipDays <= 0 {
			return nil, orderdomain.ErrInvalidOrderRequest
		}
	default:
		return nil, orderdomain.ErrInvalidOrderRequest
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	order := &orderdomain.Order{
		ID:            id,
		OrderNo:       fmt.Sprintf("PO%s", id),
		UserID:        req.UserID,
		Kind:          req.Kind,
		Amount:        req.Amount,
		PointsAmount:  req.PointsAmount,
		VipDays:       req.VipDays,
		Provider:      req.Provider,
		PaymentStatus: orderdomain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_no", order.OrderNo),
		zap.String("kind", string(order.Kind)),
		zap.Int64("amount", order.Amount),
	)
	return order, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*orderdomain.Order, error) {
	return getByID(ctx, s.db, id)
}

func getByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := db.WithContext(ctx).First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orderdomain.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *Service) GetByOrderNo(ctx context.Context, orderNo string) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := s.db.WithContext(ctx).First(&order, "order_no = ?", orderNo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orderdomain.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID, cursor int64, limit int) ([]orderdomain.Order, bool, error) {
	if limit <= 0 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if cursor > 0 {
		query = query.Where("id < ?", cursor)
	}

	var orders []orderdomain.Order
	if err := query.Order("id desc").Limit(limit + 1).Find(&orders).Error; err != nil {
		return nil, false, err
	}

	hasMore := false
	if len(orders) > limit {
		hasMore = true
		orders = orders[:limit]
	}
	return orders, hasMore, nil
}

// ApplyPaymentSuccess moves PENDING to PAID with a guarded UPDATE and runs
// fulfillment in the same transaction. When the guard misses, the order is
// reloaded to tell a duplicate notification apart from a real conflict.
func (s *Service) ApplyPaymentSuccess(ctx context.Context, orderID snowflake.ID, providerTransactionID string) error {
	if providerTransactionID == "" {
		return orderdomain.ErrInvalidOrderRequest
	}

	var credited bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := tx.WithContext(ctx).Exec(
			`UPDATE orders
			 SET payment_status = ?, provider_transaction_id = ?, paid_at = ?, updated_at = ?
			 WHERE id = ? AND payment_status = ?`,
			orderdomain.StatusPaid, providerTransactionID, now, now,
			orderID, orderdomain.StatusPending,
		)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			order, err := getByID(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if order.PaymentStatus == orderdomain.StatusPaid {
				if order.ProviderTransactionID != nil && *order.ProviderTransactionID == providerTransactionID {
					// Duplicate notification for an already settled order.
					return nil
				}
				existing := ""
				if order.ProviderTransactionID != nil {
					existing = *order.ProviderTransactionID
				}
				return &orderdomain.ConflictingPaymentError{
					OrderID:               orderID,
					ExistingTransactionID: existing,
					IncomingTransactionID: providerTransactionID,
				}
			}
			return orderdomain.ErrInvalidState
		}

		order, err := getByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := s.fulfill(ctx, tx, order); err != nil {
			return err
		}
		credited = order.Kind == orderdomain.KindPoints || order.Kind == orderdomain.KindRecharge

		s.log.Info("order settled",
			zap.String("order_id", order.ID.String()),
			zap.String("provider_tx_id", providerTransactionID),
			zap.String("kind", string(order.Kind)),
		)
		return nil
	})
	if err != nil {
		return err
	}
	if credited {
		// The fulfillment credit counts only once the settlement commits.
		obsmetrics.Default().IncLedgerOp(string(pointsdomain.ReasonOrderPaid))
	}
	return nil
}

func (s *Service) fulfill(ctx context.Context, tx *gorm.DB, order *orderdomain.Order) error {
	switch order.Kind {
	case orderdomain.KindPoints, orderdomain.KindRecharge:
		orderID := order.ID
		_, err := s.points.CreditTx(ctx, tx, order.UserID, order.PointsAmount, pointsdomain.ReasonOrderPaid, &orderID)
		return err
	case orderdomain.KindVip:
		return s.vip.GrantTx(ctx, tx, order.UserID, order.VipDays, order.ID)
	default:
		return orderdomain.ErrInvalidState
	}
}

func (s *Service) Cancel(ctx context.Context, orderID snowflake.ID, reason string) error {
	return s.transition(ctx, orderID,
		orderdomain.StatusPending, orderdomain.StatusCancelled,
		func(updates map[string]any) {
			updates["cancel_reason"] = reason
		})
}

func (s *Service) BeginRefund(ctx context.Context, orderID snowflake.ID) error {
	return s.transition(ctx, orderID,
		orderdomain.StatusPaid, orderdomain.StatusRefunding, nil)
}

func (s *Service) CompleteRefund(ctx context.Context, orderID snowflake.ID) error {
	return s.transition(ctx, orderID,
		orderdomain.StatusRefunding, orderdomain.StatusRefunded,
		func(updates map[string]any) {
			updates["refunded_at"] = s.clock.Now()
		})
}

func (s *Service) transition(ctx context.Context, orderID snowflake.ID, from, to orderdomain.PaymentStatus, extra func(map[string]any)) error {
	updates := map[string]any{
		"payment_status": to,
		"updated_at":     s.clock.Now(),
	}
	if extra != nil {
		extra(updates)
	}

	result := s.db.WithContext(ctx).
		Model(&orderdomain.Order{}).
		Where("id = ? AND payment_status = ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetByID(ctx, orderID); err != nil {
			return err
		}
		return orderdomain.ErrInvalidState
	}

	s.log.Info("order transitioned",
		zap.String("order_id", orderID.String()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return nil
}

func (s *Service) ListReconcileCandidates(ctx context.Context, oldest, newest time.Time, limit int) ([]orderdomain.Order, error) {
	var orders []orderdomain.Order
	err := s.db.WithContext(ctx).
		Where("(payment_status = ? AND created_at >= ? AND created_at < ?) OR payment_status = ?",
			orderdomain.StatusPending, oldest, newest, orderdomain.StatusRefunding).
		Order("created_at asc").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (s *Service) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]orderdomain.Order, error) {
	var orders []orderdomain.Order
	err := s.db.WithContext(ctx).
		Where("payment_status = ? AND created_at < ?", orderdomain.StatusPending, cutoff).
		Order("created_at asc").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
