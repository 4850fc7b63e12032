package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/openmall/pointspay/internal/clock"
	obsmetrics "github.com/openmall/pointspay/internal/observability/metrics"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
	paymentservice "github.com/openmall/pointspay/internal/payment/service"
	"github.com/openmall/pointspay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Hub      *paymentservice.Hub
	OrderSvc orderdomain.Service
}

// Service turns raw provider notifications into order transitions. Every
// notification is verified, normalized, deduped on the provider transaction
// id, and applied exactly once.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	hub      *paymentservice.Hub
	orderSvc orderdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		genID:    p.GenID,
		clock:    p.Clock,
		hub:      p.Hub,
		orderSvc: p.OrderSvc,
	}
}

func (s *Service) Hub() *paymentservice.Hub {
	return s.hub
}

func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.hub.AdapterFor(provider)
	if err != nil {
		return nil, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook rejected", zap.String("provider", provider), zap.Error(err))
		return nil, err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return nil, err
	}
	obsmetrics.Default().IncWebhookEvent(provider, string(event.Type))

	if err := s.process(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// process dedupes on the (provider, tx id) unique index, applies the event,
// then marks the record. ProcessedAt is a watermark: a record without it
// belongs to a worker that crashed mid-apply and is safe to reprocess, since
// applying is idempotent on the transaction id.
func (s *Service) process(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var record paymentdomain.EventRecord
	err := s.db.WithContext(ctx).
		First(&record, "provider = ? AND provider_transaction_id = ?",
			event.Provider, event.ProviderTransactionID).Error
	switch {
	case err == nil:
		if record.ProcessedAt != nil {
			return paymentdomain.ErrEventAlreadyProcessed
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = paymentdomain.EventRecord{
			ID:                    s.genID.Generate(),
			Provider:              event.Provider,
			ProviderTransactionID: event.ProviderTransactionID,
			OrderNo:               event.OrderNo,
			Type:                  event.Type,
			Amount:                event.Amount,
			CreatedAt:             s.clock.Now(),
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return paymentdomain.ErrEventAlreadyProcessed
			}
			return err
		}
	default:
		return err
	}

	if err := s.apply(ctx, event); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&paymentdomain.EventRecord{}).
		Where("id = ? AND processed_at IS NULL", record.ID).
		Update("processed_at", s.clock.Now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return paymentdomain.ErrEventAlreadyProcessed
	}
	return nil
}

func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	order, err := s.orderSvc.GetByOrderNo(ctx, event.OrderNo)
	if err != nil {
		return err
	}
	if event.Type == paymentdomain.EventPaymentSuccess && event.Amount != order.Amount {
		s.log.Error("webhook amount mismatch",
			zap.String("order_no", event.OrderNo),
			zap.Int64("order_amount", order.Amount),
			zap.Int64("event_amount", event.Amount),
		)
		return paymentdomain.ErrAmountMismatch
	}

	switch event.Type {
	case paymentdomain.EventPaymentSuccess:
		return s.orderSvc.ApplyPaymentSuccess(ctx, order.ID, event.ProviderTransactionID)
	case paymentdomain.EventRefundSuccess:
		// The provider already moved the money. A PAID order is walked
		// through REFUNDING so the local lifecycle stays consistent.
		if order.PaymentStatus == orderdomain.StatusPaid {
			if err := s.orderSvc.BeginRefund(ctx, order.ID); err != nil && !errors.Is(err, orderdomain.ErrInvalidState) {
				return err
			}
		}
		err := s.orderSvc.CompleteRefund(ctx, order.ID)
		if errors.Is(err, orderdomain.ErrInvalidState) {
			reloaded, reloadErr := s.orderSvc.GetByID(ctx, order.ID)
			if reloadErr == nil && reloaded.PaymentStatus == orderdomain.StatusRefunded {
				return nil
			}
		}
		return err
	default:
		return paymentdomain.ErrEventIgnored
	}
}
