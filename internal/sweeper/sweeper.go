package sweeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmall/pointspay/internal/clock"
	"github.com/openmall/pointspay/internal/config"
	obsmetrics "github.com/openmall/pointspay/internal/observability/metrics"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const cancelReason = "payment_timeout"

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Jobs     *config.JobsConfigHolder
	OrderSvc orderdomain.Service
}

// Sweeper cancels pending orders that outlived the payment grace window.
type Sweeper struct {
	log      *zap.Logger
	clock    clock.Clock
	jobs     *config.JobsConfigHolder
	orderSvc orderdomain.Service
}

func New(p Params) *Sweeper {
	return &Sweeper{
		log:      p.Log.Named("sweeper"),
		clock:    p.Clock,
		jobs:     p.Jobs,
		orderSvc: p.OrderSvc,
	}
}

// Sweep cancels one bounded batch of expired pending orders and reports how
// many it cancelled. An order that settles between listing and cancelling
// loses the guarded update; that race is benign and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cfg := s.jobs.Get()
	cutoff := s.clock.Now().Add(-cfg.CancelAfter)

	expired, err := s.orderSvc.ListExpiredPending(ctx, cutoff, cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	var cancelled int
	var errs error
	for _, order := range expired {
		err := s.orderSvc.Cancel(ctx, order.ID, cancelReason)
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, orderdomain.ErrInvalidState):
			// A payment landed first; the order is no longer ours to cancel.
			s.log.Info("expired order settled before sweep",
				zap.String("order_no", order.OrderNo))
		default:
			errs = errors.Join(errs, fmt.Errorf("cancel %s: %w", order.OrderNo, err))
		}
	}

	if cancelled > 0 {
		obsmetrics.Default().IncSweeperCancelled(cancelled)
		s.log.Info("expired orders cancelled",
			zap.Int("cancelled", cancelled),
			zap.Int("examined", len(expired)),
		)
	}
	return cancelled, errs
}
