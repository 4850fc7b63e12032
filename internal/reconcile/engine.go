package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/openmall/pointspay/internal/clock"
	"github.com/openmall/pointspay/internal/config"
	obsmetrics "github.com/openmall/pointspay/internal/observability/metrics"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AdapterSource resolves the configured adapter for a provider.
type AdapterSource interface {
	AdapterFor(provider string) (paymentdomain.PaymentAdapter, error)
}

// ReconciliationRun is the persisted summary of one reconciliation pass.
// A per-order failure lands in Errors and ErrorDetails; it never aborts the
// rest of the batch.
type ReconciliationRun struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	StartedAt    time.Time    `gorm:"not null;index"`
	FinishedAt   time.Time    `gorm:"not null"`
	Attempt      int          `gorm:"not null"`
	TotalChecked int          `gorm:"not null"`
	Settled      int          `gorm:"not null"`
	Refunded     int          `gorm:"not null"`
	Cancelled    int          `gorm:"not null"`
	Skipped      int          `gorm:"not null"`
	Errors       int          `gorm:"not null"`
	ErrorDetails datatypes.JSON
}

func (ReconciliationRun) TableName() string { return "reconciliation_runs" }

type orderError struct {
	OrderNo string `json:"order_no"`
	Error   string `json:"error"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Jobs     *config.JobsConfigHolder
	OrderSvc orderdomain.Service
	Adapters AdapterSource
}

type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	jobs     *config.JobsConfigHolder
	orderSvc orderdomain.Service
	adapters AdapterSource

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:       p.DB,
		log:      p.Log.Named("reconcile"),
		genID:    p.GenID,
		clock:    p.Clock,
		jobs:     p.Jobs,
		orderSvc: p.OrderSvc,
		adapters: p.Adapters,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunWithRetry retries a whole failed pass a bounded number of times. A pass
// with only per-order errors counts as complete; retries cover passes that
// could not run at all.
func (e *Engine) RunWithRetry(ctx context.Context) (*ReconciliationRun, error) {
	cfg := e.jobs.Get()

	var errs error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		run, err := e.RunOnce(ctx, attempt)
		if err == nil {
			return run, nil
		}
		errs = errors.Join(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		if attempt == cfg.RetryAttempts {
			break
		}
		e.log.Warn("reconciliation pass failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", cfg.RetryDelay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, cfg.RetryDelay); err != nil {
			return nil, errors.Join(errs, err)
		}
	}
	return nil, errs
}

// RunOnce reconciles one bounded batch of candidate orders against their
// providers.
func (e *Engine) RunOnce(ctx context.Context, attempt int) (*ReconciliationRun, error) {
	cfg := e.jobs.Get()
	now := e.clock.Now()

	run := &ReconciliationRun{
		ID:        e.genID.Generate(),
		StartedAt: now,
		Attempt:   attempt,
	}

	candidates, err := e.orderSvc.ListReconcileCandidates(ctx,
		now.Add(-cfg.CancelAfter), now.Add(-cfg.ReconcileAfter), cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	var details []orderError
	for _, order := range candidates {
		run.TotalChecked++
		if err := e.reconcileOrder(ctx, cfg, &order, run); err != nil {
			run.Errors++
			details = append(details, orderError{OrderNo: order.OrderNo, Error: err.Error()})
			obsmetrics.Default().IncReconcileOutcome("error")
			e.log.Warn("order reconciliation failed",
				zap.String("order_no", order.OrderNo),
				zap.Error(err),
			)
		}
	}

	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			run.ErrorDetails = datatypes.JSON(raw)
		}
	}
	run.FinishedAt = e.clock.Now()

	if err := e.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	e.log.Info("reconciliation pass finished",
		zap.Int("attempt", attempt),
		zap.Int("total_checked", run.TotalChecked),
		zap.Int("settled", run.Settled),
		zap.Int("refunded", run.Refunded),
		zap.Int("cancelled", run.Cancelled),
		zap.Int("skipped", run.Skipped),
		zap.Int("errors", run.Errors),
	)
	return run, nil
}

func (e *Engine) reconcileOrder(ctx context.Context, cfg config.JobsConfig, order *orderdomain.Order, run *ReconciliationRun) error {
	adapter, err := e.adapters.AdapterFor(order.Provider)
	if err != nil {
		return err
	}

	queryCtx, cancel := context.WithTimeout(ctx, cfg.ProviderTimeout)
	defer cancel()

	result, err := adapter.QueryStatus(queryCtx, order.OrderNo)
	if err != nil {
		return fmt.Errorf("query %s: %w", order.Provider, err)
	}

	switch order.PaymentStatus {
	case orderdomain.StatusPending:
		return e.reconcilePending(ctx, cfg, order, result, run)
	case orderdomain.StatusRefunding:
		return e.reconcileRefunding(ctx, order, result, run)
	default:
		// Raced with a webhook between listing and querying.
		run.Skipped++
		obsmetrics.Default().IncReconcileOutcome("skipped")
		return nil
	}
}

func (e *Engine) reconcilePending(ctx context.Context, cfg config.JobsConfig, order *orderdomain.Order, result *paymentdomain.QueryResult, run *ReconciliationRun) error {
	switch result.Status {
	case paymentdomain.StatusPaid:
		err := e.orderSvc.ApplyPaymentSuccess(ctx, order.ID, result.ProviderTransactionID)
		if err != nil && !errors.Is(err, orderdomain.ErrInvalidState) {
			return err
		}
		run.Settled++
		obsmetrics.Default().IncReconcileOutcome("settled")
		e.log.Info("order settled by reconciliation",
			zap.String("order_no", order.OrderNo),
			zap.String("provider_tx_id", result.ProviderTransactionID),
		)
		return nil
	case paymentdomain.StatusPending, paymentdomain.StatusNotFound:
		// An order the provider has never seen and that has outlived the
		// cancel window will never settle; close it here. The window can
		// shrink under a listed order when the jobs config reloads mid-pass.
		if result.Status == paymentdomain.StatusNotFound &&
			order.CreatedAt.Before(e.clock.Now().Add(-cfg.CancelAfter)) {
			err := e.orderSvc.Cancel(ctx, order.ID, "payment_timeout")
			if err != nil && !errors.Is(err, orderdomain.ErrInvalidState) {
				return err
			}
			run.Cancelled++
			obsmetrics.Default().IncReconcileOutcome("cancelled")
			e.log.Info("expired order cancelled by reconciliation",
				zap.String("order_no", order.OrderNo),
			)
			return nil
		}
		// Otherwise the sweeper owns expiry; nothing to do yet.
		run.Skipped++
		obsmetrics.Default().IncReconcileOutcome("skipped")
		return nil
	case paymentdomain.StatusRefunded:
		return fmt.Errorf("pending order %s refunded at provider", order.OrderNo)
	default:
		return fmt.Errorf("unexpected provider status %q", result.Status)
	}
}

func (e *Engine) reconcileRefunding(ctx context.Context, order *orderdomain.Order, result *paymentdomain.QueryResult, run *ReconciliationRun) error {
	switch result.Status {
	case paymentdomain.StatusRefunded:
		err := e.orderSvc.CompleteRefund(ctx, order.ID)
		if err != nil && !errors.Is(err, orderdomain.ErrInvalidState) {
			return err
		}
		run.Refunded++
		obsmetrics.Default().IncReconcileOutcome("refunded")
		e.log.Info("refund completed by reconciliation",
			zap.String("order_no", order.OrderNo),
		)
		return nil
	case paymentdomain.StatusPaid, paymentdomain.StatusPending:
		// Refund still in flight at the provider.
		run.Skipped++
		obsmetrics.Default().IncReconcileOutcome("skipped")
		return nil
	default:
		return fmt.Errorf("unexpected provider status %q for refunding order", result.Status)
	}
}
