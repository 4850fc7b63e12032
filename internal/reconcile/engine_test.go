package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/openmall/pointspay/internal/clock"
	"github.com/openmall/pointspay/internal/config"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
	orderservice "github.com/openmall/pointspay/internal/order/service"
	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
	pointsdomain "github.com/openmall/pointspay/internal/points/domain"
	pointsservice "github.com/openmall/pointspay/internal/points/service"
	vipdomain "github.com/openmall/pointspay/internal/vip/domain"
	vipservice "github.com/openmall/pointspay/internal/vip/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq int

// stubAdapter returns canned query results keyed by order number.
type stubAdapter struct {
	results map[string]*paymentdomain.QueryResult
	errs    map[string]error
	queried []string
}

func (a *stubAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return nil
}

func (a *stubAdapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	return nil, paymentdomain.ErrEventIgnored
}

func (a *stubAdapter) QueryStatus(ctx context.Context, orderNo string) (*paymentdomain.QueryResult, error) {
	a.queried = append(a.queried, orderNo)
	if err, ok := a.errs[orderNo]; ok {
		return nil, err
	}
	if result, ok := a.results[orderNo]; ok {
		return result, nil
	}
	return &paymentdomain.QueryResult{Status: paymentdomain.StatusNotFound}, nil
}

func (a *stubAdapter) Ack() (string, []byte) {
	return "text/plain", []byte("ok")
}

type stubSource struct {
	adapter *stubAdapter
}

func (s *stubSource) AdapterFor(provider string) (paymentdomain.PaymentAdapter, error) {
	if provider != "wechat" {
		return nil, paymentdomain.ErrUnknownProvider
	}
	return s.adapter, nil
}

type fixture struct {
	engine  *Engine
	orders  orderdomain.Service
	points  pointsdomain.Service
	adapter *stubAdapter
	db      *gorm.DB
	clock   *clock.FakeClock
	genID   *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	testDBSeq++
	dsn := fmt.Sprintf("file:reconcile_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&orderdomain.Order{},
		&pointsdomain.PointsBalance{},
		&pointsdomain.PointsTransaction{},
		&pointsdomain.AdjustmentAuditLog{},
		&vipdomain.VipMembership{},
		&ReconciliationRun{},
	); err != nil {
		t.Fatal(err)
	}

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	node, _ := snowflake.NewNode(1)
	log := zap.NewNop()

	points := pointsservice.NewService(pointsservice.Params{DB: db, Log: log, GenID: node, Clock: fake})
	vip := vipservice.NewService(vipservice.Params{DB: db, Log: log, Clock: fake})
	orders := orderservice.NewService(orderservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Points: points, Vip: vip,
	})

	adapter := &stubAdapter{
		results: map[string]*paymentdomain.QueryResult{},
		errs:    map[string]error{},
	}
	engine := NewEngine(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		Jobs:     config.NewStaticJobsConfigHolder(config.DefaultJobsConfig()),
		OrderSvc: orders,
		Adapters: &stubSource{adapter: adapter},
	})
	engine.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &fixture{
		engine: engine, orders: orders, points: points,
		adapter: adapter, db: db, clock: fake, genID: node,
	}
}

// agedOrder creates a pending order and ages it into the reconcile window.
func (f *fixture) agedOrder(t *testing.T) *orderdomain.Order {
	t.Helper()
	order, err := f.orders.Create(context.Background(), orderdomain.CreateOrderRequest{
		UserID:       f.genID.Generate(),
		Kind:         orderdomain.KindPoints,
		Amount:       990,
		PointsAmount: 100,
		Provider:     "wechat",
	})
	if err != nil {
		t.Fatal(err)
	}

	aged := f.clock.Now().Add(-10 * time.Minute)
	if err := f.db.Model(order).Update("created_at", aged).Error; err != nil {
		t.Fatal(err)
	}
	return order
}

func TestRunOnce_SettlesPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.agedOrder(t)

	f.adapter.results[order.OrderNo] = &paymentdomain.QueryResult{
		Status:                paymentdomain.StatusPaid,
		ProviderTransactionID: "wx_tx_lost",
		Amount:                990,
	}

	run, err := f.engine.RunOnce(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.TotalChecked)
	assert.Equal(t, 1, run.Settled)
	assert.Zero(t, run.Errors)

	reloaded, err := f.orders.GetByID(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPaid, reloaded.PaymentStatus)
	assert.Equal(t, "wx_tx_lost", *reloaded.ProviderTransactionID)

	// Fulfillment ran even though no webhook ever arrived.
	balance, err := f.points.Balance(ctx, reloaded.UserID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestRunOnce_FreshOrdersAreLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Created just now, inside the grace window.
	_, err := f.orders.Create(ctx, orderdomain.CreateOrderRequest{
		UserID:       f.genID.Generate(),
		Kind:         orderdomain.KindPoints,
		Amount:       990,
		PointsAmount: 100,
		Provider:     "wechat",
	})
	assert.NoError(t, err)

	run, err := f.engine.RunOnce(ctx, 1)
	assert.NoError(t, err)
	assert.Zero(t, run.TotalChecked)
	assert.Empty(t, f.adapter.queried)
}

func TestRunOnce_PerOrderErrorIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orders := make([]*orderdomain.Order, 5)
	for i := range orders {
		orders[i] = f.agedOrder(t)
		f.adapter.results[orders[i].OrderNo] = &paymentdomain.QueryResult{
			Status:                paymentdomain.StatusPaid,
			ProviderTransactionID: fmt.Sprintf("wx_tx_%d", i),
		}
	}
	// The third order's provider call blows up; the rest still settle.
	delete(f.adapter.results, orders[2].OrderNo)
	f.adapter.errs[orders[2].OrderNo] = paymentdomain.ErrProviderUnavailable

	run, err := f.engine.RunOnce(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, 5, run.TotalChecked)
	assert.Equal(t, 4, run.Settled)
	assert.Equal(t, 1, run.Errors)
	assert.Contains(t, string(run.ErrorDetails), orders[2].OrderNo)

	for i, order := range orders {
		reloaded, err := f.orders.GetByID(ctx, order.ID)
		assert.NoError(t, err)
		if i == 2 {
			assert.Equal(t, orderdomain.StatusPending, reloaded.PaymentStatus)
		} else {
			assert.Equal(t, orderdomain.StatusPaid, reloaded.PaymentStatus)
		}
	}
}

func TestRunOnce_PendingAtProviderIsSkipped(t *testing.T) {
	f := newFixture(t)
	order := f.agedOrder(t)

	f.adapter.results[order.OrderNo] = &paymentdomain.QueryResult{
		Status: paymentdomain.StatusPending,
	}

	run, err := f.engine.RunOnce(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.TotalChecked)
	assert.Equal(t, 1, run.Skipped)

	reloaded, err := f.orders.GetByID(context.Background(), order.ID)
	assert.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPending, reloaded.PaymentStatus)
}

func TestRunOnce_CompletesRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.agedOrder(t)

	assert.NoError(t, f.orders.ApplyPaymentSuccess(ctx, order.ID, "wx_tx_1"))
	assert.NoError(t, f.orders.BeginRefund(ctx, order.ID))

	f.adapter.results[order.OrderNo] = &paymentdomain.QueryResult{
		Status: paymentdomain.StatusRefunded,
	}

	run, err := f.engine.RunOnce(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Refunded)

	reloaded, err := f.orders.GetByID(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, orderdomain.StatusRefunded, reloaded.PaymentStatus)
}

func TestRunOnce_BatchIsBounded(t *testing.T) {
	f := newFixture(t)

	cfg := config.DefaultJobsConfig()
	cfg.BatchSize = 3
	f.engine.jobs = config.NewStaticJobsConfigHolder(cfg)

	for i := 0; i < 5; i++ {
		f.agedOrder(t)
	}

	run, err := f.engine.RunOnce(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 3, run.TotalChecked)
}

func TestRunOnce_PersistsRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RunOnce(context.Background(), 2)
	assert.NoError(t, err)

	var runs []ReconciliationRun
	assert.NoError(t, f.db.Find(&runs).Error)
	assert.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Attempt)
}

// failingOrderSvc makes the candidate listing fail a set number of times to
// exercise whole-run retries.
type failingOrderSvc struct {
	orderdomain.Service
	remaining int
}

func (s *failingOrderSvc) ListReconcileCandidates(ctx context.Context, oldest, newest time.Time, limit int) ([]orderdomain.Order, error) {
	if s.remaining > 0 {
		s.remaining--
		return nil, errors.New("db unavailable")
	}
	return s.Service.ListReconcileCandidates(ctx, oldest, newest, limit)
}

func TestRunWithRetry_RecoversAfterFailures(t *testing.T) {
	f := newFixture(t)

	var slept []time.Duration
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	f.engine.orderSvc = &failingOrderSvc{Service: f.orders, remaining: 2}

	run, err := f.engine.RunWithRetry(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, run.Attempt)

	delay := config.DefaultJobsConfig().RetryDelay
	assert.Equal(t, []time.Duration{delay, delay}, slept)
}

func TestRunWithRetry_GivesUpAfterBudget(t *testing.T) {
	f := newFixture(t)

	var sleeps int
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}
	f.engine.orderSvc = &failingOrderSvc{Service: f.orders, remaining: 10}

	_, err := f.engine.RunWithRetry(context.Background())
	assert.Error(t, err)
	// Three attempts, two delays between them.
	assert.Equal(t, 2, sleeps)
}

func TestReconcilePending_CancelsExpiredNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.agedOrder(t)

	// A config reload can shrink the cancel window under an already listed
	// candidate, so the provider answer may arrive for an expired order.
	expired := f.clock.Now().Add(-40 * time.Minute)
	if err := f.db.Model(order).Update("created_at", expired).Error; err != nil {
		t.Fatal(err)
	}
	order.CreatedAt = expired

	run := &ReconciliationRun{}
	err := f.engine.reconcilePending(ctx, config.DefaultJobsConfig(), order,
		&paymentdomain.QueryResult{Status: paymentdomain.StatusNotFound}, run)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Cancelled)
	assert.Zero(t, run.Skipped)

	reloaded, err := f.orders.GetByID(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelled, reloaded.PaymentStatus)
	assert.Equal(t, "payment_timeout", reloaded.CancelReason)
}

func TestReconcilePending_NotFoundInsideWindowSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.agedOrder(t)

	run := &ReconciliationRun{}
	err := f.engine.reconcilePending(ctx, config.DefaultJobsConfig(), order,
		&paymentdomain.QueryResult{Status: paymentdomain.StatusNotFound}, run)
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, run.Cancelled)

	reloaded, err := f.orders.GetByID(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPending, reloaded.PaymentStatus)
}
