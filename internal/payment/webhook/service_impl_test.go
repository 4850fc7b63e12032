package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/openmall/pointspay/internal/clock"
	"github.com/openmall/pointspay/internal/config"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
	orderservice "github.com/openmall/pointspay/internal/order/service"
	"github.com/openmall/pointspay/internal/payment/adapters"
	"github.com/openmall/pointspay/internal/payment/adapters/alipay"
	"github.com/openmall/pointspay/internal/payment/adapters/wechat"
	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
	paymentservice "github.com/openmall/pointspay/internal/payment/service"
	pointsdomain "github.com/openmall/pointspay/internal/points/domain"
	pointsservice "github.com/openmall/pointspay/internal/points/service"
	vipdomain "github.com/openmall/pointspay/internal/vip/domain"
	vipservice "github.com/openmall/pointspay/internal/vip/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const wechatKey = "test_api_key"

var testDBSeq int

type fixture struct {
	svc    *Service
	orders orderdomain.Service
	points pointsdomain.Service
	db     *gorm.DB
	genID  *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	testDBSeq++
	dsn := fmt.Sprintf("file:webhook_test_%d?mode=memory&cache=shared", testDBSeq)
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
		&paymentdomain.EventRecord{},
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

	registry := adapters.NewRegistry(wechat.NewFactory(), alipay.NewFactory())
	hub := paymentservice.NewHub(paymentservice.HubParams{
		Log:      log,
		Registry: registry,
		Cfg: config.Config{
			Wechat: config.ProviderConfig{AppID: "wx_app", MerchantID: "mch_001", APIKey: wechatKey},
		},
	})

	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: fake, Hub: hub, OrderSvc: orders,
	})
	return &fixture{svc: svc, orders: orders, points: points, db: db, genID: node}
}

func (f *fixture) createOrder(t *testing.T, amount, pointsAmount int64) *orderdomain.Order {
	t.Helper()
	order, err := f.orders.Create(context.Background(), orderdomain.CreateOrderRequest{
		UserID:       f.genID.Generate(),
		Kind:         orderdomain.KindPoints,
		Amount:       amount,
		PointsAmount: pointsAmount,
		Provider:     "wechat",
	})
	if err != nil {
		t.Fatal(err)
	}
	return order
}

func wechatNotify(orderNo, txID string, totalFee int64) []byte {
	params := map[string]string{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"appid":          "wx_app",
		"mch_id":         "mch_001",
		"out_trade_no":   orderNo,
		"transaction_id": txID,
		"total_fee":      fmt.Sprintf("%d", totalFee),
		"time_end":       "20250601120000",
	}
	params["sign"] = wechatSign(params)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("<xml>")
	for _, k := range keys {
		fmt.Fprintf(&sb, "<%s><![CDATA[%s]]></%s>", k, params[k], k)
	}
	sb.WriteString("</xml>")
	return []byte(sb.String())
}

func wechatSign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	pairs = append(pairs, "key="+wechatKey)

	mac := hmac.New(sha256.New, []byte(wechatKey))
	_, _ = mac.Write([]byte(strings.Join(pairs, "&")))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func TestIngest_SettlesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, 990, 100)

	event, err := f.svc.Ingest(ctx, "wechat", wechatNotify(order.OrderNo, "wx_tx_1", 990), http.Header{})
	assert.NoError(t, err)
	assert.Equal(t, paymentdomain.EventPaymentSuccess, event.Type)

	reloaded, err := f.orders.GetByID(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPaid, reloaded.PaymentStatus)

	balance, err := f.points.Balance(ctx, order.UserID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestIngest_DuplicateNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, 990, 100)
	payload := wechatNotify(order.OrderNo, "wx_tx_1", 990)

	_, err := f.svc.Ingest(ctx, "wechat", payload, http.Header{})
	assert.NoError(t, err)

	_, err = f.svc.Ingest(ctx, "wechat", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	// Still credited exactly once.
	balance, err := f.points.Balance(ctx, order.UserID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestIngest_ConflictingTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, 990, 100)

	_, err := f.svc.Ingest(ctx, "wechat", wechatNotify(order.OrderNo, "wx_tx_1", 990), http.Header{})
	assert.NoError(t, err)

	_, err = f.svc.Ingest(ctx, "wechat", wechatNotify(order.OrderNo, "wx_tx_2", 990), http.Header{})
	assert.ErrorIs(t, err, orderdomain.ErrConflictingPayment)
}

func TestIngest_BadSignature(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, 990, 100)

	payload := wechatNotify(order.OrderNo, "wx_tx_1", 990)
	tampered := strings.Replace(string(payload),
		"<total_fee><![CDATA[990]]>", "<total_fee><![CDATA[991]]>", 1)

	_, err := f.svc.Ingest(context.Background(), "wechat", []byte(tampered), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestIngest_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, 990, 100)

	_, err := f.svc.Ingest(ctx, "wechat", wechatNotify(order.OrderNo, "wx_tx_1", 500), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrAmountMismatch)

	reloaded, err := f.orders.GetByID(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, orderdomain.StatusPending, reloaded.PaymentStatus)
}

func TestIngest_UnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Ingest(context.Background(), "paypal", []byte("{}"), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownProvider)

	// Alipay is registered but carries no credentials in this fixture.
	_, err = f.svc.Ingest(context.Background(), "alipay", []byte("{}"), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownProvider)
}

func TestIngest_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Ingest(context.Background(), "wechat", wechatNotify("PO_missing", "wx_tx_9", 990), http.Header{})
	assert.ErrorIs(t, err, orderdomain.ErrOrderNotFound)
}
