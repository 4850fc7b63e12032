package alipay

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
)

var cst = time.FixedZone("CST", 8*60*60)

const timeLayout = "2006-01-02 15:04:05"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "alipay"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.AppID) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		appID:      cfg.AppID,
		apiKey:     cfg.APIKey,
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		client:     client,
	}, nil
}

type Adapter struct {
	appID      string
	apiKey     string
	gatewayURL string
	client     *http.Client
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return paymentdomain.ErrMalformedNotification
	}
	sign := values.Get("sign")
	if sign == "" {
		return paymentdomain.ErrInvalidSignature
	}
	expected := a.sign(values)
	if subtle.ConstantTimeCompare([]byte(sign), []byte(expected)) != 1 {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, paymentdomain.ErrMalformedNotification
	}

	orderNo := strings.TrimSpace(values.Get("out_trade_no"))
	txID := strings.TrimSpace(values.Get("trade_no"))
	if orderNo == "" || txID == "" {
		return nil, paymentdomain.ErrMalformedNotification
	}

	eventType := paymentdomain.EventPaymentSuccess
	switch values.Get("trade_status") {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
	case "TRADE_CLOSED":
		// A closed trade with a refund amount is a completed refund;
		// anything else carries no actionable state.
		if values.Get("refund_fee") == "" {
			return nil, paymentdomain.ErrEventIgnored
		}
		eventType = paymentdomain.EventRefundSuccess
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	amountField := "total_amount"
	if eventType == paymentdomain.EventRefundSuccess {
		amountField = "refund_fee"
	}
	amount, err := parseYuan(values.Get(amountField))
	if err != nil || amount <= 0 {
		return nil, paymentdomain.ErrMalformedNotification
	}

	occurredAt := time.Time{}
	if raw := values.Get("gmt_payment"); raw != "" {
		if parsed, err := time.ParseInLocation(timeLayout, raw, cst); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	return &paymentdomain.PaymentEvent{
		Provider:              "alipay",
		Type:                  eventType,
		OrderNo:               orderNo,
		ProviderTransactionID: txID,
		Amount:                amount,
		OccurredAt:            occurredAt,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, orderNo string) (*paymentdomain.QueryResult, error) {
	values := url.Values{}
	values.Set("app_id", a.appID)
	values.Set("method", "alipay.trade.query")
	values.Set("charset", "utf-8")
	values.Set("sign_type", "MD5")
	values.Set("out_trade_no", orderNo)
	values.Set("sign", a.sign(values))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.gatewayURL+"/gateway.do", strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, paymentdomain.ErrProviderUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, paymentdomain.ErrProviderUnavailable
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, paymentdomain.ErrProviderUnavailable
	}

	var envelope struct {
		Response struct {
			Code        string `json:"code"`
			SubCode     string `json:"sub_code"`
			TradeNo     string `json:"trade_no"`
			TradeStatus string `json:"trade_status"`
			TotalAmount string `json:"total_amount"`
		} `json:"alipay_trade_query_response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, paymentdomain.ErrProviderUnavailable
	}

	response := envelope.Response
	if response.Code != "10000" {
		if response.SubCode == "ACQ.TRADE_NOT_EXIST" {
			return &paymentdomain.QueryResult{Status: paymentdomain.StatusNotFound}, nil
		}
		return nil, paymentdomain.ErrProviderUnavailable
	}

	result := &paymentdomain.QueryResult{
		ProviderTransactionID: response.TradeNo,
	}
	if response.TotalAmount != "" {
		result.Amount, _ = parseYuan(response.TotalAmount)
	}

	switch response.TradeStatus {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		result.Status = paymentdomain.StatusPaid
	case "WAIT_BUYER_PAY":
		result.Status = paymentdomain.StatusPending
	case "TRADE_CLOSED":
		result.Status = paymentdomain.StatusRefunded
	default:
		return nil, paymentdomain.ErrProviderUnavailable
	}
	return result, nil
}

func (a *Adapter) Ack() (string, []byte) {
	return "text/plain", []byte("success")
}

// sign joins the sorted non-empty params as k=v pairs and appends the key
// directly, then takes the lowercase hex MD5. sign and sign_type are
// excluded.
func (a *Adapter) sign(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "sign" || k == "sign_type" || values.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(values.Get(k))
	}
	sb.WriteString(a.apiKey)

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// parseYuan converts a decimal yuan string like "19.90" to minor units
// without going through floating point.
func parseYuan(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	switch len(frac) {
	case 0:
		frac = "00"
	case 1:
		frac += "0"
	case 2:
	default:
		frac = frac[:2]
	}

	yuan, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	fen, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	return yuan*100 + fen, nil
}
