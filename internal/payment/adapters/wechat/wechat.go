package wechat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
)

// Timestamps on the wire are merchant local time (UTC+8), no zone marker.
var cst = time.FixedZone("CST", 8*60*60)

const timeLayout = "20060102150405"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "wechat"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		appID:      cfg.AppID,
		merchantID: cfg.MerchantID,
		apiKey:     cfg.APIKey,
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		client:     client,
	}, nil
}

type Adapter struct {
	appID      string
	merchantID string
	apiKey     string
	gatewayURL string
	client     *http.Client
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	params, err := parseXML(payload)
	if err != nil {
		return paymentdomain.ErrMalformedNotification
	}
	sign, ok := params["sign"]
	if !ok || sign == "" {
		return paymentdomain.ErrInvalidSignature
	}
	expected := a.sign(params)
	if !hmac.Equal([]byte(sign), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	params, err := parseXML(payload)
	if err != nil {
		return nil, paymentdomain.ErrMalformedNotification
	}
	if params["return_code"] != "SUCCESS" {
		return nil, paymentdomain.ErrEventIgnored
	}
	if params["result_code"] != "SUCCESS" {
		return nil, paymentdomain.ErrEventIgnored
	}

	orderNo := strings.TrimSpace(params["out_trade_no"])
	txID := strings.TrimSpace(params["transaction_id"])
	if orderNo == "" || txID == "" {
		return nil, paymentdomain.ErrMalformedNotification
	}

	amount, err := strconv.ParseInt(params["total_fee"], 10, 64)
	if err != nil || amount <= 0 {
		return nil, paymentdomain.ErrMalformedNotification
	}

	occurredAt := time.Time{}
	if raw := params["time_end"]; raw != "" {
		if parsed, err := time.ParseInLocation(timeLayout, raw, cst); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	return &paymentdomain.PaymentEvent{
		Provider:              "wechat",
		Type:                  paymentdomain.EventPaymentSuccess,
		OrderNo:               orderNo,
		ProviderTransactionID: txID,
		Amount:                amount,
		OccurredAt:            occurredAt,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, orderNo string) (*paymentdomain.QueryResult, error) {
	params := map[string]string{
		"appid":        a.appID,
		"mch_id":       a.merchantID,
		"out_trade_no": orderNo,
		"nonce_str":    strings.ReplaceAll(uuid.NewString(), "-", ""),
		"sign_type":    "HMAC-SHA256",
	}
	params["sign"] = a.sign(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.gatewayURL+"/pay/orderquery", bytes.NewReader(encodeXML(params)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")

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
	fields, err := parseXML(body)
	if err != nil {
		return nil, paymentdomain.ErrProviderUnavailable
	}
	if fields["return_code"] != "SUCCESS" {
		return nil, paymentdomain.ErrProviderUnavailable
	}
	if fields["result_code"] != "SUCCESS" {
		if fields["err_code"] == "ORDERNOTEXIST" {
			return &paymentdomain.QueryResult{Status: paymentdomain.StatusNotFound}, nil
		}
		return nil, paymentdomain.ErrProviderUnavailable
	}

	result := &paymentdomain.QueryResult{
		ProviderTransactionID: fields["transaction_id"],
	}
	if raw := fields["total_fee"]; raw != "" {
		result.Amount, _ = strconv.ParseInt(raw, 10, 64)
	}

	switch fields["trade_state"] {
	case "SUCCESS":
		result.Status = paymentdomain.StatusPaid
	case "REFUND":
		result.Status = paymentdomain.StatusRefunded
	case "NOTPAY", "USERPAYING":
		result.Status = paymentdomain.StatusPending
	case "CLOSED", "PAYERROR", "REVOKED":
		result.Status = paymentdomain.StatusNotFound
	default:
		return nil, paymentdomain.ErrProviderUnavailable
	}
	return result, nil
}

func (a *Adapter) Ack() (string, []byte) {
	return "text/xml", []byte("<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>")
}

// sign joins the sorted non-empty params as k=v pairs, appends the merchant
// key and returns the uppercase hex HMAC-SHA256. The sign field itself is
// excluded.
func (a *Adapter) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}
	sb.WriteString("key=")
	sb.WriteString(a.apiKey)

	mac := hmac.New(sha256.New, []byte(a.apiKey))
	_, _ = mac.Write([]byte(sb.String()))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func parseXML(payload []byte) (map[string]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	params := map[string]string{}
	var key string
	depth := 0
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = t.Name.Local
			}
		case xml.CharData:
			if depth == 2 && key != "" {
				params[key] += string(t)
			}
		case xml.EndElement:
			depth--
			key = ""
		}
	}
	if len(params) == 0 {
		return nil, paymentdomain.ErrMalformedNotification
	}
	return params, nil
}

func encodeXML(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("<xml>")
	for _, k := range keys {
		sb.WriteString("<")
		sb.WriteString(k)
		sb.WriteString("><![CDATA[")
		sb.WriteString(params[k])
		sb.WriteString("]]></")
		sb.WriteString(k)
		sb.WriteString(">")
	}
	sb.WriteString("</xml>")
	return []byte(sb.String())
}
