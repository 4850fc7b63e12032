package service

import (
	"net/http"
	"strings"
	"time"

	"github.com/openmall/pointspay/internal/config"
	"github.com/openmall/pointspay/internal/payment/adapters"
	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type HubParams struct {
	fx.In

	Log      *zap.Logger
	Registry *adapters.Registry
	Cfg      config.Config
}

// Hub holds one configured adapter per enabled provider. Providers without
// credentials are skipped at startup, not at request time.
type Hub struct {
	log      *zap.Logger
	adapters map[string]paymentdomain.PaymentAdapter
}

func NewHub(p HubParams) *Hub {
	client := &http.Client{Timeout: 30 * time.Second}

	hub := &Hub{
		log:      p.Log.Named("payment.hub"),
		adapters: map[string]paymentdomain.PaymentAdapter{},
	}

	configs := map[string]config.ProviderConfig{
		"wechat": p.Cfg.Wechat,
		"alipay": p.Cfg.Alipay,
	}
	for provider, cfg := range configs {
		if strings.TrimSpace(cfg.APIKey) == "" {
			hub.log.Warn("payment provider not configured", zap.String("provider", provider))
			continue
		}
		adapter, err := p.Registry.NewAdapter(provider, paymentdomain.AdapterConfig{
			AppID:      cfg.AppID,
			MerchantID: cfg.MerchantID,
			APIKey:     cfg.APIKey,
			GatewayURL: cfg.GatewayURL,
			HTTPClient: client,
		})
		if err != nil {
			hub.log.Warn("payment adapter init failed",
				zap.String("provider", provider), zap.Error(err))
			continue
		}
		hub.adapters[provider] = adapter
	}
	return hub
}

func (h *Hub) AdapterFor(provider string) (paymentdomain.PaymentAdapter, error) {
	adapter, ok := h.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, paymentdomain.ErrUnknownProvider
	}
	return adapter, nil
}

func (h *Hub) Providers() []string {
	providers := make([]string, 0, len(h.adapters))
	for provider := range h.adapters {
		providers = append(providers, provider)
	}
	return providers
}
