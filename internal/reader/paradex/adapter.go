// Package paradex polls the markets summary for perpetuals.
package paradex

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
)

const (
	Exchange = "paradex"

	defaultRestURL = "https://api.prod.paradex.trade/v1"
	perpSuffix     = "-PERP"
)

type Adapter struct {
	cfg     config.ConnectorConfig
	symbols restclient.SymbolSet

	mu   sync.RWMutex
	rest *restclient.Client
}

func New(cfg config.ConnectorConfig) *Adapter {
	return &Adapter{
		cfg:     cfg,
		symbols: restclient.NewSymbolSet(cfg.Symbols),
		rest:    restclient.New(restclient.OptionsFromConfig(cfg, defaultRestURL)),
	}
}

func (a *Adapter) Exchange() string { return Exchange }

type summary struct {
	Symbol          string           `json:"symbol"`
	MarkPrice       restclient.Float `json:"mark_price"`
	UnderlyingPrice restclient.Float `json:"underlying_price"`
	FundingRate     restclient.Float `json:"funding_rate"`
	OpenInterest    restclient.Float `json:"open_interest"`
	Volume24h       restclient.Float `json:"volume_24h"`
	CreatedAt       restclient.Int   `json:"created_at"`
}

func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()

	var resp struct {
		Results []summary `json:"results"`
	}
	if err := rest.GetJSON(ctx, "/markets/summary", url.Values{"market": {"ALL"}}, &resp); err != nil {
		return nil, err
	}

	updates := make([]models.MarketUpdate, 0, len(resp.Results))
	for _, s := range resp.Results {
		if !strings.HasSuffix(s.Symbol, perpSuffix) || !s.FundingRate.Valid || !a.symbols.Allow(s.Symbol) {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: s.Symbol}
		if s.CreatedAt.Valid && s.CreatedAt.Value > 0 {
			u.ObservedAt = time.UnixMilli(s.CreatedAt.Value).UTC()
		}
		u.SetFundingRate(s.FundingRate.Value)
		if s.MarkPrice.Valid {
			u.SetMarkPrice(s.MarkPrice.Value)
		}
		if s.UnderlyingPrice.Valid {
			u.SetIndexPrice(s.UnderlyingPrice.Value)
		}
		if s.OpenInterest.Valid {
			u.SetOpenInterest(s.OpenInterest.Value)
		}
		if s.Volume24h.Valid && s.MarkPrice.Valid && s.MarkPrice.Value > 0 {
			u.SetVolume(s.Volume24h.Value/s.MarkPrice.Value, s.Volume24h.Value)
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (a *Adapter) Rebuild() error {
	rest := restclient.New(restclient.OptionsFromConfig(a.cfg, defaultRestURL))
	a.mu.Lock()
	a.rest = rest
	a.mu.Unlock()
	return nil
}
