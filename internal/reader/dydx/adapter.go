// Package dydx polls perpetual markets from the v4 indexer.
package dydx

import (
	"context"
	"sort"
	"sync"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
)

const (
	Exchange = "dydx"

	defaultRestURL = "https://indexer.dydx.trade/v4"
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

type market struct {
	Ticker          string           `json:"ticker"`
	Status          string           `json:"status"`
	OraclePrice     restclient.Float `json:"oraclePrice"`
	NextFundingRate restclient.Float `json:"nextFundingRate"`
	OpenInterest    restclient.Float `json:"openInterest"`
	Volume24H       restclient.Float `json:"volume24H"`
}

func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()

	var resp struct {
		Markets map[string]market `json:"markets"`
	}
	if err := rest.GetJSON(ctx, "/perpetualMarkets", nil, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Markets))
	for name := range resp.Markets {
		names = append(names, name)
	}
	sort.Strings(names)

	updates := make([]models.MarketUpdate, 0, len(names))
	for _, name := range names {
		m := resp.Markets[name]
		if m.Ticker == "" {
			m.Ticker = name
		}
		if m.Status != "ACTIVE" || !m.NextFundingRate.Valid || !a.symbols.Allow(m.Ticker) {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: m.Ticker}
		u.SetFundingRate(m.NextFundingRate.Value)
		if m.OraclePrice.Valid {
			u.SetMarkPrice(m.OraclePrice.Value)
			u.SetIndexPrice(m.OraclePrice.Value)
		}
		if m.OpenInterest.Valid {
			u.SetOpenInterest(m.OpenInterest.Value)
		}
		if m.Volume24H.Valid && m.OraclePrice.Valid && m.OraclePrice.Value > 0 {
			u.SetVolume(m.Volume24H.Value/m.OraclePrice.Value, m.Volume24H.Value)
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
