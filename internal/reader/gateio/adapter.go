// Package gateio polls USDT-settled perpetual contracts and tickers.
package gateio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "gateio"

	defaultRestURL = "https://api.gateio.ws/api/v4"
)

type Adapter struct {
	cfg     config.ConnectorConfig
	symbols restclient.SymbolSet
	log     *logger.Entry

	mu   sync.RWMutex
	rest *restclient.Client
}

func New(cfg config.ConnectorConfig) *Adapter {
	return &Adapter{
		cfg:     cfg,
		symbols: restclient.NewSymbolSet(cfg.Symbols),
		log:     logger.GetLogger().WithExchange("reader", Exchange),
		rest:    restclient.New(restclient.OptionsFromConfig(cfg, defaultRestURL)),
	}
}

func (a *Adapter) Exchange() string { return Exchange }

type contract struct {
	Name             string           `json:"name"`
	FundingRate      restclient.Float `json:"funding_rate"`
	FundingInterval  int64            `json:"funding_interval"`
	FundingNextApply restclient.Int   `json:"funding_next_apply"`
	MarkPrice        restclient.Float `json:"mark_price"`
	IndexPrice       restclient.Float `json:"index_price"`
	QuantoMultiplier restclient.Float `json:"quanto_multiplier"`
	InDelisting      bool             `json:"in_delisting"`
}

type ticker struct {
	Contract       string           `json:"contract"`
	TotalSize      restclient.Float `json:"total_size"`
	Volume24hBase  restclient.Float `json:"volume_24h_base"`
	Volume24hQuote restclient.Float `json:"volume_24h_quote"`
}

// Poll takes funding from contracts, which carry the declared interval,
// and open interest and volume from tickers. Tickers are optional.
func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()

	var contracts []contract
	if err := rest.GetJSON(ctx, "/futures/usdt/contracts", nil, &contracts); err != nil {
		return nil, fmt.Errorf("contracts: %w", err)
	}

	tickers := make(map[string]ticker)
	var list []ticker
	if err := rest.GetJSON(ctx, "/futures/usdt/tickers", nil, &list); err != nil {
		a.log.WithError(err).Debug("tickers unavailable")
	}
	for _, t := range list {
		tickers[t.Contract] = t
	}
	return toUpdates(contracts, tickers, a.symbols), nil
}

func toUpdates(contracts []contract, tickers map[string]ticker, symbols restclient.SymbolSet) []models.MarketUpdate {
	updates := make([]models.MarketUpdate, 0, len(contracts))
	for _, c := range contracts {
		if c.InDelisting || c.Name == "" || !c.FundingRate.Valid || !symbols.Allow(c.Name) {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: c.Name}
		u.SetFundingRate(c.FundingRate.Value)
		if c.MarkPrice.Valid {
			u.SetMarkPrice(c.MarkPrice.Value)
		}
		if c.IndexPrice.Valid {
			u.SetIndexPrice(c.IndexPrice.Value)
		}
		if c.FundingInterval > 0 {
			u.SetFundingInterval(float64(c.FundingInterval) / 3600)
		}
		if c.FundingNextApply.Valid && c.FundingNextApply.Value > 0 {
			u.SetNextFundingTime(time.Unix(c.FundingNextApply.Value, 0))
		}
		if t, ok := tickers[c.Name]; ok {
			if t.TotalSize.Valid {
				multiplier := 1.0
				if c.QuantoMultiplier.Valid && c.QuantoMultiplier.Value > 0 {
					multiplier = c.QuantoMultiplier.Value
				}
				u.SetOpenInterest(t.TotalSize.Value * multiplier)
			}
			if t.Volume24hBase.Valid && t.Volume24hQuote.Valid {
				u.SetVolume(t.Volume24hBase.Value, t.Volume24hQuote.Value)
			}
		}
		updates = append(updates, u)
	}
	return updates
}

func (a *Adapter) Rebuild() error {
	rest := restclient.New(restclient.OptionsFromConfig(a.cfg, defaultRestURL))
	a.mu.Lock()
	a.rest = rest
	a.mu.Unlock()
	return nil
}
