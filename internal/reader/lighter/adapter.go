// Package lighter polls funding rates and order book details. Lighter
// publishes rates in percent; the rate normalizer converts them.
package lighter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "lighter"

	defaultRestURL = "https://mainnet.zklighter.elliot.ai/api/v1"
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

type fundingRates struct {
	Code         int `json:"code"`
	FundingRates []struct {
		MarketID int64            `json:"market_id"`
		Exchange string           `json:"exchange"`
		Symbol   string           `json:"symbol"`
		Rate     restclient.Float `json:"rate"`
	} `json:"funding_rates"`
}

type orderBookDetails struct {
	Code    int `json:"code"`
	Details []struct {
		Symbol                string           `json:"symbol"`
		MarketID              int64            `json:"market_id"`
		LastTradePrice        restclient.Float `json:"last_trade_price"`
		OpenInterest          restclient.Float `json:"open_interest"`
		DailyBaseTokenVolume  restclient.Float `json:"daily_base_token_volume"`
		DailyQuoteTokenVolume restclient.Float `json:"daily_quote_token_volume"`
	} `json:"order_book_details"`
}

// Poll reads the funding-rates endpoint, which also lists other venues'
// rates; only rows for this exchange are kept. Order book details add
// price, open interest and volume when available.
func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()

	var rates fundingRates
	if err := rest.GetJSON(ctx, "/funding-rates", nil, &rates); err != nil {
		return nil, fmt.Errorf("funding-rates: %w", err)
	}
	if rates.Code != 0 && rates.Code != 200 {
		return nil, fmt.Errorf("funding-rates: code %d", rates.Code)
	}

	var details orderBookDetails
	if err := rest.GetJSON(ctx, "/orderBookDetails", nil, &details); err != nil {
		a.log.WithError(err).Debug("order book details unavailable")
	}
	bySymbol := make(map[string]int, len(details.Details))
	for i, d := range details.Details {
		bySymbol[d.Symbol] = i
	}

	updates := make([]models.MarketUpdate, 0, len(rates.FundingRates))
	for _, r := range rates.FundingRates {
		if !strings.EqualFold(r.Exchange, Exchange) || r.Symbol == "" || !r.Rate.Valid || !a.symbols.Allow(r.Symbol) {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: r.Symbol}
		u.SetFundingRate(r.Rate.Value)
		if i, ok := bySymbol[r.Symbol]; ok {
			d := details.Details[i]
			if d.LastTradePrice.Valid {
				u.SetMarkPrice(d.LastTradePrice.Value)
			}
			if d.OpenInterest.Valid {
				u.SetOpenInterest(d.OpenInterest.Value)
			}
			if d.DailyBaseTokenVolume.Valid && d.DailyQuoteTokenVolume.Valid {
				u.SetVolume(d.DailyBaseTokenVolume.Value, d.DailyQuoteTokenVolume.Value)
			}
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
