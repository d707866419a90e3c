// Package bitget polls USDT-M futures tickers and contract configuration.
package bitget

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "bitget"

	defaultRestURL = "https://api.bitget.com"
	productType    = "USDT-FUTURES"
	successCode    = "00000"
	contractsTTL   = time.Hour
)

type Adapter struct {
	cfg     config.ConnectorConfig
	symbols restclient.SymbolSet
	log     *logger.Entry

	mu         sync.RWMutex
	rest       *restclient.Client
	intervals  map[string]float64
	intervalAt time.Time
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

type tickersResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Symbol        string           `json:"symbol"`
		MarkPrice     restclient.Float `json:"markPrice"`
		IndexPrice    restclient.Float `json:"indexPrice"`
		FundingRate   restclient.Float `json:"fundingRate"`
		HoldingAmount restclient.Float `json:"holdingAmount"`
		BaseVolume    restclient.Float `json:"baseVolume"`
		QuoteVolume   restclient.Float `json:"quoteVolume"`
		TS            restclient.Int   `json:"ts"`
	} `json:"data"`
}

type contractsResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Symbol       string           `json:"symbol"`
		FundInterval restclient.Float `json:"fundInterval"`
	} `json:"data"`
}

func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	rest := a.rest
	stale := a.intervals == nil || time.Since(a.intervalAt) > contractsTTL
	a.mu.RUnlock()

	if stale {
		if err := a.loadIntervals(ctx, rest); err != nil {
			a.log.WithError(err).Debug("contract intervals unavailable")
		}
	}

	var resp tickersResponse
	if err := rest.GetJSON(ctx, "/api/v2/mix/market/tickers", url.Values{"productType": {productType}}, &resp); err != nil {
		return nil, fmt.Errorf("tickers: %w", err)
	}
	if resp.Code != successCode {
		return nil, fmt.Errorf("tickers: code %s: %s", resp.Code, resp.Msg)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	updates := make([]models.MarketUpdate, 0, len(resp.Data))
	for _, t := range resp.Data {
		if t.Symbol == "" || !t.FundingRate.Valid || !a.symbols.Allow(t.Symbol) {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: t.Symbol}
		if t.TS.Valid && t.TS.Value > 0 {
			u.ObservedAt = time.UnixMilli(t.TS.Value).UTC()
		}
		u.SetFundingRate(t.FundingRate.Value)
		if t.MarkPrice.Valid {
			u.SetMarkPrice(t.MarkPrice.Value)
		}
		if t.IndexPrice.Valid {
			u.SetIndexPrice(t.IndexPrice.Value)
		}
		if t.HoldingAmount.Valid {
			u.SetOpenInterest(t.HoldingAmount.Value)
		}
		if t.BaseVolume.Valid && t.QuoteVolume.Valid {
			u.SetVolume(t.BaseVolume.Value, t.QuoteVolume.Value)
		}
		if hours, ok := a.intervals[t.Symbol]; ok {
			u.SetFundingInterval(hours)
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (a *Adapter) loadIntervals(ctx context.Context, rest *restclient.Client) error {
	var resp contractsResponse
	if err := rest.GetJSON(ctx, "/api/v2/mix/market/contracts", url.Values{"productType": {productType}}, &resp); err != nil {
		return err
	}
	if resp.Code != successCode {
		return fmt.Errorf("contracts: code %s: %s", resp.Code, resp.Msg)
	}
	intervals := make(map[string]float64, len(resp.Data))
	for _, c := range resp.Data {
		if c.FundInterval.Valid && c.FundInterval.Value > 0 {
			intervals[c.Symbol] = c.FundInterval.Value
		}
	}
	a.mu.Lock()
	a.intervals = intervals
	a.intervalAt = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Rebuild() error {
	rest := restclient.New(restclient.OptionsFromConfig(a.cfg, defaultRestURL))
	a.mu.Lock()
	a.rest = rest
	a.intervals = nil
	a.mu.Unlock()
	return nil
}
