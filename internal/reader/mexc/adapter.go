// Package mexc polls contract tickers and funding settings.
package mexc

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
	Exchange = "mexc"

	defaultRestURL = "https://contract.mexc.com"
	detailTTL      = time.Hour
)

type Adapter struct {
	cfg     config.ConnectorConfig
	symbols restclient.SymbolSet
	log     *logger.Entry

	mu       sync.RWMutex
	rest     *restclient.Client
	sizes    map[string]float64
	sizesAt  time.Time
	settings map[string]fundingSetting
}

type fundingSetting struct {
	hours float64
	next  time.Time
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

type response[T any] struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    []T    `json:"data"`
}

type ticker struct {
	Symbol      string           `json:"symbol"`
	FairPrice   restclient.Float `json:"fairPrice"`
	IndexPrice  restclient.Float `json:"indexPrice"`
	FundingRate restclient.Float `json:"fundingRate"`
	HoldVol     restclient.Float `json:"holdVol"`
	Volume24    restclient.Float `json:"volume24"`
	Amount24    restclient.Float `json:"amount24"`
	Timestamp   restclient.Int   `json:"timestamp"`
}

type fundingRate struct {
	Symbol         string         `json:"symbol"`
	CollectCycle   int64          `json:"collectCycle"`
	NextSettleTime restclient.Int `json:"nextSettleTime"`
}

type detail struct {
	Symbol       string           `json:"symbol"`
	ContractSize restclient.Float `json:"contractSize"`
}

// Poll reads the ticker list for funding, price and volume. Funding cycles
// and contract sizes come from secondary endpoints and are best effort.
func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	rest := a.rest
	refreshSizes := a.sizes == nil || time.Since(a.sizesAt) > detailTTL
	a.mu.RUnlock()

	var tickers response[ticker]
	if err := rest.GetJSON(ctx, "/api/v1/contract/ticker", nil, &tickers); err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}
	if !tickers.Success {
		return nil, fmt.Errorf("ticker: code %d: %s", tickers.Code, tickers.Message)
	}

	if err := a.loadFunding(ctx, rest); err != nil {
		a.log.WithError(err).Debug("funding settings unavailable")
	}
	if refreshSizes {
		if err := a.loadSizes(ctx, rest); err != nil {
			a.log.WithError(err).Debug("contract details unavailable")
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	updates := make([]models.MarketUpdate, 0, len(tickers.Data))
	for _, t := range tickers.Data {
		if t.Symbol == "" || !t.FundingRate.Valid || !a.symbols.Allow(t.Symbol) {
			continue
		}
		size := a.sizes[t.Symbol]
		if size <= 0 {
			size = 1
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: t.Symbol}
		if t.Timestamp.Valid && t.Timestamp.Value > 0 {
			u.ObservedAt = time.UnixMilli(t.Timestamp.Value).UTC()
		}
		u.SetFundingRate(t.FundingRate.Value)
		if t.FairPrice.Valid {
			u.SetMarkPrice(t.FairPrice.Value)
		}
		if t.IndexPrice.Valid {
			u.SetIndexPrice(t.IndexPrice.Value)
		}
		if t.HoldVol.Valid {
			u.SetOpenInterest(t.HoldVol.Value * size)
		}
		if t.Volume24.Valid && t.Amount24.Valid {
			u.SetVolume(t.Volume24.Value*size, t.Amount24.Value)
		}
		if s, ok := a.settings[t.Symbol]; ok {
			if s.hours > 0 {
				u.SetFundingInterval(s.hours)
			}
			if !s.next.IsZero() {
				u.SetNextFundingTime(s.next)
			}
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (a *Adapter) loadFunding(ctx context.Context, rest *restclient.Client) error {
	var resp response[fundingRate]
	if err := rest.GetJSON(ctx, "/api/v1/contract/funding_rate", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("funding_rate: code %d: %s", resp.Code, resp.Message)
	}
	settings := make(map[string]fundingSetting, len(resp.Data))
	for _, f := range resp.Data {
		s := fundingSetting{hours: float64(f.CollectCycle)}
		if f.NextSettleTime.Valid && f.NextSettleTime.Value > 0 {
			s.next = time.UnixMilli(f.NextSettleTime.Value)
		}
		settings[f.Symbol] = s
	}
	a.mu.Lock()
	a.settings = settings
	a.mu.Unlock()
	return nil
}

func (a *Adapter) loadSizes(ctx context.Context, rest *restclient.Client) error {
	var resp response[detail]
	if err := rest.GetJSON(ctx, "/api/v1/contract/detail", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("detail: code %d: %s", resp.Code, resp.Message)
	}
	sizes := make(map[string]float64, len(resp.Data))
	for _, d := range resp.Data {
		if d.ContractSize.Valid {
			sizes[d.Symbol] = d.ContractSize.Value
		}
	}
	a.mu.Lock()
	a.sizes = sizes
	a.sizesAt = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Rebuild() error {
	rest := restclient.New(restclient.OptionsFromConfig(a.cfg, defaultRestURL))
	a.mu.Lock()
	a.rest = rest
	a.sizes = nil
	a.settings = nil
	a.mu.Unlock()
	return nil
}
