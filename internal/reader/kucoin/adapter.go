// Package kucoin polls USDT-margined futures contracts through the KuCoin
// universal SDK.
package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "kucoin"

	defaultRestURL = "https://api-futures.kucoin.com"
	defaultTimeout = 20 * time.Second
)

var defaultSymbols = []string{"XBTUSDTM", "ETHUSDTM", "SOLUSDTM", "XRPUSDTM", "DOGEUSDTM"}

// Adapter implements connector.Poller and connector.Rebuilder.
type Adapter struct {
	cfg     config.ConnectorConfig
	symbols []string
	limiter *rate.Limiter
	log     *logger.Entry

	mu        sync.RWMutex
	marketAPI futuresmarket.MarketAPI
}

func New(cfg config.ConnectorConfig) *Adapter {
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		symbols = defaultSymbols
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	a := &Adapter{
		cfg:     cfg,
		symbols: symbols,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithExchange("reader", Exchange),
	}
	a.marketAPI = a.newMarketAPI()
	return a
}

func (a *Adapter) newMarketAPI() futuresmarket.MarketAPI {
	baseURL := strings.TrimRight(strings.TrimSpace(a.cfg.RestURL), "/")
	if baseURL == "" {
		baseURL = defaultRestURL
	}
	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(10).
		SetMaxIdleConnsPerHost(10).
		SetMaxConnsPerHost(10).
		SetIdleConnTimeout(90 * time.Second).
		SetTimeout(timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	return sdkapi.NewClient(option).RestService().GetFuturesService().GetMarketAPI()
}

func (a *Adapter) Exchange() string { return Exchange }

// contract is the subset of the contract detail this adapter reads. The SDK
// response is re-decoded into it so numeric fields may arrive as numbers
// or strings.
type contract struct {
	Symbol                  string           `json:"symbol"`
	Multiplier              restclient.Float `json:"multiplier"`
	FundingFeeRate          restclient.Float `json:"fundingFeeRate"`
	FundingRateGranularity  restclient.Float `json:"fundingRateGranularity"`
	NextFundingRateDateTime restclient.Int   `json:"nextFundingRateDateTime"`
	OpenInterest            restclient.Float `json:"openInterest"`
	MarkPrice               restclient.Float `json:"markPrice"`
	IndexPrice              restclient.Float `json:"indexPrice"`
	VolumeOf24h             restclient.Float `json:"volumeOf24h"`
	TurnoverOf24h           restclient.Float `json:"turnoverOf24h"`
}

// Poll fetches each configured contract. A symbol that fails is skipped;
// the poll fails only when every symbol failed.
func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	marketAPI := a.marketAPI
	a.mu.RUnlock()

	updates := make([]models.MarketUpdate, 0, len(a.symbols))
	var lastErr error
	failed := 0
	for _, symbol := range a.symbols {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		c, err := fetchContract(ctx, marketAPI, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			lastErr = err
			a.log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Debug("failed to fetch kucoin contract")
			continue
		}
		if u, ok := contractUpdate(c); ok {
			updates = append(updates, u)
		}
	}
	if failed == len(a.symbols) {
		if lastErr == nil {
			lastErr = errors.New("no symbols configured")
		}
		return nil, fmt.Errorf("all kucoin symbols failed: %w", lastErr)
	}
	return updates, nil
}

func fetchContract(ctx context.Context, marketAPI futuresmarket.MarketAPI, symbol string) (contract, error) {
	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(symbol).Build()
	resp, err := marketAPI.GetSymbol(req, ctx)
	if err != nil {
		return contract{}, err
	}
	if resp == nil {
		return contract{}, fmt.Errorf("empty response for symbol %s", symbol)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return contract{}, err
	}
	var c contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return contract{}, fmt.Errorf("decode contract %s: %w", symbol, err)
	}
	if c.Symbol == "" {
		c.Symbol = symbol
	}
	return c, nil
}

// contractUpdate converts one contract. Open interest is reported in lots
// and scaled by the multiplier to base units.
func contractUpdate(c contract) (models.MarketUpdate, bool) {
	if !c.FundingFeeRate.Valid {
		return models.MarketUpdate{}, false
	}
	u := models.MarketUpdate{Exchange: Exchange, Symbol: c.Symbol}
	u.SetFundingRate(c.FundingFeeRate.Value)
	if c.MarkPrice.Valid {
		u.SetMarkPrice(c.MarkPrice.Value)
	}
	if c.IndexPrice.Valid {
		u.SetIndexPrice(c.IndexPrice.Value)
	}
	if c.OpenInterest.Valid {
		multiplier := 1.0
		if c.Multiplier.Valid && c.Multiplier.Value > 0 {
			multiplier = c.Multiplier.Value
		}
		u.SetOpenInterest(c.OpenInterest.Value * multiplier)
	}
	if c.VolumeOf24h.Valid && c.TurnoverOf24h.Valid {
		u.SetVolume(c.VolumeOf24h.Value, c.TurnoverOf24h.Value)
	}
	if c.FundingRateGranularity.Valid && c.FundingRateGranularity.Value > 0 {
		u.SetFundingInterval(time.Duration(c.FundingRateGranularity.Value * float64(time.Millisecond)).Hours())
	}
	if c.NextFundingRateDateTime.Valid && c.NextFundingRateDateTime.Value > 0 {
		u.SetNextFundingTime(time.UnixMilli(c.NextFundingRateDateTime.Value))
	}
	return u, true
}

func (a *Adapter) Rebuild() error {
	api := a.newMarketAPI()
	a.mu.Lock()
	a.marketAPI = api
	a.mu.Unlock()
	return nil
}
