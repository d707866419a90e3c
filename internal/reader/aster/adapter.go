// Package aster polls Aster's Binance-compatible futures API with the
// go-binance futures client.
package aster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "aster"

	defaultRestURL = "https://fapi.asterdex.com"
)

type Adapter struct {
	cfg     config.ConnectorConfig
	symbols restclient.SymbolSet
	limiter *rate.Limiter
	log     *logger.Entry

	mu     sync.RWMutex
	client *futures.Client
}

func New(cfg config.ConnectorConfig) *Adapter {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 2
	}
	a := &Adapter{
		cfg:     cfg,
		symbols: restclient.NewSymbolSet(cfg.Symbols),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithExchange("reader", Exchange),
	}
	a.client = a.newClient()
	return a
}

func (a *Adapter) newClient() *futures.Client {
	base := strings.TrimRight(strings.TrimSpace(a.cfg.RestURL), "/")
	if base == "" {
		base = defaultRestURL
	}
	client := futures.NewClient("", "")
	client.HTTPClient = restclient.NewHTTPClient(a.cfg.LocalIP, a.cfg.Timeout)
	client.BaseURL = base
	return client
}

func (a *Adapter) Exchange() string { return Exchange }

// Poll joins the premium index (funding, mark, index, next funding time)
// with 24h statistics for volume. Statistics are optional.
func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	indexes, err := client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premium index: %w", err)
	}

	volumes := make(map[string][2]float64)
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	stats, err := client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		a.log.WithError(err).Debug("24h statistics unavailable")
	}
	for _, s := range stats {
		base, okBase := restclient.ParseFloat(s.Volume)
		quote, okQuote := restclient.ParseFloat(s.QuoteVolume)
		if okBase && okQuote {
			volumes[s.Symbol] = [2]float64{base, quote}
		}
	}

	updates := make([]models.MarketUpdate, 0, len(indexes))
	for _, pi := range indexes {
		if pi == nil || !a.symbols.Allow(pi.Symbol) {
			continue
		}
		funding, ok := restclient.ParseFloat(pi.LastFundingRate)
		if !ok {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: pi.Symbol}
		u.SetFundingRate(funding)
		if v, ok := restclient.ParseFloat(pi.MarkPrice); ok {
			u.SetMarkPrice(v)
		}
		if v, ok := restclient.ParseFloat(pi.IndexPrice); ok {
			u.SetIndexPrice(v)
		}
		if pi.NextFundingTime > 0 {
			u.SetNextFundingTime(time.UnixMilli(pi.NextFundingTime))
		}
		if vol, ok := volumes[pi.Symbol]; ok {
			u.SetVolume(vol[0], vol[1])
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (a *Adapter) Rebuild() error {
	client := a.newClient()
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}
