// Package binance streams USD-M mark price and funding updates from the
// all-market mark price stream.
package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"fundingflow/config"
	"fundingflow/internal/connector"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "binance"

	defaultStreamURL  = "wss://fstream.binance.com/ws"
	defaultRestURL    = "https://fapi.binance.com"
	markPriceStream   = "!markPrice@arr@1s"
	defaultKeepAlive  = 3 * time.Minute
	defaultSession    = 23 * time.Hour
	streamReadTimeout = 30 * time.Second
)

// Adapter implements connector.Streamer. Funding intervals for symbols
// that deviate from 8h come from the fundingInfo endpoint; the rest are
// detected by the connector from successive next-funding times.
type Adapter struct {
	streamURL string
	cfg       config.ConnectorConfig
	symbols   restclient.SymbolSet
	log       *logger.Entry

	mu        sync.RWMutex
	rest      *restclient.Client
	intervals map[string]float64
	loaded    bool
}

func New(cfg config.ConnectorConfig) *Adapter {
	streamURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if streamURL == "" {
		streamURL = defaultStreamURL
	}
	return &Adapter{
		streamURL: streamURL,
		cfg:       cfg,
		symbols:   restclient.NewSymbolSet(cfg.Symbols),
		log:       logger.GetLogger().WithExchange("reader", Exchange),
		rest:      restclient.New(restclient.OptionsFromConfig(cfg, defaultRestURL)),
		intervals: make(map[string]float64),
	}
}

func (a *Adapter) Exchange() string { return Exchange }

// Endpoint refreshes funding intervals once per build. A failed refresh is
// not fatal; detection covers the gap.
func (a *Adapter) Endpoint(ctx context.Context) (string, error) {
	a.mu.RLock()
	loaded := a.loaded
	a.mu.RUnlock()
	if !loaded {
		if err := a.loadIntervals(ctx); err != nil {
			a.log.WithError(err).Warn("failed to load binance funding intervals")
		}
	}
	return a.streamURL, nil
}

type fundingInfo struct {
	Symbol               string `json:"symbol"`
	FundingIntervalHours int64  `json:"fundingIntervalHours"`
}

func (a *Adapter) loadIntervals(ctx context.Context) error {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()

	var infos []fundingInfo
	if err := rest.GetJSON(ctx, "/fapi/v1/fundingInfo", nil, &infos); err != nil {
		return err
	}
	intervals := make(map[string]float64, len(infos))
	for _, info := range infos {
		if info.FundingIntervalHours > 0 {
			intervals[info.Symbol] = float64(info.FundingIntervalHours)
		}
	}

	a.mu.Lock()
	a.intervals = intervals
	a.loaded = true
	a.mu.Unlock()
	a.log.WithFields(logger.Fields{"symbols": len(intervals)}).Debug("loaded binance funding intervals")
	return nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) Subscribe(ctx context.Context, send func(v interface{}) error) error {
	return send(subscribeRequest{Method: "SUBSCRIBE", Params: []string{markPriceStream}, ID: time.Now().UnixMilli()})
}

// Decode accepts the array frames of the all-market stream and single
// mark price events; subscription acks yield nothing.
func (a *Adapter) Decode(msg []byte) ([]models.MarketUpdate, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil, nil
	}

	var events []futures.WsMarkPriceEvent
	switch msg[0] {
	case '[':
		if err := json.Unmarshal(msg, &events); err != nil {
			return nil, fmt.Errorf("decode mark price array: %w", err)
		}
	case '{':
		var ev futures.WsMarkPriceEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return nil, fmt.Errorf("decode mark price event: %w", err)
		}
		if ev.Event != "markPriceUpdate" {
			return nil, nil
		}
		events = append(events, ev)
	default:
		return nil, fmt.Errorf("unexpected frame %q", truncate(msg))
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	updates := make([]models.MarketUpdate, 0, len(events))
	for _, ev := range events {
		if ev.Symbol == "" || !a.symbols.Allow(ev.Symbol) {
			continue
		}
		rate, ok := restclient.ParseFloat(ev.FundingRate)
		if !ok {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: ev.Symbol}
		if ev.Time > 0 {
			u.ObservedAt = time.UnixMilli(ev.Time).UTC()
		}
		u.SetFundingRate(rate)
		if v, ok := restclient.ParseFloat(ev.MarkPrice); ok {
			u.SetMarkPrice(v)
		}
		if v, ok := restclient.ParseFloat(ev.IndexPrice); ok {
			u.SetIndexPrice(v)
		}
		if ev.NextFundingTime > 0 {
			u.SetNextFundingTime(time.UnixMilli(ev.NextFundingTime))
		}
		if hours, ok := a.intervals[ev.Symbol]; ok {
			u.SetFundingInterval(hours)
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (a *Adapter) KeepAlive() connector.KeepAlive {
	interval := a.cfg.KeepAlive
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	limit := a.cfg.SessionLimit
	if limit <= 0 {
		limit = defaultSession
	}
	return connector.KeepAlive{Interval: interval, ReadTimeout: streamReadTimeout, SessionLimit: limit}
}

// Rebuild drops the HTTP pool and the interval cache.
func (a *Adapter) Rebuild() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rest = restclient.New(restclient.OptionsFromConfig(a.cfg, defaultRestURL))
	a.loaded = false
	return nil
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64])
	}
	return string(b)
}
