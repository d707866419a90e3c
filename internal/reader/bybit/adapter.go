// Package bybit streams linear perpetual tickers. Instruments and their
// funding intervals are discovered through the bybit SDK.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"fundingflow/config"
	"fundingflow/internal/connector"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "bybit"

	defaultStreamURL   = "wss://stream.bybit.com/v5/public/linear"
	defaultRestURL     = "https://api.bybit.com"
	defaultKeepAlive   = 20 * time.Second
	topicsPerRequest   = 10
	instrumentPage     = 1000
	maxInstrumentPages = 10
)

type Adapter struct {
	streamURL string
	cfg       config.ConnectorConfig
	symbols   restclient.SymbolSet
	limiter   *rate.Limiter
	log       *logger.Entry

	mu          sync.RWMutex
	client      *bybit.Client
	instruments []string
	intervals   map[string]float64
}

func New(cfg config.ConnectorConfig) *Adapter {
	streamURL := strings.TrimSpace(cfg.URL)
	if streamURL == "" {
		streamURL = defaultStreamURL
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
		streamURL: streamURL,
		cfg:       cfg,
		symbols:   restclient.NewSymbolSet(cfg.Symbols),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       logger.GetLogger().WithExchange("reader", Exchange),
		intervals: make(map[string]float64),
	}
	a.client = a.newClient()
	return a
}

func (a *Adapter) newClient() *bybit.Client {
	base := strings.TrimRight(strings.TrimSpace(a.cfg.RestURL), "/")
	if base == "" {
		base = defaultRestURL
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = restclient.NewHTTPClient(a.cfg.LocalIP, a.cfg.Timeout)
	return client
}

func (a *Adapter) Exchange() string { return Exchange }

// Endpoint discovers trading USDT perpetuals before each session so
// listings and delistings are picked up on reconnect.
func (a *Adapter) Endpoint(ctx context.Context) (string, error) {
	instruments, intervals, err := a.discover(ctx)
	if err != nil {
		a.mu.RLock()
		cached := len(a.instruments)
		a.mu.RUnlock()
		if cached == 0 {
			return "", fmt.Errorf("discover instruments: %w", err)
		}
		a.log.WithError(err).Warn("instrument discovery failed, reusing cached list")
		return a.streamURL, nil
	}

	a.mu.Lock()
	a.instruments = instruments
	a.intervals = intervals
	a.mu.Unlock()
	return a.streamURL, nil
}

type instrumentsResult struct {
	List []struct {
		Symbol          string `json:"symbol"`
		ContractType    string `json:"contractType"`
		Status          string `json:"status"`
		QuoteCoin       string `json:"quoteCoin"`
		FundingInterval int64  `json:"fundingInterval"`
	} `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

func (a *Adapter) discover(ctx context.Context) ([]string, map[string]float64, error) {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()

	var instruments []string
	intervals := make(map[string]float64)
	cursor := ""
	for page := 0; page < maxInstrumentPages; page++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
		params := map[string]interface{}{
			"category": "linear",
			"status":   "Trading",
			"limit":    instrumentPage,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return nil, nil, err
		}
		if resp.RetCode != 0 {
			return nil, nil, fmt.Errorf("instruments-info: %d %s", resp.RetCode, resp.RetMsg)
		}
		raw, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, nil, err
		}
		var result instrumentsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, nil, fmt.Errorf("decode instruments: %w", err)
		}
		for _, inst := range result.List {
			if inst.ContractType != "LinearPerpetual" || inst.QuoteCoin != "USDT" || !a.symbols.Allow(inst.Symbol) {
				continue
			}
			instruments = append(instruments, inst.Symbol)
			if inst.FundingInterval > 0 {
				intervals[inst.Symbol] = float64(inst.FundingInterval) / 60
			}
		}
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	if len(instruments) == 0 {
		return nil, nil, fmt.Errorf("no instruments matched")
	}
	return instruments, intervals, nil
}

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (a *Adapter) Subscribe(ctx context.Context, send func(v interface{}) error) error {
	a.mu.RLock()
	instruments := append([]string(nil), a.instruments...)
	a.mu.RUnlock()

	for start := 0; start < len(instruments); start += topicsPerRequest {
		end := start + topicsPerRequest
		if end > len(instruments) {
			end = len(instruments)
		}
		topics := make([]string, 0, end-start)
		for _, sym := range instruments[start:end] {
			topics = append(topics, "tickers."+sym)
		}
		if err := send(subscribeRequest{Op: "subscribe", Args: topics}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

type tickerFrame struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Data    *struct {
		Symbol            string `json:"symbol"`
		MarkPrice         string `json:"markPrice"`
		IndexPrice        string `json:"indexPrice"`
		OpenInterest      string `json:"openInterest"`
		OpenInterestValue string `json:"openInterestValue"`
		FundingRate       string `json:"fundingRate"`
		NextFundingTime   string `json:"nextFundingTime"`
		Volume24h         string `json:"volume24h"`
		Turnover24h       string `json:"turnover24h"`
	} `json:"data"`
}

// Decode maps snapshot and delta ticker frames. Deltas only carry changed
// fields, so absent values stay unset and merge in the connector buffer.
func (a *Adapter) Decode(msg []byte) ([]models.MarketUpdate, error) {
	var frame tickerFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("decode ticker frame: %w", err)
	}
	if frame.Op != "" {
		if frame.Op == "subscribe" && frame.Success != nil && !*frame.Success {
			return nil, fmt.Errorf("subscription rejected: %s", frame.RetMsg)
		}
		return nil, nil
	}
	if !strings.HasPrefix(frame.Topic, "tickers.") || frame.Data == nil {
		return nil, nil
	}

	d := frame.Data
	symbol := d.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(frame.Topic, "tickers.")
	}
	u := models.MarketUpdate{Exchange: Exchange, Symbol: symbol}
	if frame.TS > 0 {
		u.ObservedAt = time.UnixMilli(frame.TS).UTC()
	}
	if v, ok := restclient.ParseFloat(d.FundingRate); ok {
		u.SetFundingRate(v)
	}
	if v, ok := restclient.ParseFloat(d.MarkPrice); ok {
		u.SetMarkPrice(v)
	}
	if v, ok := restclient.ParseFloat(d.IndexPrice); ok {
		u.SetIndexPrice(v)
	}
	if v, ok := restclient.ParseFloat(d.OpenInterest); ok {
		u.SetOpenInterest(v)
	}
	if v, ok := restclient.ParseFloat(d.OpenInterestValue); ok {
		u.SetOpenInterestUSD(v)
	}
	base, okBase := restclient.ParseFloat(d.Volume24h)
	quote, okQuote := restclient.ParseFloat(d.Turnover24h)
	if okBase && okQuote {
		u.SetVolume(base, quote)
	}
	if v, ok := restclient.ParseFloat(d.NextFundingTime); ok && v > 0 {
		u.SetNextFundingTime(time.UnixMilli(int64(v)))
	}

	a.mu.RLock()
	hours, ok := a.intervals[symbol]
	a.mu.RUnlock()
	if ok {
		u.SetFundingInterval(hours)
	}
	return []models.MarketUpdate{u}, nil
}

func (a *Adapter) KeepAlive() connector.KeepAlive {
	interval := a.cfg.KeepAlive
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	return connector.KeepAlive{Interval: interval, Message: []byte(`{"op":"ping"}`), SessionLimit: a.cfg.SessionLimit}
}

func (a *Adapter) Rebuild() error {
	client := a.newClient()
	a.mu.Lock()
	a.client = client
	a.instruments = nil
	a.mu.Unlock()
	return nil
}
