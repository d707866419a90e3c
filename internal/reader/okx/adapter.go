// Package okx streams USDT-margined swap funding, mark price and open
// interest from the public websocket.
package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"fundingflow/config"
	"fundingflow/internal/connector"
	"fundingflow/internal/models"
	"fundingflow/internal/rates"
	"fundingflow/internal/reader/restclient"
	"fundingflow/logger"
)

const (
	Exchange = "okx"

	defaultStreamURL = "wss://ws.okx.com:8443/ws/v5/public"
	defaultRestURL   = "https://www.okx.com"
	defaultKeepAlive = 25 * time.Second
	argsPerRequest   = 90

	channelFunding      = "funding-rate"
	channelMarkPrice    = "mark-price"
	channelOpenInterest = "open-interest"
)

var channels = []string{channelFunding, channelMarkPrice, channelOpenInterest}

type Adapter struct {
	streamURL string
	cfg       config.ConnectorConfig
	symbols   restclient.SymbolSet
	log       *logger.Entry

	mu          sync.RWMutex
	rest        *restclient.Client
	instruments []string
}

func New(cfg config.ConnectorConfig) *Adapter {
	streamURL := strings.TrimSpace(cfg.URL)
	if streamURL == "" {
		streamURL = defaultStreamURL
	}
	return &Adapter{
		streamURL: streamURL,
		cfg:       cfg,
		symbols:   restclient.NewSymbolSet(cfg.Symbols),
		log:       logger.GetLogger().WithExchange("reader", Exchange),
		rest:      restclient.New(restclient.OptionsFromConfig(cfg, defaultRestURL)),
	}
}

func (a *Adapter) Exchange() string { return Exchange }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type instrument struct {
	InstID    string `json:"instId"`
	SettleCcy string `json:"settleCcy"`
	State     string `json:"state"`
}

func (a *Adapter) Endpoint(ctx context.Context) (string, error) {
	instruments, err := a.discover(ctx)
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
	a.mu.Unlock()
	return a.streamURL, nil
}

func (a *Adapter) discover(ctx context.Context) ([]string, error) {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()

	var env envelope
	if err := rest.GetJSON(ctx, "/api/v5/public/instruments", url.Values{"instType": {"SWAP"}}, &env); err != nil {
		return nil, err
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("instruments: code %s: %s", env.Code, env.Msg)
	}
	var list []instrument
	if err := json.Unmarshal(env.Data, &list); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	out := make([]string, 0, len(list))
	for _, inst := range list {
		if inst.SettleCcy != "USDT" || inst.State != "live" || !a.symbols.Allow(inst.InstID) {
			continue
		}
		out = append(out, inst.InstID)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments matched")
	}
	return out, nil
}

type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

func (a *Adapter) Subscribe(ctx context.Context, send func(v interface{}) error) error {
	a.mu.RLock()
	instruments := append([]string(nil), a.instruments...)
	a.mu.RUnlock()

	args := make([]subscribeArg, 0, argsPerRequest)
	flush := func() error {
		if len(args) == 0 {
			return nil
		}
		err := send(subscribeRequest{Op: "subscribe", Args: args})
		args = make([]subscribeArg, 0, argsPerRequest)
		return err
	}
	for _, inst := range instruments {
		for _, ch := range channels {
			args = append(args, subscribeArg{Channel: ch, InstID: inst})
			if len(args) == argsPerRequest {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return flush()
}

type pushFrame struct {
	Event string       `json:"event"`
	Code  string       `json:"code"`
	Msg   string       `json:"msg"`
	Arg   subscribeArg `json:"arg"`
	Data  []struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		FundingTime     string `json:"fundingTime"`
		NextFundingTime string `json:"nextFundingTime"`
		MarkPx          string `json:"markPx"`
		OI              string `json:"oi"`
		OICcy           string `json:"oiCcy"`
		OIUsd           string `json:"oiUsd"`
		TS              string `json:"ts"`
	} `json:"data"`
}

// Decode handles the three subscribed channels. The text "pong" reply to
// the keepalive and subscription events carry no data.
func (a *Adapter) Decode(msg []byte) ([]models.MarketUpdate, error) {
	msg = bytes.TrimSpace(msg)
	if bytes.Equal(msg, []byte("pong")) {
		return nil, nil
	}
	var frame pushFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("decode push frame: %w", err)
	}
	if frame.Event != "" {
		if frame.Event == "error" {
			return nil, fmt.Errorf("okx error %s: %s", frame.Code, frame.Msg)
		}
		return nil, nil
	}

	updates := make([]models.MarketUpdate, 0, len(frame.Data))
	for _, d := range frame.Data {
		inst := d.InstID
		if inst == "" {
			inst = frame.Arg.InstID
		}
		if inst == "" {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: inst}
		if ts, ok := restclient.ParseFloat(d.TS); ok && ts > 0 {
			u.ObservedAt = time.UnixMilli(int64(ts)).UTC()
		}

		switch frame.Arg.Channel {
		case channelFunding:
			rate, ok := restclient.ParseFloat(d.FundingRate)
			if !ok {
				continue
			}
			u.SetFundingRate(rate)
			current := msTime(d.FundingTime)
			next := msTime(d.NextFundingTime)
			if !current.IsZero() {
				u.SetNextFundingTime(current)
			}
			if hours := rates.IntervalFromTimes(current, next); hours > 0 {
				u.SetFundingInterval(hours)
			}
		case channelMarkPrice:
			v, ok := restclient.ParseFloat(d.MarkPx)
			if !ok {
				continue
			}
			u.SetMarkPrice(v)
		case channelOpenInterest:
			if v, ok := restclient.ParseFloat(d.OICcy); ok {
				u.SetOpenInterest(v)
			}
			if v, ok := restclient.ParseFloat(d.OIUsd); ok {
				u.SetOpenInterestUSD(v)
			}
			if u.Fields == 0 {
				continue
			}
		default:
			continue
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func msTime(s string) time.Time {
	v, ok := restclient.ParseFloat(s)
	if !ok || v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(v)).UTC()
}

func (a *Adapter) KeepAlive() connector.KeepAlive {
	interval := a.cfg.KeepAlive
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	return connector.KeepAlive{Interval: interval, Message: []byte("ping"), SessionLimit: a.cfg.SessionLimit}
}

func (a *Adapter) Rebuild() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rest = restclient.New(restclient.OptionsFromConfig(a.cfg, defaultRestURL))
	a.instruments = nil
	return nil
}
