// Package hyperliquid polls perpetual asset contexts from the info API.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fundingflow/config"
	"fundingflow/internal/models"
	"fundingflow/internal/reader/restclient"
)

const (
	Exchange = "hyperliquid"

	defaultRestURL = "https://api.hyperliquid.xyz"
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

type meta struct {
	Universe []struct {
		Name       string `json:"name"`
		IsDelisted bool   `json:"isDelisted"`
	} `json:"universe"`
}

type assetCtx struct {
	Funding      restclient.Float `json:"funding"`
	OpenInterest restclient.Float `json:"openInterest"`
	MarkPx       restclient.Float `json:"markPx"`
	OraclePx     restclient.Float `json:"oraclePx"`
	DayNtlVlm    restclient.Float `json:"dayNtlVlm"`
	DayBaseVlm   restclient.Float `json:"dayBaseVlm"`
}

// Poll requests metaAndAssetCtxs: a two element array whose second element
// lists contexts in universe order.
func (a *Adapter) Poll(ctx context.Context) ([]models.MarketUpdate, error) {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()

	var raw []json.RawMessage
	if err := rest.PostJSON(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("metaAndAssetCtxs: expected 2 elements, got %d", len(raw))
	}
	var m meta
	if err := json.Unmarshal(raw[0], &m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode asset contexts: %w", err)
	}
	return toUpdates(m, ctxs, a.symbols), nil
}

func toUpdates(m meta, ctxs []assetCtx, symbols restclient.SymbolSet) []models.MarketUpdate {
	updates := make([]models.MarketUpdate, 0, len(ctxs))
	for i, c := range ctxs {
		if i >= len(m.Universe) {
			break
		}
		asset := m.Universe[i]
		if asset.IsDelisted || asset.Name == "" || !c.Funding.Valid || !symbols.Allow(asset.Name) {
			continue
		}
		u := models.MarketUpdate{Exchange: Exchange, Symbol: asset.Name}
		u.SetFundingRate(c.Funding.Value)
		if c.MarkPx.Valid {
			u.SetMarkPrice(c.MarkPx.Value)
		}
		if c.OraclePx.Valid {
			u.SetIndexPrice(c.OraclePx.Value)
		}
		if c.OpenInterest.Valid {
			u.SetOpenInterest(c.OpenInterest.Value)
		}
		if c.DayBaseVlm.Valid && c.DayNtlVlm.Valid {
			u.SetVolume(c.DayBaseVlm.Value, c.DayNtlVlm.Value)
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
