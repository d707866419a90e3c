package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
)

const contractFixture = `{
	"symbol": "XBTUSDTM",
	"multiplier": 0.001,
	"fundingFeeRate": 0.000153,
	"fundingRateGranularity": 28800000,
	"nextFundingRateDateTime": 1700006400000,
	"openInterest": "8000000",
	"markPrice": 65000.5,
	"indexPrice": 64998.1,
	"volumeOf24h": 12000.5,
	"turnoverOf24h": 780000000
}`

func TestContractUpdate(t *testing.T) {
	var c contract
	require.NoError(t, json.Unmarshal([]byte(contractFixture), &c))

	u, ok := contractUpdate(c)
	require.True(t, ok)
	assert.Equal(t, "XBTUSDTM", u.Symbol)
	assert.InDelta(t, 0.000153, u.FundingRate, 1e-12)
	assert.Equal(t, 8.0, u.FundingIntervalHours)
	assert.InDelta(t, 8000, u.OpenInterest, 1e-9)
	assert.InDelta(t, 780000000, u.VolumeQuote, 1e-6)
	assert.Equal(t, int64(1700006400000), u.NextFundingTime.UnixMilli())
}

func TestContractWithoutFundingIsSkipped(t *testing.T) {
	var c contract
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"XBTMH25","markPrice":65000}`), &c))
	_, ok := contractUpdate(c)
	assert.False(t, ok)
}

type failingMarket struct {
	futuresmarket.MarketAPI
	calls int
}

func (f *failingMarket) GetSymbol(req *futuresmarket.GetSymbolReq, ctx context.Context) (*futuresmarket.GetSymbolResp, error) {
	f.calls++
	return nil, errors.New("503 service unavailable")
}

func TestPollFailsWhenEverySymbolFails(t *testing.T) {
	a := New(config.ConnectorConfig{Symbols: []string{"xbtusdtm", "ethusdtm"}, RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10}})
	market := &failingMarket{}
	a.marketAPI = market

	_, err := a.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, market.calls)
	assert.Equal(t, []string{"XBTUSDTM", "ETHUSDTM"}, a.symbols)
}

func TestRebuildReplacesClient(t *testing.T) {
	a := New(config.ConnectorConfig{})
	market := &failingMarket{}
	a.marketAPI = market
	require.NoError(t, a.Rebuild())
	assert.NotSame(t, market, a.marketAPI)
}
