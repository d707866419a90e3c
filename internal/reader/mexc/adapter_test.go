package mexc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
)

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/contract/ticker":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[
				{"symbol":"BTC_USDT","fairPrice":65000,"indexPrice":64990,"fundingRate":0.0001,"holdVol":100000,"volume24":2000000,"amount24":130000000,"timestamp":1700000000000},
				{"symbol":"ETH_USDT","fairPrice":3500,"indexPrice":3499,"fundingRate":-0.00005,"holdVol":10,"volume24":1,"amount24":3500,"timestamp":1700000000000}
			]}`))
		case "/api/v1/contract/funding_rate":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[{"symbol":"BTC_USDT","fundingRate":0.0001,"collectCycle":8,"nextSettleTime":1700006400000}]}`))
		case "/api/v1/contract/detail":
			_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[{"symbol":"BTC_USDT","contractSize":0.0001}]}`))
		}
	}))
	defer srv.Close()

	updates, err := New(config.ConnectorConfig{RestURL: srv.URL, RateLimit: config.RateLimitConfig{RequestsPerSecond: 50, BurstSize: 5}}).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2)

	btc := updates[0]
	assert.Equal(t, 8.0, btc.FundingIntervalHours)
	assert.InDelta(t, 10, btc.OpenInterest, 1e-9)
	assert.InDelta(t, 200, btc.VolumeBase, 1e-9)
	assert.Equal(t, int64(1700006400000), btc.NextFundingTime.UnixMilli())

	eth := updates[1]
	assert.Zero(t, eth.FundingIntervalHours)
	assert.InDelta(t, 10, eth.OpenInterest, 1e-9, "unknown contract size counts one unit per contract")
}

func TestPollFailsOnUnsuccessfulTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":510,"message":"Requests are too frequent"}`))
	}))
	defer srv.Close()

	_, err := New(config.ConnectorConfig{RestURL: srv.URL}).Poll(context.Background())
	assert.Error(t, err)
}
