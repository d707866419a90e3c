package bitget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
)

func TestPollJoinsIntervals(t *testing.T) {
	var contractCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, productType, r.URL.Query().Get("productType"))
		switch r.URL.Path {
		case "/api/v2/mix/market/tickers":
			_, _ = w.Write([]byte(`{"code":"00000","msg":"success","data":[
				{"symbol":"BTCUSDT","markPrice":"65000","indexPrice":"64990","fundingRate":"0.0001","holdingAmount":"5000","baseVolume":"100","quoteVolume":"6500000","ts":"1700000000000"},
				{"symbol":"MEWUSDT","markPrice":"0.004","fundingRate":"-0.0012","holdingAmount":"1","baseVolume":"1","quoteVolume":"0.004","ts":"1700000000000"},
				{"symbol":"NEWUSDT","markPrice":"1","fundingRate":"","ts":"1700000000000"}
			]}`))
		case "/api/v2/mix/market/contracts":
			contractCalls.Add(1)
			_, _ = w.Write([]byte(`{"code":"00000","msg":"success","data":[{"symbol":"BTCUSDT","fundInterval":"8"},{"symbol":"MEWUSDT","fundInterval":"4"}]}`))
		}
	}))
	defer srv.Close()

	a := New(config.ConnectorConfig{RestURL: srv.URL})
	updates, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, 8.0, updates[0].FundingIntervalHours)
	assert.Equal(t, 4.0, updates[1].FundingIntervalHours)
	assert.InDelta(t, -0.0012, updates[1].FundingRate, 1e-12)

	_, err = a.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), contractCalls.Load(), "contracts are cached")

	require.NoError(t, a.Rebuild())
	_, err = a.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), contractCalls.Load(), "rebuild drops the cache")
}

func TestPollRejectsErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"40034","msg":"Parameter does not exist","data":null}`))
	}))
	defer srv.Close()

	_, err := New(config.ConnectorConfig{RestURL: srv.URL}).Poll(context.Background())
	assert.Error(t, err)
}
