package lighter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
	"fundingflow/internal/rates"
)

func TestPollFiltersOtherVenues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/funding-rates":
			_, _ = w.Write([]byte(`{"code":200,"funding_rates":[
				{"market_id":1,"exchange":"lighter","symbol":"BTC","rate":0.0012},
				{"market_id":1,"exchange":"binance","symbol":"BTC","rate":0.0001},
				{"market_id":2,"exchange":"lighter","symbol":"ETH","rate":-0.0004}
			]}`))
		case "/orderBookDetails":
			_, _ = w.Write([]byte(`{"code":200,"order_book_details":[{"symbol":"BTC","market_id":1,"last_trade_price":65000,"open_interest":12.5,"daily_base_token_volume":300,"daily_quote_token_volume":19500000}]}`))
		}
	}))
	defer srv.Close()

	updates, err := New(config.ConnectorConfig{RestURL: srv.URL}).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2)

	btc := updates[0]
	assert.Equal(t, "BTC", btc.Symbol)
	assert.InDelta(t, 65000, btc.MarkPrice, 1e-9)
	assert.InDelta(t, 12.5, btc.OpenInterest, 1e-9)

	// 0.0012% per hour annualizes to 10.512% without the fraction scaling.
	res := rates.Normalize(btc.FundingRate, Exchange, 0)
	assert.InDelta(t, 10.512, res.AnnualRate, 1e-9)
	assert.Equal(t, 1.0, res.IntervalHours)

	assert.Zero(t, updates[1].MarkPrice)
}
