package paradex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
)

func TestPollKeepsPerpetualsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ALL", r.URL.Query().Get("market"))
		_, _ = w.Write([]byte(`{"results":[
			{"symbol":"BTC-USD-PERP","mark_price":"65000","underlying_price":"64990","funding_rate":"0.0003","open_interest":"120","volume_24h":"6500000","created_at":1700000000000},
			{"symbol":"BTC-USD-29MAR24-70000-C","mark_price":"100","funding_rate":"0"},
			{"symbol":"ETH-USD-PERP","mark_price":"3500","funding_rate":""}
		]}`))
	}))
	defer srv.Close()

	updates, err := New(config.ConnectorConfig{RestURL: srv.URL}).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, "BTC-USD-PERP", u.Symbol)
	assert.InDelta(t, 0.0003, u.FundingRate, 1e-12)
	assert.InDelta(t, 100, u.VolumeBase, 1e-9)
	assert.Equal(t, int64(1700000000000), u.ObservedAt.UnixMilli())
}
