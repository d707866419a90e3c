package hyperliquid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingflow/config"
)

const fixture = `[
	{"universe":[{"name":"BTC","szDecimals":5},{"name":"OLD","szDecimals":0,"isDelisted":true},{"name":"kPEPE","szDecimals":0}]},
	[
		{"funding":"0.0000125","openInterest":"10","prevDayPx":"64000","dayNtlVlm":"1000000","markPx":"65000","oraclePx":"64990","dayBaseVlm":"15.4"},
		{"funding":"0.0001","openInterest":"0","markPx":"1"},
		{"funding":"-0.00002","openInterest":"5000000","markPx":"0.012","oraclePx":"0.012"}
	]
]`

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(fixture))
	}))
	defer srv.Close()

	a := New(config.ConnectorConfig{RestURL: srv.URL})
	updates, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2, "delisted assets are skipped")

	assert.Equal(t, "BTC", updates[0].Symbol)
	assert.InDelta(t, 0.0000125, updates[0].FundingRate, 1e-15)
	assert.InDelta(t, 15.4, updates[0].VolumeBase, 1e-9)
	assert.Equal(t, "kPEPE", updates[1].Symbol)
	assert.InDelta(t, -0.00002, updates[1].FundingRate, 1e-15)
}

func TestPollRejectsMalformedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"universe":[]}]`))
	}))
	defer srv.Close()

	_, err := New(config.ConnectorConfig{RestURL: srv.URL}).Poll(context.Background())
	assert.Error(t, err)
}
