package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ticker", r.URL.Path)
		assert.Equal(t, "USDT", r.URL.Query().Get("settle"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"rate":"0.0001","count":3}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", UserAgent: "test-agent", RequestsPerSecond: 100})
	var out struct {
		Rate  Float `json:"rate"`
		Count Int   `json:"count"`
	}
	err := c.GetJSON(context.Background(), "/api/v1/ticker", url.Values{"settle": {"USDT"}}, &out)
	require.NoError(t, err)
	assert.True(t, out.Rate.Valid)
	assert.InDelta(t, 0.0001, out.Rate.Value, 1e-12)
	assert.Equal(t, int64(3), out.Count.Value)
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "metaAndAssetCtxs", body["type"])
		_, _ = w.Write([]byte(`[1,2]`))
	}))
	defer srv.Close()

	var out []int
	err := New(Options{BaseURL: srv.URL}).PostJSON(context.Background(), "/info", map[string]string{"type": "metaAndAssetCtxs"}, &out)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, out)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var out map[string]interface{}
	err := New(Options{BaseURL: srv.URL}).GetJSON(context.Background(), "/x", nil, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStatus))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestFloatDecoding(t *testing.T) {
	cases := map[string]Float{
		`"1.5"`:  {Value: 1.5, Valid: true},
		`2`:      {Value: 2, Valid: true},
		`""`:     {},
		`null`:   {},
		`-0.003`: {Value: -0.003, Valid: true},
	}
	for in, want := range cases {
		var f Float
		require.NoError(t, json.Unmarshal([]byte(in), &f), in)
		assert.Equal(t, want, f, in)
	}

	var f Float
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &f))
}

func TestNumberParsing(t *testing.T) {
	v, ok := ParseFloat("1.25e-5")
	require.True(t, ok)
	assert.InDelta(t, 0.0000125, v, 1e-18)

	for _, bad := range []string{"", "NaN", "Inf", "1,5"} {
		_, ok := ParseFloat(bad)
		assert.False(t, ok, bad)
	}

	var n Int
	require.NoError(t, json.Unmarshal([]byte(`"1709251200000"`), &n))
	assert.Equal(t, Int{Value: 1709251200000, Valid: true}, n)
	require.NoError(t, json.Unmarshal([]byte(`null`), &n))
	assert.False(t, n.Valid)
}
