package bingx_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/adapters/exchange/bingx"
	"github.com/tradingcore/agent/internal/domain"
)

func TestGetCurrentPriceParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/openApi/swap/v2/quote/price", r.URL.Path)
		require.NotEmpty(t, r.URL.Query().Get("signature"), "every request must carry a signature param")
		require.Equal(t, "test-key", r.Header.Get("X-BX-APIKEY"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"msg":  "",
			"data": map[string]string{"symbol": "BTC-USDT", "lastPrice": "63250.50"},
		})
	}))
	defer srv.Close()

	c := bingx.NewClient(srv.URL, "", "test-key", "test-secret", 5000)
	price, err := c.GetCurrentPrice(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("63250.50")))
}

func TestPlaceLimitOrderAssignsClientOrderID(t *testing.T) {
	var gotClientOrderID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotClientOrderID = r.Form.Get("clientOrderID")
		require.NotEmpty(t, gotClientOrderID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "msg": "",
			"data": map[string]interface{}{"order": map[string]interface{}{"orderId": 555}},
		})
	}))
	defer srv.Close()

	c := bingx.NewClient(srv.URL, "", "test-key", "test-secret", 5000)
	placed, err := c.PlaceLimitOrder(context.Background(), domain.PlaceLimitOrderRequest{
		Symbol:       "BTC-USDT",
		Side:         domain.OrderBuy,
		Price:        decimal.RequireFromString("63000"),
		Qty:          decimal.RequireFromString("0.01"),
		PostOnly:     true,
		TIF:          "GTC",
		PositionSide: domain.SideLong,
	})
	require.NoError(t, err)
	require.Equal(t, "555", placed.OrderID)
	require.NotEmpty(t, gotClientOrderID)
}

func TestAPIErrorCodeSurfacesAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 80001, "msg": "signature verification failed",
		})
	}))
	defer srv.Close()

	c := bingx.NewClient(srv.URL, "", "test-key", "test-secret", 5000)
	_, err := c.GetAccountBalance(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "signature verification failed")
}
