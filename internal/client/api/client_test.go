package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/cartsync/internal/cart"
	apperrors "github.com/meridianlabs/cartsync/pkg/errors"
	"github.com/meridianlabs/cartsync/pkg/httpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	inner := httpclient.New(httpclient.Config{
		Timeout:      5 * time.Second,
		MaxRetries:   0,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	})
	cb := httpclient.NewCircuitBreakerClient(inner, httpclient.DefaultCircuitBreakerConfig(t.Name()), testLogger())
	return New(cb, srv.URL, testLogger())
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestFetchCart(t *testing.T) {
	var gotHeader http.Header
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/cart", r.URL.Path)
		writeData(w, map[string]any{"items": []cart.Item{
			{ID: "p1", ProductID: "p1", Name: "Widget", Price: 1000, Quantity: 2},
		}})
	}))
	c.SetGuestID("guest-token")

	items, err := c.FetchCart(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p1", items[0].ProductID)
	assert.Equal(t, "guest-token", gotHeader.Get("X-Guest-ID"))
	assert.Empty(t, gotHeader.Get("X-User-ID"))
}

func TestIdentityHeaders_UserWinsOverGuest(t *testing.T) {
	var gotHeader http.Header
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		writeData(w, map[string]any{"items": []cart.Item{}})
	}))
	c.SetGuestID("guest-token")
	c.SetUserID("user-42")

	_, err := c.FetchCart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-42", gotHeader.Get("X-User-ID"))
	assert.Empty(t, gotHeader.Get("X-Guest-ID"), "guest header suppressed once authenticated")
}

func TestSyncCart_MinimalPayload(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cart/sync", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeData(w, map[string]any{"items": []cart.Item{
			{ID: "p1", ProductID: "p1", Name: "Widget", Price: 1000, Quantity: 2},
		}})
	}))

	stock := 5
	items := []cart.Item{{
		ID: "p1", ProductID: "p1", Name: "Widget", ImageURL: "https://cdn/x.png",
		Price: 1000, Quantity: 2, Stock: &stock, StockAtAdd: &stock,
	}}
	got, err := c.SyncCart(context.Background(), items, "guest-token")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "guest-token", body["guest_id"])
	lines, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, lines, 1)
	line := lines[0].(map[string]any)
	assert.Equal(t, "p1", line["product_id"])
	assert.Equal(t, float64(2), line["quantity"])
	assert.NotContains(t, line, "name", "display fields are the server's to resolve")
	assert.NotContains(t, line, "price")
	assert.NotContains(t, line, "image_url")
}

func TestSyncCart_RateLimited(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.SyncCart(context.Background(), nil, "")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestSyncCart_MissingProducts(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":            map[string]string{"code": "PRODUCTS_NOT_FOUND", "message": "products gone"},
			"missing_products": []string{"p1", "p3"},
		})
	}))

	_, err := c.SyncCart(context.Background(), nil, "")
	var missing *MissingProductsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"p1", "p3"}, missing.ProductIDs)
}

func TestMergeGuestCart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cart/merge", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "guest-token", body["guest_id"])
		writeData(w, map[string]any{"items": []cart.Item{
			{ID: "p1", ProductID: "p1", Name: "Widget", Price: 1000, Quantity: 3},
		}})
	}))
	c.SetUserID("user-42")

	items, err := c.MergeGuestCart(context.Background(), "guest-token")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Quantity)
}

func TestClearCart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		writeData(w, map[string]string{"status": "cleared"})
	}))

	assert.NoError(t, c.ClearCart(context.Background()))
}

func TestShareAndFetchShared(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/cart/share":
			writeData(w, map[string]string{"share_id": "abc123"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/cart/share/abc123":
			writeData(w, map[string]any{"items": []cart.Item{
				{ID: "p1", ProductID: "p1", Name: "Widget", Price: 1000, Quantity: 1},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	id, err := c.ShareCart(context.Background(), []cart.Item{{ID: "p1", ProductID: "p1", Name: "Widget", Price: 1000, Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	items, err := c.FetchSharedCart(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCheckStock(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cart/validate-stock", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "p1", body["product_id"])
		assert.Equal(t, float64(4), body["quantity"])
		writeData(w, map[string]any{"available": 3, "in_stock": false})
	}))

	available, ok, err := c.CheckStock(context.Background(), "p1", "", 4)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, available)
}

func TestDownstreamErrorEnvelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "INVALID_INPUT", "message": "quantity must be positive"},
		})
	}))

	_, err := c.FetchCart(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
