// Package api is the typed consumer of the remote cart service. It speaks the
// service's JSON envelope, attaches the caller's identity headers, and
// translates HTTP failures into the application's error vocabulary so the
// sync and merge engines never touch raw responses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"
	"github.com/meridianlabs/cartsync/pkg/httpclient"

	"github.com/meridianlabs/cartsync/internal/cart"
)

const (
	headerUserID  = "X-User-ID"
	headerGuestID = "X-Guest-ID"
)

// MissingProductsError reports a sync rejected because some products no
// longer exist in the catalog. The remaining cart was accepted; the caller
// should drop these lines and treat the sync as a partial success.
type MissingProductsError struct {
	ProductIDs []string
}

func (e *MissingProductsError) Error() string {
	return fmt.Sprintf("products no longer available: %s", strings.Join(e.ProductIDs, ", "))
}

// Client talks to the remote cart service.
type Client struct {
	http    *httpclient.CircuitBreakerClient
	baseURL string
	logger  *slog.Logger

	mu      sync.RWMutex
	userID  string
	guestID string
}

// New creates an API client. baseURL is the service root, without a trailing
// slash.
func New(hc *httpclient.CircuitBreakerClient, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// SetUserID switches the client to authenticated requests. An empty id
// switches back to guest identification.
func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// SetGuestID sets the anonymous-cart token sent when no user is set.
func (c *Client) SetGuestID(id string) {
	c.mu.Lock()
	c.guestID = id
	c.mu.Unlock()
}

// envelope is the service's standard response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

type cartPayload struct {
	Items []cart.Item `json:"items"`
}

// syncItem is the minimal per-line sync payload. Display fields (name, image,
// price) are the server's to resolve; sending them would only invite trust
// problems.
type syncItem struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id,omitempty"`
	Quantity   int    `json:"quantity"`
	Stock      *int   `json:"stock,omitempty"`
	StockAtAdd *int   `json:"stock_at_add,omitempty"`
}

type syncRequest struct {
	Items   []syncItem `json:"items"`
	GuestID string     `json:"guest_id,omitempty"`
}

// syncErrorBody is the 404 shape carrying the vanished product ids.
type syncErrorBody struct {
	MissingProducts []string `json:"missing_products"`
}

// FetchCart retrieves the caller's server-side cart.
func (c *Client) FetchCart(ctx context.Context) ([]cart.Item, error) {
	var payload cartPayload
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/cart", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// SyncCart pushes the full local cart state as the caller's intended truth
// and returns the server's authoritative result. The payload is idempotent:
// replaying it cannot double-apply anything. A 404 with a missing_products
// body comes back as *MissingProductsError; a 429 as ErrRateLimited.
func (c *Client) SyncCart(ctx context.Context, items []cart.Item, guestID string) ([]cart.Item, error) {
	req := syncRequest{Items: make([]syncItem, 0, len(items)), GuestID: guestID}
	for _, item := range items {
		req.Items = append(req.Items, syncItem{
			ID:         item.ID,
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			Quantity:   item.Quantity,
			Stock:      item.Stock,
			StockAtAdd: item.StockAtAdd,
		})
	}

	var payload cartPayload
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cart/sync", req, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// MergeGuestCart asks the server to fold the guest cart identified by token
// into the authenticated user's cart and returns the merged result.
func (c *Client) MergeGuestCart(ctx context.Context, guestToken string) ([]cart.Item, error) {
	body := struct {
		GuestID string `json:"guest_id"`
	}{GuestID: guestToken}

	var payload cartPayload
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cart/merge", body, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// ClearCart empties the caller's server-side cart.
func (c *Client) ClearCart(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/cart", nil, nil)
}

// ShareCart uploads a cart snapshot and returns its share id.
func (c *Client) ShareCart(ctx context.Context, items []cart.Item) (string, error) {
	body := cartPayload{Items: items}
	var payload struct {
		ShareID string `json:"share_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cart/share", body, &payload); err != nil {
		return "", err
	}
	return payload.ShareID, nil
}

// FetchSharedCart retrieves a previously shared cart snapshot.
func (c *Client) FetchSharedCart(ctx context.Context, shareID string) ([]cart.Item, error) {
	var payload cartPayload
	path := "/api/v1/cart/share/" + url.PathEscape(shareID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// CheckStock asks the catalog how many units are available and whether the
// requested quantity fits. Satisfies the cart store's stock gate.
func (c *Client) CheckStock(ctx context.Context, productID, variantID string, quantity int) (int, bool, error) {
	body := struct {
		ProductID string `json:"product_id"`
		VariantID string `json:"variant_id,omitempty"`
		Quantity  int    `json:"quantity"`
	}{ProductID: productID, VariantID: variantID, Quantity: quantity}

	var payload struct {
		Available int  `json:"available"`
		InStock   bool `json:"in_stock"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cart/validate-stock", body, &payload); err != nil {
		return 0, false, err
	}
	return payload.Available, payload.InStock, nil
}

// doJSON sends one request with identity headers and decodes the data
// envelope into out (which may be nil for operations with no payload).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	if c.userID != "" {
		req.Header.Set(headerUserID, c.userID)
	} else if c.guestID != "" {
		req.Header.Set(headerGuestID, c.guestID)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("cart service request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.responseError(resp)
	}

	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// responseError translates a non-2xx response. Two statuses carry special
// client-side meaning: 429 starts the sync cooldown, and a 404 listing
// missing products is authoritative partial truth rather than a failure.
func (c *Client) responseError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return apperrors.RateLimited("cart service asked the client to slow down")

	case http.StatusNotFound:
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err == nil {
			var body syncErrorBody
			if json.Unmarshal(data, &body) == nil && len(body.MissingProducts) > 0 {
				return &MissingProductsError{ProductIDs: body.MissingProducts}
			}
		}
		return apperrors.NotFound("cart", "remote")

	default:
		return httpclient.ParseResponseError(resp, "cart service")
	}
}
