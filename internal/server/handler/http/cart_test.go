package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"
	pkgkafka "github.com/meridianlabs/cartsync/pkg/kafka"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/server/catalog"
	"github.com/meridianlabs/cartsync/internal/server/domain"
	"github.com/meridianlabs/cartsync/internal/server/event"
	"github.com/meridianlabs/cartsync/internal/server/service"
)

// ============================================================================
// Mock repositories
// ============================================================================

type mockCartRepository struct {
	mock.Mock
}

func (m *mockCartRepository) Get(ctx context.Context, ownerID string) (*domain.Cart, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Cart), args.Error(1)
}

func (m *mockCartRepository) Save(ctx context.Context, c *domain.Cart) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *mockCartRepository) Delete(ctx context.Context, ownerID string) error {
	args := m.Called(ctx, ownerID)
	return args.Error(0)
}

type mockShareRepository struct {
	mock.Mock
}

func (m *mockShareRepository) SaveShare(ctx context.Context, shareID string, items []cart.Item, ttl time.Duration) error {
	args := m.Called(ctx, shareID, items, ttl)
	return args.Error(0)
}

func (m *mockShareRepository) GetShare(ctx context.Context, shareID string) ([]cart.Item, error) {
	args := m.Called(ctx, shareID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]cart.Item), args.Error(1)
}

// stubCatalog answers lookups from a fixed product table.
type stubCatalog struct {
	products map[catalog.Ref]catalog.Product
}

func (c *stubCatalog) Lookup(_ context.Context, refs []catalog.Ref) (map[catalog.Ref]catalog.Product, error) {
	result := make(map[catalog.Ref]catalog.Product)
	for _, ref := range refs {
		if p, ok := c.products[ref]; ok {
			result[ref] = p
		}
	}
	return result, nil
}

func (c *stubCatalog) Available(_ context.Context, productID, variantID string) (int, error) {
	if p, ok := c.products[catalog.Ref{ProductID: productID, VariantID: variantID}]; ok {
		return p.Stock, nil
	}
	return 0, apperrors.NotFound("product", productID)
}

// ============================================================================
// Test helpers
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEventProducer() *event.Producer {
	logger := testLogger()
	kafkaCfg := pkgkafka.DefaultProducerConfig([]string{"localhost:19092"})
	kafkaProducer := pkgkafka.NewProducer(kafkaCfg, logger)
	return event.NewProducer(kafkaProducer, logger)
}

func testCartService(repo *mockCartRepository, shares *mockShareRepository) *service.CartService {
	logger := testLogger()
	producer := testEventProducer()
	cat := &stubCatalog{products: map[catalog.Ref]catalog.Product{
		{ProductID: "prod-1", VariantID: "var-1"}: {
			ProductID: "prod-1", VariantID: "var-1",
			Name: "Test Widget", ImageURL: "https://img.example.com/widget.jpg",
			Price: 1999, Stock: 12,
		},
	}}
	return service.NewCartService(repo, shares, cat, producer, logger, 24*time.Hour, 48*time.Hour)
}

func testCartHandler(repo *mockCartRepository, shares *mockShareRepository) *CartHandler {
	svc := testCartService(repo, shares)
	return NewCartHandler(svc, testLogger())
}

// setupCartRouter creates a chi router matching the production route layout,
// including the IdentityFromHeaders and ContentTypeJSON middleware so that
// identity behavior is tested end-to-end.
func setupCartRouter(handler *CartHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Get("/share/{shareId}", handler.GetShared)
		r.Post("/validate-stock", handler.ValidateStock)

		r.Group(func(r chi.Router) {
			r.Use(IdentityFromHeaders)

			r.Get("/", handler.GetCart)
			r.Delete("/", handler.ClearCart)
			r.Post("/sync", handler.Sync)
			r.Post("/merge", handler.Merge)
			r.Post("/share", handler.Share)
		})
	})
	return r
}

// testResponse mirrors the JSON envelope for decoding in assertions.
type testResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
	MissingProducts []string `json:"missing_products"`
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) testResponse {
	t.Helper()
	var resp testResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	return resp
}

func sampleCart(ownerID string) *domain.Cart {
	stock := 12
	c := domain.NewCart(ownerID, 24*time.Hour)
	c.Items = []cart.Item{
		{
			ID:        "prod-1:var-1",
			ProductID: "prod-1",
			VariantID: "var-1",
			Name:      "Test Widget",
			Price:     1999,
			Quantity:  2,
			ImageURL:  "https://img.example.com/widget.jpg",
			Stock:     &stock,
		},
	}
	return c
}

func syncJSON(items ...map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{"items": items})
	return b
}

// ============================================================================
// GET /api/v1/cart - GetCart
// ============================================================================

func TestGetCart_Success(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	repo.On("Get", mock.Anything, "u:user-123").Return(sampleCart("u:user-123"), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Data)
	repo.AssertExpectations(t)
}

func TestGetCart_GuestIdentity(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	// A guest token resolves to a "g:" owner, so it can never collide with an
	// account id of the same spelling.
	repo.On("Get", mock.Anything, "g:guest-abc").Return(nil, apperrors.NotFound("cart", "g:guest-abc"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("X-Guest-ID", "guest-abc")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
	repo.AssertExpectations(t)
}

func TestGetCart_UserHeaderWinsOverGuest(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	repo.On("Get", mock.Anything, "u:user-123").Return(sampleCart("u:user-123"), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("X-User-ID", "user-123")
	req.Header.Set("X-Guest-ID", "guest-abc")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	repo.AssertExpectations(t)
}

func TestGetCart_MissingIdentity_Returns401(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
}

func TestGetCart_ServiceError(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	repo.On("Get", mock.Anything, "u:user-123").Return(nil, fmt.Errorf("redis connection refused"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	repo.AssertExpectations(t)
}

// ============================================================================
// POST /api/v1/cart/sync - Sync
// ============================================================================

func TestSync_Success(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	repo.On("Get", mock.Anything, "g:guest-abc").Return(nil, apperrors.NotFound("cart", "g:guest-abc"))
	repo.On("Save", mock.Anything, mock.AnythingOfType("*domain.Cart")).Return(nil)

	body := syncJSON(map[string]any{
		"id": "prod-1:var-1", "product_id": "prod-1", "variant_id": "var-1", "quantity": 2,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/sync", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guest-ID", "guest-abc")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	var saved domain.Cart
	require.NoError(t, json.Unmarshal(resp.Data, &saved))
	require.Len(t, saved.Items, 1)
	assert.Equal(t, "Test Widget", saved.Items[0].Name, "display facts resolved server-side")
	assert.Equal(t, int64(1999), saved.Items[0].Price)
	repo.AssertExpectations(t)
}

func TestSync_MissingProducts_Returns404WithIDs(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	body := syncJSON(
		map[string]any{"product_id": "prod-1", "variant_id": "var-1", "quantity": 1},
		map[string]any{"product_id": "prod-gone", "quantity": 1},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/sync", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, []string{"prod-gone"}, resp.MissingProducts)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSync_InvalidJSON(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/sync", bytes.NewReader([]byte(`{invalid`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
}

func TestSync_ValidationError(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	body := syncJSON(map[string]any{"product_id": "", "quantity": 0})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/sync", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

// ============================================================================
// POST /api/v1/cart/merge - Merge
// ============================================================================

func TestMerge_Success(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	guestCart := sampleCart("g:guest-abc")
	repo.On("Get", mock.Anything, "u:user-123").Return(nil, apperrors.NotFound("cart", "u:user-123"))
	repo.On("Get", mock.Anything, "g:guest-abc").Return(guestCart, nil)
	repo.On("Save", mock.Anything, mock.AnythingOfType("*domain.Cart")).Return(nil)
	repo.On("Delete", mock.Anything, "g:guest-abc").Return(nil)

	body, _ := json.Marshal(map[string]string{"guest_id": "guest-abc"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/merge", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
	repo.AssertExpectations(t)
}

func TestMerge_GuestCaller_Returns403(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	body, _ := json.Marshal(map[string]string{"guest_id": "guest-abc"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/merge", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guest-ID", "guest-other")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "FORBIDDEN", resp.Error.Code)
}

func TestMerge_MissingGuestID_ValidationError(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/merge", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

// ============================================================================
// DELETE /api/v1/cart - ClearCart
// ============================================================================

func TestClearCart_Success(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	repo.On("Delete", mock.Anything, "u:user-123").Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/cart", nil)
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
	repo.AssertExpectations(t)
}

func TestClearCart_ServiceError(t *testing.T) {
	repo := new(mockCartRepository)
	router := setupCartRouter(testCartHandler(repo, new(mockShareRepository)))

	repo.On("Delete", mock.Anything, "u:user-123").Return(fmt.Errorf("redis connection lost"))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/cart", nil)
	req.Header.Set("X-User-ID", "user-123")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	repo.AssertExpectations(t)
}

// ============================================================================
// POST /api/v1/cart/share and GET /api/v1/cart/share/{shareId}
// ============================================================================

func TestShare_Success(t *testing.T) {
	shares := new(mockShareRepository)
	router := setupCartRouter(testCartHandler(new(mockCartRepository), shares))

	shares.On("SaveShare", mock.Anything, mock.AnythingOfType("string"), mock.Anything, 48*time.Hour).Return(nil)

	body := syncJSON(map[string]any{"product_id": "prod-1", "variant_id": "var-1", "quantity": 2})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/share", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guest-ID", "guest-abc")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.NotEmpty(t, data["share_id"])
	shares.AssertExpectations(t)
}

func TestShare_EmptyCart_Returns400(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/share", bytes.NewReader([]byte(`{"items":[]}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guest-ID", "guest-abc")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
}

func TestGetShared_Success(t *testing.T) {
	shares := new(mockShareRepository)
	router := setupCartRouter(testCartHandler(new(mockCartRepository), shares))

	items := []cart.Item{{
		ID: "prod-1:var-1", ProductID: "prod-1", VariantID: "var-1",
		Name: "Test Widget", Price: 1999, Quantity: 2,
	}}
	shares.On("GetShare", mock.Anything, "share-001").Return(items, nil)

	// Shared snapshots are public; no identity headers needed.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart/share/share-001", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	var data struct {
		Items []cart.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Items, 1)
	assert.Equal(t, "Test Widget", data.Items[0].Name)
	shares.AssertExpectations(t)
}

func TestGetShared_NotFound(t *testing.T) {
	shares := new(mockShareRepository)
	router := setupCartRouter(testCartHandler(new(mockCartRepository), shares))

	shares.On("GetShare", mock.Anything, "share-gone").Return(nil, apperrors.NotFound("shared cart", "share-gone"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart/share/share-gone", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

// ============================================================================
// POST /api/v1/cart/validate-stock - ValidateStock
// ============================================================================

func TestValidateStock_InStock(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	body, _ := json.Marshal(map[string]any{"product_id": "prod-1", "variant_id": "var-1", "quantity": 5})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/validate-stock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	var data struct {
		Available int  `json:"available"`
		InStock   bool `json:"in_stock"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, 12, data.Available)
	assert.True(t, data.InStock)
}

func TestValidateStock_UnknownProduct(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	body, _ := json.Marshal(map[string]any{"product_id": "prod-gone", "quantity": 1})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/validate-stock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	var data struct {
		Available int  `json:"available"`
		InStock   bool `json:"in_stock"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Zero(t, data.Available)
	assert.False(t, data.InStock)
}

func TestValidateStock_ValidationError(t *testing.T) {
	router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

	body, _ := json.Marshal(map[string]any{"product_id": "", "quantity": 0})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/validate-stock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

// ============================================================================
// Middleware tests
// ============================================================================

func TestIdentityFromHeaders_SetsUserContext(t *testing.T) {
	var captured identity
	handler := IdentityFromHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFromContext(r.Context())
		if ok {
			captured = id
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "user-abc")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u:user-abc", captured.OwnerID)
	assert.Equal(t, "user-abc", captured.UserID)
	assert.Empty(t, captured.GuestID)
}

func TestIdentityFromHeaders_SetsGuestContext(t *testing.T) {
	var captured identity
	handler := IdentityFromHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = identityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Guest-ID", "guest-abc")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "g:guest-abc", captured.OwnerID)
	assert.Equal(t, "guest-abc", captured.GuestID)
	assert.Empty(t, captured.UserID)
}

func TestIdentityFromHeaders_MissingHeaders(t *testing.T) {
	called := false
	handler := IdentityFromHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called, "handler should not have been called")
}

func TestContentTypeJSON_RejectsNonJSON(t *testing.T) {
	called := false
	handler := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("data")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.False(t, called, "handler should not have been called")
}

// ============================================================================
// Table-driven: identity-scoped endpoints reject anonymous requests
// ============================================================================

func TestIdentityEndpoints_RejectAnonymous(t *testing.T) {
	endpoints := []struct {
		method string
		path   string
		body   []byte
	}{
		{http.MethodGet, "/api/v1/cart", nil},
		{http.MethodDelete, "/api/v1/cart", nil},
		{http.MethodPost, "/api/v1/cart/sync", syncJSON()},
		{http.MethodPost, "/api/v1/cart/merge", []byte(`{"guest_id":"g1"}`)},
		{http.MethodPost, "/api/v1/cart/share", syncJSON()},
	}

	for _, ep := range endpoints {
		name := fmt.Sprintf("%s %s", ep.method, ep.path)
		t.Run(name, func(t *testing.T) {
			router := setupCartRouter(testCartHandler(new(mockCartRepository), new(mockShareRepository)))

			req := httptest.NewRequest(ep.method, ep.path, bytes.NewReader(ep.body))
			if ep.body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code, "expected 401 for anonymous %s", name)
			resp := decodeResponse(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
		})
	}
}
