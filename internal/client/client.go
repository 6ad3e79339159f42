// Package client is the composition root of the cart engine: the durable
// store, guest identity, remote API client, cart store, sync engine, and
// merge engine wired together behind one facade. An application embeds an
// Engine, feeds it authentication transitions, and calls cart operations; the
// engine keeps local truth durable and the server eventually consistent.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"time"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"
	"github.com/meridianlabs/cartsync/pkg/httpclient"
	"github.com/meridianlabs/cartsync/pkg/logger"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/client/api"
	"github.com/meridianlabs/cartsync/internal/client/auth"
	"github.com/meridianlabs/cartsync/internal/client/identity"
	"github.com/meridianlabs/cartsync/internal/client/merge"
	"github.com/meridianlabs/cartsync/internal/client/persist"
	"github.com/meridianlabs/cartsync/internal/client/store"
	"github.com/meridianlabs/cartsync/internal/client/sync"
)

// loadCeiling bounds how long the engine may report itself as loading. Past
// this point the UI renders whatever state exists rather than a spinner.
const loadCeiling = 5 * time.Second

// Config configures an Engine.
type Config struct {
	// BaseURL is the root of the remote cart service.
	BaseURL string

	// StoragePath is the directory for the embedded durable store. Empty
	// means in-memory only (state does not survive a restart).
	StoragePath string

	// ShareLinkBase is the storefront prefix for shareable cart links.
	// Defaults to BaseURL + "/cart/shared/".
	ShareLinkBase string

	// Policy overrides the sync pacing. Zero value means DefaultPolicy.
	Policy sync.Policy

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Engine is the client-side cart engine facade.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	kvCloser io.Closer
	adapter  *persist.Adapter
	identity *identity.Manager
	api      *api.Client
	store    *store.Store
	sync     *sync.Engine
	merge    *merge.Engine

	mu        stdsync.Mutex
	authState auth.State
	loading   bool
	started   bool
	stopOnce  stdsync.Once
}

// New wires an engine together. Call Start before using it.
func New(cfg Config) (*Engine, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.InvalidInput("base URL is required")
	}
	if cfg.ShareLinkBase == "" {
		cfg.ShareLinkBase = cfg.BaseURL + "/cart/shared/"
	}
	if cfg.Policy == (sync.Policy{}) {
		cfg.Policy = sync.DefaultPolicy()
	}
	log := logger.New("cart-engine", cfg.LogLevel)

	var kv persist.KV
	var closer io.Closer
	if cfg.StoragePath == "" {
		kv = persist.NewMemoryKV()
	} else {
		badgerKV, err := persist.OpenBadger(persist.DefaultBadgerConfig(cfg.StoragePath), log)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		kv = badgerKV
		closer = badgerKV
	}

	e := &Engine{
		cfg:      cfg,
		logger:   log,
		kvCloser: closer,
		loading:  true,
	}

	e.adapter = persist.NewAdapter(kv, e.authStatus, log)
	e.identity = identity.NewManager(kv, log)

	hc := httpclient.New(httpclient.DefaultConfig())
	cb := httpclient.NewCircuitBreakerClient(hc, httpclient.DefaultCircuitBreakerConfig("cart-service"), log)
	e.api = api.New(cb, cfg.BaseURL, log)

	e.store = store.New(e.api, e.adapter, log, e.onLocalChange)
	e.sync = sync.New(cfg.Policy, e.api, e.store, e.adapter, e.guestToken, log)
	e.merge = merge.New(e.api, e.store, e.identity, e.adapter, log)

	return e, nil
}

// Start rehydrates persisted state and launches background sync. Pending
// changes found in storage are scheduled for push immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	time.AfterFunc(loadCeiling, e.finishLoading)

	state, err := e.adapter.Load()
	if err != nil {
		e.logger.Warn("persisted cart unavailable", slog.String("error", err.Error()))
	}
	if state != nil {
		if err := e.store.ApplyLoadedState(ctx, state); err != nil {
			return fmt.Errorf("rehydrate cart: %w", err)
		}
	}
	if saved := e.adapter.LoadSavedForLater(); len(saved) > 0 {
		if err := e.store.LoadSaved(ctx, saved); err != nil {
			return fmt.Errorf("rehydrate saved items: %w", err)
		}
	}

	if token := e.identity.Token(); token != "" {
		e.api.SetGuestID(token)
	}

	e.sync.Start(ctx)
	if state != nil && len(state.PendingChanges) > 0 {
		e.logger.Info("resuming unsynced changes from previous session",
			slog.Int("pending", len(state.PendingChanges)),
		)
		e.sync.Schedule()
	}

	e.finishLoading()
	return nil
}

// Stop halts background work and releases the local store. Idempotent.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.sync.Stop()
		e.store.Close()
		if e.kvCloser != nil {
			err = e.kvCloser.Close()
		}
	})
	return err
}

// --- Cart operations ---

// AddItem adds quantity of a product to the cart.
func (e *Engine) AddItem(ctx context.Context, input store.AddItemInput, quantity int) error {
	if err := e.checkCooldown(); err != nil {
		return err
	}
	e.ensureGuest()
	return e.store.AddItem(ctx, input, quantity)
}

// UpdateQuantity sets the absolute quantity of a cart line; zero removes it.
func (e *Engine) UpdateQuantity(ctx context.Context, id string, quantity int, variantID string) error {
	if err := e.checkCooldown(); err != nil {
		return err
	}
	return e.store.UpdateQuantity(ctx, id, quantity, variantID)
}

// RemoveItem removes a cart line. Idempotent.
func (e *Engine) RemoveItem(ctx context.Context, id string, variantID string) error {
	if err := e.checkCooldown(); err != nil {
		return err
	}
	return e.store.RemoveItem(ctx, id, variantID)
}

// Clear empties the cart locally and clears the server-side cart. A failed
// remote clear is not an error: the scheduled empty-state sync converges the
// server eventually.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.checkCooldown(); err != nil {
		return err
	}
	if err := e.store.Clear(ctx); err != nil {
		return err
	}
	if err := e.api.ClearCart(ctx); err != nil {
		e.logger.Warn("remote clear deferred to sync", slog.String("error", err.Error()))
	}
	return nil
}

// SaveForLater moves a line to the saved collection. Local-only.
func (e *Engine) SaveForLater(ctx context.Context, id string, variantID string) error {
	return e.store.SaveForLater(ctx, id, variantID)
}

// MoveToCart moves a saved line back into the cart.
func (e *Engine) MoveToCart(ctx context.Context, id string, variantID string) error {
	return e.store.MoveToCart(ctx, id, variantID)
}

// --- Reads ---

// Items returns the live cart lines.
func (e *Engine) Items() []cart.Item { return e.store.Items() }

// SavedItems returns the saved-for-later lines.
func (e *Engine) SavedItems() []cart.Item { return e.store.SavedItems() }

// Total returns the cart total in cents.
func (e *Engine) Total() int64 { return e.store.Total() }

// ItemCount returns the total quantity across all lines.
func (e *Engine) ItemCount() int { return e.store.ItemCount() }

// LastError returns the current user-visible error message, or "".
func (e *Engine) LastError() string { return e.store.LastError() }

// Loading reports whether initial rehydration is still in progress. Bounded
// by loadCeiling regardless of what Start is doing.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// LastSynced returns the time of the last server-confirmed sync, or zero.
func (e *Engine) LastSynced() time.Time { return e.sync.LastSynced() }

// --- Authentication ---

// SetAuthState feeds an identity-provider transition into the engine. The
// edge into Authenticated triggers the one-shot guest cart merge; the edge
// out clears local state for the next anonymous session.
func (e *Engine) SetAuthState(ctx context.Context, state auth.State) error {
	e.mu.Lock()
	prev := e.authState
	e.authState = state
	e.mu.Unlock()

	if prev == state {
		return nil
	}

	e.api.SetUserID(state.UserID)
	e.logger.Info("auth state changed",
		slog.String("from", prev.Status.String()),
		slog.String("to", state.Status.String()),
	)

	if err := e.merge.HandleTransition(ctx, prev.Status, state.Status); err != nil {
		return err
	}
	// The merge may have retired the guest token.
	e.api.SetGuestID(e.identity.Token())

	if state.Status == auth.Unauthenticated && prev.Status == auth.Authenticated {
		// Sign-out starts a fresh anonymous session with an empty cart.
		return e.store.Clear(ctx)
	}
	return nil
}

// AuthState returns the current identity snapshot.
func (e *Engine) AuthState() auth.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authState
}

// --- Sharing ---

// GenerateShareableCartLink uploads the current cart and returns a link to
// it. An empty cart returns "" without touching the network.
func (e *Engine) GenerateShareableCartLink(ctx context.Context) (string, error) {
	items := e.store.Items()
	if len(items) == 0 {
		return "", nil
	}
	e.ensureGuest()
	id, err := e.api.ShareCart(ctx, items)
	if err != nil {
		return "", fmt.Errorf("share cart: %w", err)
	}
	return e.cfg.ShareLinkBase + id, nil
}

// ImportSharedCart fetches a shared cart snapshot and adds its lines to the
// current cart, merging quantities per line the way ordinary adds do. The
// snapshot is untrusted input: invalid lines are dropped before they reach the
// store, never coerced into shape.
func (e *Engine) ImportSharedCart(ctx context.Context, shareID string) error {
	items, err := e.api.FetchSharedCart(ctx, shareID)
	if err != nil {
		return fmt.Errorf("fetch shared cart: %w", err)
	}
	clean, dropped := cart.SanitizeItems(items, e.logger)
	if dropped > 0 {
		e.logger.Warn("shared cart contained invalid items", slog.Int("dropped", dropped))
	}
	for _, item := range clean {
		input := store.AddItemInput{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			Price:     item.Price,
		}
		if err := e.store.AddItem(ctx, input, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// SyncNow forces an immediate push, still honoring the rate-limit cooldown.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.sync.SyncNow(ctx)
}

// --- internals ---

// checkCooldown refuses mutations while the server has asked us to back off,
// so a stalled sync queue cannot silently pile up divergence.
func (e *Engine) checkCooldown() error {
	if e.sync.InCooldown() {
		return apperrors.RateLimited("cart is paused after a rate limit, try again shortly")
	}
	return nil
}

// onLocalChange runs after every committed user mutation.
func (e *Engine) onLocalChange() {
	e.ensureGuest()
	e.sync.Schedule()
}

// ensureGuest mints the guest token on first anonymous cart activity and
// keeps the API client's identity header current.
func (e *Engine) ensureGuest() {
	e.mu.Lock()
	status := e.authState.Status
	e.mu.Unlock()
	if status == auth.Authenticated {
		return
	}
	e.api.SetGuestID(e.identity.Ensure())
}

// guestToken supplies the sync payload's guest id ("" once authenticated).
func (e *Engine) guestToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.authState.Status == auth.Authenticated {
		return ""
	}
	return e.identity.Token()
}

// authStatus gates the persistence adapter's empty-cart guard.
func (e *Engine) authStatus() auth.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authState.Status
}

func (e *Engine) finishLoading() {
	e.mu.Lock()
	e.loading = false
	e.mu.Unlock()
}
