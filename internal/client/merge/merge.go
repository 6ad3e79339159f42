// Package merge folds the anonymous cart into the account cart when the user
// signs in. The fold runs at most once per authenticated session, preserves
// guest intent by taking the larger quantity for shared lines (never the
// sum), and leaves the guest cart untouched if anything fails so a retry can
// start clean.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/client/auth"
)

// Remote is the slice of the API client the merge needs.
type Remote interface {
	FetchCart(ctx context.Context) ([]cart.Item, error)
	MergeGuestCart(ctx context.Context, guestToken string) ([]cart.Item, error)
	SyncCart(ctx context.Context, items []cart.Item, guestID string) ([]cart.Item, error)
}

// CartStore is the slice of the cart store the merge needs.
type CartStore interface {
	Items() []cart.Item
	ApplyServerItems(ctx context.Context, items []cart.Item) error
}

// Identity manages the guest token lifecycle.
type Identity interface {
	Token() string
	Clear()
}

// BackupWriter records the last server-confirmed snapshot.
type BackupWriter interface {
	PersistBackup(items []cart.Item)
}

// Engine performs the one-shot guest-to-account merge.
type Engine struct {
	remote   Remote
	store    CartStore
	identity Identity
	backup   BackupWriter
	logger   *slog.Logger

	// mu serializes concurrent auth signals; merged latches after a
	// successful fold so re-entrant signals cannot merge twice. It resets
	// only on sign-out.
	mu     sync.Mutex
	merged bool
}

// New creates a merge engine.
func New(remote Remote, store CartStore, identity Identity, backup BackupWriter, logger *slog.Logger) *Engine {
	return &Engine{
		remote:   remote,
		store:    store,
		identity: identity,
		backup:   backup,
		logger:   logger,
	}
}

// HandleTransition reacts to an authentication state change. Only the edge
// into Authenticated triggers a merge; dropping back to Unauthenticated
// re-arms the latch for the next session.
func (e *Engine) HandleTransition(ctx context.Context, from, to auth.Status) error {
	switch {
	case to == auth.Unauthenticated:
		e.mu.Lock()
		e.merged = false
		e.mu.Unlock()
		return nil
	case to == auth.Authenticated && from != auth.Authenticated:
		return e.Merge(ctx)
	default:
		return nil
	}
}

// Merge folds the guest cart into the account cart. With a guest token the
// server performs the fold and the token is retired; without one the fold
// happens locally against the fetched account cart and is pushed back. Both
// paths end with the server's answer as local truth. On failure nothing is
// cleared: the guest cart and token survive for a retry.
func (e *Engine) Merge(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.merged {
		return nil
	}

	token := e.identity.Token()
	var result []cart.Item
	var err error

	if token != "" {
		result, err = e.remote.MergeGuestCart(ctx, token)
		if err != nil {
			return fmt.Errorf("merge guest cart: %w", err)
		}
	} else {
		result, err = e.mergeLocally(ctx)
		if err != nil {
			return err
		}
	}

	if err := e.store.ApplyServerItems(ctx, result); err != nil {
		return fmt.Errorf("apply merged cart: %w", err)
	}
	e.backup.PersistBackup(result)

	if token != "" {
		// The guest cart now lives in the account; the token must never
		// identify a cart again.
		e.identity.Clear()
	}
	e.merged = true
	e.logger.Info("guest cart merged into account", slog.Int("items", len(result)))
	return nil
}

// mergeLocally fetches the account cart, folds the local lines in with the
// larger quantity winning per line, and pushes the combined cart back. The
// fetched cart is untrusted input: invalid lines are dropped before the fold
// so they can neither survive locally nor be pushed back to the server.
func (e *Engine) mergeLocally(ctx context.Context) ([]cart.Item, error) {
	server, err := e.remote.FetchCart(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account cart: %w", err)
	}
	clean, dropped := cart.SanitizeItems(server, e.logger)
	if dropped > 0 {
		e.logger.Warn("account cart contained invalid items", slog.Int("dropped", dropped))
	}

	combined := cart.MergeMax(clean, e.store.Items())
	result, err := e.remote.SyncCart(ctx, combined, "")
	if err != nil {
		return nil, fmt.Errorf("push merged cart: %w", err)
	}
	return result, nil
}
