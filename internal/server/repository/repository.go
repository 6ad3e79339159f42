// Package repository defines the persistence ports of the cart sync service.
package repository

import (
	"context"
	"time"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/server/domain"
)

// CartRepository stores carts keyed by owner (account id or guest token).
type CartRepository interface {
	// Get retrieves the owner's cart. Returns an ErrNotFound-wrapping error
	// when no cart exists.
	Get(ctx context.Context, ownerID string) (*domain.Cart, error)

	// Save persists the cart with the repository's TTL.
	Save(ctx context.Context, c *domain.Cart) error

	// Delete removes the owner's cart. Deleting an absent cart is not an
	// error.
	Delete(ctx context.Context, ownerID string) error
}

// ShareRepository stores immutable shared-cart snapshots.
type ShareRepository interface {
	// SaveShare stores a snapshot under the given id for ttl.
	SaveShare(ctx context.Context, shareID string, items []cart.Item, ttl time.Duration) error

	// GetShare retrieves a snapshot. Returns an ErrNotFound-wrapping error
	// when the id is unknown or expired.
	GetShare(ctx context.Context, shareID string) ([]cart.Item, error)
}
