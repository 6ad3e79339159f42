// Package domain holds the server-side cart aggregate. Line items reuse the
// shared cart types so client and service agree on shape and validation.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/cartsync/internal/cart"
)

// Cart is a server-side cart. OwnerID is an account id or a guest token,
// prefixed by the transport layer so the two can never collide.
type Cart struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Items     []cart.Item `json:"items"`
	Currency  string      `json:"currency"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// NewCart creates an empty cart for the given owner.
func NewCart(ownerID string, ttl time.Duration) *Cart {
	now := time.Now().UTC()
	return &Cart{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Items:     []cart.Item{},
		Currency:  "USD",
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Touch advances the modification and expiry timestamps.
func (c *Cart) Touch(ttl time.Duration) {
	now := time.Now().UTC()
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(ttl)
}

// ItemCount returns the defensive total quantity.
func (c *Cart) ItemCount() int {
	return cart.ItemCount(c.Items)
}

// TotalAmount returns the defensive total in cents.
func (c *Cart) TotalAmount() int64 {
	return cart.TotalAmount(c.Items)
}
