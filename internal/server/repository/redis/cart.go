package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/server/domain"
)

const (
	keyPrefix      = "cart:"
	shareKeyPrefix = "cart:share:"
)

// CartRepository implements the cart and share repositories on Redis. Carts
// expire with the configured TTL so abandoned guest carts clean themselves
// up.
type CartRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCartRepository creates a Redis-backed cart repository.
func NewCartRepository(client *redis.Client, ttl time.Duration) *CartRepository {
	return &CartRepository{
		client: client,
		ttl:    ttl,
	}
}

// Get retrieves a cart by owner id.
func (r *CartRepository) Get(ctx context.Context, ownerID string) (*domain.Cart, error) {
	key := keyPrefix + ownerID

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("cart", ownerID)
		}
		return nil, fmt.Errorf("redis get cart: %w", err)
	}

	var c domain.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}

	return &c, nil
}

// Save persists a cart with the configured TTL.
func (r *CartRepository) Save(ctx context.Context, c *domain.Cart) error {
	key := keyPrefix + c.OwnerID

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set cart: %w", err)
	}

	return nil
}

// Delete removes a cart by owner id.
func (r *CartRepository) Delete(ctx context.Context, ownerID string) error {
	key := keyPrefix + ownerID

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del cart: %w", err)
	}

	return nil
}

// SaveShare stores an immutable shared-cart snapshot under its own TTL.
func (r *CartRepository) SaveShare(ctx context.Context, shareID string, items []cart.Item, ttl time.Duration) error {
	key := shareKeyPrefix + shareID

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal shared cart: %w", err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set shared cart: %w", err)
	}

	return nil
}

// GetShare retrieves a shared-cart snapshot.
func (r *CartRepository) GetShare(ctx context.Context, shareID string) ([]cart.Item, error) {
	key := shareKeyPrefix + shareID

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("shared cart", shareID)
		}
		return nil, fmt.Errorf("redis get shared cart: %w", err)
	}

	var items []cart.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal shared cart: %w", err)
	}

	return items, nil
}
