package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/server/catalog"
	"github.com/meridianlabs/cartsync/internal/server/domain"
	"github.com/meridianlabs/cartsync/internal/server/event"
	"github.com/meridianlabs/cartsync/internal/server/repository"
)

// Cart operation upper-bound limits to prevent abuse.
const (
	// MaxQuantityPerItem is the maximum quantity allowed for a single cart item.
	MaxQuantityPerItem = 100
	// MaxItemsPerCart is the maximum number of distinct items allowed in a cart.
	MaxItemsPerCart = 50
)

// SyncItemInput is one line of a client's full-state sync. Clients send only
// references and quantities; the catalog supplies everything else. A replayed
// payload produces the same cart, so the operation is safe to retry.
type SyncItemInput struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id" validate:"required"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity" validate:"required,gte=1"`
}

// MissingProductsError reports sync lines that reference products absent from
// the catalog. The transport layer turns it into a 404 carrying the ids.
type MissingProductsError struct {
	ProductIDs []string
}

func (e *MissingProductsError) Error() string {
	return fmt.Sprintf("products not found: %s", strings.Join(e.ProductIDs, ", "))
}

// Catalog is the product-truth port the service depends on.
type Catalog interface {
	Lookup(ctx context.Context, refs []catalog.Ref) (map[catalog.Ref]catalog.Product, error)
	Available(ctx context.Context, productID, variantID string) (int, error)
}

// CartService implements the business logic for cart synchronization.
type CartService struct {
	repo     repository.CartRepository
	shares   repository.ShareRepository
	catalog  Catalog
	producer *event.Producer
	logger   *slog.Logger
	cartTTL  time.Duration
	shareTTL time.Duration
}

// NewCartService creates a cart service.
func NewCartService(
	repo repository.CartRepository,
	shares repository.ShareRepository,
	cat Catalog,
	producer *event.Producer,
	logger *slog.Logger,
	cartTTL, shareTTL time.Duration,
) *CartService {
	return &CartService{
		repo:     repo,
		shares:   shares,
		catalog:  cat,
		producer: producer,
		logger:   logger,
		cartTTL:  cartTTL,
		shareTTL: shareTTL,
	}
}

// GetCart retrieves the owner's cart, returning an empty cart when none
// exists.
func (s *CartService) GetCart(ctx context.Context, ownerID string) (*domain.Cart, error) {
	if ownerID == "" {
		return nil, apperrors.InvalidInput("owner id is required")
	}

	c, err := s.repo.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return domain.NewCart(ownerID, s.cartTTL), nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	return c, nil
}

// Sync replaces the owner's cart with the client's full intended state. Lines
// are deduplicated per (product, variant) pair, resolved against the catalog
// for display facts and stock, and saved wholesale. References to products
// the catalog no longer knows abort the sync with MissingProductsError so the
// client can drop them and retry.
func (s *CartService) Sync(ctx context.Context, ownerID string, inputs []SyncItemInput) (*domain.Cart, error) {
	if ownerID == "" {
		return nil, apperrors.InvalidInput("owner id is required")
	}

	lines, err := s.normalize(inputs)
	if err != nil {
		return nil, err
	}

	refs := make([]catalog.Ref, 0, len(lines))
	for _, line := range lines {
		refs = append(refs, catalog.Ref{ProductID: line.ProductID, VariantID: line.VariantID})
	}

	products, err := s.catalog.Lookup(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("resolve products: %w", err)
	}

	var missing []string
	items := make([]cart.Item, 0, len(lines))
	for _, line := range lines {
		p, ok := products[catalog.Ref{ProductID: line.ProductID, VariantID: line.VariantID}]
		if !ok {
			missing = append(missing, line.ProductID)
			continue
		}
		stock := p.Stock
		items = append(items, cart.Item{
			ID:        cart.DeriveID(line.ProductID, line.VariantID),
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Name:      p.Name,
			ImageURL:  p.ImageURL,
			Price:     p.Price,
			Quantity:  line.Quantity,
			Stock:     &stock,
		})
	}
	if len(missing) > 0 {
		return nil, &MissingProductsError{ProductIDs: missing}
	}

	c, err := s.getOrCreateCart(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	c.Items = items
	c.Touch(s.cartTTL)

	if err := s.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}

	if err := s.producer.PublishCartSynced(ctx, c); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish cart.synced event",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "cart synced",
		slog.String("owner_id", ownerID),
		slog.Int("items", len(items)),
	)

	return c, nil
}

// Merge folds the guest cart into the user's cart. Shared lines take the
// larger of the two quantities; quantities are never summed, because both
// carts usually describe the same shopping session seen from two devices.
// The guest cart is deleted afterward so its token cannot resurrect it.
func (s *CartService) Merge(ctx context.Context, userOwnerID, guestOwnerID string) (*domain.Cart, error) {
	if userOwnerID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	if guestOwnerID == "" {
		return nil, apperrors.InvalidInput("guest id is required")
	}

	userCart, err := s.getOrCreateCart(ctx, userOwnerID)
	if err != nil {
		return nil, err
	}

	guestCart, err := s.repo.Get(ctx, guestOwnerID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("get guest cart: %w", err)
	}

	if guestCart != nil && len(guestCart.Items) > 0 {
		userCart.Items = cart.MergeMax(userCart.Items, guestCart.Items)
	}
	userCart.Touch(s.cartTTL)

	if err := s.repo.Save(ctx, userCart); err != nil {
		return nil, fmt.Errorf("save merged cart: %w", err)
	}

	if guestCart != nil {
		if err := s.repo.Delete(ctx, guestOwnerID); err != nil {
			// The merged cart is already saved; a dangling guest cart only
			// lingers until its TTL.
			s.logger.WarnContext(ctx, "could not delete guest cart after merge",
				slog.String("guest_id", guestOwnerID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.producer.PublishCartMerged(ctx, userOwnerID, guestOwnerID, userCart.ItemCount()); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish cart.merged event",
			slog.String("user_id", userOwnerID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "guest cart merged",
		slog.String("user_id", userOwnerID),
		slog.Int("items", len(userCart.Items)),
	)

	return userCart, nil
}

// Clear removes the owner's cart entirely.
func (s *CartService) Clear(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return apperrors.InvalidInput("owner id is required")
	}

	if err := s.repo.Delete(ctx, ownerID); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}

	if err := s.producer.PublishCartCleared(ctx, ownerID); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish cart.cleared event",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "cart cleared", slog.String("owner_id", ownerID))

	return nil
}

// Share stores an immutable snapshot of the given lines and returns its id.
// Lines are resolved against the catalog the same way Sync resolves them, so
// a shared link always reflects current catalog truth at share time.
func (s *CartService) Share(ctx context.Context, inputs []SyncItemInput) (string, error) {
	if len(inputs) == 0 {
		return "", apperrors.InvalidInput("cannot share an empty cart")
	}

	lines, err := s.normalize(inputs)
	if err != nil {
		return "", err
	}

	refs := make([]catalog.Ref, 0, len(lines))
	for _, line := range lines {
		refs = append(refs, catalog.Ref{ProductID: line.ProductID, VariantID: line.VariantID})
	}
	products, err := s.catalog.Lookup(ctx, refs)
	if err != nil {
		return "", fmt.Errorf("resolve products: %w", err)
	}

	items := make([]cart.Item, 0, len(lines))
	for _, line := range lines {
		p, ok := products[catalog.Ref{ProductID: line.ProductID, VariantID: line.VariantID}]
		if !ok {
			// A share is a best-effort snapshot; vanished products just drop.
			continue
		}
		items = append(items, cart.Item{
			ID:        cart.DeriveID(line.ProductID, line.VariantID),
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Name:      p.Name,
			ImageURL:  p.ImageURL,
			Price:     p.Price,
			Quantity:  line.Quantity,
		})
	}
	if len(items) == 0 {
		return "", apperrors.InvalidInput("no shareable items remain")
	}

	shareID := uuid.New().String()
	if err := s.shares.SaveShare(ctx, shareID, items, s.shareTTL); err != nil {
		return "", fmt.Errorf("save shared cart: %w", err)
	}

	s.logger.InfoContext(ctx, "cart shared",
		slog.String("share_id", shareID),
		slog.Int("items", len(items)),
	)

	return shareID, nil
}

// GetShared retrieves a shared cart snapshot.
func (s *CartService) GetShared(ctx context.Context, shareID string) ([]cart.Item, error) {
	if shareID == "" {
		return nil, apperrors.InvalidInput("share id is required")
	}
	items, err := s.shares.GetShare(ctx, shareID)
	if err != nil {
		return nil, fmt.Errorf("get shared cart: %w", err)
	}
	return items, nil
}

// ValidateStock reports availability for one product variant. An unknown
// product is simply out of stock, not an error.
func (s *CartService) ValidateStock(ctx context.Context, productID, variantID string, quantity int) (available int, inStock bool, err error) {
	if productID == "" {
		return 0, false, apperrors.InvalidInput("product id is required")
	}
	if quantity <= 0 {
		return 0, false, apperrors.InvalidInput("quantity must be greater than 0")
	}

	available, err = s.catalog.Available(ctx, productID, variantID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("check stock: %w", err)
	}

	return available, quantity <= available, nil
}

// normalize validates sync lines and collapses duplicate (product, variant)
// pairs by summing their quantities, so malformed clients cannot create two
// lines for the same pair.
func (s *CartService) normalize(inputs []SyncItemInput) ([]SyncItemInput, error) {
	if len(inputs) > MaxItemsPerCart {
		return nil, apperrors.InvalidInput(fmt.Sprintf("cart must not contain more than %d items", MaxItemsPerCart))
	}

	index := make(map[catalog.Ref]int, len(inputs))
	lines := make([]SyncItemInput, 0, len(inputs))
	for _, in := range inputs {
		if in.ProductID == "" {
			return nil, apperrors.InvalidInput("product id is required on every item")
		}
		if in.Quantity <= 0 {
			return nil, apperrors.InvalidInput("quantity must be greater than 0")
		}

		ref := catalog.Ref{ProductID: in.ProductID, VariantID: in.VariantID}
		if at, ok := index[ref]; ok {
			lines[at].Quantity += in.Quantity
		} else {
			index[ref] = len(lines)
			lines = append(lines, in)
		}
	}

	for _, line := range lines {
		if line.Quantity > MaxQuantityPerItem {
			return nil, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
		}
	}

	return lines, nil
}

// getOrCreateCart retrieves the cart for an owner, creating an empty one if
// it does not exist.
func (s *CartService) getOrCreateCart(ctx context.Context, ownerID string) (*domain.Cart, error) {
	c, err := s.repo.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return domain.NewCart(ownerID, s.cartTTL), nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return c, nil
}
