package event

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/meridianlabs/cartsync/pkg/kafka"

	"github.com/meridianlabs/cartsync/internal/server/domain"
)

// Kafka topics for cart lifecycle events.
const (
	TopicCartSynced  = "cartsync.cart.synced"
	TopicCartMerged  = "cartsync.cart.merged"
	TopicCartCleared = "cartsync.cart.cleared"
)

// Aggregate type constant.
const AggregateTypeCart = "cart"

// Source identifier for events originating from this service.
const SourceCartSync = "cartsync-service"

// CartSyncedData is the payload for a cart.synced event.
type CartSyncedData struct {
	OwnerID     string         `json:"owner_id"`
	Items       []CartItemData `json:"items"`
	ItemCount   int            `json:"item_count"`
	TotalAmount int64          `json:"total_amount"`
	Currency    string         `json:"currency"`
}

// CartItemData is the item payload within cart events.
type CartItemData struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

// CartMergedData is the payload for a cart.merged event.
type CartMergedData struct {
	UserID    string `json:"user_id"`
	GuestID   string `json:"guest_id"`
	ItemCount int    `json:"item_count"`
}

// CartClearedData is the payload for a cart.cleared event.
type CartClearedData struct {
	OwnerID string `json:"owner_id"`
}

// Producer publishes cart lifecycle events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates an event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishCartSynced publishes a cart.synced event after a reconcile.
func (p *Producer) PublishCartSynced(ctx context.Context, c *domain.Cart) error {
	items := make([]CartItemData, len(c.Items))
	for i, item := range c.Items {
		items[i] = CartItemData{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  item.Quantity,
		}
	}

	data := CartSyncedData{
		OwnerID:     c.OwnerID,
		Items:       items,
		ItemCount:   c.ItemCount(),
		TotalAmount: c.TotalAmount(),
		Currency:    c.Currency,
	}

	evt, err := pkgkafka.NewEvent(TopicCartSynced, c.OwnerID, AggregateTypeCart, SourceCartSync, data)
	if err != nil {
		return fmt.Errorf("create cart.synced event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartSynced, evt); err != nil {
		return fmt.Errorf("publish cart.synced event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.synced event",
		slog.String("owner_id", c.OwnerID),
		slog.Int("item_count", c.ItemCount()),
	)

	return nil
}

// PublishCartMerged publishes a cart.merged event after a guest fold.
func (p *Producer) PublishCartMerged(ctx context.Context, userID, guestID string, itemCount int) error {
	data := CartMergedData{UserID: userID, GuestID: guestID, ItemCount: itemCount}

	evt, err := pkgkafka.NewEvent(TopicCartMerged, userID, AggregateTypeCart, SourceCartSync, data)
	if err != nil {
		return fmt.Errorf("create cart.merged event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartMerged, evt); err != nil {
		return fmt.Errorf("publish cart.merged event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.merged event",
		slog.String("user_id", userID),
	)

	return nil
}

// PublishCartCleared publishes a cart.cleared event.
func (p *Producer) PublishCartCleared(ctx context.Context, ownerID string) error {
	data := CartClearedData{OwnerID: ownerID}

	evt, err := pkgkafka.NewEvent(TopicCartCleared, ownerID, AggregateTypeCart, SourceCartSync, data)
	if err != nil {
		return fmt.Errorf("create cart.cleared event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartCleared, evt); err != nil {
		return fmt.Errorf("publish cart.cleared event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.cleared event",
		slog.String("owner_id", ownerID),
	)

	return nil
}
