package cart

// Item represents a single line in a cart. Display fields (Name, ImageURL) are
// denormalized at add time so a cart renders without a catalog round-trip;
// Price is captured at add time and may legitimately diverge from the
// catalog's current price.
type Item struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url,omitempty"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`

	// Stock snapshots observed at add/sync time. Informational only, never
	// authoritative for stock decisions.
	Stock      *int `json:"stock,omitempty"`
	StockAtAdd *int `json:"stock_at_add,omitempty"`
}

// DeriveID computes the stable line identity for a product/variant pair. The
// same product with a different variant is a distinct line.
func DeriveID(productID, variantID string) string {
	if variantID == "" {
		return productID
	}
	return productID + ":" + variantID
}

// Key returns the identity key for duplicate detection. At most one item per
// key may exist in a cart.
func (i Item) Key() string {
	return DeriveID(i.ProductID, i.VariantID)
}

// countable reports whether an item contributes to totals. Lines with a
// non-positive quantity or negative price are treated as zero-contribution so
// a corrupted snapshot cannot poison the totals.
func countable(i Item) bool {
	return i.Quantity > 0 && i.Price >= 0
}

// TotalAmount sums price*quantity over the items (in cents), skipping
// non-countable lines.
func TotalAmount(items []Item) int64 {
	var total int64
	for _, item := range items {
		if !countable(item) {
			continue
		}
		total += item.Price * int64(item.Quantity)
	}
	return total
}

// ItemCount sums quantities over the items, skipping non-countable lines.
func ItemCount(items []Item) int {
	var count int
	for _, item := range items {
		if !countable(item) {
			continue
		}
		count += item.Quantity
	}
	return count
}

// FindIndex returns the index of the item matching the given product and
// variant IDs, or -1 if not found.
func FindIndex(items []Item, productID, variantID string) int {
	for i := range items {
		if items[i].ProductID == productID && items[i].VariantID == variantID {
			return i
		}
	}
	return -1
}

// FindIndexByID returns the index of the item whose line id matches, or -1.
// When variantID is non-empty, it must match as well.
func FindIndexByID(items []Item, id, variantID string) int {
	for i := range items {
		if items[i].ID != id {
			continue
		}
		if variantID != "" && items[i].VariantID != variantID {
			continue
		}
		return i
	}
	return -1
}

// CloneItems returns a deep-enough copy of the item slice for handing across
// component boundaries without aliasing the owner's backing array.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
