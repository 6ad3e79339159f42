package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"

	"github.com/meridianlabs/cartsync/internal/cart"
)

// errorTTL is how long a user-visible error stays observable before it
// auto-clears (unless re-triggered).
const errorTTL = 5 * time.Second

// StockChecker answers point-in-time stock questions from the product
// catalog. Results gate local mutations but are never authoritative.
type StockChecker interface {
	// CheckStock reports the available stock for a product/variant and
	// whether the requested quantity fits within it.
	CheckStock(ctx context.Context, productID, variantID string, quantity int) (available int, ok bool, err error)
}

// Persister mirrors committed state into durable storage.
type Persister interface {
	Persist(items, pending []cart.Item) error
	SaveForLater(items []cart.Item) error
}

// AddItemInput is the add-time capture for a new cart line.
type AddItemInput struct {
	ProductID string
	VariantID string
	Name      string
	ImageURL  string
	Price     int64
}

// Store owns the live cart. All mutations are serialized through the
// MutationQueue; every committed mutation persists synchronously and, when
// user-initiated, notifies the onChange hook so the sync engine can schedule
// a debounced reconcile. Failures never panic: they set an observable error
// and leave the cart unchanged.
type Store struct {
	queue    *MutationQueue
	stock    StockChecker
	persist  Persister
	logger   *slog.Logger
	onChange func()

	mu      sync.RWMutex
	items   []cart.Item
	saved   []cart.Item
	pending []cart.Item
	errMsg  string
	errGen  int
}

// New creates a cart store. onChange may be nil.
func New(stock StockChecker, persist Persister, logger *slog.Logger, onChange func()) *Store {
	return &Store{
		queue:    NewMutationQueue(),
		stock:    stock,
		persist:  persist,
		logger:   logger,
		onChange: onChange,
	}
}

// Close drains the mutation queue.
func (s *Store) Close() {
	s.queue.Close()
}

// --- Mutations (queue-serialized) ---

// AddItem adds quantity of the given product to the cart. If a line with the
// same (product, variant) already exists its quantity is increased; otherwise
// a new line is appended with a freshly derived id. The combined intended
// quantity is checked against catalog stock first; on violation the cart is
// left unchanged and the error names the item and the available count.
func (s *Store) AddItem(ctx context.Context, input AddItemInput, quantity int) error {
	if quantity <= 0 {
		quantity = 1
	}
	intent := cart.Item{
		ID:        cart.DeriveID(input.ProductID, input.VariantID),
		ProductID: input.ProductID,
		VariantID: input.VariantID,
		Name:      input.Name,
		Quantity:  quantity,
	}
	return s.queue.Do(ctx, cart.PendingOperation{Op: cart.OpAdd, Item: &intent, Quantity: quantity}, func(ctx context.Context) error {
		s.mu.Lock()
		existing := 0
		if at := cart.FindIndex(s.items, input.ProductID, input.VariantID); at >= 0 {
			existing = s.items[at].Quantity
		}
		s.mu.Unlock()

		intended := existing + quantity
		available, fits, err := s.checkStock(ctx, input.ProductID, input.VariantID, intended)
		if err == nil && !fits {
			return s.rejectOutOfStock(input.Name, available)
		}

		s.mu.Lock()
		if at := cart.FindIndex(s.items, input.ProductID, input.VariantID); at >= 0 {
			s.items[at].Quantity = intended
			s.items[at].Stock = stockPtr(available, err)
		} else {
			s.items = append(s.items, cart.Item{
				ID:         cart.DeriveID(input.ProductID, input.VariantID),
				ProductID:  input.ProductID,
				VariantID:  input.VariantID,
				Name:       input.Name,
				ImageURL:   input.ImageURL,
				Price:      input.Price,
				Quantity:   quantity,
				Stock:      stockPtr(available, err),
				StockAtAdd: stockPtr(available, err),
			})
		}
		s.mu.Unlock()

		s.committed(ctx, "item added",
			slog.String("product_id", input.ProductID),
			slog.Int("quantity", quantity),
		)
		return nil
	})
}

// UpdateQuantity sets the absolute quantity of a line. A quantity of zero or
// less removes the line. The new absolute quantity is stock-checked the same
// way AddItem checks its combined quantity.
func (s *Store) UpdateQuantity(ctx context.Context, id string, quantity int, variantID string) error {
	if quantity <= 0 {
		return s.RemoveItem(ctx, id, variantID)
	}
	return s.queue.Do(ctx, lineOp(cart.OpUpdate, id, variantID, quantity), func(ctx context.Context) error {
		s.mu.Lock()
		at := cart.FindIndexByID(s.items, id, variantID)
		if at < 0 {
			s.mu.Unlock()
			s.logger.Debug("update for absent line ignored", slog.String("id", id))
			return nil
		}
		line := s.items[at]
		s.mu.Unlock()

		available, fits, err := s.checkStock(ctx, line.ProductID, line.VariantID, quantity)
		if err == nil && !fits {
			return s.rejectOutOfStock(line.Name, available)
		}

		s.mu.Lock()
		// Re-resolve: the line cannot have moved (mutations are serialized),
		// but keep the lookup defensive anyway.
		if at = cart.FindIndexByID(s.items, id, variantID); at >= 0 {
			s.items[at].Quantity = quantity
			s.items[at].Stock = stockPtr(available, err)
		}
		s.mu.Unlock()

		s.committed(ctx, "quantity updated",
			slog.String("id", id),
			slog.Int("quantity", quantity),
		)
		return nil
	})
}

// RemoveItem drops a line. Removing an absent line is a no-op, not an error.
func (s *Store) RemoveItem(ctx context.Context, id string, variantID string) error {
	return s.queue.Do(ctx, lineOp(cart.OpRemove, id, variantID, 0), func(ctx context.Context) error {
		s.mu.Lock()
		at := cart.FindIndexByID(s.items, id, variantID)
		if at < 0 {
			s.mu.Unlock()
			return nil
		}
		s.items = append(s.items[:at], s.items[at+1:]...)
		s.mu.Unlock()

		s.committed(ctx, "item removed", slog.String("id", id))
		return nil
	})
}

// Clear empties the cart and its pending changes. Idempotent.
func (s *Store) Clear(ctx context.Context) error {
	return s.queue.Do(ctx, cart.PendingOperation{Op: cart.OpClear}, func(ctx context.Context) error {
		s.mu.Lock()
		s.items = nil
		s.pending = nil
		s.mu.Unlock()

		s.committed(ctx, "cart cleared")
		return nil
	})
}

// SaveForLater moves a line from the active cart to the saved collection.
// Save-for-later is local-only: it persists but never schedules a sync.
func (s *Store) SaveForLater(ctx context.Context, id string, variantID string) error {
	return s.queue.Do(ctx, lineOp(cart.OpUpdate, id, variantID, 0), func(ctx context.Context) error {
		s.mu.Lock()
		at := cart.FindIndexByID(s.items, id, variantID)
		if at < 0 {
			s.mu.Unlock()
			return nil
		}
		line := s.items[at]
		s.items = append(s.items[:at], s.items[at+1:]...)

		if prev := cart.FindIndex(s.saved, line.ProductID, line.VariantID); prev >= 0 {
			s.saved[prev].Quantity += line.Quantity
		} else {
			s.saved = append(s.saved, line)
		}
		items, pending, saved := cart.CloneItems(s.items), cart.CloneItems(s.pending), cart.CloneItems(s.saved)
		s.mu.Unlock()

		_ = s.persist.Persist(items, pending)
		_ = s.persist.SaveForLater(saved)
		return nil
	})
}

// MoveToCart moves a line back from the saved collection to the active cart,
// merging quantities if the pair is already present.
func (s *Store) MoveToCart(ctx context.Context, id string, variantID string) error {
	return s.queue.Do(ctx, lineOp(cart.OpUpdate, id, variantID, 0), func(ctx context.Context) error {
		s.mu.Lock()
		at := cart.FindIndexByID(s.saved, id, variantID)
		if at < 0 {
			s.mu.Unlock()
			return nil
		}
		line := s.saved[at]
		s.saved = append(s.saved[:at], s.saved[at+1:]...)

		if prev := cart.FindIndex(s.items, line.ProductID, line.VariantID); prev >= 0 {
			s.items[prev].Quantity += line.Quantity
		} else {
			s.items = append(s.items, line)
		}
		items, pending, saved := cart.CloneItems(s.items), cart.CloneItems(s.pending), cart.CloneItems(s.saved)
		s.mu.Unlock()

		_ = s.persist.Persist(items, pending)
		_ = s.persist.SaveForLater(saved)
		return nil
	})
}

// --- Server-truth replacements (same serialization discipline) ---

// ApplyServerItems replaces the live items with an authoritative server
// response, clears pending changes, and persists. Inbound items pass through
// validation first.
func (s *Store) ApplyServerItems(ctx context.Context, items []cart.Item) error {
	return s.queue.Do(ctx, cart.PendingOperation{Op: cart.OpSync}, func(ctx context.Context) error {
		clean, dropped := cart.SanitizeItems(items, s.logger)
		if dropped > 0 {
			s.logger.Warn("server response contained invalid items", slog.Int("dropped", dropped))
		}

		s.mu.Lock()
		s.items = clean
		s.pending = nil
		items, pending := cart.CloneItems(s.items), cart.CloneItems(s.pending)
		s.mu.Unlock()

		_ = s.persist.Persist(items, pending)
		return nil
	})
}

// ApplyLoadedState rehydrates items and pending changes from a persisted
// snapshot at startup. It does not re-persist and does not count as a
// user-initiated change.
func (s *Store) ApplyLoadedState(ctx context.Context, state *cart.State) error {
	if state == nil {
		return nil
	}
	return s.queue.Do(ctx, cart.PendingOperation{Op: cart.OpSync}, func(ctx context.Context) error {
		s.mu.Lock()
		s.items = cart.CloneItems(state.Items)
		s.pending = cart.CloneItems(state.PendingChanges)
		s.mu.Unlock()
		return nil
	})
}

// LoadSaved rehydrates the saved-for-later collection.
func (s *Store) LoadSaved(ctx context.Context, items []cart.Item) error {
	return s.queue.Do(ctx, cart.PendingOperation{Op: cart.OpSync}, func(ctx context.Context) error {
		s.mu.Lock()
		s.saved = cart.CloneItems(items)
		s.mu.Unlock()
		return nil
	})
}

// RemoveProducts drops every line whose product id is in ids and persists.
// Used when the server reports products that no longer exist; this is
// authoritative partial truth, not a failure.
func (s *Store) RemoveProducts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	return s.queue.Do(ctx, cart.PendingOperation{Op: cart.OpSync}, func(ctx context.Context) error {
		s.mu.Lock()
		kept := s.items[:0]
		for _, item := range s.items {
			if !gone[item.ProductID] {
				kept = append(kept, item)
			}
		}
		s.items = kept
		items, pending := cart.CloneItems(s.items), cart.CloneItems(s.pending)
		s.mu.Unlock()

		_ = s.persist.Persist(items, pending)
		return nil
	})
}

// MarkPending records the given items as locally mutated but unconfirmed, so
// a failed sync can resume after a reload.
func (s *Store) MarkPending(ctx context.Context, items []cart.Item) error {
	return s.queue.Do(ctx, cart.PendingOperation{Op: cart.OpSync}, func(ctx context.Context) error {
		s.mu.Lock()
		s.pending = cart.CloneItems(items)
		snapshot, pending := cart.CloneItems(s.items), cart.CloneItems(s.pending)
		s.mu.Unlock()

		_ = s.persist.Persist(snapshot, pending)
		return nil
	})
}

// --- Reads ---

// Items returns a copy of the live cart lines in insertion order.
func (s *Store) Items() []cart.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cart.CloneItems(s.items)
}

// SavedItems returns a copy of the saved-for-later collection.
func (s *Store) SavedItems() []cart.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cart.CloneItems(s.saved)
}

// PendingChanges returns a copy of the unconfirmed items.
func (s *Store) PendingChanges() []cart.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cart.CloneItems(s.pending)
}

// Total returns the defensive sum of price*quantity in cents.
func (s *Store) Total() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cart.TotalAmount(s.items)
}

// ItemCount returns the defensive sum of quantities.
func (s *Store) ItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cart.ItemCount(s.items)
}

// LastError returns the current observable error message, or "".
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// SetError surfaces a user-visible error. It auto-clears after errorTTL
// unless re-triggered in the meantime.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.errGen++
	gen := s.errGen
	s.mu.Unlock()

	time.AfterFunc(errorTTL, func() {
		s.mu.Lock()
		if s.errGen == gen {
			s.errMsg = ""
		}
		s.mu.Unlock()
	})
}

// --- internals ---

// checkStock consults the catalog. A lookup failure is logged and treated as
// permissive: local stock gating is a convenience, never authoritative, and a
// flaky catalog must not block the cart.
func (s *Store) checkStock(ctx context.Context, productID, variantID string, quantity int) (int, bool, error) {
	if s.stock == nil {
		return 0, true, nil
	}
	available, ok, err := s.stock.CheckStock(ctx, productID, variantID, quantity)
	if err != nil {
		s.logger.Warn("stock check unavailable, allowing mutation",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		return 0, true, err
	}
	return available, ok, nil
}

// rejectOutOfStock sets the observable error and returns it without mutating.
func (s *Store) rejectOutOfStock(name string, available int) error {
	err := apperrors.OutOfStock(name, available)
	s.SetError(err.Message)
	return err
}

// committed persists the new state and fires the user-initiated change hook.
// Callers must have released s.mu.
func (s *Store) committed(ctx context.Context, msg string, attrs ...slog.Attr) {
	s.mu.RLock()
	items, pending := cart.CloneItems(s.items), cart.CloneItems(s.pending)
	s.mu.RUnlock()

	_ = s.persist.Persist(items, pending)
	s.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)

	if s.onChange != nil {
		s.onChange()
	}
}

// lineOp builds the queue intent for a mutation addressed by line id.
func lineOp(kind cart.Op, id, variantID string, quantity int) cart.PendingOperation {
	return cart.PendingOperation{
		Op:       kind,
		Item:     &cart.Item{ID: id, VariantID: variantID},
		Quantity: quantity,
	}
}

// stockPtr captures a stock snapshot unless the lookup failed.
func stockPtr(available int, err error) *int {
	if err != nil {
		return nil
	}
	v := available
	return &v
}
