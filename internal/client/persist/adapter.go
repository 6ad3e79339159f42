package persist

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/client/auth"
)

// Storage keys. All cart state lives under these four keys; no component
// writes raw keys around the adapter (the guest token key is owned by the
// identity manager).
const (
	keyCartState = "cartsync:state"
	keyBackup    = "cartsync:state:backup"
	keySaved     = "cartsync:saved"
)

// Adapter mirrors the cart store's state into the durable local store and
// rehydrates it on startup. Storage failures never propagate: the engine
// degrades to memory-only operation and keeps going.
type Adapter struct {
	kv       KV
	statusFn func() auth.Status
	nowFunc  func() time.Time
	logger   *slog.Logger
}

// NewAdapter creates a persistence adapter. statusFn reports the current
// identity status; it gates the empty-cart guard below.
func NewAdapter(kv KV, statusFn func() auth.Status, logger *slog.Logger) *Adapter {
	return &Adapter{
		kv:       kv,
		statusFn: statusFn,
		nowFunc:  time.Now,
		logger:   logger,
	}
}

// Persist writes a snapshot of the live items and pending changes.
//
// An empty cart is only persisted unconditionally while unauthenticated.
// During login (pending) or while authenticated, an empty snapshot is more
// likely a not-yet-loaded server cart than a deliberate clear, and writing it
// would race a real cart out of storage.
func (a *Adapter) Persist(items, pending []cart.Item) error {
	if len(items) == 0 && len(pending) == 0 && a.statusFn() != auth.Unauthenticated {
		a.logger.Debug("skipping empty-cart persist during authenticated session")
		return nil
	}

	state := cart.NewState(items, pending, a.nowFunc())
	data, err := json.Marshal(state)
	if err != nil {
		// Items are plain values; marshal failure means a programming error,
		// but persistence must still not take the cart down.
		a.logger.Error("marshal cart state", slog.String("error", err.Error()))
		return nil
	}

	if err := a.kv.Set(keyCartState, data); err != nil {
		a.logger.Warn("cart persistence unavailable, continuing in memory",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// PersistBackup records the given items as the last known-good state. Called
// after a server-confirmed sync, so the backup slot always holds a snapshot
// the remote service has acknowledged.
func (a *Adapter) PersistBackup(items []cart.Item) {
	state := cart.NewState(items, nil, a.nowFunc())
	data, err := json.Marshal(state)
	if err != nil {
		a.logger.Error("marshal backup state", slog.String("error", err.Error()))
		return
	}
	if err := a.kv.Set(keyBackup, data); err != nil {
		a.logger.Warn("backup persistence unavailable", slog.String("error", err.Error()))
	}
}

// Load reads the persisted snapshot, falling back to the backup slot when the
// live snapshot is absent or structurally invalid. Items inside a loaded
// snapshot pass through validation; if any were dropped, the cleaned snapshot
// is re-persisted immediately so the corruption does not survive the next
// reload. Returns (nil, nil) when nothing usable is stored.
func (a *Adapter) Load() (*cart.State, error) {
	state := a.loadKey(keyCartState)
	if state == nil {
		if state = a.loadKey(keyBackup); state != nil {
			a.logger.Info("restored cart from backup slot")
		}
	}
	if state == nil {
		return nil, nil
	}

	clean, dropped := cart.SanitizeItems(state.Items, a.logger)
	pending, pendingDropped := cart.SanitizeItems(state.PendingChanges, a.logger)
	state.Items = clean
	state.PendingChanges = pending

	if dropped > 0 || pendingDropped > 0 {
		a.logger.Warn("self-healing persisted cart",
			slog.Int("dropped", dropped+pendingDropped),
		)
		_ = a.Persist(clean, pending)
	}

	return state, nil
}

// loadKey reads and validates one snapshot key. Any failure (absent key,
// unparseable bytes, schema mismatch) yields nil.
func (a *Adapter) loadKey(key string) *cart.State {
	data, err := a.kv.Get(key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			a.logger.Warn("cart load failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	var state cart.State
	if err := json.Unmarshal(data, &state); err != nil {
		a.logger.Warn("discarding unparseable cart snapshot",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := cart.CheckState(&state); err != nil {
		a.logger.Warn("discarding invalid cart snapshot",
			slog.String("key", key),
			slog.String("reason", err.Error()),
		)
		return nil
	}
	return &state
}

// SaveForLater persists the saved-for-later collection under its own key.
// Save-for-later is local-only and never syncs.
func (a *Adapter) SaveForLater(items []cart.Item) error {
	data, err := json.Marshal(items)
	if err != nil {
		a.logger.Error("marshal saved items", slog.String("error", err.Error()))
		return nil
	}
	if err := a.kv.Set(keySaved, data); err != nil {
		a.logger.Warn("saved-for-later persistence unavailable", slog.String("error", err.Error()))
	}
	return nil
}

// LoadSavedForLater reads the saved-for-later collection. Invalid entries are
// dropped the same way live items are.
func (a *Adapter) LoadSavedForLater() []cart.Item {
	data, err := a.kv.Get(keySaved)
	if err != nil {
		return nil
	}
	var items []cart.Item
	if err := json.Unmarshal(data, &items); err != nil {
		a.logger.Warn("discarding unparseable saved-for-later list",
			slog.String("error", err.Error()),
		)
		return nil
	}
	clean, _ := cart.SanitizeItems(items, a.logger)
	return clean
}

// RawState returns the exact bytes currently stored under the live key.
// Used by tests asserting the self-heal re-persist.
func (a *Adapter) RawState() ([]byte, error) {
	return a.kv.Get(keyCartState)
}
