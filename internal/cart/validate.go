package cart

import (
	"fmt"
	"log/slog"
)

// This file is the sole gate between untrusted data (local store, remote
// responses, backups) and the rest of the engine. Invalid entries are rejected
// and dropped with a logged reason, never coerced.

// CheckItem reports why a candidate item is invalid, or nil if it is valid.
// A valid item has a non-empty id, product id and name, a positive quantity,
// and a non-negative price.
func CheckItem(i Item) error {
	if i.ID == "" {
		return fmt.Errorf("empty id")
	}
	if i.ProductID == "" {
		return fmt.Errorf("empty product id")
	}
	if i.Name == "" {
		return fmt.Errorf("empty name")
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("non-positive quantity %d", i.Quantity)
	}
	if i.Price < 0 {
		return fmt.Errorf("negative price %d", i.Price)
	}
	return nil
}

// Normalize fills derivable fields on a candidate item before validation:
// a missing product id falls back to the line id, and a missing line id is
// derived from product and variant. Consolidated here so no caller has to
// reason about dual representations.
func Normalize(i Item) Item {
	if i.ProductID == "" && i.ID != "" {
		i.ProductID = i.ID
	}
	if i.ID == "" && i.ProductID != "" {
		i.ID = DeriveID(i.ProductID, i.VariantID)
	}
	return i
}

// SanitizeItems normalizes and validates a batch of untrusted items, returning
// only the valid ones (order preserved) and the number dropped. Duplicate
// (product, variant) keys are merged by summing quantities so duplicates can
// never coexist as separate lines. Each dropped item is logged with its reason.
func SanitizeItems(items []Item, logger *slog.Logger) ([]Item, int) {
	clean := make([]Item, 0, len(items))
	index := make(map[string]int, len(items))
	dropped := 0

	for _, raw := range items {
		item := Normalize(raw)
		if err := CheckItem(item); err != nil {
			dropped++
			if logger != nil {
				logger.Warn("dropping invalid cart item",
					slog.String("id", raw.ID),
					slog.String("product_id", raw.ProductID),
					slog.String("reason", err.Error()),
				)
			}
			continue
		}

		if at, ok := index[item.Key()]; ok {
			clean[at].Quantity += item.Quantity
			continue
		}
		index[item.Key()] = len(clean)
		clean = append(clean, item)
	}

	return clean, dropped
}

// CheckState reports why a candidate persisted state is invalid, or nil.
// Partial item corruption is not a state error; SanitizeItems handles that.
func CheckState(s *State) error {
	if s == nil {
		return fmt.Errorf("nil state")
	}
	if s.Items == nil {
		return fmt.Errorf("missing items")
	}
	if s.LastSynced == "" {
		return fmt.Errorf("missing last_synced")
	}
	if s.Version == "" {
		return fmt.Errorf("missing version")
	}
	if s.Version != SchemaVersion {
		return fmt.Errorf("unknown schema version %q", s.Version)
	}
	return nil
}
