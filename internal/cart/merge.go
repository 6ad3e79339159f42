package cart

// MergeMax reconciles two divergent carts. For each distinct (product,
// variant) pair present in both, the maximum of the two quantities wins;
// quantities are never summed, so repeated merges cannot inflate a cart.
// Pairs present in only one side are kept as-is. Server items come first in
// the result (their order preserved), followed by guest-only items in their
// original order. Display fields for shared pairs come from the server side,
// which is authoritative for them.
func MergeMax(server, guest []Item) []Item {
	merged := CloneItems(server)
	index := make(map[string]int, len(merged))
	for i := range merged {
		index[merged[i].Key()] = i
	}

	for _, g := range guest {
		if at, ok := index[g.Key()]; ok {
			if g.Quantity > merged[at].Quantity {
				merged[at].Quantity = g.Quantity
			}
			continue
		}
		index[g.Key()] = len(merged)
		merged = append(merged, g)
	}

	return merged
}
