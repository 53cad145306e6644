// Package groupby provides small order-preserving grouping helpers.
package groupby

// GroupByArray buckets items by key. Items keep their input order inside
// each bucket.
func GroupByArray[T any, K comparable](items []T, key func(T) K) map[K][]T {
	out := make(map[K][]T)
	for _, it := range items {
		k := key(it)
		out[k] = append(out[k], it)
	}
	return out
}

// Keys returns the distinct keys of items in first-seen order.
func Keys[T any, K comparable](items []T, key func(T) K) []K {
	seen := make(map[K]struct{})
	var keys []K
	for _, it := range items {
		k := key(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
