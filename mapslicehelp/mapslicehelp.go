package mapslicehelp

import (
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

// SortedKeys returns the keys of a plain map in ascending order, for deterministic iteration
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func OrderedMapKeys[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []K {
	l := make([]K, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Key
		i++
	}
	return l
}

// OrderedMapFromSorted fills an ordered map from a plain map, keys in ascending order
func OrderedMapFromSorted[K constraints.Ordered, V any](m map[K]V) *orderedmap.OrderedMap[K, V] {
	om := orderedmap.New[K, V](len(m))
	for _, k := range SortedKeys(m) {
		om.Set(k, m[k])
	}
	return om
}
