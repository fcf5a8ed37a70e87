package sfv

import (
	"sort"
	"strings"
)

// ItemsEqual reports structural deep equality of two items: equal bare
// values, the same parameter mapping, and the same nested mapping. Parameter
// order is not significant.
func ItemsEqual(a, b Item) bool {
	if !bareEqual(a.Value, b.Value) {
		return false
	}
	if !paramsEqual(a.Params, b.Params) {
		return false
	}
	return nestedEqual(a.Extra, b.Extra)
}

func bareEqual(a, b interface{}) bool {
	if isTextual(a) && isTextual(b) {
		return BareToString(a) == BareToString(b)
	}
	return a == b
}

func paramsEqual(a, b *Params) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, k := range a.Keys() {
		av, _ := a.Get(k)
		bv, ok := b.Get(k)
		if !ok || !bareEqual(av, bv) {
			return false
		}
	}
	return true
}

func nestedEqual(a, b *Nested) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, k := range a.Keys() {
		av, _ := a.Get(k)
		bv, ok := b.Get(k)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ItemsEqual(av[i], bv[i]) {
				return false
			}
		}
	}
	return true
}

// Canonicalize returns a copy of the item suitable for use inside a
// subscription key: textual values lowercased, parameter names lowercased and
// sorted, nested parameters stripped.
func Canonicalize(it Item) Item {
	out := NewItem(lowerBare(it.Value))
	keys := it.Params.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := it.Params.Get(k)
		out.Params.Set(strings.ToLower(k), lowerBare(v))
	}
	return out
}

func lowerBare(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return strings.ToLower(t)
	case Token:
		return Token(strings.ToLower(string(t)))
	default:
		return v
	}
}
