package sfv

import (
	"fmt"
	"strings"

	"github.com/dunglas/httpsfv"
)

// MarshalItem serializes an item, rendering nested parameters as
// parenthesized inner lists after the scalar parameters.
func MarshalItem(it Item) (string, error) {
	base, err := httpsfv.Marshal(toHTTPSFVItem(it))
	if err != nil {
		return "", fmt.Errorf("sfv: marshal item: %w", err)
	}
	if it.Extra.Len() == 0 {
		return base, nil
	}
	var b strings.Builder
	b.WriteString(base)
	for _, k := range it.Extra.Keys() {
		items, _ := it.Extra.Get(k)
		inner, err := marshalInnerList(items)
		if err != nil {
			return "", err
		}
		b.WriteString(";")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(inner)
	}
	return b.String(), nil
}

// MarshalList serializes a list of items separated by ", ".
func MarshalList(l List) (string, error) {
	parts := make([]string, len(l))
	for i, it := range l {
		s, err := MarshalItem(it)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return strings.Join(parts, ", "), nil
}

func marshalInnerList(items []Item) (string, error) {
	parts := make([]string, len(items))
	for i, it := range items {
		s, err := MarshalItem(it)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, " ") + ")", nil
}

func toHTTPSFVItem(it Item) httpsfv.Item {
	out := httpsfv.NewItem(it.Value)
	if it.Params != nil {
		for _, k := range it.Params.Keys() {
			v, _ := it.Params.Get(k)
			out.Params.Add(k, v)
		}
	}
	return out
}
