package sfv

import (
	"fmt"
	"strings"

	"github.com/dunglas/httpsfv"
)

// ParseList parses a structured list of items, supporting PREP's list-valued
// parameters on each member. Top-level inner lists are not part of the PREP
// data model and are rejected.
func ParseList(raw string) (List, error) {
	var out List
	for _, member := range splitTop(raw, ',') {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		if strings.HasPrefix(member, "(") {
			return nil, fmt.Errorf("sfv: inner list not allowed as list member: %q", member)
		}
		it, err := ParseItem(member)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// ParseItem parses a single item. A parameter whose value is parenthesized is
// treated as a nested entry: its contents are parsed recursively as a
// space-separated sequence of items and stored in the item's Extra mapping,
// while every scalar parameter goes through httpsfv untouched.
func ParseItem(raw string) (Item, error) {
	segments := splitTop(raw, ';')
	if len(segments) == 0 || strings.TrimSpace(segments[0]) == "" {
		return Item{}, fmt.Errorf("sfv: empty item")
	}

	scalar := []string{strings.TrimSpace(segments[0])}
	type nestedSeg struct {
		key string
		raw string
	}
	var nested []nestedSeg

	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		eq := strings.IndexByte(seg, '=')
		if eq > 0 && strings.HasPrefix(strings.TrimSpace(seg[eq+1:]), "(") {
			nested = append(nested, nestedSeg{
				key: strings.ToLower(strings.TrimSpace(seg[:eq])),
				raw: strings.TrimSpace(seg[eq+1:]),
			})
			continue
		}
		scalar = append(scalar, seg)
	}

	parsed, err := httpsfv.UnmarshalItem([]string{strings.Join(scalar, ";")})
	if err != nil {
		return Item{}, fmt.Errorf("sfv: parse item %q: %w", raw, err)
	}
	it := fromHTTPSFVItem(parsed)

	for _, ns := range nested {
		items, err := parseInnerList(ns.raw)
		if err != nil {
			return Item{}, fmt.Errorf("sfv: parse nested parameter %q: %w", ns.key, err)
		}
		if it.Extra == nil {
			it.Extra = NewNested()
		}
		it.Extra.Set(ns.key, items)
	}
	return it, nil
}

// parseInnerList parses "(member member ...)" where each member is itself a
// full item, possibly carrying nested parameters of its own.
func parseInnerList(raw string) ([]Item, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '(' || raw[len(raw)-1] != ')' {
		return nil, fmt.Errorf("sfv: malformed inner list %q", raw)
	}
	inner := strings.TrimSpace(raw[1 : len(raw)-1])
	if inner == "" {
		return []Item{}, nil
	}
	var items []Item
	for _, member := range splitTop(inner, ' ') {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		it, err := ParseItem(member)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// splitTop splits raw at every occurrence of sep that is outside double
// quotes and outside parentheses. Backslash escapes inside quoted strings are
// honored.
func splitTop(raw string, sep byte) []string {
	var (
		parts   []string
		start   int
		depth   int
		inQuote bool
		escaped bool
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case inQuote:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case c == sep && depth == 0:
			parts = append(parts, raw[start:i])
			start = i + 1
		}
	}
	parts = append(parts, raw[start:])
	return parts
}

func fromHTTPSFVItem(src httpsfv.Item) Item {
	it := NewItem(src.Value)
	if src.Params != nil {
		for _, k := range src.Params.Names() {
			v, _ := src.Params.Get(k)
			it.Params.Set(k, v)
		}
	}
	return it
}
