// Package sfv adapts RFC 8941 structured field values for the PREP
// middleware. Lexing and serialization of bare values and scalar parameters
// are delegated to github.com/dunglas/httpsfv; this package adds the one
// extension PREP needs that RFC 8941 forbids: a parameter whose value is an
// inner list (e.g. `accept=("message/rfc822";delta="text/plain")`). Such
// parameters are kept apart from scalar parameters in a second, ordered
// mapping so the rest of the middleware can treat them explicitly.
package sfv

import (
	"strconv"
	"strings"

	"github.com/dunglas/httpsfv"
)

// Token re-exports the httpsfv token type so callers do not need to import
// the underlying library to build items.
type Token = httpsfv.Token

// Item is a structured-field item: a bare value, its scalar parameters, and
// an optional second mapping of list-valued parameters. Bare values and
// scalar parameter values use the httpsfv value types (string, Token, int64,
// float64, bool).
type Item struct {
	Value  interface{}
	Params *Params
	Extra  *Nested
}

// NewItem returns an item with the given bare value and empty parameters.
func NewItem(value interface{}) Item {
	return Item{Value: value, Params: NewParams()}
}

// BareString returns the textual form of the item's bare value.
func (it Item) BareString() string {
	return BareToString(it.Value)
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := Item{Value: it.Value, Params: it.Params.Clone()}
	if it.Extra != nil && it.Extra.Len() > 0 {
		out.Extra = it.Extra.Clone()
	}
	return out
}

// List is an ordered sequence of items. Duplicate bare values are permitted.
type List []Item

// Clone returns a deep copy of the list.
func (l List) Clone() List {
	out := make(List, len(l))
	for i, it := range l {
		out[i] = it.Clone()
	}
	return out
}

// Params is an ordered mapping of parameter names to scalar values.
type Params struct {
	keys []string
	m    map[string]interface{}
}

// NewParams returns an empty parameter map.
func NewParams() *Params {
	return &Params{m: map[string]interface{}{}}
}

// Set inserts or replaces a parameter, preserving first-insertion order.
func (p *Params) Set(key string, value interface{}) {
	if _, ok := p.m[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.m[key] = value
}

// Get returns the value stored under key.
func (p *Params) Get(key string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.m[key]
	return v, ok
}

// Del removes a parameter if present.
func (p *Params) Del(key string) {
	if p == nil {
		return
	}
	if _, ok := p.m[key]; !ok {
		return
	}
	delete(p.m, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the parameter names in insertion order.
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Clone returns a copy of the parameter map.
func (p *Params) Clone() *Params {
	out := NewParams()
	if p == nil {
		return out
	}
	for _, k := range p.keys {
		out.Set(k, p.m[k])
	}
	return out
}

// Nested is an ordered mapping of parameter names to item lists. It carries
// the list-valued parameters RFC 8941 cannot express, and doubles as the
// "extra params" slot the negotiator uses to surface unmatched request
// parameters.
type Nested struct {
	keys []string
	m    map[string][]Item
}

// NewNested returns an empty nested-parameter map.
func NewNested() *Nested {
	return &Nested{m: map[string][]Item{}}
}

// Set inserts or replaces an entry, preserving first-insertion order.
func (n *Nested) Set(key string, items []Item) {
	if _, ok := n.m[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.m[key] = items
}

// Get returns the items stored under key.
func (n *Nested) Get(key string) ([]Item, bool) {
	if n == nil {
		return nil, false
	}
	v, ok := n.m[key]
	return v, ok
}

// Keys returns the entry names in insertion order.
func (n *Nested) Keys() []string {
	if n == nil {
		return nil
	}
	return append([]string(nil), n.keys...)
}

// Len returns the number of entries.
func (n *Nested) Len() int {
	if n == nil {
		return 0
	}
	return len(n.keys)
}

// Clone returns a deep copy of the nested map.
func (n *Nested) Clone() *Nested {
	out := NewNested()
	if n == nil {
		return out
	}
	for _, k := range n.keys {
		items := n.m[k]
		copied := make([]Item, len(items))
		for i, it := range items {
			copied[i] = it.Clone()
		}
		out.Set(k, copied)
	}
	return out
}

// BareToString renders a bare value (or scalar parameter value) as text.
func BareToString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case Token:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// BareEqualFold compares two bare values. Strings and tokens compare
// case-insensitively and interchangeably; other types compare exactly.
func BareEqualFold(a, b interface{}) bool {
	if isTextual(a) && isTextual(b) {
		return strings.EqualFold(BareToString(a), BareToString(b))
	}
	return a == b
}

func isTextual(v interface{}) bool {
	switch v.(type) {
	case string, Token:
		return true
	}
	return false
}
