package sfv

import (
	"fmt"

	"github.com/dunglas/httpsfv"
)

// Dict is an ordered structured dictionary whose members are items. It backs
// the Events response header (`protocol=prep, status=200, expires="..."`).
type Dict struct {
	keys []string
	m    map[string]Item
}

// NewDict returns an empty dictionary.
func NewDict() *Dict {
	return &Dict{m: map[string]Item{}}
}

// Set inserts or replaces a member, preserving first-insertion order.
func (d *Dict) Set(key string, it Item) {
	if _, ok := d.m[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.m[key] = it
}

// SetToken stores a bare token member.
func (d *Dict) SetToken(key, value string) {
	d.Set(key, NewItem(Token(value)))
}

// SetInt stores a bare integer member.
func (d *Dict) SetInt(key string, value int64) {
	d.Set(key, NewItem(value))
}

// SetString stores a bare string member.
func (d *Dict) SetString(key, value string) {
	d.Set(key, NewItem(value))
}

// Get returns the member stored under key.
func (d *Dict) Get(key string) (Item, bool) {
	if d == nil {
		return Item{}, false
	}
	it, ok := d.m[key]
	return it, ok
}

// Keys returns the member names in insertion order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// Len returns the number of members.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Merge copies every member of other into d, replacing existing keys.
func (d *Dict) Merge(other *Dict) {
	if other == nil {
		return
	}
	for _, k := range other.Keys() {
		it, _ := other.Get(k)
		d.Set(k, it)
	}
}

// Marshal serializes the dictionary as a structured-field header value.
func (d *Dict) Marshal() (string, error) {
	out := httpsfv.NewDictionary()
	for _, k := range d.keys {
		out.Add(k, toHTTPSFVItem(d.m[k]))
	}
	s, err := httpsfv.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("sfv: marshal dictionary: %w", err)
	}
	return s, nil
}

// ParseDict parses a structured dictionary of item members. Inner-list
// members are rejected; the PREP headers backed by this type never carry
// them.
func ParseDict(raw string) (*Dict, error) {
	parsed, err := httpsfv.UnmarshalDictionary([]string{raw})
	if err != nil {
		return nil, fmt.Errorf("sfv: parse dictionary %q: %w", raw, err)
	}
	d := NewDict()
	for _, k := range parsed.Names() {
		member, _ := parsed.Get(k)
		it, ok := member.(httpsfv.Item)
		if !ok {
			return nil, fmt.Errorf("sfv: dictionary member %q is not an item", k)
		}
		d.Set(k, fromHTTPSFVItem(it))
	}
	return d, nil
}
