// Package prep implements the Per-Resource Events Protocol (PREP): an HTTP
// middleware through which a GET response carries both the resource
// representation and a live stream of subsequent modification notifications,
// multiplexed as nested multipart parts in one response body.
package prep

import (
	"sort"
	"strings"

	"github.com/prep/prep/internal/platform/sfv"
)

// Profile is the canonical, post-negotiation content specification that keys
// subscriptions. The only entry defined today is "content-type".
type Profile map[string]sfv.Item

// ContentType returns the profile's negotiated content type item.
func (p Profile) ContentType() (sfv.Item, bool) {
	it, ok := p["content-type"]
	return it, ok
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, it := range p {
		out[k] = it.Clone()
	}
	return out
}

// Canonical renders the profile as a deterministic string used as the real
// subscription-index key. Only cleaned profiles (see Cleanup) should be used
// as keys; Canonical applies the same canonicalization defensively so that
// structurally equal profiles always produce the same key.
func (p Profile) Canonical() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString("=")
		s, err := sfv.MarshalItem(sfv.Canonicalize(p[k]))
		if err != nil {
			// Unmarshalable values cannot occur for negotiated profiles;
			// fall back to the bare value so the key stays usable.
			s = strings.ToLower(p[k].BareString())
		}
		b.WriteString(s)
	}
	return b.String()
}

// ProfilesEqual reports structural deep equality of two profiles.
func ProfilesEqual(a, b Profile) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !sfv.ItemsEqual(av, bv) {
			return false
		}
	}
	return true
}

// Cleanup strips extra params from every item in the profile, canonicalizes
// names and values, and returns the subscription-key-safe profile. This is
// the only form that may be used as a subscription key.
func Cleanup(p Profile) Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	for k, it := range p {
		out[strings.ToLower(k)] = sfv.Canonicalize(it)
	}
	return out
}
