package prep

import (
	"sort"
	"strings"

	"github.com/prep/prep/internal/platform/sfv"
)

// MatchItem compares a requested item against an allowed item. It returns
// (nil, false) when the bare values differ, (nil, true) on a full match, and
// (extra, true) on a partial match, where extra carries every request
// parameter that is list-valued or differs from the allowed item's value.
// Bare values compare case-insensitively.
func MatchItem(req, allowed sfv.Item) (*sfv.Nested, bool) {
	if !sfv.BareEqualFold(req.Value, allowed.Value) {
		return nil, false
	}
	return matchParams(req, allowed)
}

// MatchType is MatchItem with media-type wildcard rules (`*/*`, `type/*`)
// applied to the request side.
func MatchType(req, allowed sfv.Item) (*sfv.Nested, bool) {
	if !typeMatches(req.BareString(), allowed.BareString()) {
		return nil, false
	}
	return matchParams(req, allowed)
}

func matchParams(req, allowed sfv.Item) (*sfv.Nested, bool) {
	extra := sfv.NewNested()
	for _, k := range req.Params.Keys() {
		rv, _ := req.Params.Get(k)
		if av, ok := allowed.Params.Get(k); ok && sfv.BareEqualFold(rv, av) {
			continue
		}
		extra.Set(k, []sfv.Item{sfv.NewItem(rv)})
	}
	// List-valued request parameters are always surfaced: the application
	// decides which alternative wins, the negotiator stays out of it.
	for _, k := range req.Extra.Keys() {
		items, _ := req.Extra.Get(k)
		copied := make([]sfv.Item, len(items))
		for i, it := range items {
			copied[i] = it.Clone()
		}
		extra.Set(k, copied)
	}
	if extra.Len() == 0 {
		return nil, true
	}
	return extra, true
}

func typeMatches(req, allowed string) bool {
	reqType, reqSub := splitMediaType(req)
	allowedType, allowedSub := splitMediaType(allowed)
	if reqType == "*" {
		return true
	}
	if !strings.EqualFold(reqType, allowedType) {
		return false
	}
	if reqSub == "*" {
		return true
	}
	return strings.EqualFold(reqSub, allowedSub)
}

func splitMediaType(s string) (string, string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// SortByQ orders media-type items by specificity descending, then by quality
// descending, then by insertion order. The input is not modified.
func SortByQ(items sfv.List) sfv.List {
	out := items.Clone()
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := specificity(out[i]), specificity(out[j])
		if si != sj {
			return si > sj
		}
		return quality(out[i]) > quality(out[j])
	})
	return out
}

func specificity(it sfv.Item) int {
	t, s := splitMediaType(it.BareString())
	switch {
	case t == "*":
		return 0
	case s == "*":
		return 1
	default:
		return 2
	}
}

func quality(it sfv.Item) float64 {
	v, ok := it.Params.Get("q")
	if !ok {
		return 1
	}
	switch q := v.(type) {
	case float64:
		return q
	case int64:
		return float64(q)
	default:
		return 1
	}
}

// NegotiateList returns every allowed item for which some requested item
// matches. Returned items retain the allowed side's params and gain the
// matching request's extra params when the match was partial.
func NegotiateList(requested, allowed sfv.List) sfv.List {
	sorted := SortByQ(requested)
	var out sfv.List
	for _, al := range allowed {
		for _, req := range sorted {
			extra, ok := MatchItem(req, al)
			if !ok {
				continue
			}
			picked := al.Clone()
			if extra != nil {
				picked.Extra = extra
			}
			out = append(out, picked)
			break
		}
	}
	return out
}

// NegotiateItem returns the first allowed item matched by the requested
// items, trying them in SortByQ order. On a partial match the returned item
// carries the request's mismatched params as its extra params. Returns nil
// when nothing matches.
func NegotiateItem(requested, allowed sfv.List) *sfv.Item {
	return negotiate(requested, allowed, MatchItem)
}

// NegotiateType is NegotiateItem over media types.
func NegotiateType(requested, allowed sfv.List) *sfv.Item {
	return negotiate(requested, allowed, MatchType)
}

func negotiate(requested, allowed sfv.List, match func(req, allowed sfv.Item) (*sfv.Nested, bool)) *sfv.Item {
	for _, req := range SortByQ(requested) {
		for _, al := range allowed {
			extra, ok := match(req, al)
			if !ok {
				continue
			}
			picked := al.Clone()
			if extra != nil {
				picked.Extra = extra
			}
			return &picked
		}
	}
	return nil
}

// NegotiateContent matches the request's accept alternatives against the
// server offer and produces the negotiated profile, or nil when no media
// type overlaps. A request without an accept field defaults to */*. The
// returned profile is a fresh value; callers treat it as frozen and hand the
// application a copy for its negotiateEvents hook.
func NegotiateContent(request, offer *sfv.Item) Profile {
	allowed := acceptAlternatives(offer)
	if len(allowed) == 0 {
		return nil
	}
	requested := acceptAlternatives(request)
	if len(requested) == 0 {
		requested = sfv.List{sfv.NewItem(sfv.Token("*/*"))}
	}
	it := NegotiateType(requested, allowed)
	if it == nil {
		return nil
	}
	return Profile{"content-type": *it}
}

// acceptAlternatives extracts an item's accept field as a list: a nested
// parameter holds the alternatives, a scalar parameter is a single one.
func acceptAlternatives(it *sfv.Item) sfv.List {
	if it == nil {
		return nil
	}
	if items, ok := it.Extra.Get("accept"); ok {
		return append(sfv.List(nil), items...)
	}
	if v, ok := it.Params.Get("accept"); ok {
		return sfv.List{sfv.NewItem(v)}
	}
	return nil
}
