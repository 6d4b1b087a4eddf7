// Package filter is the query form clients send in REQ and COUNT envelopes:
// a set of predicates an event must satisfy to be delivered, per spec.md §3.
package filter

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/minio/sha256-simd"

	"moar.dev/internal/nostr/event"
	"moar.dev/internal/nostr/kind"
	"moar.dev/internal/nostr/tag"
	"moar.dev/internal/nostr/timestamp"
)

// T is a single filter: every populated field narrows the match; an empty
// field imposes no constraint. A tag filter key is a single letter prefixed
// with '#' (e.g. "#e", "#p") mapping to a set of acceptable values.
type T struct {
	Ids     [][]byte
	Kinds   []*kind.T
	Authors [][]byte
	Tags    map[string][]string
	Since   *timestamp.T
	Until   *timestamp.T
	Search  string
	Limit   *int
}

// New returns an empty, unconstrained filter.
func New() *T { return &T{Tags: map[string][]string{}} }

// Clone deep-copies a filter.
func (f *T) Clone() *T {
	if f == nil {
		return nil
	}
	c := &T{
		Ids:     append([][]byte(nil), f.Ids...),
		Kinds:   append([]*kind.T(nil), f.Kinds...),
		Authors: append([][]byte(nil), f.Authors...),
		Tags:    map[string][]string{},
		Search:  f.Search,
	}
	for k, v := range f.Tags {
		c.Tags[k] = append([]string(nil), v...)
	}
	if f.Since != nil {
		c.Since = timestamp.FromUnix(f.Since.I64())
	}
	if f.Until != nil {
		c.Until = timestamp.FromUnix(f.Until.I64())
	}
	if f.Limit != nil {
		l := *f.Limit
		c.Limit = &l
	}
	return c
}

func containsBytes(set [][]byte, b []byte) bool {
	for _, s := range set {
		if string(s) == string(b) {
			return true
		}
	}
	return false
}

func containsKind(set []*kind.T, k *kind.T) bool {
	for _, s := range set {
		if s.Equal(k) {
			return true
		}
	}
	return false
}

// Matches reports whether ev satisfies every predicate in the filter.
func (f *T) Matches(ev *event.E) bool {
	if ev == nil {
		return false
	}
	if len(f.Ids) > 0 && !containsBytes(f.Ids, ev.Id) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsBytes(f.Authors, ev.Pubkey) {
		return false
	}
	for key, values := range f.Tags {
		if len(key) < 2 || key[0] != '#' {
			continue
		}
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		if !ev.Tags.Intersects(key[1:], set) {
			return false
		}
	}
	if f.Since != nil && f.Since.I64() != 0 && ev.CreatedAt.I64() < f.Since.I64() {
		return false
	}
	if f.Until != nil && f.Until.I64() != 0 && ev.CreatedAt.I64() > f.Until.I64() {
		return false
	}
	return true
}

// Sort orders every slice field so that filters built from the same set of
// elements in different orders produce identical JSON and Fingerprint.
func (f *T) Sort() {
	sort.Slice(f.Ids, func(i, j int) bool { return string(f.Ids[i]) < string(f.Ids[j]) })
	sort.Slice(f.Authors, func(i, j int) bool { return string(f.Authors[i]) < string(f.Authors[j]) })
	sort.Slice(f.Kinds, func(i, j int) bool { return f.Kinds[i].K < f.Kinds[j].K })
	for _, v := range f.Tags {
		sort.Strings(v)
	}
}

// j is the wire-JSON shape: ids/authors/kinds/since/until/search/limit plus
// a flattened set of "#x" tag-filter keys, matching NIP-01's REQ filter
// object.
type j struct {
	Ids     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Search  string   `json:"search,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// MarshalJSON renders the filter as a NIP-01 filter object, flattening the
// Tags map into sibling "#x" properties.
func (f *T) MarshalJSON() ([]byte, error) {
	raw := map[string]interface{}{}
	if len(f.Ids) > 0 {
		ids := make([]string, len(f.Ids))
		for i, id := range f.Ids {
			ids[i] = hex.EncodeToString(id)
		}
		raw["ids"] = ids
	}
	if len(f.Authors) > 0 {
		as := make([]string, len(f.Authors))
		for i, a := range f.Authors {
			as[i] = hex.EncodeToString(a)
		}
		raw["authors"] = as
	}
	if len(f.Kinds) > 0 {
		ks := make([]int, len(f.Kinds))
		for i, k := range f.Kinds {
			ks[i] = int(k.K)
		}
		raw["kinds"] = ks
	}
	for key, values := range f.Tags {
		raw[key] = values
	}
	if f.Since != nil {
		raw["since"] = f.Since.I64()
	}
	if f.Until != nil {
		raw["until"] = f.Until.I64()
	}
	if f.Search != "" {
		raw["search"] = f.Search
	}
	if f.Limit != nil {
		raw["limit"] = *f.Limit
	}
	return json.Marshal(raw)
}

// UnmarshalJSON parses a NIP-01 filter object, collecting any "#x" property
// into the Tags map.
func (f *T) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = *New()
	for key, v := range raw {
		switch key {
		case "ids":
			var ss []string
			if err := json.Unmarshal(v, &ss); err != nil {
				return err
			}
			for _, s := range ss {
				id, err := hex.DecodeString(s)
				if err != nil {
					return err
				}
				f.Ids = append(f.Ids, id)
			}
		case "authors":
			var ss []string
			if err := json.Unmarshal(v, &ss); err != nil {
				return err
			}
			for _, s := range ss {
				a, err := hex.DecodeString(s)
				if err != nil {
					return err
				}
				f.Authors = append(f.Authors, a)
			}
		case "kinds":
			var ks []int
			if err := json.Unmarshal(v, &ks); err != nil {
				return err
			}
			for _, k := range ks {
				f.Kinds = append(f.Kinds, kind.New(k))
			}
		case "since":
			var i int64
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			f.Since = timestamp.FromUnix(i)
		case "until":
			var i int64
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			f.Until = timestamp.FromUnix(i)
		case "search":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			f.Search = s
		case "limit":
			var i int
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			f.Limit = &i
		default:
			if len(key) >= 2 && key[0] == '#' {
				var ss []string
				if err := json.Unmarshal(v, &ss); err != nil {
					return err
				}
				f.Tags[key] = ss
			}
		}
	}
	return nil
}

// Fingerprint returns the 8-byte little-endian-truncated sha256 of the
// filter's canonical (sorted, Limit-stripped) JSON form, used to
// deduplicate identical subscriptions across reconnects.
func (f *T) Fingerprint() (fp uint64, err error) {
	c := f.Clone()
	c.Limit = nil
	c.Sort()
	var b []byte
	if b, err = json.Marshal(c); err != nil {
		return
	}
	h := sha256.Sum256(b)
	for i := 0; i < 8; i++ {
		fp |= uint64(h[i]) << (8 * uint(i))
	}
	return
}

// S is a set of filters joined by logical OR, the payload of a REQ/COUNT
// envelope: an event matches the set if it matches any one filter in it.
type S []*T

// Matches reports whether ev matches any filter in the set. An empty set
// matches nothing.
func (s S) Matches(ev *event.E) bool {
	for _, f := range s {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
