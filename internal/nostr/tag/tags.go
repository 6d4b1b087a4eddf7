package tag

// S is an ordered list of tag rows, an event's Tags field.
type S struct{ T []*T }

// NewList builds a tag list from rows.
func NewList(rows ...*T) *S { return &S{T: rows} }

// NewListWithCap preallocates a tag list of capacity n.
func NewListWithCap(n int) *S { return &S{T: make([]*T, 0, n)} }

// Len returns the number of rows.
func (s *S) Len() int {
	if s == nil {
		return 0
	}
	return len(s.T)
}

// Get returns row i, or nil if out of range.
func (s *S) Get(i int) *T {
	if s == nil || i < 0 || i >= len(s.T) {
		return nil
	}
	return s.T[i]
}

// AppendTags appends rows in place and returns the receiver.
func (s *S) AppendTags(rows ...*T) *S {
	s.T = append(s.T, rows...)
	return s
}

// GetFirst returns the first row whose key (field 0) equals key, or nil.
func (s *S) GetFirst(key string) *T {
	if s == nil {
		return nil
	}
	for _, t := range s.T {
		if t.S(0) == key {
			return t
		}
	}
	return nil
}

// GetAll returns every row whose key (field 0) equals key.
func (s *S) GetAll(key string) []*T {
	if s == nil {
		return nil
	}
	var out []*T
	for _, t := range s.T {
		if t.S(0) == key {
			out = append(out, t)
		}
	}
	return out
}

// Contains reports whether any row equals (key, value) in its first two
// fields — used for e/p/d tag membership checks.
func (s *S) Contains(key, value string) bool {
	if s == nil {
		return false
	}
	for _, t := range s.T {
		if t.Len() >= 2 && t.S(0) == key && t.S(1) == value {
			return true
		}
	}
	return false
}

// Intersects reports whether any row with key key has a value in values.
func (s *S) Intersects(key string, values map[string]struct{}) bool {
	if s == nil || len(values) == 0 {
		return false
	}
	for _, t := range s.T {
		if t.Len() < 2 || t.S(0) != key {
			continue
		}
		if _, ok := values[t.S(1)]; ok {
			return true
		}
	}
	return false
}

// SingleLetterKeys returns the distinct single-letter tag keys present,
// the only tag keys the event store indexes (per the indexing rule that
// restricts tag indexes to rows whose key is exactly one byte long).
func (s *S) SingleLetterKeys() map[byte]struct{} {
	out := map[byte]struct{}{}
	if s == nil {
		return out
	}
	for _, t := range s.T {
		if t.Len() >= 2 && len(t.B(0)) == 1 {
			out[t.B(0)[0]] = struct{}{}
		}
	}
	return out
}

// Clone deep-copies the tag list.
func (s *S) Clone() *S {
	if s == nil {
		return nil
	}
	out := make([]*T, len(s.T))
	for i, t := range s.T {
		out[i] = t.Clone()
	}
	return &S{T: out}
}

// ToStringSlices renders the tag list as [][]string, the JSON wire shape.
func (s *S) ToStringSlices() [][]string {
	if s == nil {
		return nil
	}
	out := make([][]string, len(s.T))
	for i, t := range s.T {
		out[i] = t.Strings()
	}
	return out
}

// FromStringSlices builds a tag list from the JSON wire shape.
func FromStringSlices(rows [][]string) *S {
	out := make([]*T, len(rows))
	for i, r := range rows {
		out[i] = New(r...)
	}
	return &S{T: out}
}
