package domain

// Pair is a single named attribute value carried by a request.
type Pair struct {
	Name  string
	Value string
}

// PairList is an ordered collection of attribute pairs. It is owned by
// exactly one request and is never shared between requests.
type PairList struct {
	pairs []Pair
}

// NewPairList builds a list from the given pairs, preserving order.
func NewPairList(pairs ...Pair) *PairList {
	l := &PairList{}
	l.pairs = append(l.pairs, pairs...)
	return l
}

// Add appends a pair, keeping any existing pairs with the same name.
func (l *PairList) Add(name, value string) {
	l.pairs = append(l.pairs, Pair{Name: name, Value: value})
}

// Set replaces the first pair with the given name, or appends one.
func (l *PairList) Set(name, value string) {
	for i := range l.pairs {
		if l.pairs[i].Name == name {
			l.pairs[i].Value = value
			return
		}
	}
	l.Add(name, value)
}

// Get returns the value of the first pair with the given name.
func (l *PairList) Get(name string) (string, bool) {
	for _, p := range l.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// GetAll returns all values of pairs with the given name, in order.
func (l *PairList) GetAll(name string) []string {
	var out []string
	for _, p := range l.pairs {
		if p.Name == name {
			out = append(out, p.Value)
		}
	}
	return out
}

// Delete removes every pair with the given name and reports how many were removed.
func (l *PairList) Delete(name string) int {
	kept := l.pairs[:0]
	removed := 0
	for _, p := range l.pairs {
		if p.Name == name {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	l.pairs = kept
	return removed
}

// Len returns the number of pairs in the list.
func (l *PairList) Len() int { return len(l.pairs) }

// Pairs returns a copy of the list contents.
func (l *PairList) Pairs() []Pair {
	out := make([]Pair, len(l.pairs))
	copy(out, l.pairs)
	return out
}

// Clone returns an independent copy of the list.
func (l *PairList) Clone() *PairList {
	return NewPairList(l.pairs...)
}
