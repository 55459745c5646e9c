package slideshow

import "math/rand"

// Sequence is the ordered list of identifiers a run cycles through.
// It is immutable once built.
type Sequence struct {
	items []Identifier
	index map[Identifier]int // first position of each identifier
}

// NewSequence copies ids into a new Sequence. When rng is non-nil the copy is
// shuffled; the caller's slice is never reordered.
func NewSequence(ids []Identifier, rng *rand.Rand) Sequence {
	items := make([]Identifier, len(ids))
	copy(items, ids)
	if rng != nil {
		rng.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}

	index := make(map[Identifier]int, len(items))
	for i, id := range items {
		if _, seen := index[id]; !seen {
			index[id] = i
		}
	}
	return Sequence{items: items, index: index}
}

// Len returns the number of identifiers.
func (s Sequence) Len() int {
	return len(s.items)
}

// At returns the identifier at position i.
func (s Sequence) At(i int) Identifier {
	return s.items[i]
}

// IndexOf returns the first position of id, as a linear search would.
func (s Sequence) IndexOf(id Identifier) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// Items returns a copy of the identifiers in order.
func (s Sequence) Items() []Identifier {
	out := make([]Identifier, len(s.items))
	copy(out, s.items)
	return out
}

// nextResult tells why findNext did or did not produce an identifier.
type nextResult int

const (
	nextFound nextResult = iota
	nextEnd
	nextDesync
)

// findNext computes the identifier following current. Both the advance path
// and the prefetch path go through here so they always agree.
func findNext(seq Sequence, current Identifier, startIndex int, loop, stopAtEnd bool) (Identifier, nextResult) {
	idx, ok := seq.IndexOf(current)
	if !ok {
		return "", nextDesync
	}

	candidate := idx + 1
	if candidate >= seq.Len() {
		if stopAtEnd {
			return "", nextEnd
		}
		candidate = 0
	}

	if candidate == startIndex && !loop {
		return "", nextEnd
	}
	return seq.At(candidate), nextFound
}
