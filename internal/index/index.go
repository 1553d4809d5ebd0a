// Package index provides an ordered, key-to-record index with a
// "find equal, or nearest greater" search -- the contract the control
// protocol's statedump cursor needs to resume an interrupted scan, and
// that the pid-indexed service lookup needs for O(log n) reaping.
//
// No ordered-map or tree library appears anywhere in the retrieval pack,
// so this is built on sort.Search over a kept-sorted slice rather than a
// hand-rolled red-black tree: the sorted-slice approach is the idiomatic
// Go shape for this problem (see DESIGN.md for the standard-library
// justification). Insertion and removal are O(n); for the service and
// fd table sizes a supervisor manages (tens to low thousands of
// entries) this is the right trade against implementing and maintaining
// a balanced tree by hand.
package index

import "sort"

// Relation describes how a search key compared to the nearest match.
type Relation int

const (
	// Less means the key was not found and the nearest entry sorts
	// after it.
	Less Relation = -1
	// Equal means the key was found exactly.
	Equal Relation = 0
	// Greater means the key was not found and the nearest entry sorts
	// before it (i.e. there is no entry >= key).
	Greater Relation = 1
)

// Index is an ordered index from K to V, sorted by a caller-supplied
// comparator over K.
type Index[K any, V any] struct {
	less    func(a, b K) bool
	keyOf   func(v V) K
	entries []V
}

// New creates an empty Index. less must implement a strict weak
// ordering over keys; keyOf extracts the key from a stored value.
func New[K any, V any](less func(a, b K) bool, keyOf func(v V) K) *Index[K, V] {
	return &Index[K, V]{less: less, keyOf: keyOf}
}

// Len returns the number of entries.
func (ix *Index[K, V]) Len() int { return len(ix.entries) }

func (ix *Index[K, V]) search(key K) int {
	return sort.Search(len(ix.entries), func(i int) bool {
		return !ix.less(ix.keyOf(ix.entries[i]), key)
	})
}

// Find returns the stored value whose key equals key, if any, and the
// value immediately after where key would sort ("nearest greater")
// otherwise. The returned Relation tells which case applied; when no
// entry sorts after key, ok is false.
func (ix *Index[K, V]) Find(key K) (v V, rel Relation, ok bool) {
	i := ix.search(key)
	if i < len(ix.entries) {
		if !ix.less(key, ix.keyOf(ix.entries[i])) {
			return ix.entries[i], Equal, true
		}
		return ix.entries[i], Less, true
	}
	var zero V
	return zero, Greater, false
}

// Add inserts v in sorted-key order. It does not check for duplicate
// keys; callers that require uniqueness (names, pids) must check with
// Find first.
func (ix *Index[K, V]) Add(v V) {
	key := ix.keyOf(v)
	i := ix.search(key)
	ix.entries = append(ix.entries, v)
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = v
}

// Remove deletes the entry with the given key, if present, and reports
// whether anything was removed.
func (ix *Index[K, V]) Remove(key K) bool {
	i := ix.search(key)
	if i >= len(ix.entries) || ix.less(key, ix.keyOf(ix.entries[i])) {
		return false
	}
	ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
	return true
}

// Next returns the entry immediately after the one with the given key
// in sort order, implementing iterate-after-name for statedump
// resumption. ok is false if key is the last entry or not found exactly
// and nothing sorts after it.
func (ix *Index[K, V]) Next(key K) (v V, ok bool) {
	i := ix.search(key)
	if i < len(ix.entries) && !ix.less(key, ix.keyOf(ix.entries[i])) {
		i++ // landed on an exact match, advance past it
	}
	if i >= len(ix.entries) {
		var zero V
		return zero, false
	}
	return ix.entries[i], true
}

// First returns the first entry in sort order.
func (ix *Index[K, V]) First() (v V, ok bool) {
	if len(ix.entries) == 0 {
		var zero V
		return zero, false
	}
	return ix.entries[0], true
}

// All returns a snapshot slice of every entry in sort order. Callers
// must not mutate the index while iterating the result if they expect
// the two to stay related; this is a copy.
func (ix *Index[K, V]) All() []V {
	out := make([]V, len(ix.entries))
	copy(out, ix.entries)
	return out
}
