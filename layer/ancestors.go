package layer

import (
	"fmt"
	"math/bits"
)

// AncestorAtIndex returns the layer at index i in the history ending at l.
// i == l.Index() returns l itself.
func (l *Layer) AncestorAtIndex(i uint64) (*Layer, error) {
	if i > l.index {
		return nil, fmt.Errorf("%w: index %d beyond tip %d", ErrOutOfRange, i, l.index)
	}
	cur := l
	// Each step removes the lowest set bit of the remaining distance. The
	// current layer always has a pointer for it because its index is at least
	// the remaining distance.
	for d := l.index - i; d > 0; d = d & (d - 1) {
		k := bits.TrailingZeros64(d)
		cur = cur.jumps[k]
	}
	return cur, nil
}

// AncestorContaining returns the layer, in the history ending at l, whose own
// bytes contain the address.
func (l *Layer) AncestorContaining(address uint64) (*Layer, error) {
	if address >= l.End() {
		return nil, fmt.Errorf("%w: address %d beyond end %d", ErrOutOfRange, address, l.End())
	}
	cur := l
	for address < cur.offset {
		// Take the longest jump that does not overshoot. jumps[0] (the parent)
		// always qualifies because its end is our offset.
		for k := len(cur.jumps) - 1; k >= 0; k-- {
			if cur.jumps[k].End() > address {
				cur = cur.jumps[k]
				break
			}
		}
	}
	return cur, nil
}

// IsAncestor reports whether a is l or an ancestor of l. A nil a is the
// ancestor of every history.
func (l *Layer) IsAncestor(a *Layer) bool {
	if a == nil {
		return true
	}
	if l == nil || a.index > l.index {
		return false
	}
	at, err := l.AncestorAtIndex(a.index)
	if err != nil {
		return false
	}
	return at == a
}

// FindCommonAncestor returns the most recent layer shared by the histories
// ending at a and b, or nil if they share nothing. Layers are compared by
// identity, histories built independently from equal bytes are not shared.
func FindCommonAncestor(a, b *Layer) *Layer {
	if a == nil || b == nil {
		return nil
	}
	var err error
	if a.index > b.index {
		if a, err = a.AncestorAtIndex(b.index); err != nil {
			return nil
		}
	} else if b.index > a.index {
		if b, err = b.AncestorAtIndex(a.index); err != nil {
			return nil
		}
	}
	if a == b {
		return a
	}
	// Both sides are at the same index and so carry the same number of jump
	// pointers. Descend from the longest jump, moving both sides only while
	// they remain distinct.
	for k := len(a.jumps) - 1; k >= 0; k-- {
		if k >= len(a.jumps) {
			continue
		}
		if a.jumps[k] != b.jumps[k] {
			a, b = a.jumps[k], b.jumps[k]
		}
	}
	// a and b are now distinct children of the common ancestor (which is nil
	// when they are distinct roots)
	return a.parent
}

// Squash collapses the layers from index downTo to l (inclusive) into a
// single new layer whose parent is the ancestor at downTo-1. Every address is
// preserved. downTo == 0 produces a new root.
func (l *Layer) Squash(downTo uint64) (*Layer, error) {
	if downTo > l.index {
		return nil, fmt.Errorf("%w: %d > %d", ErrSquashRange, downTo, l.index)
	}
	if downTo == l.index {
		return l, nil
	}
	first, err := l.AncestorAtIndex(downTo)
	if err != nil {
		return nil, err
	}
	b := make([]byte, l.End()-first.offset)
	for cur := l; cur != first.parent; cur = cur.parent {
		copy(b[cur.offset-first.offset:], cur.bytes)
	}
	return first.parent.Append(b), nil
}
