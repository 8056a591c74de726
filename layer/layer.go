// Package layer implements the immutable, append only history a turtle is
// built from.
//
// A Layer is a byte buffer plus a reference to the Layer it was appended to.
// The bytes of every layer from the root to a given tip, concatenated in
// order, form a single global address space. Layers are never modified once
// constructed, appending always allocates a new Layer, so any number of
// branches, workspaces and updaters may share a history without locking.
// Forks (for example after a conflict rollback) produce siblings, so the
// layers held by a process form a DAG of histories rather than a list.
//
// Each layer also carries jump pointers. Pointer k refers to the ancestor at
// distance 2^k. This is the binary lifting scheme, it makes "ancestor at
// index", "layer containing address" and "common ancestor" O(log n) rather
// than O(n) walks of the parent chain.
package layer

import "fmt"

type Layer struct {
	bytes  []byte
	parent *Layer
	offset uint64
	index  uint64
	jumps  []*Layer
}

// New creates a root layer
func New(b []byte) *Layer {
	var root *Layer
	return root.Append(b)
}

// Append returns a new layer holding b whose parent is l. A nil receiver
// creates a root layer. The caller must not modify b after the call.
func (l *Layer) Append(b []byte) *Layer {
	child := &Layer{bytes: b, parent: l}
	if l == nil {
		return child
	}
	child.offset = l.End()
	child.index = l.index + 1

	n := JumpCount(child.index)
	child.jumps = make([]*Layer, n)
	child.jumps[0] = l
	for k := 1; k < n; k++ {
		// the ancestor at 2^k is 2^(k-1) beyond the ancestor at 2^(k-1)
		child.jumps[k] = child.jumps[k-1].jumps[k-1]
	}
	return child
}

// Import rebuilds a chain from the exported bytes of each layer, root first.
// Returns nil for an empty list.
func Import(layers [][]byte) *Layer {
	var tip *Layer
	for _, b := range layers {
		tip = tip.Append(b)
	}
	return tip
}

func (l *Layer) Parent() *Layer { return l.parent }
func (l *Layer) Index() uint64  { return l.index }
func (l *Layer) Offset() uint64 { return l.offset }
func (l *Layer) Len() uint64    { return uint64(len(l.bytes)) }

// End is the address one beyond the last byte of this layer. It is also the
// total length of the history ending at l.
func (l *Layer) End() uint64 { return l.offset + uint64(len(l.bytes)) }

// Bytes returns the layer's own bytes. The slice is shared, callers must
// treat it as read only.
func (l *Layer) Bytes() []byte { return l.bytes }

// Length returns the number of layers in the history ending at l. It is safe
// to call on a nil layer.
func (l *Layer) Length() uint64 {
	if l == nil {
		return 0
	}
	return l.index + 1
}

// End returns the length in bytes of the history ending at l, 0 for nil.
func End(l *Layer) uint64 {
	if l == nil {
		return 0
	}
	return l.End()
}

// ByteAt returns the byte at the global address. The address must lie within
// this layer's own bytes, use AncestorContaining to resolve the owner first.
func (l *Layer) ByteAt(address uint64) (byte, error) {
	if address < l.offset || address >= l.End() {
		return 0, fmt.Errorf("%w: address %d not in [%d, %d)", ErrOutOfRange, address, l.offset, l.End())
	}
	return l.bytes[address-l.offset], nil
}

// Slice returns the bytes in the global range [start, end). The range must lie
// entirely within this layer's own bytes.
func (l *Layer) Slice(start, end uint64) ([]byte, error) {
	if start > end || start < l.offset || end > l.End() {
		return nil, fmt.Errorf("%w: range [%d, %d) not in [%d, %d)", ErrOutOfRange, start, end, l.offset, l.End())
	}
	return l.bytes[start-l.offset : end-l.offset], nil
}

// ExportLayers returns the bytes of every layer from the root to l, in that
// order. This fully describes the history and is what persistence adapters
// store.
func (l *Layer) ExportLayers() [][]byte {
	if l == nil {
		return nil
	}
	layers := make([][]byte, l.index+1)
	for cur := l; cur != nil; cur = cur.parent {
		layers[cur.index] = cur.bytes
	}
	return layers
}
