package codec

import (
	"github.com/forestrie/go-turtle/layer"
)

// LeftLength returns the number of elements in the left subtree of a
// sequence of n > 1 elements: the largest power of two strictly less than n.
//
// Biasing the split this way means the left subtrees of a sequence are the
// same for every longer sequence sharing its prefix. Appending an element
// only creates new nodes along the right spine, O(log n) of them:
//
//	n=5  [0 1 2 3] [4]
//	n=6  [0 1 2 3] [4 5]
//	n=7  [0 1 2 3] [[4 5] [6]]
func LeftLength(n int) int {
	return int(layer.HighestPow2(uint64(n - 1)))
}

// upsertTree upserts the tree nodes combining addrs and returns the root
// address. A single address is its own root.
func upsertTree(addrs []uint64, u Upserter) (uint64, error) {
	if len(addrs) == 1 {
		return addrs[0], nil
	}
	split := LeftLength(len(addrs))
	left, err := upsertTree(addrs[:split], u)
	if err != nil {
		return 0, err
	}
	right, err := upsertTree(addrs[split:], u)
	if err != nil {
		return 0, err
	}
	return u.Upsert(treeNode{left: left, right: right})
}

// treeLeaves appends the leaf addresses of the tree rooted at address, in
// order. An address which is not a tree node is a single leaf. Children must
// precede their node, which also bounds the recursion.
func treeLeaves(l *layer.Layer, address uint64, leaves []uint64) ([]uint64, error) {
	r, err := Read(l, address)
	if err != nil {
		return nil, err
	}
	if r.Version.Kind != KindTreeNode {
		return append(leaves, address), nil
	}
	wl := r.Version.Sub[0] + 1
	left, err := child(r, ReadAddress(r.Payload[:wl]))
	if err != nil {
		return nil, err
	}
	right, err := child(r, ReadAddress(r.Payload[wl:]))
	if err != nil {
		return nil, err
	}
	if leaves, err = treeLeaves(l, left, leaves); err != nil {
		return nil, err
	}
	return treeLeaves(l, right, leaves)
}
