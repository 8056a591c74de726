package dictionary

// trie maps encoded value bytes to the address the value was first written
// at. Encodings share long prefixes (footers are last, payloads start with
// little endian addresses), so a byte trie stores them compactly and lookups
// cost O(len(bytes)).
type trie struct {
	root  trieNode
	count int
}

type trieNode struct {
	children map[byte]*trieNode
	address  uint64
	ok       bool
}

func (t *trie) get(b []byte) (uint64, bool) {
	n := &t.root
	for _, c := range b {
		n = n.children[c]
		if n == nil {
			return 0, false
		}
	}
	return n.address, n.ok
}

// put records b at address unless an earlier address is already recorded.
func (t *trie) put(b []byte, address uint64) {
	n := &t.root
	for _, c := range b {
		child := n.children[c]
		if child == nil {
			if n.children == nil {
				n.children = map[byte]*trieNode{}
			}
			child = &trieNode{}
			n.children[c] = child
		}
		n = child
	}
	if n.ok && n.address <= address {
		return
	}
	if !n.ok {
		t.count++
	}
	n.address = address
	n.ok = true
}

// prune removes every entry whose address is >= from
func (t *trie) prune(from uint64) {
	t.count -= t.root.prune(from)
}

// prune returns the number of entries removed beneath and including n
func (n *trieNode) prune(from uint64) int {
	removed := 0
	if n.ok && n.address >= from {
		n.ok = false
		n.address = 0
		removed++
	}
	for c, child := range n.children {
		removed += child.prune(from)
		if !child.ok && len(child.children) == 0 {
			delete(n.children, c)
		}
	}
	return removed
}
