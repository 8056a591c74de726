package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"time"
)

// Upserter stores a value and returns its address. Encoding a composite value
// upserts each of its parts first, so identical parts are stored once.
type Upserter interface {
	Upsert(v any) (uint64, error)
}

// Encoded is the byte encoding of a single value, payload then footer.
type Encoded struct {
	Bytes   []byte
	Version Version
}

// treeNode is an interior node of the binary tree encoding. It is only ever
// produced by this package.
type treeNode struct {
	left, right uint64
}

// Encode produces the encoding of v, upserting any nested values through u.
// Encoding a Ref is the caller's responsibility, the address is already known.
func Encode(v any, u Upserter) (Encoded, error) {
	switch x := v.(type) {
	case Undefined:
		return footerOnly(KindUndefined), nil
	case nil:
		return footerOnly(KindNull), nil
	case bool:
		if x {
			return footerOnly(KindTrue), nil
		}
		return footerOnly(KindFalse), nil
	case time.Time:
		return encodeFloat(KindDate, float64(x.UnixMilli())), nil
	case string:
		return encodeRef(KindString, []byte(x), u)
	case *big.Int:
		if x == nil {
			return footerOnly(KindNull), nil
		}
		return encodeBigInt(x, u)
	case []byte:
		if len(x) <= WordBytes {
			return encodeWord(x), nil
		}
		return encodeTypedArray(ElementUint8, x, u)
	case Opaque:
		return encodeOpaque(x)
	case treeNode:
		return encodeTreeNode(x)
	case []any:
		return encodeSequence(x, u)
	case SparseArray:
		if x.Dense() {
			elems := make([]any, x.Length)
			for i := range elems {
				elems[i] = x.Elements[i]
			}
			return encodeSequence(elems, u)
		}
		return encodeSparse(x, u)
	case map[string]any:
		return encodeObject(x, u)
	case *Map:
		return encodeMap(x, u)
	case Set:
		return encodeRefsArray(KindSet, []any(x), u)
	case Commit:
		return encodeCommit(x, u)
	case Ref:
		return Encoded{}, fmt.Errorf("%w: a ref is not encoded, it is already address %d", ErrEncodeMismatch, x)
	}
	if f, ok := number(v); ok {
		return encodeFloat(KindNumber, f), nil
	}
	if kind, b, ok := typedArrayBytes(v); ok {
		return encodeTypedArray(kind, b, u)
	}
	return Encoded{}, fmt.Errorf("%w: %T", ErrEncodeMismatch, v)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func footerOnly(kind Kind) Encoded {
	f := FooterFor(kind)
	return Encoded{Bytes: []byte{f}, Version: table.versions[f]}
}

func withFooter(payload []byte, footer byte) Encoded {
	return Encoded{Bytes: append(payload, footer), Version: table.versions[footer]}
}

func encodeFloat(kind Kind, f float64) Encoded {
	b := binary.LittleEndian.AppendUint64(make([]byte, 0, 9), math.Float64bits(f))
	return withFooter(b, FooterFor(kind))
}

// encodeRef upserts the nested value and encodes its address as the payload
func encodeRef(kind Kind, nested any, u Upserter) (Encoded, error) {
	a, err := u.Upsert(nested)
	if err != nil {
		return Encoded{}, err
	}
	w, err := AddressWidth(a)
	if err != nil {
		return Encoded{}, err
	}
	return withFooter(AppendAddress(nil, a, w), FooterFor(kind, w-1)), nil
}

func encodeBigInt(x *big.Int, u Upserter) (Encoded, error) {
	a, err := u.Upsert(new(big.Int).Abs(x).Bytes())
	if err != nil {
		return Encoded{}, err
	}
	w, err := AddressWidth(a)
	if err != nil {
		return Encoded{}, err
	}
	sign := 0
	if x.Sign() < 0 {
		sign = 1
	}
	return withFooter(AppendAddress(nil, a, w), FooterFor(KindBigInt, w-1, sign)), nil
}

func encodeWord(b []byte) Encoded {
	payload := append(make([]byte, 0, len(b)+1), b...)
	return withFooter(payload, FooterFor(KindWord, len(b)))
}

// encodeTypedArray splits the bytes into words, upserting each so that equal
// words anywhere in the log are stored once, and encodes the address of the
// tree combining them.
func encodeTypedArray(kind ElementKind, b []byte, u Upserter) (Encoded, error) {
	var words []uint64
	for start := 0; start < len(b) || start == 0; start += WordBytes {
		end := min(start+WordBytes, len(b))
		a, err := u.Upsert(append([]byte{}, b[start:end]...))
		if err != nil {
			return Encoded{}, err
		}
		words = append(words, a)
		if end == len(b) {
			break
		}
	}
	root, err := upsertTree(words, u)
	if err != nil {
		return Encoded{}, err
	}
	w, err := AddressWidth(root)
	if err != nil {
		return Encoded{}, err
	}
	return withFooter(AppendAddress(nil, root, w), FooterFor(KindTypedArray, int(kind), w-1)), nil
}

func encodeTreeNode(n treeNode) (Encoded, error) {
	wl, err := AddressWidth(n.left)
	if err != nil {
		return Encoded{}, err
	}
	wr, err := AddressWidth(n.right)
	if err != nil {
		return Encoded{}, err
	}
	b := AppendAddress(make([]byte, 0, wl+wr+1), n.left, wl)
	b = AppendAddress(b, n.right, wr)
	return withFooter(b, FooterFor(KindTreeNode, wl-1, wr-1)), nil
}

// encodeSequence encodes an ordered sequence. The empty sequence is footer
// only, a single element is referenced directly and longer sequences are
// referenced through a binary tree.
func encodeSequence(elems []any, u Upserter) (Encoded, error) {
	if len(elems) == 0 {
		return footerOnly(KindEmptyArray), nil
	}
	addrs := make([]uint64, len(elems))
	for i, e := range elems {
		a, err := u.Upsert(e)
		if err != nil {
			return Encoded{}, err
		}
		addrs[i] = a
	}
	root, err := upsertTree(addrs, u)
	if err != nil {
		return Encoded{}, err
	}
	w, err := AddressWidth(root)
	if err != nil {
		return Encoded{}, err
	}
	return withFooter(AppendAddress(nil, root, w), FooterFor(KindArray, w-1)), nil
}

// encodeRefsArray upserts the refs as a sequence and encodes its address for
// the given container kind.
func encodeRefsArray(kind Kind, refs []any, u Upserter, sub ...int) (Encoded, error) {
	a, err := u.Upsert(refs)
	if err != nil {
		return Encoded{}, err
	}
	w, err := AddressWidth(a)
	if err != nil {
		return Encoded{}, err
	}
	return withFooter(AppendAddress(nil, a, w), FooterFor(kind, append([]int{w - 1}, sub...)...)), nil
}

// keysThenValues upserts keys and values and returns the flat refs array, all
// keys first then all values in the same order.
func keysThenValues(keys []any, values []any, u Upserter) ([]any, error) {
	refs := make([]any, 2*len(keys))
	for i := range keys {
		k, err := u.Upsert(keys[i])
		if err != nil {
			return nil, err
		}
		v, err := u.Upsert(values[i])
		if err != nil {
			return nil, err
		}
		refs[i] = Ref(k)
		refs[len(keys)+i] = Ref(v)
	}
	return refs, nil
}

func encodeObject(m map[string]any, u Upserter) (Encoded, error) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	keys := make([]any, len(names))
	values := make([]any, len(names))
	for i, k := range names {
		keys[i] = k
		values[i] = m[k]
	}
	refs, err := keysThenValues(keys, values, u)
	if err != nil {
		return Encoded{}, err
	}
	return encodeRefsArray(KindObject, refs, u, 0)
}

const sparseLengthKey = "length"

// encodeSparse encodes a sequence with holes as an object keyed by the decimal
// index of each present element, plus its length, flagged as sparse.
func encodeSparse(s SparseArray, u Upserter) (Encoded, error) {
	indices := make([]int, 0, len(s.Elements))
	for i := range s.Elements {
		if i < 0 || i >= s.Length {
			return Encoded{}, fmt.Errorf("%w: sparse index %d outside length %d", ErrEncodeMismatch, i, s.Length)
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)
	keys := make([]any, 0, len(indices)+1)
	values := make([]any, 0, len(indices)+1)
	for _, i := range indices {
		keys = append(keys, strconv.Itoa(i))
		values = append(values, s.Elements[i])
	}
	keys = append(keys, sparseLengthKey)
	values = append(values, float64(s.Length))
	refs, err := keysThenValues(keys, values, u)
	if err != nil {
		return Encoded{}, err
	}
	return encodeRefsArray(KindObject, refs, u, 1)
}

func encodeMap(m *Map, u Upserter) (Encoded, error) {
	keys := make([]any, len(m.Entries))
	values := make([]any, len(m.Entries))
	for i, e := range m.Entries {
		keys[i] = e.Key
		values[i] = e.Value
	}
	refs, err := keysThenValues(keys, values, u)
	if err != nil {
		return Encoded{}, err
	}
	return encodeRefsArray(KindMap, refs, u)
}

// encodeCommit writes [body address][signature][footer]. Commits are opaque,
// they are unique by construction and are never deduplicated.
func encodeCommit(c Commit, u Upserter) (Encoded, error) {
	a, err := u.Upsert(c.Value)
	if err != nil {
		return Encoded{}, err
	}
	w, err := AddressWidth(a)
	if err != nil {
		return Encoded{}, err
	}
	b := AppendAddress(make([]byte, 0, w+SignatureBytes+1), a, w)
	b = append(b, c.Signature[:]...)
	return withFooter(b, FooterFor(KindCommit, w-1)), nil
}

// CommitRecord encodes a commit record for a body already at bodyAddress.
// It is used by signers which must know the exact record bytes, less the
// signature, before signing.
func CommitRecord(bodyAddress uint64, sig [SignatureBytes]byte) ([]byte, error) {
	w, err := AddressWidth(bodyAddress)
	if err != nil {
		return nil, err
	}
	b := AppendAddress(make([]byte, 0, w+SignatureBytes+1), bodyAddress, w)
	b = append(b, sig[:]...)
	return append(b, FooterFor(KindCommit, w-1)), nil
}

// encodeOpaque writes [bytes][length][footer]
func encodeOpaque(b Opaque) (Encoded, error) {
	w, err := AddressWidth(uint64(len(b)))
	if err != nil {
		return Encoded{}, err
	}
	out := append(make([]byte, 0, len(b)+w+1), b...)
	out = AppendAddress(out, uint64(len(b)), w)
	return withFooter(out, FooterFor(KindOpaque, w-1)), nil
}
