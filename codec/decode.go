package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/forestrie/go-turtle/layer"
)

type decodeOptions struct {
	asRefs bool
}

type DecodeOption func(*decodeOptions)

// AsRefs makes container values (arrays, objects, maps, sets and commits)
// return their nested values as Refs rather than decoding them. It is used for
// shallow reads and for rebuilding containers without touching their contents.
func AsRefs() DecodeOption {
	return func(o *decodeOptions) { o.asRefs = true }
}

// Raw is a value located in the log, not yet decoded.
type Raw struct {
	Address uint64
	Version Version
	// Start is the address of the first payload byte. The encoded value is
	// [Start, Address].
	Start   uint64
	Payload []byte
}

// Bytes returns the complete encoding, payload and footer.
func (r Raw) Bytes() []byte {
	return append(append(make([]byte, 0, len(r.Payload)+1), r.Payload...), r.Version.Footer)
}

// Read locates the value whose footer is at address in the history ending at
// l. It resolves the owning layer, the codec version and its width.
func Read(l *layer.Layer, address uint64) (Raw, error) {
	if l == nil {
		return Raw{}, fmt.Errorf("%w: address %d in an empty history", layer.ErrOutOfRange, address)
	}
	owner, err := l.AncestorContaining(address)
	if err != nil {
		return Raw{}, err
	}
	footer, err := owner.ByteAt(address)
	if err != nil {
		return Raw{}, err
	}
	v, err := VersionOf(footer)
	if err != nil {
		return Raw{}, fmt.Errorf("%w: at address %d", err, address)
	}
	width, err := payloadWidth(owner, address, v)
	if err != nil {
		return Raw{}, err
	}
	if width > address-owner.Offset() {
		return Raw{}, fmt.Errorf("%w: %s at %d needs %d bytes", ErrCorruptValue, v, address, width)
	}
	payload, err := owner.Slice(address-width, address)
	if err != nil {
		return Raw{}, err
	}
	return Raw{Address: address, Version: v, Start: address - width, Payload: payload}, nil
}

// payloadWidth returns the number of payload bytes preceding the footer
func payloadWidth(owner *layer.Layer, address uint64, v Version) (uint64, error) {
	switch v.Kind {
	case KindUndefined, KindNull, KindFalse, KindTrue, KindEmptyArray:
		return 0, nil
	case KindNumber, KindDate:
		return 8, nil
	case KindString, KindBigInt, KindArray, KindObject, KindMap, KindSet:
		return uint64(v.addressWidth()), nil
	case KindTypedArray:
		return uint64(v.Sub[1] + 1), nil
	case KindWord:
		return uint64(v.Sub[0]), nil
	case KindTreeNode:
		return uint64(v.Sub[0] + v.Sub[1] + 2), nil
	case KindCommit:
		return uint64(v.Sub[0] + 1 + SignatureBytes), nil
	case KindOpaque:
		// the length sits immediately before the footer
		lw := uint64(v.Sub[0] + 1)
		if address-owner.Offset() < lw {
			return 0, fmt.Errorf("%w: opaque length at %d", ErrCorruptValue, address)
		}
		lb, err := owner.Slice(address-lw, address)
		if err != nil {
			return 0, err
		}
		return lw + ReadAddress(lb), nil
	}
	return 0, fmt.Errorf("%w: kind %d", ErrUnknownFooter, v.Kind)
}

// addressWidth is the width of the leading address for the kinds whose first
// sub-version component selects it.
func (v Version) addressWidth() int {
	return v.Sub[0] + 1
}

// child returns the address r refers to. Values only ever refer to values
// written before them, so a reference at or beyond r's own start is corrupt.
func child(r Raw, address uint64) (uint64, error) {
	if address >= r.Start {
		return 0, fmt.Errorf("%w: %s at %d refers to %d", ErrCorruptValue, r.Version, r.Address, address)
	}
	return address, nil
}

// Width returns the payload width of the value at address, as for Read.
func Width(l *layer.Layer, address uint64) (uint64, error) {
	r, err := Read(l, address)
	if err != nil {
		return 0, err
	}
	return uint64(len(r.Payload)), nil
}

// Decode decodes the value whose footer is at address.
func Decode(l *layer.Layer, address uint64, opts ...DecodeOption) (any, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}
	d := decoder{l: l, opts: o}
	return d.decode(address)
}

type decoder struct {
	l    *layer.Layer
	opts decodeOptions
}

// nested decodes a value referenced from a container, honouring AsRefs
func (d decoder) nested(address uint64) (any, error) {
	if d.opts.asRefs {
		return Ref(address), nil
	}
	return d.decode(address)
}

// full decodes a value regardless of AsRefs. Keys are always decoded.
func (d decoder) full(address uint64) (any, error) {
	return decoder{l: d.l}.decode(address)
}

func (d decoder) decode(address uint64) (any, error) {
	r, err := Read(d.l, address)
	if err != nil {
		return nil, err
	}
	p := r.Payload
	var ref uint64
	switch r.Version.Kind {
	case KindString, KindBigInt, KindTypedArray, KindArray, KindObject, KindMap, KindSet:
		if ref, err = child(r, ReadAddress(p)); err != nil {
			return nil, err
		}
	case KindCommit:
		if ref, err = child(r, ReadAddress(p[:r.Version.addressWidth()])); err != nil {
			return nil, err
		}
	}
	switch r.Version.Kind {
	case KindUndefined:
		return Undefined{}, nil
	case KindNull:
		return nil, nil
	case KindFalse:
		return false, nil
	case KindTrue:
		return true, nil
	case KindEmptyArray:
		return []any{}, nil
	case KindNumber:
		return math.Float64frombits(binary.LittleEndian.Uint64(p)), nil
	case KindDate:
		return dateFromMillis(math.Float64frombits(binary.LittleEndian.Uint64(p))), nil
	case KindString:
		b, err := d.blob(ref)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case KindBigInt:
		b, err := d.blob(ref)
		if err != nil {
			return nil, err
		}
		x := new(big.Int).SetBytes(b)
		if r.Version.Sub[1] == 1 {
			x.Neg(x)
		}
		return x, nil
	case KindWord:
		return append([]byte{}, p...), nil
	case KindTypedArray:
		b, err := d.words(ref)
		if err != nil {
			return nil, err
		}
		return typedArrayValue(ElementKind(r.Version.Sub[0]), b)
	case KindTreeNode:
		leaves, err := treeLeaves(d.l, address, nil)
		if err != nil {
			return nil, err
		}
		return d.elements(leaves)
	case KindArray:
		leaves, err := treeLeaves(d.l, ref, nil)
		if err != nil {
			return nil, err
		}
		return d.elements(leaves)
	case KindObject:
		return d.object(ref, r.Version.Sub[1] == 1)
	case KindMap:
		return d.mapValue(ref)
	case KindSet:
		refs, err := SequenceAddresses(d.l, ref)
		if err != nil {
			return nil, err
		}
		elems, err := d.elements(refs)
		if err != nil {
			return nil, err
		}
		return Set(elems), nil
	case KindCommit:
		w := r.Version.addressWidth()
		c := Commit{}
		copy(c.Signature[:], p[w:])
		if c.Value, err = d.nested(ref); err != nil {
			return nil, err
		}
		return c, nil
	case KindOpaque:
		lw := r.Version.Sub[0] + 1
		return Opaque(append([]byte{}, p[:len(p)-lw]...)), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnknownFooter, r.Version.Kind)
}

func (d decoder) elements(addrs []uint64) ([]any, error) {
	out := make([]any, len(addrs))
	for i, a := range addrs {
		v, err := d.nested(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// blob returns the bytes of a byte array value, a word or a typed array.
func (d decoder) blob(address uint64) ([]byte, error) {
	r, err := Read(d.l, address)
	if err != nil {
		return nil, err
	}
	switch r.Version.Kind {
	case KindWord:
		return r.Payload, nil
	case KindTypedArray:
		root, err := child(r, ReadAddress(r.Payload))
		if err != nil {
			return nil, err
		}
		return d.words(root)
	}
	return nil, fmt.Errorf("%w: %s at %d is not a byte array", ErrCorruptValue, r.Version, address)
}

// words concatenates the words at the leaves of a word tree
func (d decoder) words(root uint64) ([]byte, error) {
	leaves, err := treeLeaves(d.l, root, nil)
	if err != nil {
		return nil, err
	}
	var b []byte
	for _, a := range leaves {
		r, err := Read(d.l, a)
		if err != nil {
			return nil, err
		}
		if r.Version.Kind != KindWord {
			return nil, fmt.Errorf("%w: %s at %d in a word tree", ErrCorruptValue, r.Version, a)
		}
		b = append(b, r.Payload...)
	}
	return b, nil
}

// SequenceAddresses returns the element addresses of the sequence at address
func SequenceAddresses(l *layer.Layer, address uint64) ([]uint64, error) {
	r, err := Read(l, address)
	if err != nil {
		return nil, err
	}
	switch r.Version.Kind {
	case KindEmptyArray:
		return nil, nil
	case KindArray:
		root, err := child(r, ReadAddress(r.Payload))
		if err != nil {
			return nil, err
		}
		return treeLeaves(l, root, nil)
	}
	return nil, fmt.Errorf("%w: %s at %d is not a sequence", ErrCorruptValue, r.Version, address)
}

// pairs splits a keys-then-values refs array
func (d decoder) pairs(address uint64) (keys []uint64, values []uint64, err error) {
	refs, err := SequenceAddresses(d.l, address)
	if err != nil {
		return nil, nil, err
	}
	if len(refs)%2 != 0 {
		return nil, nil, fmt.Errorf("%w: odd refs array at %d", ErrCorruptValue, address)
	}
	n := len(refs) / 2
	return refs[:n], refs[n:], nil
}

func (d decoder) object(address uint64, sparse bool) (any, error) {
	keys, values, err := d.pairs(address)
	if err != nil {
		return nil, err
	}
	if sparse {
		return d.sparse(keys, values)
	}
	m := make(map[string]any, len(keys))
	for i := range keys {
		k, err := d.full(keys[i])
		if err != nil {
			return nil, err
		}
		ks, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key %T", ErrCorruptValue, k)
		}
		if m[ks], err = d.nested(values[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (d decoder) sparse(keys []uint64, values []uint64) (any, error) {
	s := SparseArray{Elements: make(map[int]any, len(keys))}
	for i := range keys {
		k, err := d.full(keys[i])
		if err != nil {
			return nil, err
		}
		ks, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: sparse key %T", ErrCorruptValue, k)
		}
		if ks == sparseLengthKey {
			n, err := d.full(values[i])
			if err != nil {
				return nil, err
			}
			f, ok := n.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: sparse length %T", ErrCorruptValue, n)
			}
			s.Length = int(f)
			continue
		}
		idx, err := strconv.Atoi(ks)
		if err != nil {
			return nil, fmt.Errorf("%w: sparse index %q", ErrCorruptValue, ks)
		}
		if s.Elements[idx], err = d.nested(values[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (d decoder) mapValue(address uint64) (any, error) {
	keys, values, err := d.pairs(address)
	if err != nil {
		return nil, err
	}
	m := &Map{Entries: make([]MapEntry, len(keys))}
	for i := range keys {
		if m.Entries[i].Key, err = d.full(keys[i]); err != nil {
			return nil, err
		}
		if m.Entries[i].Value, err = d.nested(values[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}
