package updater

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/forestrie/go-turtle/codec"
	"github.com/forestrie/go-turtle/layer"
)

const (
	fieldAddresses = "addresses"
	fieldTS        = "ts"
	fieldReject    = "reject"
)

// have is a decoded "have" vector: the sender's branch length and, for a
// suffix of its indices, the address of each layer's bytes in the sender's
// outgoing log.
type have struct {
	length    uint64
	addresses map[uint64]uint64
	ts        time.Time
	// rejected is set by a trusted sender that refused the receiver's layer
	// at index reject. The receiver truncates its branch there.
	rejected bool
	reject   uint64
}

// start is the lowest index the vector covers. Every index below it was
// already confirmed by the sender.
func (h have) start() uint64 {
	start := h.length
	for i := range h.addresses {
		start = min(start, i)
	}
	return start
}

// sortedIndices returns the covered indices in ascending order
func (h have) sortedIndices() []uint64 {
	return slices.Sorted(maps.Keys(h.addresses))
}

func (h have) equal(o have) bool {
	return h.length == o.length && maps.Equal(h.addresses, o.addresses) &&
		h.rejected == o.rejected && h.reject == o.reject
}

// value is the message as upserted into the outgoing log.
func (h have) value() map[string]any {
	elems := make(map[int]any, len(h.addresses))
	for i, a := range h.addresses {
		elems[int(i)] = codec.Ref(a)
	}
	msg := map[string]any{
		fieldAddresses: codec.SparseArray{Length: int(h.length), Elements: elems},
		fieldTS:        h.ts,
	}
	if h.rejected {
		msg[fieldReject] = float64(h.reject)
	}
	return msg
}

// readHave decodes the message that ends the mirrored log.
func readHave(mirror *layer.Layer) (have, error) {
	end := layer.End(mirror)
	if end == 0 {
		return have{}, fmt.Errorf("%w: empty log", ErrInvalidMessage)
	}
	v, err := codec.Decode(mirror, end-1, codec.AsRefs())
	if err != nil {
		return have{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg, ok := v.(map[string]any)
	if !ok {
		return have{}, fmt.Errorf("%w: %T", ErrInvalidMessage, v)
	}
	ref, ok := msg[fieldAddresses].(codec.Ref)
	if !ok {
		return have{}, fmt.Errorf("%w: no addresses", ErrInvalidMessage)
	}
	addresses, err := codec.Decode(mirror, uint64(ref), codec.AsRefs())
	if err != nil {
		return have{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	h := have{addresses: map[uint64]uint64{}}
	switch x := addresses.(type) {
	case []any:
		h.length = uint64(len(x))
		for i, e := range x {
			if err := h.add(uint64(i), e); err != nil {
				return have{}, err
			}
		}
	case codec.SparseArray:
		h.length = uint64(x.Length)
		for i, e := range x.Elements {
			if err := h.add(uint64(i), e); err != nil {
				return have{}, err
			}
		}
	default:
		return have{}, fmt.Errorf("%w: addresses is %T", ErrInvalidMessage, addresses)
	}

	ts, err := field(mirror, msg, fieldTS)
	if err != nil {
		return have{}, err
	}
	if h.ts, ok = ts.(time.Time); !ok {
		return have{}, fmt.Errorf("%w: ts is %T", ErrInvalidMessage, ts)
	}

	if _, ok := msg[fieldReject]; ok {
		v, err := field(mirror, msg, fieldReject)
		if err != nil {
			return have{}, err
		}
		f, ok := v.(float64)
		if !ok || f < 0 || f != math.Trunc(f) || f > float64(h.length) {
			return have{}, fmt.Errorf("%w: reject %v", ErrInvalidMessage, v)
		}
		h.rejected, h.reject = true, uint64(f)
	}
	return h, nil
}

// field decodes a required message field
func field(mirror *layer.Layer, msg map[string]any, name string) (any, error) {
	ref, ok := msg[name].(codec.Ref)
	if !ok {
		return nil, fmt.Errorf("%w: no %s", ErrInvalidMessage, name)
	}
	v, err := codec.Decode(mirror, uint64(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, name, err)
	}
	return v, nil
}

func (h have) add(i uint64, e any) error {
	ref, ok := e.(codec.Ref)
	if !ok {
		return fmt.Errorf("%w: index %d is %T", ErrInvalidMessage, i, e)
	}
	h.addresses[i] = uint64(ref)
	return nil
}

// layerBytes decodes the layer bytes a remote address refers to
func layerBytes(mirror *layer.Layer, address uint64) ([]byte, error) {
	v, err := codec.Decode(mirror, address)
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: layer at %d is %T", ErrInvalidMessage, address, v)
	}
	return b, nil
}
