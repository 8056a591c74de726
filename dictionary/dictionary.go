// Package dictionary provides a content addressed view of a layer history.
//
// Upserting a value encodes it (upserting its parts first) and returns the
// address of an identical encoding already in the history if there is one.
// Only genuinely new encodings are appended. Opaque values are always
// appended.
package dictionary

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/forestrie/go-turtle/codec"
	"github.com/forestrie/go-turtle/layer"
)

type Dictionary struct {
	mu      sync.RWMutex
	tip     *layer.Layer
	entries trie
}

// New creates a dictionary over the history ending at tip, which may be nil,
// indexing every value already present.
func New(tip *layer.Layer) (*Dictionary, error) {
	d := &Dictionary{tip: tip}
	if err := d.lexicograph(0); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dictionary) Tip() *layer.Layer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tip
}

// Length is the number of layers in the history
func (d *Dictionary) Length() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tip.Length()
}

// End is the address one past the last byte of the history
func (d *Dictionary) End() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return layer.End(d.tip)
}

// EntryCount is the number of distinct encodings indexed
func (d *Dictionary) EntryCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries.count
}

// Upsert stores v if its encoding is not already present and returns its
// address. A codec.Ref is returned as is.
func (d *Dictionary) Upsert(v any) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return (*unlocked)(d).Upsert(v)
}

// unlocked is the upserter handed to the codec while d.mu is held. Encoding
// recurses into Upsert for every nested value.
type unlocked Dictionary

func (u *unlocked) Upsert(v any) (uint64, error) {
	if r, ok := v.(codec.Ref); ok {
		if uint64(r) >= layer.End(u.tip) {
			return 0, fmt.Errorf("%w: %d", ErrRefRange, r)
		}
		return uint64(r), nil
	}
	enc, err := codec.Encode(v, u)
	if err != nil {
		return 0, err
	}
	if !enc.Version.Opaque {
		if a, ok := u.entries.get(enc.Bytes); ok {
			return a, nil
		}
	}
	u.tip = u.tip.Append(enc.Bytes)
	a := u.tip.End() - 1
	if !enc.Version.Opaque {
		u.entries.put(enc.Bytes, a)
	}
	return a, nil
}

// Append adds b to the history as a new layer and indexes the values it
// contains. b must hold whole encoded values.
func (d *Dictionary) Append(b []byte) (*layer.Layer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := layer.End(d.tip)
	prev := d.tip
	d.tip = d.tip.Append(b)
	if err := d.lexicograph(start); err != nil {
		d.tip = prev
		d.entries.prune(start)
		return nil, err
	}
	return d.tip, nil
}

// SetTip moves the dictionary to another history. Entries beyond the common
// ancestor of the current and new tips are dropped and the new layers are
// indexed.
func (d *Dictionary) SetTip(tip *layer.Layer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tip == d.tip {
		return nil
	}
	common := layer.FindCommonAncestor(d.tip, tip)
	from := layer.End(common)
	d.entries.prune(from)
	d.tip = tip
	return d.lexicograph(from)
}

// Lexicograph indexes every value whose footer is at or beyond start.
func (d *Dictionary) Lexicograph(start uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lexicograph(start)
}

// lexicograph walks values from the end of the history down to start. Each
// value's footer gives its width, and so the address of the value before it.
func (d *Dictionary) lexicograph(start uint64) error {
	end := layer.End(d.tip)
	if end == 0 || start >= end {
		return nil
	}
	for a := end - 1; ; {
		r, err := codec.Read(d.tip, a)
		if err != nil {
			if errors.Is(err, codec.ErrUnknownFooter) || errors.Is(err, codec.ErrCorruptValue) {
				return fmt.Errorf("%w: %v", ErrCorruptLog, err)
			}
			return err
		}
		if !r.Version.Opaque {
			d.entries.put(r.Bytes(), a)
		}
		if r.Start <= start {
			return nil
		}
		a = r.Start - 1
	}
}

// Lookup decodes the value at address
func (d *Dictionary) Lookup(address uint64, opts ...codec.DecodeOption) (any, error) {
	return codec.Decode(d.Tip(), address, opts...)
}

// LookupPath resolves a path of keys from the value at address and decodes
// the value it ends at.
func (d *Dictionary) LookupPath(address uint64, keys ...any) (any, error) {
	tip := d.Tip()
	a, err := Resolve(tip, address, keys...)
	if err != nil {
		return nil, err
	}
	return codec.Decode(tip, a)
}

// ResolvePath returns the address a path of keys ends at. Commits are
// descended into without consuming a key. String keys index objects, any
// comparable key indexes maps and integer keys index arrays.
func (d *Dictionary) ResolvePath(address uint64, keys ...any) (uint64, error) {
	return Resolve(d.Tip(), address, keys...)
}

// Resolve is ResolvePath over any history.
func Resolve(tip *layer.Layer, address uint64, keys ...any) (uint64, error) {
	for i := 0; i < len(keys); {
		v, err := codec.Decode(tip, address, codec.AsRefs())
		if err != nil {
			return 0, err
		}
		var next any
		found := false
		switch x := v.(type) {
		case codec.Commit:
			ref, ok := x.Value.(codec.Ref)
			if !ok {
				return 0, fmt.Errorf("%w: commit at %d", ErrPathNotFound, address)
			}
			address = uint64(ref)
			continue
		case map[string]any:
			if k, ok := keys[i].(string); ok {
				next, found = x[k]
			}
		case *codec.Map:
			next, found = x.Get(keys[i])
		case []any:
			if idx, ok := index(keys[i]); ok && idx >= 0 && idx < len(x) {
				next, found = x[idx], true
			}
		case codec.Set:
			if idx, ok := index(keys[i]); ok && idx >= 0 && idx < len(x) {
				next, found = x[idx], true
			}
		case codec.SparseArray:
			if idx, ok := index(keys[i]); ok {
				next, found = x.Elements[idx]
			}
		default:
			return 0, fmt.Errorf("%w: %T at %d", ErrNotObject, v, address)
		}
		ref, ok := next.(codec.Ref)
		if !found || !ok {
			return 0, fmt.Errorf("%w: key %v at %d", ErrPathNotFound, keys[i], address)
		}
		address = uint64(ref)
		i++
	}
	return address, nil
}

// index converts a path key to a sequence index. ok is false for anything
// that is not a non negative integer representable as an int.
func index(k any) (int, bool) {
	switch x := k.(type) {
	case int:
		return x, x >= 0
	case uint64:
		if x > math.MaxInt {
			return 0, false
		}
		return int(x), true
	case float64:
		// 2^53 bounds the integers a float64 holds exactly
		if x < 0 || x >= 1<<53 || x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	}
	return 0, false
}
