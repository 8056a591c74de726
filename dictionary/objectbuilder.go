package dictionary

import (
	"fmt"
	"sort"

	"github.com/forestrie/go-turtle/codec"
)

// ObjectBuilder edits an object stored in a Dictionary. Untouched fields stay
// as refs to the stored values, so Finalize only upserts what changed.
type ObjectBuilder struct {
	d       *Dictionary
	fields  map[string]any
	dirty   map[string]bool
	changed bool
}

// NewObjectBuilder starts an empty object
func (d *Dictionary) NewObjectBuilder() *ObjectBuilder {
	return &ObjectBuilder{d: d, fields: map[string]any{}, dirty: map[string]bool{}}
}

// LoadObject starts from the object at address.
func (d *Dictionary) LoadObject(address uint64) (*ObjectBuilder, error) {
	v, err := d.Lookup(address, codec.AsRefs())
	if err != nil {
		return nil, err
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T at %d", ErrNotObject, v, address)
	}
	return &ObjectBuilder{d: d, fields: fields, dirty: map[string]bool{}}, nil
}

// Keys returns the field names in sorted order
func (b *ObjectBuilder) Keys() []string {
	keys := make([]string, 0, len(b.fields))
	for k := range b.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the decoded value of a field.
func (b *ObjectBuilder) Get(key string) (any, bool, error) {
	v, ok := b.fields[key]
	if !ok {
		return nil, false, nil
	}
	if ref, isRef := v.(codec.Ref); isRef && !b.dirty[key] {
		decoded, err := b.d.Lookup(uint64(ref))
		if err != nil {
			return nil, false, err
		}
		return decoded, true, nil
	}
	return v, true, nil
}

func (b *ObjectBuilder) Set(key string, v any) {
	b.fields[key] = v
	b.dirty[key] = true
	b.changed = true
}

func (b *ObjectBuilder) Delete(key string) {
	if _, ok := b.fields[key]; !ok {
		return
	}
	delete(b.fields, key)
	delete(b.dirty, key)
	b.changed = true
}

// Changed reports whether anything was set or deleted since the last Finalize
func (b *ObjectBuilder) Changed() bool { return b.changed }

// Finalize upserts the changed fields and then the object of refs, and
// returns the object's address.
func (b *ObjectBuilder) Finalize() (uint64, error) {
	for _, k := range b.Keys() {
		if !b.dirty[k] {
			continue
		}
		a, err := b.d.Upsert(b.fields[k])
		if err != nil {
			return 0, err
		}
		b.fields[k] = codec.Ref(a)
	}
	a, err := b.d.Upsert(b.fields)
	if err != nil {
		return 0, err
	}
	b.dirty = map[string]bool{}
	b.changed = false
	return a, nil
}
