package codec

import "time"

// Undefined is the value absent from an object or a hole in a sequence. It is
// distinct from nil, which encodes null.
type Undefined struct{}

// Ref is an address already present in the log. Encoding a Ref writes nothing
// new, the address is used in place of an encoded value. Decoding with
// AsRefs returns nested values as Refs.
type Ref uint64

// Uint8Clamped is a byte array whose element kind is recorded distinctly from
// []byte.
type Uint8Clamped []uint8

// Opaque is a byte blob that is appended verbatim and never deduplicated.
type Opaque []byte

// Set is an ordered collection of values.
type Set []any

// MapEntry is a single key value pair of a Map
type MapEntry struct {
	Key   any
	Value any
}

// Map is an ordered association between arbitrary keys and values.
type Map struct {
	Entries []MapEntry
}

// Get returns the value for the first entry whose key equals key. Only
// comparable keys can be found this way.
func (m *Map) Get(key any) (any, bool) {
	for _, e := range m.Entries {
		if isComparable(e.Key) && isComparable(key) && e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// SparseArray is a sequence with holes. Elements maps index to value for the
// positions that are present.
type SparseArray struct {
	Length   int
	Elements map[int]any
}

// Dense reports whether every index in [0, Length) is present.
func (s SparseArray) Dense() bool {
	if len(s.Elements) != s.Length {
		return false
	}
	for i := range s.Length {
		if _, ok := s.Elements[i]; !ok {
			return false
		}
	}
	return true
}

// SignatureBytes is the size of a raw secp256k1 r||s signature.
const SignatureBytes = 64

// Commit is a signed record. Value is the address of the commit body (a
// Ref), or when decoded without AsRefs the body itself.
type Commit struct {
	Value     any
	Signature [SignatureBytes]byte
}

// dateFromMillis converts the encoded representation of a date.
func dateFromMillis(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func isComparable(v any) bool {
	switch v.(type) {
	case nil, bool, string, float64, Ref, Undefined, time.Time:
		return true
	}
	return false
}
