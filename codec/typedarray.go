package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ElementKind identifies the element type of a typed array. Elements are
// stored little endian.
type ElementKind uint8

const (
	ElementUint8 ElementKind = iota
	ElementInt8
	ElementUint8Clamped
	ElementInt16
	ElementUint16
	ElementInt32
	ElementUint32
	ElementFloat32
	ElementFloat64
	ElementBigInt64
	ElementBigUint64
	numElementKinds
)

var elementSizes = [numElementKinds]int{1, 1, 1, 2, 2, 4, 4, 4, 8, 8, 8}

// typedArrayBytes returns the element kind and the raw little endian bytes of
// a typed array value. ok is false if v is not a typed array.
func typedArrayBytes(v any) (kind ElementKind, b []byte, ok bool) {
	switch x := v.(type) {
	case []byte:
		return ElementUint8, x, true
	case Uint8Clamped:
		return ElementUint8Clamped, []byte(x), true
	case []int8:
		b = make([]byte, len(x))
		for i, e := range x {
			b[i] = byte(e)
		}
		return ElementInt8, b, true
	case []int16:
		b = make([]byte, 0, 2*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint16(b, uint16(e))
		}
		return ElementInt16, b, true
	case []uint16:
		b = make([]byte, 0, 2*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint16(b, e)
		}
		return ElementUint16, b, true
	case []int32:
		b = make([]byte, 0, 4*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint32(b, uint32(e))
		}
		return ElementInt32, b, true
	case []uint32:
		b = make([]byte, 0, 4*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint32(b, e)
		}
		return ElementUint32, b, true
	case []float32:
		b = make([]byte, 0, 4*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(e))
		}
		return ElementFloat32, b, true
	case []float64:
		b = make([]byte, 0, 8*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(e))
		}
		return ElementFloat64, b, true
	case []int64:
		b = make([]byte, 0, 8*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint64(b, uint64(e))
		}
		return ElementBigInt64, b, true
	case []uint64:
		b = make([]byte, 0, 8*len(x))
		for _, e := range x {
			b = binary.LittleEndian.AppendUint64(b, e)
		}
		return ElementBigUint64, b, true
	}
	return 0, nil, false
}

// typedArrayValue reconstructs the typed array for kind from its raw bytes.
func typedArrayValue(kind ElementKind, b []byte) (any, error) {
	if kind >= numElementKinds {
		return nil, fmt.Errorf("%w: element kind %d", ErrCorruptValue, kind)
	}
	size := elementSizes[kind]
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes for element size %d", ErrTypedArrayShape, len(b), size)
	}
	n := len(b) / size
	switch kind {
	case ElementUint8:
		return append([]byte{}, b...), nil
	case ElementUint8Clamped:
		return Uint8Clamped(append([]byte{}, b...)), nil
	case ElementInt8:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(b[i])
		}
		return out, nil
	case ElementInt16:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
		}
		return out, nil
	case ElementUint16:
		out := make([]uint16, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(b[2*i:])
		}
		return out, nil
	case ElementInt32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	case ElementUint32:
		out := make([]uint32, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(b[4*i:])
		}
		return out, nil
	case ElementFloat32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	case ElementFloat64:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
		return out, nil
	case ElementBigInt64:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
		}
		return out, nil
	default: // ElementBigUint64
		out := make([]uint64, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(b[8*i:])
		}
		return out, nil
	}
}
