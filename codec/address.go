package codec

import "fmt"

// AddressWidth returns the number of bytes needed to encode the address.
func AddressWidth(address uint64) (int, error) {
	switch {
	case address < 1<<8:
		return 1, nil
	case address < 1<<16:
		return 2, nil
	case address < 1<<24:
		return 3, nil
	case address < 1<<32:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrAddressRange, address)
}

// AppendAddress appends the little endian address using exactly width bytes
func AppendAddress(b []byte, address uint64, width int) []byte {
	for i := range width {
		b = append(b, byte(address>>(8*i)))
	}
	return b
}

// ReadAddress decodes a little endian address of len(b) bytes
func ReadAddress(b []byte) uint64 {
	var a uint64
	for i := len(b) - 1; i >= 0; i-- {
		a = a<<8 | uint64(b[i])
	}
	return a
}
