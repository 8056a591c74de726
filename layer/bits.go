package layer

import "math/bits"

// JumpCount returns the number of jump pointers carried by the layer at
// index i. Pointer k reaches the ancestor at distance 2^k, so a layer can
// hold a pointer for every power of two not exceeding its own index.
//
//	index:  0 1 2 3 4 5 6 7 8
//	jumps:  0 1 2 2 3 3 3 3 4
func JumpCount(i uint64) int {
	return bits.Len64(i)
}

// Log2Uint64 efficiently computes log base 2 of num
func Log2Uint64(num uint64) uint64 {
	return uint64(bits.Len64(num) - 1)
}

// HighestPow2 returns the largest power of two <= num. num must be non zero.
func HighestPow2(num uint64) uint64 {
	return 1 << Log2Uint64(num)
}
