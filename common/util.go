package common

import "golang.org/x/exp/constraints"

func ByteSliceCopy(byteSlice []byte) []byte {
	copied := make([]byte, len(byteSlice))
	copy(copied, byteSlice)
	return copied
}

// AddressOf returns a pointer to a copy of x, handy for optional config fields.
func AddressOf[T constraints.Ordered | bool](x T) *T {
	return &x
}
