// Package bcd converts between binary integers and the packed binary-coded-decimal bytes used by
// RTC chip registers.
package bcd

// Encode converts n (0-99) to packed BCD.  Values outside that range wrap the same way the chip
// would store them; callers are expected not to supply them.
func Encode(n uint8) byte {
	return n + 6*(n/10)
}

// Decode converts a packed BCD byte to binary.
func Decode(b byte) uint8 {
	return b - 6*(b>>4)
}
