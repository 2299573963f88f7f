// Package seqnum implements wrap-safe arithmetic over the protocol's
// 16-bit modular sequence space. Every sequence comparison in the reliable
// channel must go through these helpers; plain numeric comparison breaks
// silently the moment a sequence number wraps past 65535.
package seqnum

// Distance returns the modular forward distance from a to b, i.e. the
// number of increments needed to walk a to b around the 16-bit space.
func Distance(a, b uint16) uint16 {
	return b - a
}

// InWindow reports whether seq lies in the half-open window
// [base, base+size) modulo 2^16.
func InWindow(seq, base, size uint16) bool {
	return Distance(base, seq) < size
}

// Precedes reports whether a comes strictly before b in modular order,
// assuming both lie within half the sequence space of one another (true
// for any pair of sequences that could plausibly be in flight at once).
func Precedes(a, b uint16) bool {
	return Distance(a, b) != 0 && Distance(a, b) < 1<<15
}

// Add returns seq advanced by n, wrapping modulo 2^16.
func Add(seq uint16, n uint16) uint16 {
	return seq + n
}
