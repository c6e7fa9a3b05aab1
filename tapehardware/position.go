package tapehardware

// splitOffset splits a block address into the low and high 32-bit halves
// the Win32 positioning calls take.
func splitOffset(offset int64) (low, high uint32) {
	return uint32(uint64(offset)), uint32(uint64(offset) >> 32)
}

// joinOffset reassembles a block address from its halves.
func joinOffset(low, high uint32) int64 {
	return int64(uint64(high)<<32 | uint64(low))
}
