package partition

import "math/bits"

// offset returns ceil(total*i/parts) without overflowing 64 bits. i must be <= parts.
func offset(total, parts, i uint64) uint64 {
	hi, lo := bits.Mul64(total, i)
	lo, carry := bits.Add64(lo, parts-1, 0)
	hi += carry
	q, _ := bits.Div64(hi, lo, parts)
	return q
}

// extent returns the [first, last) window of part i.
func extent(total, parts, i uint64) (uint64, uint64) {
	return offset(total, parts, i), offset(total, parts, i+1)
}

// indexOf returns floor(x*parts/total), the part owning x. Values outside [0,total) map to
// an index >= parts.
func indexOf(x, total, parts uint64) uint64 {
	if x >= total {
		return parts + (x-total)/total
	}
	hi, lo := bits.Mul64(x, parts)
	q, _ := bits.Div64(hi, lo, total)
	return q
}
