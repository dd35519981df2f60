package pngstream

import "fmt"

// Scanline filter types, from the first byte of each row.
const (
	FilterNone    = 0
	FilterSub     = 1
	FilterUp      = 2
	FilterAverage = 3
	FilterPaeth   = 4
	nFilter       = 5

	// FilterAdaptive makes the Encoder pick a filter per row.
	FilterAdaptive = -1
)

// Paeth returns whichever of a (left), b (up) and c (upper left) is closest
// to a+b-c, preferring a, then b.
func Paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa := abs(p - int(a))
	pb := abs(p - int(b))
	pc := abs(p - int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// unfilterRow reconstructs one row into dst. prev is the previous
// reconstructed row, or nil for the first row. xstride is the byte distance
// to the left neighbour (at least 1).
func unfilterRow(dst, src, prev []byte, filter byte, xstride int) error {
	n := len(dst)
	if xstride > n {
		xstride = n
	}
	switch filter {
	case FilterNone:
		copy(dst, src)
	case FilterSub:
		copy(dst[:xstride], src)
		for i := xstride; i < n; i++ {
			dst[i] = src[i] + dst[i-xstride]
		}
	case FilterUp:
		if prev == nil {
			copy(dst, src)
			return nil
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] + prev[i]
		}
	case FilterAverage:
		if prev == nil {
			copy(dst[:xstride], src)
			for i := xstride; i < n; i++ {
				dst[i] = src[i] + dst[i-xstride]>>1
			}
			return nil
		}
		i := 0
		for ; i < xstride; i++ {
			dst[i] = src[i] + prev[i]>>1
		}
		for ; i < n; i++ {
			dst[i] = src[i] + byte((int(prev[i])+int(dst[i-xstride]))>>1)
		}
	case FilterPaeth:
		if prev == nil {
			// Up and upper left are zero, so Paeth always picks left.
			copy(dst[:xstride], src)
			for i := xstride; i < n; i++ {
				dst[i] = src[i] + dst[i-xstride]
			}
			return nil
		}
		i := 0
		for ; i < xstride; i++ {
			dst[i] = src[i] + prev[i]
		}
		for ; i < n; i++ {
			dst[i] = src[i] + Paeth(dst[i-xstride], prev[i], prev[i-xstride])
		}
	default:
		return fmt.Errorf("%w 0x%02x", ErrInvalidFilter, filter)
	}
	return nil
}

// filterRow is the inverse of unfilterRow: it writes the filtered form of cur into dst.
func filterRow(dst, cur, prev []byte, filter byte, xstride int) {
	n := len(cur)
	if xstride > n {
		xstride = n
	}
	up := func(i int) byte {
		if prev == nil {
			return 0
		}
		return prev[i]
	}
	switch filter {
	case FilterNone:
		copy(dst, cur)
	case FilterSub:
		copy(dst[:xstride], cur)
		for i := xstride; i < n; i++ {
			dst[i] = cur[i] - cur[i-xstride]
		}
	case FilterUp:
		for i := 0; i < n; i++ {
			dst[i] = cur[i] - up(i)
		}
	case FilterAverage:
		for i := 0; i < n; i++ {
			left := 0
			if i >= xstride {
				left = int(cur[i-xstride])
			}
			dst[i] = cur[i] - byte((left+int(up(i)))>>1)
		}
	case FilterPaeth:
		for i := 0; i < n; i++ {
			var left, upLeft byte
			if i >= xstride {
				left = cur[i-xstride]
				upLeft = up(i - xstride)
			}
			dst[i] = cur[i] - Paeth(left, up(i), upLeft)
		}
	}
}

// chooseFilter filters cur with every filter type into scratch and returns
// the type with the smallest sum of absolute (signed) residuals.
// The winning row is left in best.
func chooseFilter(best, scratch, cur, prev []byte, xstride int) byte {
	bestFilter := byte(FilterNone)
	bestSum := int(^uint(0) >> 1)
	for f := byte(0); f < nFilter; f++ {
		filterRow(scratch, cur, prev, f, xstride)
		sum := 0
		for _, v := range scratch[:len(cur)] {
			sum += abs(int(int8(v)))
		}
		if sum < bestSum {
			bestSum = sum
			bestFilter = f
			copy(best, scratch[:len(cur)])
		}
	}
	return bestFilter
}
