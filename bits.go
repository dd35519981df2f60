package pngstream

// bitReader reads sub-byte samples from a row, msb-first in each byte,
// which is how PNG packs 1, 2 and 4 bit pixels.
type bitReader struct {
	data []byte
	idx  int
	bit  uint8 // bit position in current byte (0..7), msb-first
}

func newBitReader(data []byte) bitReader {
	return bitReader{data: data}
}

// readBitsFast reads n bits (1..8) and returns them in the low n bits of the
// result. The caller must ensure enough data remains. PNG samples never
// straddle a byte, so n must divide 8.
func (br *bitReader) readBitsFast(n uint8) uint8 {
	rem := 8 - br.bit
	b := br.data[br.idx]
	out := (b >> (rem - n)) & byte((1<<n)-1)
	br.bit += n
	if br.bit == 8 {
		br.bit = 0
		br.idx++
	}
	return out
}
