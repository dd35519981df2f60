package pngstream

import "fmt"

// PixelReader returns pixel x of row as normalized 0xRRGGBBAA.
type PixelReader func(row []byte, x int) uint32

// PixelWriter stores a normalized 0xRRGGBBAA value as pixel x of row.
type PixelWriter func(row []byte, x int, rgba uint32)

type accessor struct {
	read  PixelReader
	write PixelWriter
}

// Indexed shares the gray accessors, so a palette index reads as an intensity.
var accessors = map[Format]accessor{
	{1, Gray}:       {readY1, writeY1},
	{2, Gray}:       {readY2, writeY2},
	{4, Gray}:       {readY4, writeY4},
	{8, Gray}:       {readY8, writeY8},
	{16, Gray}:      {readY16, writeY16},
	{1, Indexed}:    {readY1, writeY1},
	{2, Indexed}:    {readY2, writeY2},
	{4, Indexed}:    {readY4, writeY4},
	{8, Indexed}:    {readY8, writeY8},
	{8, RGB}:        {readRGB8, writeRGB8},
	{16, RGB}:       {readRGB16, writeRGB16},
	{8, GrayAlpha}:  {readYA8, writeYA8},
	{16, GrayAlpha}: {readYA16, writeYA16},
	{8, RGBA}:       {readRGBA8, writeRGBA8},
	{16, RGBA}:      {readRGBA16, writeRGBA16},
}

// Accessors returns the normalized pixel reader and writer for f.
func Accessors(f Format) (PixelReader, PixelWriter, error) {
	a, ok := accessors[f]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
	return a.read, a.write, nil
}

func packRGBA(r, g, b, a uint8) uint32 {
	return uint32(r)<<24 | uint32(g)<<16 | uint32(b)<<8 | uint32(a)
}

func unpackRGBA(v uint32) (r, g, b, a uint8) {
	return uint8(v >> 24), uint8(v >> 16), uint8(v >> 8), uint8(v)
}

func grayRGBA(y, a uint8) uint32 {
	return packRGBA(y, y, y, a)
}

// luma is the plain channel average used by every gray writer.
func luma(v uint32) uint8 {
	r, g, b, _ := unpackRGBA(v)
	return uint8((int(r) + int(g) + int(b)) / 3)
}

func readY1(row []byte, x int) uint32 {
	if row[x>>3]&(0x80>>(x&7)) != 0 {
		return 0xffffffff
	}
	return 0x000000ff
}

func writeY1(row []byte, x int, v uint32) {
	r, g, b, _ := unpackRGBA(v)
	mask := byte(0x80 >> (x & 7))
	if int(r)+int(g)+int(b) >= 0x180 {
		row[x>>3] |= mask
	} else {
		row[x>>3] &^= mask
	}
}

func readY2(row []byte, x int) uint32 {
	y := (row[x>>2] >> (6 - (x&3)<<1)) & 3
	y |= y << 2
	y |= y << 4
	return grayRGBA(y, 0xff)
}

func writeY2(row []byte, x int, v uint32) {
	shift := 6 - (x&3)<<1
	y := luma(v) >> 6
	p := &row[x>>2]
	*p = *p&^(3<<shift) | y<<shift
}

func readY4(row []byte, x int) uint32 {
	var y byte
	if x&1 != 0 {
		y = row[x>>1] & 0x0f
	} else {
		y = row[x>>1] >> 4
	}
	y |= y << 4
	return grayRGBA(y, 0xff)
}

func writeY4(row []byte, x int, v uint32) {
	y := luma(v)
	p := &row[x>>1]
	if x&1 != 0 {
		*p = *p&0xf0 | y>>4
	} else {
		*p = *p&0x0f | y&0xf0
	}
}

func readY8(row []byte, x int) uint32 {
	return grayRGBA(row[x], 0xff)
}

func writeY8(row []byte, x int, v uint32) {
	row[x] = luma(v)
}

func readY16(row []byte, x int) uint32 {
	return grayRGBA(row[x<<1], 0xff)
}

func writeY16(row []byte, x int, v uint32) {
	y := luma(v)
	p := row[x<<1 : x<<1+2]
	p[0], p[1] = y, y
}

func readYA8(row []byte, x int) uint32 {
	p := row[x<<1 : x<<1+2]
	return grayRGBA(p[0], p[1])
}

func writeYA8(row []byte, x int, v uint32) {
	p := row[x<<1 : x<<1+2]
	p[0] = luma(v)
	p[1] = uint8(v)
}

func readYA16(row []byte, x int) uint32 {
	p := row[x<<2 : x<<2+4]
	return grayRGBA(p[0], p[2])
}

func writeYA16(row []byte, x int, v uint32) {
	y, a := luma(v), uint8(v)
	p := row[x<<2 : x<<2+4]
	p[0], p[1] = y, y
	p[2], p[3] = a, a
}

func readRGB8(row []byte, x int) uint32 {
	p := row[x*3 : x*3+3]
	return packRGBA(p[0], p[1], p[2], 0xff)
}

func writeRGB8(row []byte, x int, v uint32) {
	r, g, b, _ := unpackRGBA(v)
	p := row[x*3 : x*3+3]
	p[0], p[1], p[2] = r, g, b
}

func readRGB16(row []byte, x int) uint32 {
	p := row[x*6 : x*6+6]
	return packRGBA(p[0], p[2], p[4], 0xff)
}

func writeRGB16(row []byte, x int, v uint32) {
	r, g, b, _ := unpackRGBA(v)
	p := row[x*6 : x*6+6]
	p[0], p[1] = r, r
	p[2], p[3] = g, g
	p[4], p[5] = b, b
}

func readRGBA8(row []byte, x int) uint32 {
	p := row[x<<2 : x<<2+4]
	return packRGBA(p[0], p[1], p[2], p[3])
}

func writeRGBA8(row []byte, x int, v uint32) {
	r, g, b, a := unpackRGBA(v)
	p := row[x<<2 : x<<2+4]
	p[0], p[1], p[2], p[3] = r, g, b, a
}

func readRGBA16(row []byte, x int) uint32 {
	p := row[x<<3 : x<<3+8]
	return packRGBA(p[0], p[2], p[4], p[6])
}

func writeRGBA16(row []byte, x int, v uint32) {
	r, g, b, a := unpackRGBA(v)
	p := row[x<<3 : x<<3+8]
	p[0], p[1] = r, r
	p[2], p[3] = g, g
	p[4], p[5] = b, b
	p[6], p[7] = a, a
}
