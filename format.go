// pngstream is a streaming PNG codec. It consumes file bytes in arbitrary
// pieces through a push-style Decoder, keeps pixels in their native layout
// inside an Image, converts between any of the legal depth/color type
// combinations, and writes images back out with an Encoder.

package pngstream

import (
	"fmt"
	"strconv"
	"strings"
)

// ColorType is the PNG color type byte of IHDR.
type ColorType uint8

const (
	Gray      ColorType = 0 // 1 channel at (1,2,4,8,16) bits
	RGB       ColorType = 2 // 3 channels at (8,16) bits
	Indexed   ColorType = 3 // 1 palette index at (1,2,4,8) bits
	GrayAlpha ColorType = 4 // 2 channels at (8,16) bits
	RGBA      ColorType = 6 // 4 channels at (8,16) bits
)

var colorTypeNames = map[ColorType]string{
	Gray:      "gray",
	RGB:       "rgb",
	Indexed:   "index",
	GrayAlpha: "graya",
	RGBA:      "rgba",
}

func (c ColorType) String() string {
	if s, ok := colorTypeNames[c]; ok {
		return s
	}
	return "colortype(" + strconv.Itoa(int(c)) + ")"
}

// Format is a (bit depth, color type) pair.
type Format struct {
	Depth     uint8
	ColorType ColorType
}

var (
	FormatGray8  = Format{8, Gray}
	FormatRGB8   = Format{8, RGB}
	FormatRGBA8  = Format{8, RGBA}
	FormatRGBA16 = Format{16, RGBA}
)

func (f Format) String() string {
	return f.ColorType.String() + strconv.Itoa(int(f.Depth))
}

// PixelSize returns the full pixel size in bits (1..64), or zero if the format is illegal.
func (f Format) PixelSize() int {
	return PixelSize(f.Depth, f.ColorType)
}

func (f Format) Valid() bool {
	return f.PixelSize() > 0
}

// Channels returns the number of samples per pixel, counting a palette index as one.
func (f Format) Channels() int {
	switch f.ColorType {
	case Gray, Indexed:
		return 1
	case GrayAlpha:
		return 2
	case RGB:
		return 3
	case RGBA:
		return 4
	}
	return 0
}

// ParseFormat accepts the spelling produced by Format.String, eg "rgba8" or "index4".
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if i <= 0 {
		return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	depth, err := strconv.Atoi(s[i:])
	if err != nil || depth > 16 {
		return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	for ct, name := range colorTypeNames {
		if name == s[:i] {
			f := Format{Depth: uint8(depth), ColorType: ct}
			if !f.Valid() {
				return Format{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
			}
			return f, nil
		}
	}
	return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// PixelSize returns the full pixel size in bits for the given depth and color type,
// or zero if the combination is not legal.
func PixelSize(depth uint8, colorType ColorType) int {
	switch colorType {
	case Gray:
		switch depth {
		case 1, 2, 4, 8, 16:
			return int(depth)
		}
	case RGB:
		switch depth {
		case 8, 16:
			return int(depth) * 3
		}
	case Indexed:
		switch depth {
		case 1, 2, 4, 8:
			return int(depth)
		}
	case GrayAlpha:
		switch depth {
		case 8, 16:
			return int(depth) << 1
		}
	case RGBA:
		switch depth {
		case 8, 16:
			return int(depth) << 2
		}
	}
	return 0
}

// Stride is the minimum row length in bytes for width pixels of f.
func Stride(f Format, width int) int {
	return (f.PixelSize()*width + 7) >> 3
}
