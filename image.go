package pngstream

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"go.uber.org/atomic"
)

// Image holds pixels in their native PNG layout: rows of Stride bytes,
// samples big-endian, sub-byte pixels packed msb-first.
//
// Images are reference counted so one produced by a Decoder can outlive it.
// NewImage returns a count of one. The zero value is a static image: it is
// never counted, Ref fails on it and Release only clears it.
type Image struct {
	Pix       []byte
	Stride    int // bytes
	PixelSize int // bits, 1..64
	Width     int
	Height    int
	Format    Format

	// Every chunk except IHDR, IDAT and IEND, in encounter order.
	Chunks []Chunk

	refs atomic.Int32
}

// NewImage allocates a zeroed image of the given size and format.
func NewImage(width, height int, f Format) (*Image, error) {
	img := &Image{}
	if err := img.Allocate(width, height, f); err != nil {
		return nil, err
	}
	img.refs.Store(1)
	return img, nil
}

func newEmptyImage() *Image {
	img := &Image{}
	img.refs.Store(1)
	return img
}

// Allocate replaces the pixels, geometry and format. Chunks are kept.
func (img *Image) Allocate(width, height int, f Format) error {
	if width < 1 || height < 1 || width > math.MaxInt32 || height > math.MaxInt32 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	pixelSize := f.PixelSize()
	if pixelSize < 1 {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
	if pixelSize > (math.MaxInt32-7)/width {
		return fmt.Errorf("%w: %d pixels of %d bits", ErrImageTooLarge, width, pixelSize)
	}
	stride := (pixelSize*width + 7) >> 3
	if stride > math.MaxInt32/height {
		return fmt.Errorf("%w: %d rows of %d bytes", ErrImageTooLarge, height, stride)
	}

	img.Pix = make([]byte, stride*height)
	img.Stride = stride
	img.PixelSize = pixelSize
	img.Width = width
	img.Height = height
	img.Format = f
	return nil
}

// Ref adds a reference. It fails for static images.
func (img *Image) Ref() error {
	if img == nil {
		return ErrNilImage
	}
	n := img.refs.Load()
	if n < 1 {
		return ErrStaticImage
	}
	if n == math.MaxInt32 {
		return ErrRefOverflow
	}
	img.refs.Inc()
	return nil
}

// Release drops a reference and clears the image when none remain.
func (img *Image) Release() {
	if img == nil {
		return
	}
	if img.refs.Load() > 0 && img.refs.Dec() > 0 {
		return
	}
	img.cleanup()
}

func (img *Image) cleanup() {
	img.Pix = nil
	img.Chunks = nil
	img.Stride = 0
	img.PixelSize = 0
	img.Width = 0
	img.Height = 0
	img.Format = Format{}
}

// Row returns the bytes of row y.
func (img *Image) Row(y int) []byte {
	return img.Pix[y*img.Stride : (y+1)*img.Stride]
}

// AddChunk appends a copy of data.
func (img *Image) AddChunk(id ChunkID, data []byte) {
	var v []byte
	if len(data) > 0 {
		v = append([]byte(nil), data...)
	}
	img.Chunks = append(img.Chunks, Chunk{ID: id, Data: v})
}

// AddChunkHandoff appends data without copying. The image owns it afterward.
func (img *Image) AddChunkHandoff(id ChunkID, data []byte) {
	img.Chunks = append(img.Chunks, Chunk{ID: id, Data: data})
}

// Chunk returns the payload of the first chunk with the given id.
// The slice is shared with the image.
func (img *Image) Chunk(id ChunkID) ([]byte, bool) {
	for _, c := range img.Chunks {
		if c.ID == id {
			return c.Data, true
		}
	}
	return nil, false
}

func (img *Image) ColorModel() color.Model {
	return color.NRGBAModel
}

func (img *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, img.Width, img.Height)
}

// At returns the pixel at (x, y). Indexed pixels are looked up in PLTE and tRNS when present.
func (img *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return color.NRGBA{}
	}
	row := img.Row(y)
	if img.Format.ColorType == Indexed {
		if plte, ok := img.Chunk(ChunkPLTE); ok {
			trns, _ := img.Chunk(ChunkTRNS)
			r, g, b, a := unpackRGBA(paletteRGBA(plte, trns, indexAt(row, x, img.Format.Depth)))
			return color.NRGBA{R: r, G: g, B: b, A: a}
		}
	}
	rd, _, err := Accessors(img.Format)
	if err != nil {
		return color.NRGBA{}
	}
	r, g, b, a := unpackRGBA(rd(row, x))
	return color.NRGBA{R: r, G: g, B: b, A: a}
}

// FromImage copies any image.Image into a new rgba8 Image with bounds starting at (0,0).
func FromImage(src image.Image) (*Image, error) {
	b := src.Bounds()
	img, err := NewImage(b.Dx(), b.Dy(), FormatRGBA8)
	if err != nil {
		return nil, err
	}
	dst := &image.NRGBA{Pix: img.Pix, Stride: img.Stride, Rect: image.Rect(0, 0, b.Dx(), b.Dy())}
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return img, nil
}
