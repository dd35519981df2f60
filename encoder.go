package pngstream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
)

const defaultMaxChunkSize = 64 << 10

// Encoder writes Images as PNG files. It reuses its compressor and row
// scratch across calls, so keep one around when encoding many images.
// It is not safe for concurrent use.
type Encoder struct {
	// Level is the zlib compression level, zlib.DefaultCompression by default.
	Level int
	// Filter is FilterAdaptive (per-row choice) or one fixed filter type 0..4.
	Filter int
	// MaxChunkSize bounds the payload of each IDAT chunk.
	MaxChunkSize int

	Logger zerolog.Logger

	zw     *zlib.Writer
	zlevel int
	idat   idatWriter
	out    bytes.Buffer

	filtered []byte
	scratch  []byte
}

func NewEncoder() *Encoder {
	return &Encoder{
		Level:        zlib.DefaultCompression,
		Filter:       FilterAdaptive,
		MaxChunkSize: defaultMaxChunkSize,
		Logger:       zerolog.Nop(),
	}
}

// Encode returns img as a complete PNG file. The slice is reused by the next call.
func (e *Encoder) Encode(img *Image) ([]byte, error) {
	e.out.Reset()
	if err := e.EncodeTo(&e.out, img); err != nil {
		return nil, err
	}
	return e.out.Bytes(), nil
}

// EncodeTo writes the signature, IHDR, every stored chunk verbatim, the
// pixel data as IDAT chunks and IEND.
func (e *Encoder) EncodeTo(w io.Writer, img *Image) error {
	if err := checkEncodable(img); err != nil {
		return err
	}
	if e.Filter < FilterAdaptive || e.Filter >= nFilter {
		return fmt.Errorf("%w 0x%02x", ErrInvalidFilter, e.Filter)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(signature); err != nil {
		return err
	}

	hdr := ihdr{width: img.Width, height: img.Height, format: img.Format}
	if err := writeChunk(bw, ChunkIHDR, hdr.appendTo(make([]byte, 0, ihdrLen))); err != nil {
		return err
	}
	for _, c := range img.Chunks {
		if c.ID.structural() {
			continue
		}
		if err := writeChunk(bw, c.ID, c.Data); err != nil {
			return err
		}
	}

	if err := e.writeIDAT(bw, img); err != nil {
		return err
	}
	if err := writeChunk(bw, ChunkIEND, nil); err != nil {
		return err
	}

	e.Logger.Debug().
		Int("width", img.Width).
		Int("height", img.Height).
		Str("format", img.Format.String()).
		Int("chunks", len(img.Chunks)).
		Msg("png encoded")
	return bw.Flush()
}

// Encode is a convenience wrapper around a fresh Encoder.
func Encode(img *Image) ([]byte, error) {
	return NewEncoder().Encode(img)
}

func checkEncodable(img *Image) error {
	if img == nil {
		return ErrNilImage
	}
	if !img.Format.Valid() {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, img.Format)
	}
	if img.Width < 1 || img.Height < 1 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, img.Width, img.Height)
	}
	// PixelSize may be left zero on a hand-built image; anything else must agree with Format.
	if img.PixelSize != 0 && img.PixelSize != img.Format.PixelSize() {
		return fmt.Errorf("%w: pixel size %d for %v", ErrUnsupportedFormat, img.PixelSize, img.Format)
	}
	stride := Stride(img.Format, img.Width)
	if img.Stride < stride || len(img.Pix) < img.Stride*(img.Height-1)+stride {
		return fmt.Errorf("%w: %d bytes of pixels for %dx%d %v", ErrInvalidDimensions, len(img.Pix), img.Width, img.Height, img.Format)
	}
	return nil
}

func (e *Encoder) ensureScratch(n int) {
	if cap(e.filtered) < n {
		e.filtered = make([]byte, n)
		e.scratch = make([]byte, n)
	}
	e.filtered = e.filtered[:n]
	e.scratch = e.scratch[:n]
}

func (e *Encoder) zlibWriter(w io.Writer) (*zlib.Writer, error) {
	if e.zw != nil && e.zlevel == e.Level {
		e.zw.Reset(w)
		return e.zw, nil
	}
	zw, err := zlib.NewWriterLevel(w, e.Level)
	if err != nil {
		return nil, err
	}
	e.zw, e.zlevel = zw, e.Level
	return zw, nil
}

func (e *Encoder) writeIDAT(bw *bufio.Writer, img *Image) error {
	stride := Stride(img.Format, img.Width)
	xstride := img.Format.PixelSize() >> 3
	if xstride == 0 {
		xstride = 1
	}
	// One extra byte in front of filtered rows holds the filter type.
	e.ensureScratch(stride + 1)

	limit := e.MaxChunkSize
	if limit < 1 {
		limit = defaultMaxChunkSize
	}
	e.idat.reset(bw, limit)
	zw, err := e.zlibWriter(&e.idat)
	if err != nil {
		return err
	}

	var prev []byte
	for y := 0; y < img.Height; y++ {
		cur := img.Pix[y*img.Stride : y*img.Stride+stride]
		row := e.filtered[:stride+1]
		if e.Filter == FilterAdaptive {
			row[0] = chooseFilter(row[1:], e.scratch, cur, prev, xstride)
		} else {
			row[0] = byte(e.Filter)
			filterRow(row[1:], cur, prev, row[0], xstride)
		}
		if _, err := zw.Write(row); err != nil {
			return err
		}
		prev = cur
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return e.idat.flush()
}

// idatWriter cuts the compressed stream into IDAT chunks of at most max bytes.
type idatWriter struct {
	w   *bufio.Writer
	buf []byte
	max int
	err error
}

func (iw *idatWriter) reset(w *bufio.Writer, limit int) {
	iw.w = w
	iw.max = limit
	iw.err = nil
	if cap(iw.buf) < limit {
		iw.buf = make([]byte, 0, limit)
	}
	iw.buf = iw.buf[:0]
}

func (iw *idatWriter) Write(p []byte) (int, error) {
	if iw.err != nil {
		return 0, iw.err
	}
	n := len(p)
	for len(p) > 0 {
		c := iw.max - len(iw.buf)
		if c > len(p) {
			c = len(p)
		}
		iw.buf = append(iw.buf, p[:c]...)
		p = p[c:]
		if len(iw.buf) == iw.max {
			if iw.err = iw.flush(); iw.err != nil {
				return 0, iw.err
			}
		}
	}
	return n, nil
}

func (iw *idatWriter) flush() error {
	if len(iw.buf) == 0 {
		return nil
	}
	err := writeChunk(iw.w, ChunkIDAT, iw.buf)
	iw.buf = iw.buf[:0]
	return err
}

func writeU32BE(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// writeChunk frames data as length, type, payload and CRC-32 over type and payload.
func writeChunk(w *bufio.Writer, id ChunkID, data []byte) error {
	if err := writeU32BE(w, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(id[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	crc.Write(id[:])
	crc.Write(data)
	return writeU32BE(w, crc.Sum32())
}
