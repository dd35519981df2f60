package pngstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/rs/zerolog"
)

// Status is the coarse decoder progress reported by Feed.
type Status int

const (
	StatusError          Status = -1 // Failed, no more progress possible.
	StatusAwaitingHeader Status = 0  // Initialized, awaiting IHDR.
	StatusAwaitingData   Status = 1  // Awaiting or in the middle of IDATs.
	StatusDataComplete   Status = 2  // Pixels complete, file not yet terminated.
	StatusComplete       Status = 3  // IHDR and IEND seen, every row decoded.
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusAwaitingHeader:
		return "awaiting-header"
	case StatusAwaitingData:
		return "awaiting-data"
	case StatusDataComplete:
		return "data-complete"
	case StatusComplete:
		return "complete"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Parse position. Each state carries only what it needs, and Decoder.step
// switches over all of them.
type parseState interface {
	isParseState()
}

type (
	// stSignature collects the 8-byte file signature.
	stSignature struct {
		buf [8]byte
		n   int
	}
	// stChunkHeader collects length and type of the next chunk.
	stChunkHeader struct {
		buf [8]byte
		n   int
	}
	// stChunkBody buffers a whole non-IDAT chunk.
	stChunkBody struct {
		id   ChunkID
		want int
		data []byte
	}
	// stStreamedData passes IDAT bytes to the inflater.
	stStreamedData struct {
		remaining int
	}
	// stChunkTrailer skips the CRC. It is never checked.
	stChunkTrailer struct {
		buf [4]byte
		n   int
	}
	// stDone is reached after IEND's trailer.
	stDone struct{}
)

func (*stSignature) isParseState()    {}
func (*stChunkHeader) isParseState()  {}
func (*stChunkBody) isParseState()    {}
func (*stStreamedData) isParseState() {}
func (*stChunkTrailer) isParseState() {}
func (*stDone) isParseState()         {}

// Chunk bodies grow as they arrive; a hostile length cannot force a huge allocation up front.
const maxBodyReserve = 64 << 10

// Decoder is a push-style PNG decoder. Give it input in any pieces, from the
// whole file at once to one byte at a time; every Feed advances as far as the
// input allows.
//
// It is not safe for concurrent use. Call Close when done with it.
type Decoder struct {
	img    *Image
	status Status
	err    error
	state  parseState

	haveIHDR bool
	haveIEND bool

	z       *inflater
	stop    runtime.Cleanup
	y       int
	xstride int // bytes pixel-to-pixel for filter purposes

	log zerolog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger for chunk framing and failures. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Decoder) {
		d.log = l
	}
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		status: StatusAwaitingHeader,
		state:  &stSignature{},
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Decoder) Status() Status {
	return d.status
}

// Err returns the error that put the decoder in StatusError, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Image is available once IHDR is processed, or earlier if an ancillary
// chunk precedes it. Its pixels are incomplete until the last row is decoded,
// and rows fill in only as the inflater releases them: deflate output is held
// until its window fills or a block ends, so a partly fed image may show far
// fewer rows than the input would suggest.
// The decoder keeps its own reference; call Ref to retain the image past Close.
func (d *Decoder) Image() *Image {
	return d.img
}

// Rows is the number of rows reconstructed so far. It lags the input by up
// to a deflate window or block until Finish drains the stream.
func (d *Decoder) Rows() int {
	return d.y
}

// Close stops the inflater and drops the decoder's image reference. A
// decoder dropped without Close still stops its inflater once collected.
func (d *Decoder) Close() error {
	if d.z != nil {
		d.stop.Stop()
		d.z.close()
	}
	if d.img != nil {
		d.img.Release()
		d.img = nil
	}
	return nil
}

func (d *Decoder) fail(err error) error {
	if d.status == StatusError {
		return d.err
	}
	d.status = StatusError
	d.err = err
	d.log.Warn().Err(err).Int("row", d.y).Msg("png decode failed")
	if d.z != nil {
		d.z.close()
	}
	return err
}

// Feed consumes p. It fails once the decoder is in StatusError; input after
// StatusComplete is ignored.
func (d *Decoder) Feed(p []byte) (Status, error) {
	for len(p) > 0 {
		switch d.status {
		case StatusError:
			return d.status, fmt.Errorf("%w: %v", ErrDecoderFailed, d.err)
		case StatusComplete:
			return d.status, nil
		}
		n, err := d.step(p)
		if err != nil {
			return StatusError, d.fail(err)
		}
		p = p[n:]
		if _, ok := d.state.(*stDone); ok {
			if err := d.finish(); err != nil {
				return StatusError, d.fail(err)
			}
		}
	}
	if d.status == StatusError {
		return d.status, fmt.Errorf("%w: %v", ErrDecoderFailed, d.err)
	}
	return d.status, nil
}

// Finish declares the end of input. IEND is not required for the pixels: a
// file that stops after its last IDAT is left in StatusDataComplete, without
// error, once every row decodes. Only IEND leads to StatusComplete.
func (d *Decoder) Finish() (Status, error) {
	switch d.status {
	case StatusError:
		return d.status, fmt.Errorf("%w: %v", ErrDecoderFailed, d.err)
	case StatusComplete:
		return d.status, nil
	}
	if err := d.finish(); err != nil {
		return StatusError, d.fail(err)
	}
	return d.status, nil
}

// fill copies into buf[*n:] and reports how much of p it took and whether buf is full.
func fill(buf []byte, n *int, p []byte) (int, bool) {
	c := copy(buf[*n:], p)
	*n += c
	return c, *n == len(buf)
}

// step consumes at least one byte of p.
func (d *Decoder) step(p []byte) (int, error) {
	switch st := d.state.(type) {
	case *stSignature:
		c, full := fill(st.buf[:], &st.n, p)
		if full {
			if string(st.buf[:]) != signature {
				return c, fmt.Errorf("%w: % x", ErrBadSignature, st.buf[:])
			}
			d.state = &stChunkHeader{}
		}
		return c, nil

	case *stChunkHeader:
		c, full := fill(st.buf[:], &st.n, p)
		if full {
			if err := d.beginChunk(st.buf[:]); err != nil {
				return c, err
			}
		}
		return c, nil

	case *stChunkBody:
		c := st.want - len(st.data)
		if c > len(p) {
			c = len(p)
		}
		st.data = append(st.data, p[:c]...)
		if len(st.data) == st.want {
			if err := d.endChunk(st.id, st.data); err != nil {
				return c, err
			}
			d.state = &stChunkTrailer{}
		}
		return c, nil

	case *stStreamedData:
		c := st.remaining
		if c > len(p) {
			c = len(p)
		}
		if err := d.z.push(p[:c], d.receiveRow); err != nil {
			return c, d.rowError(err)
		}
		d.checkRows()
		st.remaining -= c
		if st.remaining == 0 {
			d.state = &stChunkTrailer{}
		}
		return c, nil

	case *stChunkTrailer:
		c, full := fill(st.buf[:], &st.n, p)
		if full {
			if d.haveIEND {
				d.state = &stDone{}
			} else {
				d.state = &stChunkHeader{}
			}
		}
		return c, nil

	case *stDone:
		return len(p), nil
	}
	return 0, fmt.Errorf("png: unknown parse state %T", d.state)
}

func (d *Decoder) requireImage() {
	if d.img == nil {
		d.img = newEmptyImage()
	}
}

// beginChunk receives the 8-byte chunk header and picks the next state.
func (d *Decoder) beginChunk(hdr []byte) error {
	length := binary.BigEndian.Uint32(hdr[0:4])
	id := chunkIDFrom(hdr[4:8])
	if length > 0x7fffffff {
		return fmt.Errorf("%w 0x%08x for %v", ErrChunkLength, length, id)
	}
	d.log.Debug().Str("chunk", id.String()).Uint32("length", length).Msg("png chunk")

	switch {
	case id == ChunkIDAT:
		if !d.haveIHDR {
			return ErrDataBeforeHeader
		}
		if length == 0 {
			d.state = &stChunkTrailer{}
			return nil
		}
		d.state = &stStreamedData{remaining: int(length)}
	case length == 0:
		switch id {
		case ChunkIHDR:
			return fmt.Errorf("%w: short IHDR (0<%d)", ErrInvalidHeader, ihdrLen)
		case ChunkIEND:
			d.haveIEND = true
		default:
			d.requireImage()
			d.img.AddChunk(id, nil)
		}
		d.state = &stChunkTrailer{}
	default:
		reserve := int(length)
		if reserve > maxBodyReserve {
			reserve = maxBodyReserve
		}
		d.state = &stChunkBody{id: id, want: int(length), data: make([]byte, 0, reserve)}
	}
	return nil
}

// endChunk dispatches a fully buffered chunk body.
func (d *Decoder) endChunk(id ChunkID, data []byte) error {
	switch id {
	case ChunkIHDR:
		return d.decodeIHDR(data)
	case ChunkIEND:
		// Not complete yet; IEND's trailer still has to arrive.
		d.haveIEND = true
	default:
		d.requireImage()
		d.img.AddChunkHandoff(id, data)
	}
	return nil
}

func (d *Decoder) decodeIHDR(src []byte) error {
	if d.haveIHDR {
		return ErrDuplicateHeader
	}
	if len(src) < ihdrLen {
		return fmt.Errorf("%w: short IHDR (%d<%d)", ErrInvalidHeader, len(src), ihdrLen)
	}
	h := parseIHDR(src)
	if h.width < 1 || h.height < 1 || h.width > 0x7fffffff || h.height > 0x7fffffff {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidHeader, h.width, h.height)
	}
	if h.compression != 0 || h.filter != 0 || h.interlace != 0 {
		return fmt.Errorf("%w: unsupported compression/filter/interlace: %d/%d/%d",
			ErrInvalidHeader, h.compression, h.filter, h.interlace)
	}
	if !h.format.Valid() {
		return fmt.Errorf("%w: depth %d with color type %d", ErrInvalidHeader, h.format.Depth, h.format.ColorType)
	}

	d.requireImage()
	if err := d.img.Allocate(h.width, h.height, h.format); err != nil {
		return err
	}
	d.xstride = d.img.PixelSize >> 3
	if d.xstride == 0 {
		d.xstride = 1
	}
	d.y = 0
	d.z = newInflater(1 + d.img.Stride)
	d.stop = runtime.AddCleanup(d, (*inflater).close, d.z)
	d.haveIHDR = true
	d.status = StatusAwaitingData

	d.log.Debug().
		Int("width", h.width).
		Int("height", h.height).
		Str("format", h.format.String()).
		Msg("png header")
	return nil
}

// receiveRow unfilters one inflated row into the image. The inflater calls
// it on the caller's goroutine, from inside Feed or Finish.
func (d *Decoder) receiveRow(row []byte) (bool, error) {
	if d.y >= d.img.Height {
		return false, nil
	}
	dst := d.img.Row(d.y)
	var prev []byte
	if d.y > 0 {
		prev = d.img.Row(d.y - 1)
	}
	if err := unfilterRow(dst, row[1:], prev, row[0], d.xstride); err != nil {
		return false, fmt.Errorf("%w at row %d", err, d.y)
	}
	d.y++
	return d.y < d.img.Height, nil
}

func (d *Decoder) checkRows() {
	if d.status == StatusAwaitingData && d.y >= d.img.Height {
		d.status = StatusDataComplete
	}
}

func (d *Decoder) rowError(err error) error {
	if errors.Is(err, errStarved) {
		return fmt.Errorf("%w: %d of %d rows", ErrMissingData, d.y, d.img.Height)
	}
	return err
}

// finish drains the inflater and confirms every row arrived. The file is
// complete only if IEND was seen too.
func (d *Decoder) finish() error {
	if !d.haveIHDR {
		return ErrMissingHeader
	}
	if d.z.totalIn == 0 {
		return ErrMissingData
	}
	if d.y < d.img.Height {
		if err := d.z.finish(d.receiveRow); err != nil {
			return d.rowError(err)
		}
		if d.y < d.img.Height {
			return fmt.Errorf("%w: %d of %d rows", ErrMissingData, d.y, d.img.Height)
		}
	}
	d.z.close()
	if !d.haveIEND {
		d.status = StatusDataComplete
		d.log.Debug().Int("rows", d.y).Msg("png data complete without IEND")
		return nil
	}
	d.status = StatusComplete
	d.log.Debug().Int("rows", d.y).Msg("png complete")
	return nil
}

// Decode decodes a complete file held in memory. The caller owns the
// returned image's single reference.
func Decode(data []byte, opts ...Option) (*Image, error) {
	d := NewDecoder(opts...)
	defer d.Close()
	if _, err := d.Feed(data); err != nil {
		return nil, err
	}
	return d.take()
}

// DecodeReader pulls from r in bufSize pieces and feeds the decoder. It
// stops reading at IEND and checks ctx between reads. Like Decode, it accepts
// a file that ends after its last IDAT.
func DecodeReader(ctx context.Context, r io.Reader, bufSize int, opts ...Option) (*Image, error) {
	if bufSize < 1 {
		bufSize = 4096
	}
	d := NewDecoder(opts...)
	defer d.Close()

	buf := make([]byte, bufSize)
	for d.Status() != StatusComplete {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, ferr := d.Feed(buf[:n]); ferr != nil {
				return nil, ferr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return d.take()
}

// take finishes the decoder and hands out a reference to its image. Both
// StatusDataComplete and StatusComplete count as success.
func (d *Decoder) take() (*Image, error) {
	st, err := d.Finish()
	if err != nil {
		return nil, err
	}
	if st != StatusDataComplete && st != StatusComplete {
		return nil, fmt.Errorf("%w: finished in %v", ErrMissingData, st)
	}
	img := d.Image()
	if err := img.Ref(); err != nil {
		return nil, err
	}
	return img, nil
}
