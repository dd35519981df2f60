package pngstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"runtime"
	"testing"
	"testing/iotest"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------
// Hand-built files
// -----------------------------

func chunkBytes(id string, data []byte) []byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	b = append(b, id...)
	b = append(b, data...)
	crc := crc32.NewIEEE()
	crc.Write([]byte(id))
	crc.Write(data)
	return binary.BigEndian.AppendUint32(b, crc.Sum32())
}

func ihdrBytes(w, h int, f Format, interlace uint8) []byte {
	return chunkBytes("IHDR", ihdr{width: w, height: h, format: f, interlace: interlace}.appendTo(nil))
}

func zlibBytes(t testing.TB, raw []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func pngBytes(chunks ...[]byte) []byte {
	b := []byte(signature)
	for _, c := range chunks {
		b = append(b, c...)
	}
	return b
}

var iend = chunkBytes("IEND", nil)

// gray1x1 is a 1x1 gray8 file holding the value 0x7f.
func gray1x1(t testing.TB) []byte {
	return pngBytes(
		ihdrBytes(1, 1, FormatGray8, 0),
		chunkBytes("IDAT", zlibBytes(t, []byte{FilterNone, 0x7f})),
		iend,
	)
}

// noisyRows returns w-by-h gray8 rows with filter None and pseudo-random
// samples that deflate cannot shrink much.
func noisyRows(w, h int) []byte {
	var raw []byte
	seed := uint32(1)
	for y := 0; y < h; y++ {
		raw = append(raw, FilterNone)
		for x := 0; x < w; x++ {
			seed = seed*1664525 + 1013904223
			raw = append(raw, byte(seed>>24))
		}
	}
	return raw
}

func requireFailed(t *testing.T, d *Decoder, target error) {
	t.Helper()
	assert.Equal(t, StatusError, d.Status())
	assert.True(t, errors.Is(d.Err(), target), "got %v, want %v", d.Err(), target)
}

// -----------------------------
// Unit tests
// -----------------------------

func TestDecodeMinimal(t *testing.T) {
	ihdrChunk := ihdrBytes(1, 1, FormatGray8, 0)
	idat := chunkBytes("IDAT", zlibBytes(t, []byte{FilterNone, 0x7f}))

	d := NewDecoder()
	defer d.Close()

	st, err := d.Feed([]byte(signature))
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingHeader, st)
	assert.Nil(t, d.Image())

	st, err = d.Feed(ihdrChunk)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingData, st)
	require.NotNil(t, d.Image())
	assert.Equal(t, 1, d.Image().Width)
	assert.Equal(t, FormatGray8, d.Image().Format)

	st, err = d.Feed(idat)
	require.NoError(t, err)
	assert.Equal(t, StatusDataComplete, st)
	assert.Equal(t, 1, d.Rows())

	st, err = d.Feed(iend)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)
	assert.Equal(t, []byte{0x7f}, d.Image().Pix)
}

func TestDecodeByteAtATime(t *testing.T) {
	src := makeTestImage(t, 17, 9, FormatRGBA8)
	src.AddChunk(ChunkID{'t', 'E', 'X', 't'}, []byte("Comment\x00split me"))
	data, err := Encode(src)
	require.NoError(t, err)

	bulk, err := Decode(data)
	require.NoError(t, err)
	defer bulk.Release()

	d := NewDecoder()
	defer d.Close()
	for i := range data {
		_, err := d.Feed(data[i : i+1])
		require.NoError(t, err, "byte %d", i)
	}
	require.Equal(t, StatusComplete, d.Status())
	assert.Equal(t, bulk.Pix, d.Image().Pix)
	assert.Equal(t, bulk.Chunks, d.Image().Chunks)
	assert.Equal(t, src.Pix, bulk.Pix)
}

func TestDecodeEveryFormat(t *testing.T) {
	for _, f := range legalFormats {
		t.Run(f.String(), func(t *testing.T) {
			src := makeTestImage(t, 23, 7, f)
			data, err := Encode(src)
			require.NoError(t, err)

			for _, size := range []int{len(data), 1, 7, 64} {
				img, err := DecodeReader(context.Background(), bytes.NewReader(data), size)
				require.NoError(t, err, "feed size %d", size)
				assert.Equal(t, src.Format, img.Format)
				assert.Equal(t, src.Stride, img.Stride)
				assert.Equal(t, src.Pix, img.Pix, "feed size %d", size)
				img.Release()
			}
		})
	}
}

func TestDecodeBadSignature(t *testing.T) {
	data := gray1x1(t)
	data[0] = 0x88

	d := NewDecoder()
	defer d.Close()
	st, err := d.Feed(data)
	assert.Equal(t, StatusError, st)
	assert.True(t, errors.Is(err, ErrBadSignature))
	assert.Nil(t, d.Image())

	// The error is sticky.
	_, err = d.Feed([]byte{0})
	assert.True(t, errors.Is(err, ErrDecoderFailed))
	_, err = d.Finish()
	assert.True(t, errors.Is(err, ErrDecoderFailed))

	_, err = Decode(data)
	assert.True(t, errors.Is(err, ErrBadSignature))
}

func TestDecodeEmptyFeed(t *testing.T) {
	d := NewDecoder()
	defer d.Close()
	st, err := d.Feed(nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingHeader, st)

	// Signature, IHDR's header and 4 of its 13 body bytes.
	_, err = d.Feed(gray1x1(t)[:20])
	require.NoError(t, err)
	body, ok := d.state.(*stChunkBody)
	require.True(t, ok, "state %T", d.state)
	before := *body

	for _, p := range [][]byte{nil, {}} {
		st, err = d.Feed(p)
		require.NoError(t, err)
		assert.Equal(t, StatusAwaitingHeader, st)
		assert.Same(t, body, d.state)
		assert.Equal(t, before.id, body.id)
		assert.Equal(t, before.want, body.want)
		assert.Equal(t, before.data, body.data)
		assert.Len(t, body.data, 4)
		assert.Equal(t, 0, d.Rows())
		assert.Nil(t, d.Image())
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	idat := chunkBytes("IDAT", zlibBytes(t, []byte{0, 0}))
	for _, tc := range []struct {
		name   string
		data   []byte
		target error
	}{
		{"data_before_header", pngBytes(idat, ihdrBytes(1, 1, FormatGray8, 0), iend), ErrDataBeforeHeader},
		{"empty_data_before_header", pngBytes(chunkBytes("IDAT", nil)), ErrDataBeforeHeader},
		{"duplicate_header", pngBytes(ihdrBytes(1, 1, FormatGray8, 0), ihdrBytes(1, 1, FormatGray8, 0)), ErrDuplicateHeader},
		{"interlaced", pngBytes(ihdrBytes(1, 1, FormatGray8, 1)), ErrInvalidHeader},
		{"zero_width", pngBytes(ihdrBytes(0, 1, FormatGray8, 0)), ErrInvalidHeader},
		{"huge_height", pngBytes(ihdrBytes(1, 0x80000000, FormatGray8, 0)), ErrInvalidHeader},
		{"illegal_format", pngBytes(ihdrBytes(1, 1, Format{16, Indexed}, 0)), ErrInvalidHeader},
		{"short_header", pngBytes(chunkBytes("IHDR", make([]byte, 12))), ErrInvalidHeader},
		{"empty_header", pngBytes(chunkBytes("IHDR", nil)), ErrInvalidHeader},
		{"no_header", pngBytes(iend), ErrMissingHeader},
		{"no_data", pngBytes(ihdrBytes(1, 1, FormatGray8, 0), iend), ErrMissingData},
		{"empty_data", pngBytes(ihdrBytes(1, 1, FormatGray8, 0), chunkBytes("IDAT", nil), iend), ErrMissingData},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDecoder()
			defer d.Close()
			st, err := d.Feed(tc.data)
			assert.Equal(t, StatusError, st)
			assert.True(t, errors.Is(err, tc.target), "got %v", err)
			requireFailed(t, d, tc.target)
		})
	}
}

func TestDecodeChunkLength(t *testing.T) {
	hdr := []byte{0x80, 0, 0, 0, 't', 'E', 'X', 't'}
	d := NewDecoder()
	defer d.Close()
	_, err := d.Feed(pngBytes(ihdrBytes(1, 1, FormatGray8, 0), hdr))
	assert.True(t, errors.Is(err, ErrChunkLength))
	requireFailed(t, d, ErrChunkLength)
}

func TestDecodeInvalidFilter(t *testing.T) {
	raw := []byte{FilterNone, 1, 2, 5, 3, 4}
	data := pngBytes(
		ihdrBytes(2, 2, FormatGray8, 0),
		chunkBytes("IDAT", zlibBytes(t, raw)),
		iend,
	)
	d := NewDecoder()
	defer d.Close()
	_, err := d.Feed(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFilter))
	assert.Contains(t, err.Error(), "0x05")
	assert.Contains(t, err.Error(), "row 1")
	assert.Equal(t, 1, d.Rows())
}

func TestDecodeCorruptStream(t *testing.T) {
	data := pngBytes(
		ihdrBytes(1, 1, FormatGray8, 0),
		chunkBytes("IDAT", []byte{0x00, 0x00, 0x00, 0x00}),
		iend,
	)
	_, err := Decode(data)
	assert.True(t, errors.Is(err, ErrInflate), "got %v", err)
}

func TestDecodeTruncatedRows(t *testing.T) {
	// Two rows declared, one row compressed.
	data := pngBytes(
		ihdrBytes(2, 2, FormatGray8, 0),
		chunkBytes("IDAT", zlibBytes(t, []byte{FilterNone, 1, 2})),
		iend,
	)
	_, err := Decode(data)
	assert.True(t, errors.Is(err, ErrMissingData), "got %v", err)
}

func TestDecodeTruncatedStream(t *testing.T) {
	// Noisy rows, so half the stream cannot hold every row.
	z := zlibBytes(t, noisyRows(16, 10))
	data := pngBytes(
		ihdrBytes(16, 10, FormatGray8, 0),
		chunkBytes("IDAT", z[:len(z)/2]),
	)
	d := NewDecoder()
	defer d.Close()
	_, err := d.Feed(data)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingData, d.Status())

	st, err := d.Finish()
	assert.Equal(t, StatusError, st)
	assert.True(t, errors.Is(err, ErrMissingData), "got %v", err)
}

func TestDecodeWithoutEnd(t *testing.T) {
	data := gray1x1(t)
	data = data[:len(data)-len(iend)]

	d := NewDecoder()
	defer d.Close()
	_, err := d.Feed(data)
	require.NoError(t, err)
	assert.Equal(t, StatusDataComplete, d.Status())

	// Every row is in, but the file was never terminated.
	st, err := d.Finish()
	require.NoError(t, err)
	assert.Equal(t, StatusDataComplete, st)
	assert.Equal(t, StatusDataComplete, d.Status())
	assert.Equal(t, []byte{0x7f}, d.Image().Pix)

	st, err = d.Finish()
	require.NoError(t, err)
	assert.Equal(t, StatusDataComplete, st)

	img, err := Decode(data)
	require.NoError(t, err)
	defer img.Release()
	assert.Equal(t, []byte{0x7f}, img.Pix)

	img2, err := DecodeReader(context.Background(), bytes.NewReader(data), 7)
	require.NoError(t, err)
	defer img2.Release()
	assert.Equal(t, []byte{0x7f}, img2.Pix)
}

func TestDecodeSplitIDAT(t *testing.T) {
	raw := bytes.Repeat([]byte{FilterSub, 1, 1, 1}, 3)
	z := zlibBytes(t, raw)
	data := pngBytes(
		ihdrBytes(3, 3, FormatGray8, 0),
		chunkBytes("IDAT", z[:3]),
		chunkBytes("IDAT", nil),
		chunkBytes("IDAT", z[3:]),
		iend,
	)
	img, err := Decode(data)
	require.NoError(t, err)
	defer img.Release()
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3, 1, 2, 3}, img.Pix)
}

func TestDecodeIgnoresCRC(t *testing.T) {
	data := gray1x1(t)
	// Last four bytes of IHDR are its CRC.
	binary.BigEndian.PutUint32(data[len(signature)+8+ihdrLen:], 0xdeadbeef)
	img, err := Decode(data)
	require.NoError(t, err)
	defer img.Release()
	assert.Equal(t, []byte{0x7f}, img.Pix)
}

func TestDecodeAfterComplete(t *testing.T) {
	d := NewDecoder()
	defer d.Close()
	data := append(gray1x1(t), "trailing junk"...)
	st, err := d.Feed(data)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)

	st, err = d.Feed([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)
}

func TestDecodeKeepsChunks(t *testing.T) {
	plte := []byte{0, 0, 0, 255, 255, 255}
	data := pngBytes(
		chunkBytes("teXt", []byte("early")),
		ihdrBytes(8, 1, Format{1, Indexed}, 0),
		chunkBytes("PLTE", plte),
		chunkBytes("tRNS", []byte{0}),
		chunkBytes("zZzz", nil),
		chunkBytes("IDAT", zlibBytes(t, []byte{FilterNone, 0x0f})),
		chunkBytes("tIME", []byte{7, 0xe8, 1, 2, 3, 4, 5}),
		iend,
	)
	img, err := Decode(data)
	require.NoError(t, err)
	defer img.Release()

	var ids []string
	for _, c := range img.Chunks {
		ids = append(ids, c.ID.String())
	}
	assert.Equal(t, []string{"teXt", "PLTE", "tRNS", "zZzz", "tIME"}, ids)
	assert.Equal(t, "early", string(img.Chunks[0].Data))
	assert.Empty(t, img.Chunks[3].Data)

	got, ok := img.Chunk(ChunkPLTE)
	require.True(t, ok)
	assert.Equal(t, plte, got)

	rgba, err := Convert(FormatRGBA8, img)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, rgba.Pix[0:4])
	assert.Equal(t, []byte{255, 255, 255, 255}, rgba.Pix[28:32])
}

func TestDecodeEarlyChunkCreatesImage(t *testing.T) {
	d := NewDecoder()
	defer d.Close()
	_, err := d.Feed(pngBytes(chunkBytes("teXt", []byte("a"))))
	require.NoError(t, err)
	require.NotNil(t, d.Image())
	assert.Equal(t, StatusAwaitingHeader, d.Status())
	assert.Zero(t, d.Image().Width)
	assert.Len(t, d.Image().Chunks, 1)
}

func TestDecoderImageOutlivesClose(t *testing.T) {
	d := NewDecoder()
	_, err := d.Feed(gray1x1(t))
	require.NoError(t, err)
	img := d.Image()
	require.NoError(t, img.Ref())
	require.NoError(t, d.Close())

	assert.Equal(t, []byte{0x7f}, img.Pix)
	img.Release()
	assert.Nil(t, img.Pix)
}

func TestDecoderCloseMidStream(t *testing.T) {
	z := zlibBytes(t, bytes.Repeat([]byte{FilterNone, 1, 2, 3, 4}, 100))
	d := NewDecoder()
	_, err := d.Feed(pngBytes(ihdrBytes(4, 100, FormatGray8, 0), chunkBytes("IDAT", z[:len(z)/3])))
	require.NoError(t, err)
	assert.NotPanics(t, func() { _ = d.Close() })
	assert.NotPanics(t, func() { _ = d.Close() })
}

func TestDecoderDroppedWithoutClose(t *testing.T) {
	z := zlibBytes(t, noisyRows(64, 64))
	data := pngBytes(ihdrBytes(64, 64, FormatGray8, 0), chunkBytes("IDAT", z))
	partial := data[:len(data)-len(z)/3*2]

	runtime.GC()
	before := runtime.NumGoroutine()

	func() {
		for i := 0; i < 50; i++ {
			d := NewDecoder()
			st, err := d.Feed(partial)
			require.NoError(t, err)
			require.Equal(t, StatusAwaitingData, st)
		}
	}()

	// Each dropped decoder parked a worker; collecting the decoder stops it.
	assert.Eventually(t, func() bool {
		runtime.GC()
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 10*time.Millisecond, "goroutines before=%d now=%d", before, runtime.NumGoroutine())
}

func TestDecodeReader(t *testing.T) {
	src := makeTestImage(t, 31, 11, FormatRGB8)
	data, err := Encode(src)
	require.NoError(t, err)

	img, err := DecodeReader(context.Background(), iotest.OneByteReader(bytes.NewReader(data)), 0)
	require.NoError(t, err)
	defer img.Release()
	assert.Equal(t, src.Pix, img.Pix)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DecodeReader(ctx, bytes.NewReader(data), 16)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = DecodeReader(context.Background(), iotest.ErrReader(errors.New("boom")), 16)
	assert.EqualError(t, err, "boom")

	_, err = DecodeReader(context.Background(), bytes.NewReader(data[:len(data)/2]), 64)
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "data-complete", StatusDataComplete.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
