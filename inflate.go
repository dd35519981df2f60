package pngstream

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// errStarved means the compressed input ended before the last row.
var errStarved = errors.New("png: compressed stream ended early")

var errInflaterClosed = errors.New("png: inflater closed")

// rowFunc consumes one inflated row (filter byte first) and reports whether
// more rows are wanted.
type rowFunc func(row []byte) (more bool, err error)

// inflater turns the pull-style zlib reader into something the push decoder
// can feed. A worker goroutine owns the reader and parks whenever it needs
// more input or has a row ready. push hands it bytes and handles each row it
// offers on the caller's goroutine until it parks for input again, so exactly
// one side runs at any time.
//
// The worker only sees the inflater, never the decoder, so a decoder dropped
// without Close can still be collected and its cleanup can stop the worker.
type inflater struct {
	rowbuf []byte // filter byte + one row

	in   chan []byte
	idle chan struct{}
	rows chan []byte
	more chan bool
	done chan error
	quit chan struct{}

	// Worker side.
	pending []byte
	eof     bool

	// Decoder side.
	started bool
	exited  bool
	stopped bool
	err     error
	totalIn int
}

func newInflater(rowLen int) *inflater {
	return &inflater{
		rowbuf: make([]byte, rowLen),
		in:     make(chan []byte),
		idle:   make(chan struct{}),
		rows:   make(chan []byte),
		more:   make(chan bool),
		done:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
}

// Read is called by the zlib reader on the worker goroutine.
func (z *inflater) Read(p []byte) (int, error) {
	for len(z.pending) == 0 {
		if z.eof {
			return 0, io.EOF
		}
		select {
		case z.idle <- struct{}{}:
		case <-z.quit:
			return 0, errInflaterClosed
		}
		select {
		case buf, ok := <-z.in:
			if !ok {
				z.eof = true
				return 0, io.EOF
			}
			z.pending = buf
		case <-z.quit:
			return 0, errInflaterClosed
		}
	}
	n := copy(p, z.pending)
	z.pending = z.pending[n:]
	return n, nil
}

func (z *inflater) run() {
	z.done <- z.inflate()
}

// inflate runs on the worker. The zlib reader holds back output until its
// window fills or a deflate block ends, so rows can trail the input by a
// long way on a partially fed stream.
func (z *inflater) inflate() error {
	zr, err := zlib.NewReader(z)
	if err != nil {
		return z.classify(err)
	}
	defer zr.Close()

	for {
		if _, err := io.ReadFull(zr, z.rowbuf); err != nil {
			return z.classify(err)
		}
		select {
		case z.rows <- z.rowbuf:
		case <-z.quit:
			return errInflaterClosed
		}
		var more bool
		select {
		case more = <-z.more:
		case <-z.quit:
			return errInflaterClosed
		}
		if !more {
			break
		}
	}

	// Every row is in. Whatever is left is the adler32 trailer or junk; neither is checked.
	_, _ = io.Copy(io.Discard, zr)
	return nil
}

func (z *inflater) classify(err error) error {
	switch {
	case errors.Is(err, errInflaterClosed):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
		// Either input was closed or the zlib stream itself ended short.
		return errStarved
	}
	return fmt.Errorf("%w: %v", ErrInflate, err)
}

// wait runs onRow for every row the worker offers and returns once the
// worker parks for input or terminates.
func (z *inflater) wait(onRow rowFunc) error {
	for {
		select {
		case <-z.idle:
			return nil
		case row := <-z.rows:
			more, err := onRow(row)
			if err != nil {
				z.close()
				z.exited = true
				z.err = err
				return err
			}
			z.more <- more
		case err := <-z.done:
			z.exited = true
			z.err = err
			return err
		}
	}
}

// push hands compressed bytes to the worker and runs it until it starves.
// The worker never holds on to p once push returns.
func (z *inflater) push(p []byte, onRow rowFunc) error {
	if z.exited || z.stopped {
		return nil
	}
	if !z.started {
		z.started = true
		go z.run()
		if err := z.wait(onRow); err != nil || z.exited {
			return err
		}
	}
	z.totalIn += len(p)
	z.in <- p
	return z.wait(onRow)
}

// finish tells the worker no more input is coming and lets it drain
// whatever output it still holds.
func (z *inflater) finish(onRow rowFunc) error {
	if !z.started {
		return errStarved
	}
	if z.exited || z.stopped {
		return z.err
	}
	z.stopped = true
	close(z.in)
	for !z.exited {
		_ = z.wait(onRow)
	}
	return z.err
}

// close stops the worker if it is still parked.
func (z *inflater) close() {
	if !z.started || z.exited {
		return
	}
	select {
	case <-z.quit:
	default:
		close(z.quit)
	}
}
