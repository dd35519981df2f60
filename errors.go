package pngstream

import "errors"

var (
	ErrBadSignature      = errors.New("png: signature mismatch")
	ErrChunkLength       = errors.New("png: improbable chunk length")
	ErrDuplicateHeader   = errors.New("png: multiple IHDR")
	ErrMissingHeader     = errors.New("png: no IHDR")
	ErrInvalidHeader     = errors.New("png: invalid IHDR")
	ErrDataBeforeHeader  = errors.New("png: IDAT before IHDR")
	ErrInvalidFilter     = errors.New("png: unexpected filter byte")
	ErrInflate           = errors.New("png: inflate")
	ErrMissingData       = errors.New("png: missing or empty IDAT")
	ErrDecoderFailed     = errors.New("png: decoder in error state")
	ErrUnsupportedFormat = errors.New("png: unsupported depth/color type")
	ErrInvalidDimensions = errors.New("png: invalid dimensions")
	ErrImageTooLarge     = errors.New("png: image too large")
	ErrStaticImage       = errors.New("png: cannot reference a static image")
	ErrRefOverflow       = errors.New("png: reference count overflow")
	ErrNilImage          = errors.New("png: nil image")
)
