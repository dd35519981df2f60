package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/svanichkin/pngstream"
	"github.com/svanichkin/pngstream/internal/oops"
)

type config struct {
	LogLevel string
	FeedSize int
	Format   string
	Level    int
	Filter   string
}

var (
	cfg    config
	logger = zerolog.Nop()
	logged bool
)

var rootCommand = &cobra.Command{
	Use:           "pngcvt",
	Short:         "Inspect, convert and re-encode PNG files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return oops.New(err, "bad --log-level")
		}
		zerolog.ErrorStackMarshaler = oops.ZerologStackMarshaler
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
		logged = true
		return nil
	},
}

func init() {
	flags := rootCommand.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "trace, debug, info, warn or error")
	flags.IntVar(&cfg.FeedSize, "feed-size", 4096, "bytes handed to the decoder per call")

	infoCommand := &cobra.Command{
		Use:   "info FILE",
		Short: "Decode a file and print its header and chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := decodeFile(args[0])
			if err != nil {
				return err
			}
			defer img.Release()

			logger.Info().
				Str("file", args[0]).
				Int("width", img.Width).
				Int("height", img.Height).
				Str("format", img.Format.String()).
				Int("stride", img.Stride).
				Msg("image")
			for i, c := range img.Chunks {
				logger.Info().
					Int("index", i).
					Str("id", c.ID.String()).
					Bool("critical", c.ID.IsCritical()).
					Int("length", len(c.Data)).
					Msg("chunk")
			}
			return nil
		},
	}

	convertCommand := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Re-encode a file, optionally in another pixel format",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := decodeFile(args[0])
			if err != nil {
				return err
			}
			defer src.Release()

			f := src.Format
			if cfg.Format != "" {
				if f, err = pngstream.ParseFormat(cfg.Format); err != nil {
					return oops.New(err, "bad --format")
				}
			}
			dst, err := pngstream.Convert(f, src)
			if err != nil {
				return oops.New(err, "converting %v to %v", src.Format, f)
			}
			defer dst.Release()
			for _, c := range src.Chunks {
				if f.ColorType != pngstream.Indexed && (c.ID == pngstream.ChunkPLTE || c.ID == pngstream.ChunkTRNS) {
					continue
				}
				dst.AddChunk(c.ID, c.Data)
			}
			return encodeFile(args[1], dst)
		},
	}
	convertCommand.Flags().StringVar(&cfg.Format, "format", "", "output format, eg rgba8, gray16, index4 (default: keep)")
	addEncoderFlags(convertCommand)

	importCommand := &cobra.Command{
		Use:   "import IN OUT",
		Short: "Convert any image the standard library can read into an rgba8 PNG",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return oops.New(err, "opening input")
			}
			defer in.Close()

			src, kind, err := image.Decode(in)
			if err != nil {
				return oops.New(err, "decoding %s", args[0])
			}
			img, err := pngstream.FromImage(src)
			if err != nil {
				return oops.New(err, "importing %s image", kind)
			}
			defer img.Release()
			logger.Debug().Str("kind", kind).Msg("imported")
			return encodeFile(args[1], img)
		},
	}
	addEncoderFlags(importCommand)

	roundtripCommand := &cobra.Command{
		Use:   "roundtrip FILE",
		Short: "Decode, re-encode and decode again, failing on any difference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := decodeFile(args[0])
			if err != nil {
				return err
			}
			defer img.Release()

			enc, err := newEncoder()
			if err != nil {
				return err
			}
			data, err := enc.Encode(img)
			if err != nil {
				return oops.New(err, "encoding")
			}
			again, err := pngstream.DecodeReader(context.Background(), bytes.NewReader(data), cfg.FeedSize)
			if err != nil {
				return oops.New(err, "decoding re-encoded data")
			}
			defer again.Release()

			if err := compareImages(img, again); err != nil {
				return oops.New(err, "round trip of %s", args[0])
			}
			logger.Info().Str("file", args[0]).Int("bytes", len(data)).Msg("round trip ok")
			return nil
		},
	}
	addEncoderFlags(roundtripCommand)

	rootCommand.AddCommand(infoCommand, convertCommand, importCommand, roundtripCommand)
}

func addEncoderFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&cfg.Level, "level", -1, "zlib level, -1 for default, 0..9")
	cmd.Flags().StringVar(&cfg.Filter, "filter", "adaptive", "adaptive, or a fixed filter type 0..4")
}

func newEncoder() (*pngstream.Encoder, error) {
	enc := pngstream.NewEncoder()
	enc.Level = cfg.Level
	enc.Logger = logger
	if !strings.EqualFold(cfg.Filter, "adaptive") {
		f, err := strconv.Atoi(cfg.Filter)
		if err != nil || f < 0 || f > 4 {
			return nil, oops.New(err, "bad --filter %q", cfg.Filter)
		}
		enc.Filter = f
	}
	return enc, nil
}

func decodeFile(path string) (*pngstream.Image, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, oops.New(err, "opening input")
	}
	defer in.Close()

	img, err := pngstream.DecodeReader(context.Background(), in, cfg.FeedSize, pngstream.WithLogger(logger))
	if err != nil {
		return nil, oops.New(err, "decoding %s", path)
	}
	return img, nil
}

func encodeFile(path string, img *pngstream.Image) error {
	enc, err := newEncoder()
	if err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return oops.New(err, "creating output")
	}
	defer out.Close()

	if err := enc.EncodeTo(out, img); err != nil {
		return oops.New(err, "encoding %s", path)
	}
	if err := out.Close(); err != nil {
		return oops.New(err, "closing %s", path)
	}
	logger.Info().Str("file", path).Str("format", img.Format.String()).Msg("wrote")
	return nil
}

func compareImages(a, b *pngstream.Image) error {
	if a.Width != b.Width || a.Height != b.Height || a.Format != b.Format {
		return fmt.Errorf("header %dx%d %v became %dx%d %v", a.Width, a.Height, a.Format, b.Width, b.Height, b.Format)
	}
	for y := 0; y < a.Height; y++ {
		if !bytes.Equal(a.Row(y), b.Row(y)) {
			return fmt.Errorf("row %d differs", y)
		}
	}
	if len(a.Chunks) != len(b.Chunks) {
		return fmt.Errorf("%d chunks became %d", len(a.Chunks), len(b.Chunks))
	}
	for i := range a.Chunks {
		if a.Chunks[i].ID != b.Chunks[i].ID || !bytes.Equal(a.Chunks[i].Data, b.Chunks[i].Data) {
			return fmt.Errorf("chunk %d (%v) differs", i, a.Chunks[i].ID)
		}
	}
	return nil
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		if !logged {
			fmt.Fprintln(os.Stderr, err)
		} else {
			logger.Error().Stack().Err(err).Msg("pngcvt failed")
		}
		os.Exit(1)
	}
}
