package codec

import (
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/arc/internal/tuning"
)

// Thresholds at which passes or fast-bytes push a level up to the next tier
// of the step table.
const (
	passesHigh    = 10
	passesMedium  = 3
	fastBytesHigh = 128
	fastBytesMid  = 64
)

// FlateLevel maps tuning onto a klauspost/compress/flate level.
// Level 0 stores. Explicit passes or fast-bytes above the level's own tier
// raise the level to the matching tier.
func FlateLevel(p tuning.Params) int {
	if p.Level <= 0 {
		return flate.NoCompression
	}
	level := p.Level
	switch {
	case p.Passes >= passesHigh || p.FastBytes >= fastBytesHigh:
		level = max(level, 9)
	case p.Passes >= passesMedium || p.FastBytes >= fastBytesMid:
		level = max(level, 7)
	}
	return min(level, flate.BestCompression)
}

func newDeflate(p tuning.Params) (Transform, error) {
	level := FlateLevel(p)
	return TransformFunc(func(src io.Reader, dst io.Writer) error {
		w, err := flate.NewWriter(dst, level)
		if err != nil {
			return err
		}
		if err := copyStream(src, w); err != nil {
			return err
		}
		return w.Close()
	}), nil
}

func inflate(src io.Reader, dst io.Writer) error {
	r := flate.NewReader(src)
	defer r.Close()
	err := copyStream(r, dst)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.New("deflate: truncated stream")
	}
	return err
}

// ZstdLevel maps tuning onto a zstd encoder level.
func ZstdLevel(p tuning.Params) zstd.EncoderLevel {
	switch {
	case p.Level <= 2:
		return zstd.SpeedFastest
	case p.Level <= 5:
		return zstd.SpeedDefault
	case p.Level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func newZstd(p tuning.Params) (Transform, error) {
	level := ZstdLevel(p)
	return TransformFunc(func(src io.Reader, dst io.Writer) error {
		enc, err := zstd.NewWriter(dst,
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(true),
		)
		if err != nil {
			return err
		}
		if _, err := enc.ReadFrom(src); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	}), nil
}

type zstdDecoder struct {
	pool *DecoderPool
}

func (d zstdDecoder) Transform(src io.Reader, dst io.Writer) error {
	dec, release, err := d.pool.Get(src)
	if err != nil {
		return err
	}
	defer release()
	_, err = dec.WriteTo(dst)
	return err
}

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast,
	lz4.Level1,
	lz4.Level2,
	lz4.Level3,
	lz4.Level4,
	lz4.Level5,
	lz4.Level6,
	lz4.Level7,
	lz4.Level8,
	lz4.Level9,
}

// LZ4Level maps tuning onto an lz4 compression level.
func LZ4Level(p tuning.Params) lz4.CompressionLevel {
	level := min(max(p.Level, 0), len(lz4Levels)-1)
	return lz4Levels[level]
}

func newLZ4(p tuning.Params) (Transform, error) {
	level := LZ4Level(p)
	return TransformFunc(func(src io.Reader, dst io.Writer) error {
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(level), lz4.ConcurrencyOption(1)); err != nil {
			return err
		}
		if err := copyStream(src, w); err != nil {
			return err
		}
		return w.Close()
	}), nil
}

func unLZ4(src io.Reader, dst io.Writer) error {
	return copyStream(lz4.NewReader(src), dst)
}
