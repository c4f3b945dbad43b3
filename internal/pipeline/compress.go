package pipeline

import (
	"bytes"
	"fmt"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
)

// Compressor turns one serialized batch envelope into the published
// payload.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
}

// ForCodec maps a config codec name to its compressor.
func ForCodec(name string) (Compressor, error) {
	switch name {
	case "bzip2":
		return Bzip2Compressor{}, nil
	case "zstd":
		return ZstdCompressor{}, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown compression codec %q", name)
	}
}

// Bzip2Compressor is the wire default; external consumers decompress
// with plain bzip2.
type Bzip2Compressor struct{}

func (Bzip2Compressor) Name() string { return "bzip2" }

func (Bzip2Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return nil, fmt.Errorf("pipeline: bzip2 writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("pipeline: bzip2 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("pipeline: bzip2 close: %w", err)
	}
	return buf.Bytes(), nil
}

var zstdEncoder, _ = zstd.NewWriter(nil)

// ZstdCompressor is the cheaper alternative for deployments whose
// consumers can read zstd.
type ZstdCompressor struct{}

func (ZstdCompressor) Name() string { return "zstd" }

func (ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}
