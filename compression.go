package smb3

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"
)

// CompressionAlgorithm identifies a negotiated compression algorithm
// id as carried in COMPRESSION_TRANSFORM_HEADER.
type CompressionAlgorithm uint16

const (
	CompressionNone CompressionAlgorithm = 0x0000
	CompressionLZ4   CompressionAlgorithm = 0x0003
)

// Compressor is the pluggable codec interface the Frame Preprocessor
// consumes (§6 "Codec registry: compressors[algo_id]"). Pattern_V1
// (RLE) is not implemented: spec.md §9 explicitly permits omitting it
// and advertising LZ4 alone, and LZ4 satisfies "at least one shared
// algorithm" on its own.
type Compressor interface {
	Algorithm() CompressionAlgorithm
	Compress(src []byte) ([]byte, error)
	Decompress(dst []byte, src []byte, originalSize uint32) error
}

// lz4Codec wraps github.com/pierrec/lz4/v3 as the connection's one
// shared compression algorithm.
type lz4Codec struct{}

// NewLZ4Compressor returns the LZ4 Compressor implementation.
func NewLZ4Compressor() Compressor { return lz4Codec{} }

func (lz4Codec) Algorithm() CompressionAlgorithm { return CompressionLZ4 }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, wrapError("lz4.Compress", KindProtocolViolation, err)
	}
	if err := w.Close(); err != nil {
		return nil, wrapError("lz4.Compress", KindProtocolViolation, err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(dst []byte, src []byte, originalSize uint32) error {
	r := lz4.NewReader(bytes.NewReader(src))
	n, err := io.ReadFull(r, dst[:originalSize])
	if err != nil && err != io.ErrUnexpectedEOF {
		return wrapError("lz4.Decompress", KindProtocolViolation, err)
	}
	if uint32(n) != originalSize {
		return wrapError("lz4.Decompress", KindProtocolViolation, ErrInvalidFrame)
	}
	return nil
}

// compressorRegistry maps negotiated algorithm ids to a Compressor,
// mirroring the "Codec registry" collaborator interface of §6.
type compressorRegistry struct {
	byAlgo map[CompressionAlgorithm]Compressor
}

func newCompressorRegistry(compressors ...Compressor) *compressorRegistry {
	r := &compressorRegistry{byAlgo: make(map[CompressionAlgorithm]Compressor, len(compressors))}
	for _, c := range compressors {
		r.byAlgo[c.Algorithm()] = c
	}
	return r
}

func (r *compressorRegistry) get(algo CompressionAlgorithm) (Compressor, bool) {
	c, ok := r.byAlgo[algo]
	return c, ok
}

// defaultCompressorRegistry advertises LZ4 as the connection's sole
// compression algorithm.
func defaultCompressorRegistry() *compressorRegistry {
	return newCompressorRegistry(NewLZ4Compressor())
}
