package smb3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectEnvelope(t *testing.T) {
	assert.Equal(t, protocolIDSMB2, detectEnvelope([]byte{0xFE, 'S', 'M', 'B', 1, 2}))
	assert.Equal(t, protocolIDTransform, detectEnvelope([]byte{0xFD, 'S', 'M', 'B'}))
	assert.Equal(t, protocolIDCompress, detectEnvelope([]byte{0xFC, 'S', 'M', 'B'}))
	assert.Equal(t, [4]byte{}, detectEnvelope([]byte{1, 2}))
}

func TestTransformHeaderMarshalUnmarshalRoundTrip(t *testing.T) {
	h := &TransformHeader{
		Nonce:        [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		OriginalSize: 128,
		Flags:        0x0001,
		SessionID:    0xDEADBEEFCAFE,
		Signature:    [16]byte{9, 9, 9, 9},
	}
	ciphertext := []byte("ciphertext-bytes-here")

	wire := h.Marshal(ciphertext)
	assert.Len(t, wire, transformHeaderSize+len(ciphertext))

	got, body, err := UnmarshalTransformHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, h.Nonce, got.Nonce)
	assert.Equal(t, h.OriginalSize, got.OriginalSize)
	assert.Equal(t, h.Flags, got.Flags)
	assert.Equal(t, h.SessionID, got.SessionID)
	assert.Equal(t, h.Signature, got.Signature)
	assert.Equal(t, ciphertext, body)
}

func TestUnmarshalTransformHeaderRejectsShortFrame(t *testing.T) {
	_, _, err := UnmarshalTransformHeader(make([]byte, 10))
	require.Error(t, err)
}

func TestUnmarshalTransformHeaderRejectsBadMagic(t *testing.T) {
	frame := make([]byte, transformHeaderSize)
	copy(frame[:4], []byte{0x00, 'S', 'M', 'B'})
	_, _, err := UnmarshalTransformHeader(frame)
	require.Error(t, err)
}

func TestCompressionTransformHeaderMarshalUnmarshalRoundTrip(t *testing.T) {
	h := &CompressionTransformHeader{
		OriginalCompressedSegmentSize: 4096,
		CompressionAlgorithm:          CompressionLZ4,
		Flags:                         0,
		Offset:                        0,
	}
	payload := []byte("compressed-payload")

	wire := h.Marshal(payload)
	assert.Len(t, wire, compressionTransformHeaderSize+len(payload))

	got, body, err := UnmarshalCompressionTransformHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, h.OriginalCompressedSegmentSize, got.OriginalCompressedSegmentSize)
	assert.Equal(t, h.CompressionAlgorithm, got.CompressionAlgorithm)
	assert.Equal(t, h.Flags, got.Flags)
	assert.Equal(t, h.Offset, got.Offset)
	assert.Equal(t, payload, body)
}

func TestCompressionTransformHeaderOffsetField(t *testing.T) {
	// Offset is a real wire field distinct from the 12-byte fixed
	// portion preceding it; a nonzero value must survive round-trip.
	h := &CompressionTransformHeader{
		OriginalCompressedSegmentSize: 10,
		CompressionAlgorithm:          CompressionLZ4,
		Offset:                        42,
	}
	wire := h.Marshal([]byte("x"))
	assert.Len(t, wire, compressionTransformHeaderSize+1)

	got, _, err := UnmarshalCompressionTransformHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.Offset)
}

func TestUnmarshalCompressionTransformHeaderRejectsShortFrame(t *testing.T) {
	_, _, err := UnmarshalCompressionTransformHeader(make([]byte, 8))
	require.Error(t, err)
}

func TestUnmarshalCompressionTransformHeaderRejectsBadMagic(t *testing.T) {
	frame := make([]byte, compressionTransformHeaderSize)
	copy(frame[:4], []byte{0x00, 'S', 'M', 'B'})
	_, _, err := UnmarshalCompressionTransformHeader(frame)
	require.Error(t, err)
}
