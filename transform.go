package smb3

import "encoding/binary"

// Envelope magic values that open every wire frame, per §6: a frame is
// either a bare SMB2 header (0xFE'SMB'), an SMB2 TRANSFORM_HEADER
// (0xFD'SMB', encryption), or a COMPRESSION_TRANSFORM_HEADER (0xFC'SMB').
var (
	protocolIDSMB2      = [4]byte{0xFE, 'S', 'M', 'B'}
	protocolIDTransform = [4]byte{0xFD, 'S', 'M', 'B'}
	protocolIDCompress  = [4]byte{0xFC, 'S', 'M', 'B'}
)

func detectEnvelope(frame []byte) [4]byte {
	var id [4]byte
	if len(frame) >= 4 {
		copy(id[:], frame[:4])
	}
	return id
}

const transformHeaderSize = 52

// TransformHeader is SMB2 TRANSFORM_HEADER (MS-SMB2 2.2.41), wrapping an
// encrypted SMB2 message. Nonce is 16 bytes on the wire regardless of
// cipher; CCM uses the low 11 and zero-pads the rest, GCM uses the low
// 12 (§4.2 "Nonce padding").
type TransformHeader struct {
	Nonce         [16]byte
	OriginalSize  uint32
	Flags         uint16 // EncryptionAlgorithm pre-3.1.1; Flags (0x0001=encrypted) in 3.1.1
	SessionID     uint64
	Signature     [16]byte // AEAD tag for CCM/GCM
}

// Marshal encodes the 52-byte TRANSFORM_HEADER followed by ciphertext.
func (h *TransformHeader) Marshal(ciphertext []byte) []byte {
	w := newByteWriter(transformHeaderSize + len(ciphertext))
	w.WriteBytes(protocolIDTransform[:])
	w.WriteBytes(h.Signature[:])
	w.WriteBytes(h.Nonce[:])
	w.WriteUint32(h.OriginalSize)
	w.WriteUint16(0) // Reserved
	w.WriteUint16(h.Flags)
	w.WriteUint64(h.SessionID)
	w.WriteBytes(ciphertext)
	return w.Bytes()
}

// AAD returns the additional authenticated data §4.2 step 2 requires
// when sealing/opening this header's payload: the TRANSFORM_HEADER's
// wire bytes with the 16-byte Signature field omitted (it cannot
// authenticate itself), in the same field order Marshal writes them.
func (h *TransformHeader) AAD() []byte {
	w := newByteWriter(transformHeaderSize - 16)
	w.WriteBytes(protocolIDTransform[:])
	w.WriteBytes(h.Nonce[:])
	w.WriteUint32(h.OriginalSize)
	w.WriteUint16(0) // Reserved
	w.WriteUint16(h.Flags)
	w.WriteUint64(h.SessionID)
	return w.Bytes()
}

// UnmarshalTransformHeader decodes a TRANSFORM_HEADER-prefixed frame,
// returning the header and the ciphertext that follows it. It uses
// errReader throughout: a truncated nonce or tag must never be
// silently treated as an all-zero one.
func UnmarshalTransformHeader(frame []byte) (*TransformHeader, []byte, error) {
	if len(frame) < transformHeaderSize {
		return nil, nil, newError("UnmarshalTransformHeader", KindProtocolViolation, "frame shorter than TRANSFORM_HEADER")
	}
	r := &errReader{data: frame}
	protocolID := r.ReadBytes(4)
	if [4]byte{protocolID[0], protocolID[1], protocolID[2], protocolID[3]} != protocolIDTransform {
		return nil, nil, newError("UnmarshalTransformHeader", KindProtocolViolation, "bad TRANSFORM_HEADER magic")
	}

	h := &TransformHeader{}
	copy(h.Signature[:], r.ReadBytes(16))
	copy(h.Nonce[:], r.ReadBytes(16))
	h.OriginalSize = r.ReadUint32()
	r.ReadUint16() // Reserved
	h.Flags = r.ReadUint16()
	h.SessionID = r.ReadUint64()
	if err := r.Err(); err != nil {
		return nil, nil, wrapError("UnmarshalTransformHeader", KindProtocolViolation, err)
	}

	return h, frame[transformHeaderSize:], nil
}

// PeekTransformSessionID reads the SessionId field out of a
// TRANSFORM_HEADER-enveloped frame without decrypting it, letting a
// connection hosting several registered SessionRefs (§3, §6
// Connection::register_session) pick the right CryptoContext before
// calling Preprocessor.Unwrap. ok is false for anything that isn't a
// well-formed TRANSFORM envelope.
func PeekTransformSessionID(wire []byte) (sessionID uint64, ok bool) {
	if detectEnvelope(wire) != protocolIDTransform || len(wire) < transformHeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint64(wire[44:52]), true
}

const compressionTransformHeaderSize = 16

// CompressionTransformHeader is SMB2 COMPRESSION_TRANSFORM_HEADER
// (MS-SMB2 2.2.42.1), the uncompressed-header variant: no chunk
// offsets, one payload compressed as a whole. Offset carries the
// length of any uncompressed prefix preceding the compressed payload
// (§6); this package always compresses the whole message, so it is
// always 0 on the wire, but the field is still marshalled to keep the
// header bit-exact per MS-SMB2.
type CompressionTransformHeader struct {
	OriginalCompressedSegmentSize uint32
	CompressionAlgorithm          CompressionAlgorithm
	Flags                         uint16
	Offset                        uint32
}

func (h *CompressionTransformHeader) Marshal(payload []byte) []byte {
	w := newByteWriter(compressionTransformHeaderSize + len(payload))
	w.WriteBytes(protocolIDCompress[:])
	w.WriteUint32(h.OriginalCompressedSegmentSize)
	w.WriteUint16(uint16(h.CompressionAlgorithm))
	w.WriteUint16(h.Flags)
	w.WriteUint32(h.Offset)
	w.WriteBytes(payload)
	return w.Bytes()
}

func UnmarshalCompressionTransformHeader(frame []byte) (*CompressionTransformHeader, []byte, error) {
	if len(frame) < compressionTransformHeaderSize {
		return nil, nil, newError("UnmarshalCompressionTransformHeader", KindProtocolViolation, "frame shorter than COMPRESSION_TRANSFORM_HEADER")
	}
	r := &errReader{data: frame}
	protocolID := r.ReadBytes(4)
	if [4]byte{protocolID[0], protocolID[1], protocolID[2], protocolID[3]} != protocolIDCompress {
		return nil, nil, newError("UnmarshalCompressionTransformHeader", KindProtocolViolation, "bad COMPRESSION_TRANSFORM_HEADER magic")
	}
	h := &CompressionTransformHeader{}
	h.OriginalCompressedSegmentSize = r.ReadUint32()
	h.CompressionAlgorithm = CompressionAlgorithm(r.ReadUint16())
	h.Flags = r.ReadUint16()
	h.Offset = r.ReadUint32()
	if err := r.Err(); err != nil {
		return nil, nil, wrapError("UnmarshalCompressionTransformHeader", KindProtocolViolation, err)
	}
	return h, frame[compressionTransformHeaderSize:], nil
}

// readUint32LE is a tiny helper for peeking a little-endian uint32
// field without a full unmarshal; nothing in this package calls it.
func readUint32LE(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
