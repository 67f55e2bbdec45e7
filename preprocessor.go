package smb3

// Preprocessor implements §4.2's wrap/unwrap pair: wrap turns a
// plaintext SMB2 frame into the bytes that actually go on the wire
// (optionally compressed, optionally sealed); unwrap is its inverse.
// Both are pure with respect to everything but the CryptoContext's
// nonce counter and the Metrics it's handed.
type Preprocessor struct {
	crypto       *CryptoContext
	compressors  *compressorRegistry
	compressMin  int // frames smaller than this are never compressed
	metrics      *Metrics
}

// NewPreprocessor builds a Preprocessor. crypto may be nil when the
// session has no encryption in force; compressors may be nil when
// compression was not negotiated.
func NewPreprocessor(crypto *CryptoContext, compressors *compressorRegistry, metrics *Metrics) *Preprocessor {
	return &Preprocessor{
		crypto:      crypto,
		compressors: compressors,
		compressMin: 1024,
		metrics:     metrics,
	}
}

// WrapOptions controls which transforms wrap applies to one frame.
type WrapOptions struct {
	Encrypt    bool
	SessionID  uint64
	Compress   bool
	CompressAs CompressionAlgorithm
}

// Wrap encodes plaintext (a full SMB2 message, header included) into
// the wire representation. Encryption wraps compression, matching
// MS-SMB2's requirement that COMPRESSION_TRANSFORM_HEADER, when both
// are in use, sits inside the encrypted envelope's plaintext.
func (p *Preprocessor) Wrap(plaintext []byte, opts WrapOptions) ([]byte, error) {
	payload := plaintext

	if opts.Compress && p.compressors != nil && len(plaintext) >= p.compressMin {
		codec, ok := p.compressors.get(opts.CompressAs)
		if ok {
			compressed, err := codec.Compress(plaintext)
			if err == nil && len(compressed) < len(plaintext) {
				ch := &CompressionTransformHeader{
					OriginalCompressedSegmentSize: uint32(len(plaintext)),
					CompressionAlgorithm:          opts.CompressAs,
				}
				payload = ch.Marshal(compressed)
			}
		}
	}

	if !opts.Encrypt || p.crypto == nil {
		return payload, nil
	}

	th := &TransformHeader{
		OriginalSize: uint32(len(payload)),
		SessionID:    opts.SessionID,
	}
	// sealTransform fills th.Nonce before computing the AAD, so the
	// envelope's own header (minus the Signature field it carries the
	// result in) is authenticated along with the payload (§3, §4.2).
	ciphertext, err := p.crypto.sealTransform(th, payload)
	if err != nil {
		return nil, wrapError("Wrap", KindSecurityViolation, err)
	}
	copy(th.Signature[:], tagFromCiphertext(ciphertext, p.crypto))

	return th.Marshal(stripTag(ciphertext, p.crypto)), nil
}

// Unwrap is Wrap's inverse: given wire bytes, it returns the plaintext
// SMB2 message, peeling any TRANSFORM_HEADER then any
// COMPRESSION_TRANSFORM_HEADER it finds.
func (p *Preprocessor) Unwrap(wire []byte) ([]byte, error) {
	payload := wire

	if detectEnvelope(wire) == protocolIDTransform {
		if p.crypto == nil {
			return nil, newError("Unwrap", KindSecurityViolation, "encrypted frame received but no CryptoContext configured")
		}
		th, ciphertext, err := UnmarshalTransformHeader(wire)
		if err != nil {
			return nil, err
		}
		full := append(append([]byte{}, ciphertext...), th.Signature[:]...)
		plain, err := p.crypto.openTransform(th, full)
		if err != nil {
			return nil, wrapError("Unwrap", KindSecurityViolation, err)
		}
		payload = plain
	}

	if detectEnvelope(payload) == protocolIDCompress {
		ch, compressed, err := UnmarshalCompressionTransformHeader(payload)
		if err != nil {
			return nil, err
		}
		if p.compressors == nil {
			return nil, newError("Unwrap", KindUnsupported, "compressed frame received but compression not negotiated")
		}
		codec, ok := p.compressors.get(ch.CompressionAlgorithm)
		if !ok {
			return nil, wrapError("Unwrap", KindUnsupported, ErrUnsupported)
		}
		out := make([]byte, ch.OriginalCompressedSegmentSize)
		if err := codec.Decompress(out, compressed, ch.OriginalCompressedSegmentSize); err != nil {
			return nil, wrapError("Unwrap", KindProtocolViolation, err)
		}
		payload = out
	}

	return payload, nil
}

// tagFromCiphertext and stripTag split an AEAD sealed blob (ciphertext
// with the authentication tag appended, the convention crypto/cipher's
// AEAD.Seal uses) into its two TRANSFORM_HEADER fields.
func tagFromCiphertext(sealed []byte, c *CryptoContext) []byte {
	n := len(sealed)
	if n < 16 {
		return make([]byte, 16)
	}
	return sealed[n-16:]
}

func stripTag(sealed []byte, c *CryptoContext) []byte {
	n := len(sealed)
	if n < 16 {
		return nil
	}
	return sealed[:n-16]
}
