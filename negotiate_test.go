package smb3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNegotiateRequestFromConfig(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	req := NewNegotiateRequest(cfg)
	assert.Equal(t, cfg.Dialects, req.Dialects)
	assert.NotEqual(t, [16]byte{}, req.ClientGUID, "client GUID must be generated, not left zero")
	assert.Equal(t, securityModeSigningEnabled, req.SecurityMode)
	assert.Contains(t, req.PreauthHashAlgos, hashAlgorithmSHA512)
	assert.NotEmpty(t, req.CipherAlgos)
	assert.NotEmpty(t, req.CompressionAlgos)
	assert.NotEmpty(t, req.SigningAlgos)
}

func TestNewNegotiateRequestHonorsSigningRequired(t *testing.T) {
	cfg := &Config{SigningRequired: true}
	cfg.setDefaults()

	req := NewNegotiateRequest(cfg)
	assert.NotEqual(t, uint16(0), req.SecurityMode&securityModeSigningRequired)
}

func TestNegotiateRequestWants311(t *testing.T) {
	withIt := &NegotiateRequest{Dialects: []SMBDialect{SMB3_0, SMB3_1_1}}
	assert.True(t, withIt.wants311())

	without := &NegotiateRequest{Dialects: []SMBDialect{SMB3_0, SMB3_0_2}}
	assert.False(t, without.wants311())
}

func TestNegotiateRequestMarshalWithoutContexts(t *testing.T) {
	req := &NegotiateRequest{
		Dialects:     []SMBDialect{SMB3_0, SMB3_0_2},
		SecurityMode: securityModeSigningEnabled,
		ClientGUID:   NewGUID(),
	}

	body := req.Marshal()
	r := newErrReader(body)
	structureSize := r.ReadUint16()
	assert.Equal(t, uint16(36), structureSize)

	dialectCount := r.ReadUint16()
	assert.Equal(t, uint16(2), dialectCount)

	securityMode := r.ReadUint16()
	assert.Equal(t, securityModeSigningEnabled, securityMode)

	r.ReadUint16() // Reserved
	capabilities := r.ReadUint32()
	assert.Equal(t, capabilityEncryption, capabilities)

	guid := r.ReadGUID()
	assert.Equal(t, req.ClientGUID, guid)

	r.ReadUint64() // ClientStartTime

	d1 := SMBDialect(r.ReadUint16())
	d2 := SMBDialect(r.ReadUint16())
	require.NoError(t, r.Err())
	assert.Equal(t, SMB3_0, d1)
	assert.Equal(t, SMB3_0_2, d2)

	assert.Equal(t, 0, len(body)%8, "dialect list must be padded to an 8-byte boundary")
}

func TestNegotiateRequestMarshalWith311Contexts(t *testing.T) {
	req := &NegotiateRequest{
		Dialects:         []SMBDialect{SMB3_0, SMB3_1_1},
		SecurityMode:     securityModeSigningEnabled,
		ClientGUID:       NewGUID(),
		PreauthHashAlgos: []uint16{hashAlgorithmSHA512},
		CipherAlgos:      []CipherAlgorithm{CipherAES128GCM},
		CompressionAlgos: []CompressionAlgorithm{CompressionLZ4},
		SigningAlgos:     []SigningAlgorithm{SigningAESCMAC},
	}

	body := req.Marshal()
	r := newErrReader(body)
	r.ReadUint16() // StructureSize
	r.ReadUint16() // DialectCount
	r.ReadUint16() // SecurityMode
	r.ReadUint16() // Reserved
	r.ReadUint32() // Capabilities
	r.ReadGUID()   // ClientGUID

	ctxOffset := r.ReadUint32()
	ctxCount := r.ReadUint16()
	r.ReadUint16() // Reserved2
	require.NoError(t, r.Err())

	assert.Equal(t, uint16(4), ctxCount, "preauth + encryption + compression + signing")
	assert.True(t, int(ctxOffset) > smb2HeaderSize)
	assert.True(t, int(ctxOffset) <= smb2HeaderSize+len(body))

	ctxBody := body[int(ctxOffset)-smb2HeaderSize:]
	cr := newErrReader(ctxBody)
	typ := cr.ReadUint16()
	assert.Equal(t, contextPreauthIntegrityCapabilities, typ)
}

func TestNegotiateRequestContextCount(t *testing.T) {
	req := &NegotiateRequest{}
	assert.Equal(t, 1, req.contextCount(), "preauth integrity context is always counted")

	req.CipherAlgos = []CipherAlgorithm{CipherAES128GCM}
	req.CompressionAlgos = []CompressionAlgorithm{CompressionLZ4}
	req.SigningAlgos = []SigningAlgorithm{SigningAESCMAC}
	assert.Equal(t, 4, req.contextCount())
}

// buildNegotiateResponseBody hand-assembles a well-formed NEGOTIATE
// response body (MS-SMB2 2.2.4), optionally carrying 3.1.1 negotiate
// contexts, so ParseNegotiateResponse can be exercised without a live
// server.
func buildNegotiateResponseBody(t *testing.T, dialect SMBDialect, contexts []byte, ctxCount uint16) []byte {
	t.Helper()
	w := newByteWriter(64)
	w.WriteUint16(65) // StructureSize
	w.WriteUint16(securityModeSigningEnabled)
	w.WriteUint16(uint16(dialect))
	w.WriteUint16(ctxCount)
	w.WriteGUID(NewGUID())
	w.WriteUint32(capabilityEncryption)
	w.WriteUint32(8 * 1024 * 1024) // MaxTransactSize
	w.WriteUint32(8 * 1024 * 1024) // MaxReadSize
	w.WriteUint32(8 * 1024 * 1024) // MaxWriteSize
	w.WriteUint64(0)               // SystemTime
	w.WriteUint64(0)               // ServerStartTime
	w.WriteUint16(0)               // SecurityBufferOffset
	w.WriteUint16(0)               // SecurityBufferLength
	ctxOffsetPos := w.Len()
	w.WriteUint32(0) // NegotiateContextOffset, patched below

	if len(contexts) > 0 {
		w.PadTo8()
		ctxOffset := smb2HeaderSize + uint32(w.Len())
		w.SetUint32At(ctxOffsetPos, ctxOffset)
		w.WriteBytes(contexts)
	}

	return w.Bytes()
}

func marshalOneNegotiateContext(typ uint16, data []byte) []byte {
	w := newByteWriter(8 + len(data))
	w.WriteUint16(typ)
	w.WriteUint16(uint16(len(data)))
	w.WriteUint32(0) // Reserved
	w.WriteBytes(data)
	w.PadTo8()
	return w.Bytes()
}

func TestParseNegotiateResponseWithout311Contexts(t *testing.T) {
	body := buildNegotiateResponseBody(t, SMB3_0_2, nil, 0)

	resp, err := ParseNegotiateResponse(body)
	require.NoError(t, err)
	assert.Equal(t, SMB3_0_2, resp.Dialect)
	assert.Equal(t, securityModeSigningEnabled, resp.SecurityMode)
	assert.Equal(t, capabilityEncryption, resp.Capabilities)
	assert.Equal(t, uint32(8*1024*1024), resp.MaxTransactSize)
}

func TestParseNegotiateResponseRejectsWrongStructureSize(t *testing.T) {
	body := buildNegotiateResponseBody(t, SMB3_0_2, nil, 0)
	body[0] = 1 // corrupt StructureSize low byte

	_, err := ParseNegotiateResponse(body)
	require.Error(t, err)
	var smbErr *Error
	require.ErrorAs(t, err, &smbErr)
	assert.Equal(t, KindProtocolViolation, smbErr.Kind)
}

func TestParseNegotiateResponseRejectsTruncatedBody(t *testing.T) {
	body := buildNegotiateResponseBody(t, SMB3_0_2, nil, 0)
	_, err := ParseNegotiateResponse(body[:10])
	require.Error(t, err)
}

func TestParseNegotiateResponseWith311Contexts(t *testing.T) {
	preauthCtx := marshalOneNegotiateContext(contextPreauthIntegrityCapabilities, func() []byte {
		w := newByteWriter(4)
		w.WriteUint16(1) // HashAlgorithmCount
		w.WriteUint16(0) // SaltLength
		w.WriteUint16(hashAlgorithmSHA512)
		w.PadTo8()
		return w.Bytes()
	}())

	encCtx := marshalOneNegotiateContext(contextEncryptionCapabilities, func() []byte {
		w := newByteWriter(4)
		w.WriteUint16(1) // CipherCount
		w.WriteUint16(uint16(CipherAES256GCM))
		return w.Bytes()
	}())

	compCtx := marshalOneNegotiateContext(contextCompressionCapabilities, func() []byte {
		w := newByteWriter(8)
		w.WriteUint16(1) // CompressionAlgorithmCount
		w.WriteUint16(0) // Padding
		w.WriteUint32(0) // Flags
		w.WriteUint16(uint16(CompressionLZ4))
		w.PadTo8()
		return w.Bytes()
	}())

	signCtx := marshalOneNegotiateContext(contextSigningCapabilities, func() []byte {
		w := newByteWriter(4)
		w.WriteUint16(1) // SigningAlgorithmCount
		w.WriteUint16(uint16(SigningAESGMAC))
		return w.Bytes()
	}())

	var contexts []byte
	contexts = append(contexts, preauthCtx...)
	contexts = append(contexts, encCtx...)
	contexts = append(contexts, compCtx...)
	contexts = append(contexts, signCtx...)

	body := buildNegotiateResponseBody(t, SMB3_1_1, contexts, 4)

	resp, err := ParseNegotiateResponse(body)
	require.NoError(t, err)
	assert.Equal(t, SMB3_1_1, resp.Dialect)
	assert.Equal(t, hashAlgorithmSHA512, resp.PreauthHashAlgo)
	assert.Equal(t, CipherAES256GCM, resp.CipherAlgo)
	assert.Equal(t, []CompressionAlgorithm{CompressionLZ4}, resp.CompressionAlgos)
	assert.Equal(t, SigningAESGMAC, resp.SigningAlgo)
}

func TestParseNegotiateResponseRejectsOutOfRangeContextOffset(t *testing.T) {
	body := buildNegotiateResponseBody(t, SMB3_1_1, nil, 0)
	// claim one context is present but leave the offset at zero, which
	// the SetUint32At patch never touched since contexts was empty —
	// force a huge offset instead to hit the explicit range check.
	ctxOffsetPos := 2 + 2 + 2 + 2 + 16 + 4 + 4 + 4 + 4 + 8 + 8 + 2 + 2
	w := &byteWriter{data: append([]byte(nil), body...)}
	w.SetUint32At(ctxOffsetPos, uint32(len(body)+1000))
	body = w.Bytes()

	// patch NegotiateContextCount (offset 6) to 1 so the parser attempts
	// to read contexts.
	body[6] = 1
	body[7] = 0

	_, err := ParseNegotiateResponse(body)
	require.Error(t, err)
	var smbErr *Error
	require.ErrorAs(t, err, &smbErr)
	assert.Equal(t, KindProtocolViolation, smbErr.Kind)
}
