package smb3

import "encoding/binary"

// Negotiate context types (MS-SMB2 2.2.3.1), used only for 0x0311 and
// above — inverted here from the teacher's server-side
// buildNegotiateContexts/parseClientNegotiateContexts into client-side
// buildNegotiateContexts/parseServerNegotiateContexts.
const (
	contextPreauthIntegrityCapabilities uint16 = 0x0001
	contextEncryptionCapabilities       uint16 = 0x0002
	contextCompressionCapabilities      uint16 = 0x0003
	contextSigningCapabilities          uint16 = 0x0008
)

const (
	hashAlgorithmSHA512 uint16 = 0x0001

	securityModeSigningEnabled  uint16 = 0x0001
	securityModeSigningRequired uint16 = 0x0002

	capabilityEncryption uint32 = 0x00000040
)

// NegotiateRequest is the client's outbound SMB2 NEGOTIATE, built from
// Config per §4.3: propose every dialect in Config.Dialects plus the
// negotiate contexts a 3.1.1 proposal requires.
type NegotiateRequest struct {
	Dialects         []SMBDialect
	SecurityMode     uint16
	ClientGUID       [16]byte
	PreauthHashAlgos []uint16
	CipherAlgos      []CipherAlgorithm
	CompressionAlgos []CompressionAlgorithm
	SigningAlgos     []SigningAlgorithm
}

// NewNegotiateRequest builds a proposal from Config, generating a fresh
// client GUID (§6: ClientGuid "SHOULD be unique per connection").
func NewNegotiateRequest(cfg *Config) *NegotiateRequest {
	req := &NegotiateRequest{
		Dialects:         cfg.Dialects,
		SecurityMode:     securityModeSigningEnabled,
		ClientGUID:       NewGUID(),
		PreauthHashAlgos: []uint16{hashAlgorithmSHA512},
		CipherAlgos:      []CipherAlgorithm{CipherAES128GCM, CipherAES128CCM, CipherAES256GCM, CipherAES256CCM},
		CompressionAlgos: []CompressionAlgorithm{CompressionLZ4},
		SigningAlgos:     []SigningAlgorithm{SigningAESCMAC, SigningAESGMAC},
	}
	if cfg.SigningRequired {
		req.SecurityMode |= securityModeSigningRequired
	}
	return req
}

// wants311 reports whether any proposed dialect needs negotiate
// contexts (§6: "negotiate contexts are only present when dialect
// 0x0311 is proposed").
func (r *NegotiateRequest) wants311() bool {
	for _, d := range r.Dialects {
		if d == SMB3_1_1 {
			return true
		}
	}
	return false
}

// Marshal encodes the NEGOTIATE request body (without the SMB2 header,
// which the Connection prepends) per MS-SMB2 2.2.3.
func (r *NegotiateRequest) Marshal() []byte {
	w := &byteWriter{}
	w.WriteUint16(36) // StructureSize
	w.WriteUint16(uint16(len(r.Dialects)))
	w.WriteUint16(r.SecurityMode)
	w.WriteUint16(0) // Reserved
	w.WriteUint32(capabilityEncryption)
	w.WriteGUID(r.ClientGUID)

	contexts311 := r.wants311()
	if contexts311 {
		// NegotiateContextOffset/Count/Reserved2 are patched below once
		// dialects and the context block's offset are known.
		w.WriteUint32(0)
		w.WriteUint16(0)
		w.WriteUint16(0)
	} else {
		w.WriteUint64(0) // ClientStartTime, reserved, unused by this client
	}

	for _, d := range r.Dialects {
		w.WriteUint16(uint16(d))
	}
	w.PadTo8()

	if !contexts311 {
		return w.Bytes()
	}

	ctxOffset := smb2HeaderSize + uint32(len(w.Bytes()))
	contexts := r.marshalContexts()
	w.WriteBytes(contexts)

	body := w.Bytes()
	count := uint16(r.contextCount())
	binary.LittleEndian.PutUint32(body[28:32], ctxOffset)
	binary.LittleEndian.PutUint16(body[32:34], count)
	return body
}

func (r *NegotiateRequest) contextCount() int {
	n := 1 // preauth integrity is always present when 3.1.1 is proposed
	if len(r.CipherAlgos) > 0 {
		n++
	}
	if len(r.CompressionAlgos) > 0 {
		n++
	}
	if len(r.SigningAlgos) > 0 {
		n++
	}
	return n
}

func (r *NegotiateRequest) marshalContexts() []byte {
	w := &byteWriter{}

	writeContext := func(typ uint16, data []byte) {
		w.WriteUint16(typ)
		w.WriteUint16(uint16(len(data)))
		w.WriteUint32(0) // Reserved
		w.WriteBytes(data)
		w.PadTo8()
	}

	preauth := &byteWriter{}
	preauth.WriteUint16(uint16(len(r.PreauthHashAlgos)))
	preauth.WriteUint16(0) // SaltLength, no salt used by this client
	for _, a := range r.PreauthHashAlgos {
		preauth.WriteUint16(a)
	}
	preauth.PadTo8()
	writeContext(contextPreauthIntegrityCapabilities, preauth.Bytes())

	if len(r.CipherAlgos) > 0 {
		enc := &byteWriter{}
		enc.WriteUint16(uint16(len(r.CipherAlgos)))
		for _, c := range r.CipherAlgos {
			enc.WriteUint16(uint16(c))
		}
		writeContext(contextEncryptionCapabilities, enc.Bytes())
	}

	if len(r.CompressionAlgos) > 0 {
		comp := &byteWriter{}
		comp.WriteUint16(uint16(len(r.CompressionAlgos)))
		comp.WriteUint16(0) // Padding
		comp.WriteUint32(0) // Flags: SMB2_COMPRESSION_CAPABILITIES_FLAG_NONE
		for _, c := range r.CompressionAlgos {
			comp.WriteUint16(uint16(c))
		}
		writeContext(contextCompressionCapabilities, comp.Bytes())
	}

	if len(r.SigningAlgos) > 0 {
		sig := &byteWriter{}
		sig.WriteUint16(uint16(len(r.SigningAlgos)))
		for _, s := range r.SigningAlgos {
			sig.WriteUint16(uint16(s))
		}
		writeContext(contextSigningCapabilities, sig.Bytes())
	}

	return w.Bytes()
}

// NegotiateResponse holds the fields the Connection consumes from the
// server's NEGOTIATE reply.
type NegotiateResponse struct {
	SecurityMode     uint16
	Dialect          SMBDialect
	ServerGUID       [16]byte
	Capabilities     uint32
	MaxTransactSize  uint32
	MaxReadSize      uint32
	MaxWriteSize     uint32
	PreauthHashAlgo  uint16
	CipherAlgo       CipherAlgorithm
	CompressionAlgos []CompressionAlgorithm
	SigningAlgo      SigningAlgorithm
}

// ParseNegotiateResponse decodes the NEGOTIATE response body (without
// the SMB2 header). Callers must feed every raw byte of the response
// they received through UpdatePreauthHash before calling this, per
// §4.3's note that preauth hashing happens over the raw wire bytes.
func ParseNegotiateResponse(body []byte) (*NegotiateResponse, error) {
	r := &errReader{data: body}
	structureSize := r.ReadUint16()
	if structureSize != 65 {
		return nil, newError("ParseNegotiateResponse", KindProtocolViolation, "unexpected structure size")
	}
	resp := &NegotiateResponse{}
	resp.SecurityMode = r.ReadUint16()
	resp.Dialect = SMBDialect(r.ReadUint16())
	negotiateContextCount := r.ReadUint16()
	resp.ServerGUID = r.ReadGUID()
	resp.Capabilities = r.ReadUint32()
	resp.MaxTransactSize = r.ReadUint32()
	resp.MaxReadSize = r.ReadUint32()
	resp.MaxWriteSize = r.ReadUint32()
	r.ReadUint64() // SystemTime
	r.ReadUint64() // ServerStartTime
	securityBufferOffset := r.ReadUint16()
	securityBufferLength := r.ReadUint16()
	negotiateContextOffset := r.ReadUint32()
	if err := r.Err(); err != nil {
		return nil, wrapError("ParseNegotiateResponse", KindProtocolViolation, err)
	}

	_ = securityBufferOffset
	_ = securityBufferLength

	if resp.Dialect == SMB3_1_1 && negotiateContextCount > 0 {
		// NegotiateContextOffset counts from the start of the SMB2 header,
		// which body does not include.
		start := int(negotiateContextOffset) - smb2HeaderSize
		if start < 0 || start > len(body) {
			return nil, newError("ParseNegotiateResponse", KindProtocolViolation, "negotiate context offset out of range")
		}
		if err := parseServerNegotiateContexts(body[start:], int(negotiateContextCount), resp); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func parseServerNegotiateContexts(data []byte, count int, resp *NegotiateResponse) error {
	r := &errReader{data: data}
	for i := 0; i < count; i++ {
		r.AlignTo8()
		typ := r.ReadUint16()
		length := r.ReadUint16()
		r.ReadUint32() // Reserved
		ctxData := r.ReadBytes(int(length))
		if err := r.Err(); err != nil {
			return wrapError("parseServerNegotiateContexts", KindProtocolViolation, err)
		}

		cr := &errReader{data: ctxData}
		switch typ {
		case contextPreauthIntegrityCapabilities:
			count := cr.ReadUint16()
			cr.ReadUint16() // SaltLength
			if count > 0 {
				resp.PreauthHashAlgo = cr.ReadUint16()
			}
		case contextEncryptionCapabilities:
			count := cr.ReadUint16()
			if count > 0 {
				resp.CipherAlgo = CipherAlgorithm(cr.ReadUint16())
			}
		case contextCompressionCapabilities:
			count := cr.ReadUint16()
			cr.ReadUint16() // Padding
			cr.ReadUint32() // Flags
			for j := uint16(0); j < count; j++ {
				resp.CompressionAlgos = append(resp.CompressionAlgos, CompressionAlgorithm(cr.ReadUint16()))
			}
		case contextSigningCapabilities:
			count := cr.ReadUint16()
			if count > 0 {
				resp.SigningAlgo = SigningAlgorithm(cr.ReadUint16())
			}
		}
		if err := cr.Err(); err != nil {
			return wrapError("parseServerNegotiateContexts", KindProtocolViolation, err)
		}
	}
	return nil
}
