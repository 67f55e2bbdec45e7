package smb3

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// SMB 3.x key derivation labels (MS-SMB2 §3.1.4.2).
var (
	labelSigningCMAC   = []byte("SMB2AESCMAC\x00")
	contextSmbSign     = []byte("SmbSign\x00")
	labelSigning311    = []byte("SMBSigningKey\x00")
	labelCipherCCM     = []byte("SMB2AESCCM\x00")
	contextServerIn    = []byte("ServerIn \x00")
	contextServerOut   = []byte("ServerOut\x00")
	labelCipher311     = []byte("SMBC2SCipherKey\x00")
	labelCipherS2C311  = []byte("SMBS2CCipherKey\x00")
	labelApplication311 = []byte("SMBAppKey\x00")
)

// deriveSigningKey derives the signing key for a dialect, per
// MS-SMB2 §3.1.4.2:
//
//	3.0/3.0.2: KDF(SessionKey, "SMB2AESCMAC\0", "SmbSign\0")
//	3.1.1:     KDF(SessionKey, "SMBSigningKey\0", PreauthIntegrityHash)
func deriveSigningKey(sessionKey []byte, dialect SMBDialect, preauthHash []byte) []byte {
	if dialect >= SMB3_1_1 && len(preauthHash) > 0 {
		return kdfSP800108(sessionKey, labelSigning311, preauthHash, 16)
	}
	return kdfSP800108(sessionKey, labelSigningCMAC, contextSmbSign, 16)
}

// deriveSealingKeys derives the per-direction (client->server,
// server->client) sealing keys.
func deriveSealingKeys(sessionKey []byte, dialect SMBDialect, preauthHash []byte, keyLen int) (c2s, s2c []byte) {
	if dialect >= SMB3_1_1 {
		c2s = kdfSP800108(sessionKey, labelCipher311, preauthHash, keyLen)
		s2c = kdfSP800108(sessionKey, labelCipherS2C311, preauthHash, keyLen)
		return
	}
	c2s = kdfSP800108(sessionKey, labelCipherCCM, contextServerIn, keyLen)
	s2c = kdfSP800108(sessionKey, labelCipherCCM, contextServerOut, keyLen)
	return
}

// deriveApplicationKey derives the 3.1.1 application key used by the
// higher (session/tree) layer for anything beyond sign/seal; this
// package only produces it, it does not consume it.
func deriveApplicationKey(sessionKey []byte, preauthHash []byte, keyLen int) []byte {
	return kdfSP800108(sessionKey, labelApplication311, preauthHash, keyLen)
}

// kdfSP800108 implements the NIST SP 800-108 KDF in Counter Mode with
// HMAC-SHA256 as the PRF, per MS-SMB2 §3.1.4.2: K(i) = PRF(KI, [i]_2
// || Label || 0x00 || Context || [L]_2), counter and length both
// 4-byte big-endian, counter starting at 1.
func kdfSP800108(ki, label, context []byte, lengthBytes int) []byte {
	lengthBits := uint32(lengthBytes * 8)
	result := make([]byte, 0, lengthBytes)
	counter := uint32(1)

	for len(result) < lengthBytes {
		h := hmac.New(sha256.New, ki)

		var counterBytes [4]byte
		binary.BigEndian.PutUint32(counterBytes[:], counter)
		h.Write(counterBytes[:])

		h.Write(label)
		h.Write([]byte{0x00})
		h.Write(context)

		var lengthBitsBytes [4]byte
		binary.BigEndian.PutUint32(lengthBitsBytes[:], lengthBits)
		h.Write(lengthBitsBytes[:])

		result = append(result, h.Sum(nil)...)
		counter++
	}

	return result[:lengthBytes]
}
