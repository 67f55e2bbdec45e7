package smb3

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"
)

func newAESBlock(key []byte) (cipher.Block, error) { return aes.NewCipher(key) }

func newGCM(block cipher.Block) (cipher.AEAD, error) { return cipher.NewGCM(block) }

// ccmNonceSize and gcmNonceSize are the wire nonce field widths named
// in §4.3; the remaining bytes of the 16-byte TRANSFORM_HEADER Nonce
// field are left zero.
const (
	ccmNonceSize = 11
	gcmNonceSize = 12
)

func newCCM(block cipher.Block, nonceSize int) (cipher.AEAD, error) {
	return cipher.NewCCMWithNonceSize(block, nonceSize)
}

// SigningAlgorithm identifies the negotiated message-signing algorithm.
type SigningAlgorithm int

const (
	SigningHMACSHA256 SigningAlgorithm = iota
	SigningAESCMAC
	SigningAESGMAC
)

// CipherAlgorithm identifies the negotiated sealing algorithm.
type CipherAlgorithm int

const (
	CipherAES128CCM CipherAlgorithm = iota
	CipherAES256CCM
	CipherAES128GCM
	CipherAES256GCM
)

func (c CipherAlgorithm) keyLen() int {
	switch c {
	case CipherAES256CCM, CipherAES256GCM:
		return 32
	default:
		return 16
	}
}

func (c CipherAlgorithm) isGCM() bool {
	return c == CipherAES128GCM || c == CipherAES256GCM
}

func (c CipherAlgorithm) nonceSize() int {
	if c.isGCM() {
		return gcmNonceSize
	}
	return ccmNonceSize
}

// nonceCounter is a per-direction, strictly monotonic atomic 64-bit
// counter encoded little-endian into a nonce field, as required by
// §4.3's linearizability invariant. This diverges deliberately from
// go-smb2's crypto/rand-drawn nonces (see DESIGN.md Open Questions):
// the spec requires strict monotonicity, which a random draw cannot
// guarantee collision-free.
type nonceCounter struct {
	value uint64 // next value to issue is value+1; 0 means none issued yet
}

// next returns the next strictly-increasing counter value, encoded
// little-endian into a field of the given width (11 for CCM, 12 for
// GCM), zero-padded in the high bytes.
func (n *nonceCounter) next(width int) []byte {
	v := atomic.AddUint64(&n.value, 1)
	buf := make([]byte, width)
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], v)
	copy(buf, full[:min(width, 8)])
	return buf
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// direction distinguishes the two independent nonce/replay spaces a
// CryptoContext tracks: frames this side sends, and frames this side
// receives.
type direction int

const (
	directionSend direction = iota
	directionRecv
)

// CryptoContext holds the per-session signing and sealing state: keys
// (immutable once installed), the negotiated algorithms, and the
// per-direction nonce/replay counters. Re-keying builds a new
// CryptoContext and the Connection swaps the pointer atomically — any
// frame already in flight keeps using the CryptoContext it captured at
// the start of wrap() (§9 Crypto key rotation).
type CryptoContext struct {
	dialect SMBDialect

	signingAlgo SigningAlgorithm
	signingKey  []byte

	cipherAlgo    CipherAlgorithm
	sealingEnabled bool
	sendKey        []byte
	recvKey        []byte

	sendNonce nonceCounter
	recvHighestNonce uint64 // highest accepted recv nonce, for replay rejection

	metrics *Metrics
}

// NewCryptoContext derives signing/sealing keys from a session key
// established during SESSION_SETUP, per the negotiated dialect and
// algorithms.
func NewCryptoContext(dialect SMBDialect, sessionKey []byte, signingAlgo SigningAlgorithm, cipherAlgo CipherAlgorithm, sealingEnabled bool, preauthHash []byte, metrics *Metrics) *CryptoContext {
	c := &CryptoContext{
		dialect:        dialect,
		signingAlgo:    signingAlgo,
		signingKey:     deriveSigningKey(sessionKey, dialect, preauthHash),
		cipherAlgo:     cipherAlgo,
		sealingEnabled: sealingEnabled,
		metrics:        metrics,
	}
	if sealingEnabled {
		c.sendKey, c.recvKey = deriveSealingKeys(sessionKey, dialect, preauthHash, cipherAlgo.keyLen())
	}
	return c
}

// nextSendNonce atomically issues the next sealing nonce for outbound
// frames, encoded for the negotiated cipher's nonce width.
func (c *CryptoContext) nextSendNonce() []byte {
	n := c.sendNonce.next(c.cipherAlgo.nonceSize())
	c.metrics.incNoncesIssued("send")
	return n
}

// sign computes the 16-byte signature over data (which must have its
// signature field already zeroed by the caller).
func (c *CryptoContext) sign(data []byte) []byte {
	switch c.signingAlgo {
	case SigningAESCMAC:
		return computeAESCMAC(data, c.signingKey)
	case SigningAESGMAC:
		return computeAESGMAC(data, c.signingKey, gmacNonceFromMessage(data))
	default:
		return computeHMACSHA256(data, c.signingKey)
	}
}

// gmacNonceFromMessage derives AES-GMAC's signing nonce deterministically
// from the message itself (MS-SMB2 3.1.4.1: the header's MessageId,
// zero-extended to the 12-byte GCM nonce width), not from the shared
// sealing-nonce counter. This is what lets a receiver recompute the same
// nonce the sender used, independently of its own sealing-nonce state:
// signing and sealing are different nonce spaces entirely.
func gmacNonceFromMessage(data []byte) []byte {
	nonce := make([]byte, 16)
	if len(data) >= 32 {
		copy(nonce[:8], data[24:32])
	}
	return nonce
}

// signOnly computes a signature without consuming any sealing-state
// nonce, used by higher layers that need to authenticate a buffer
// outside the normal wrap() path (§9 "sign without consuming sealing
// key state"). None of the algorithms draws from the sealing-nonce
// counter. For AES-GMAC, sign derives its nonce from the MessageId in
// the header; signOnly's input need not carry a header, so it uses a
// fixed all-zero nonce instead.
func (c *CryptoContext) signOnly(data []byte) []byte {
	if c.signingAlgo == SigningAESGMAC {
		return computeAESGMAC(data, c.signingKey, make([]byte, 16))
	}
	return c.sign(data)
}

func computeHMACSHA256(message, key []byte) []byte {
	signingKey := make([]byte, 16)
	copy(signingKey, key)
	h := hmac.New(sha256.New, signingKey)
	h.Write(message)
	return h.Sum(nil)[:16]
}

// verify recomputes the signature over data (signature field zeroed)
// and compares it to the signature placed in the header.
func (c *CryptoContext) verify(data []byte, signature []byte) bool {
	expected := c.sign(data)
	if expected == nil {
		return false
	}
	return hmac.Equal(expected, signature)
}

// seal encrypts plaintext under the send key, returning ciphertext
// with the AEAD tag appended, plus the nonce used. aad is authenticated
// but not encrypted (the TRANSFORM_HEADER sans its Signature field).
func (c *CryptoContext) seal(aad, plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = c.nextSendNonce()
	ciphertext, err = c.sealWithNonce(aad, plaintext, nonce)
	return ciphertext, nonce, err
}

// sealTransform draws the next sealing nonce, stamps it into th.Nonce,
// and seals plaintext with aad = th.AAD() — built from th only after
// the real nonce is in place — so the envelope authenticates its own
// header including the nonce it carries (§3, §4.2 step 2).
func (c *CryptoContext) sealTransform(th *TransformHeader, plaintext []byte) ([]byte, error) {
	nonce := c.nextSendNonce()
	copy(th.Nonce[:], nonce)
	return c.sealWithNonce(th.AAD(), plaintext, nonce)
}

func (c *CryptoContext) sealWithNonce(aad, plaintext, nonce []byte) ([]byte, error) {
	block, err := newAESBlock(c.sendKey)
	if err != nil {
		return nil, wrapError("seal", KindSecurityViolation, err)
	}
	var aead cipher.AEAD
	if c.cipherAlgo.isGCM() {
		aead, err = newGCM(block)
	} else {
		aead, err = newCCM(block, ccmNonceSize)
	}
	if err != nil {
		return nil, wrapError("seal", KindSecurityViolation, err)
	}

	full := make([]byte, aead.NonceSize())
	copy(full, nonce)

	return aead.Seal(nil, full, plaintext, aad), nil
}

// open decrypts ciphertext (with tag appended) under the recv key,
// rejecting replayed or out-of-order nonces per §3's invariant that
// inbound TRANSFORM frames must carry a nonce strictly greater than
// any previously accepted one for that direction.
func (c *CryptoContext) open(aad, ciphertext, nonce []byte) ([]byte, error) {
	nonceVal := binary.LittleEndian.Uint64(padNonceTo8(nonce))
	if nonceVal <= atomic.LoadUint64(&c.recvHighestNonce) {
		return nil, wrapError("open", KindSecurityViolation, ErrReplay)
	}

	block, err := newAESBlock(c.recvKey)
	if err != nil {
		return nil, wrapError("open", KindSecurityViolation, err)
	}
	var aead cipher.AEAD
	if c.cipherAlgo.isGCM() {
		aead, err = newGCM(block)
	} else {
		aead, err = newCCM(block, ccmNonceSize)
	}
	if err != nil {
		return nil, wrapError("open", KindSecurityViolation, err)
	}

	full := make([]byte, aead.NonceSize())
	copy(full, nonce)

	plaintext, err := aead.Open(nil, full, ciphertext, aad)
	if err != nil {
		return nil, wrapError("open", KindSecurityViolation, err)
	}

	atomic.StoreUint64(&c.recvHighestNonce, nonceVal)
	c.metrics.incNoncesIssued("recv")
	return plaintext, nil
}

// openTransform is open's TransformHeader-aware counterpart: it
// authenticates ciphertext against aad = th.AAD(), the same bytes
// sealTransform authenticated it with on the sender's side.
func (c *CryptoContext) openTransform(th *TransformHeader, ciphertext []byte) ([]byte, error) {
	return c.open(th.AAD(), ciphertext, th.Nonce[:])
}

func padNonceTo8(nonce []byte) []byte {
	buf := make([]byte, 8)
	copy(buf, nonce[:min(len(nonce), 8)])
	return buf
}
