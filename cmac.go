package smb3

import "crypto/cipher"

// computeAESCMAC computes AES-128-CMAC per RFC 4493, used as the SMB
// 3.x message-signing algorithm. No CMAC implementation exists in
// golang.org/x/crypto or elsewhere in the retrieved pack, so this is
// hand-rolled against the RFC, same as the teacher does.
func computeAESCMAC(message, key []byte) []byte {
	signingKey := make([]byte, 16)
	copy(signingKey, key)

	block, err := newAESBlock(signingKey)
	if err != nil {
		return nil
	}

	k1, k2 := generateCMACSubkeys(block)

	n := (len(message) + 15) / 16
	if n == 0 {
		n = 1
	}

	lastBlockComplete := len(message) > 0 && len(message)%16 == 0
	lastBlock := make([]byte, 16)
	if lastBlockComplete {
		copy(lastBlock, message[(n-1)*16:])
		xorBytes(lastBlock, k1)
	} else {
		remaining := len(message) % 16
		if len(message) > 0 {
			copy(lastBlock, message[(n-1)*16:])
		}
		lastBlock[remaining] = 0x80
		xorBytes(lastBlock, k2)
	}

	x := make([]byte, 16)
	for i := 0; i < n-1; i++ {
		xorBytes(x, message[i*16:(i+1)*16])
		block.Encrypt(x, x)
	}
	xorBytes(x, lastBlock)
	block.Encrypt(x, x)

	return x
}

// generateCMACSubkeys derives K1 and K2 for a 128-bit block cipher per
// RFC 4493 §2.3.
func generateCMACSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	l := make([]byte, 16)
	block.Encrypt(l, l)

	k1 = make([]byte, 16)
	shiftLeft(k1, l)
	if l[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = make([]byte, 16)
	shiftLeft(k2, k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	return k1, k2
}

func shiftLeft(dst, src []byte) {
	overflow := byte(0)
	for i := len(src) - 1; i >= 0; i-- {
		next := src[i] >> 7
		dst[i] = (src[i] << 1) | overflow
		overflow = next
	}
}

func xorBytes(dst, src []byte) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] ^= src[i]
	}
}

// computeAESGMAC computes AES-128-GMAC (GCM with an empty plaintext,
// the whole message as additional authenticated data), the SMB 3.1.1
// alternative signing algorithm.
func computeAESGMAC(message, key, nonce []byte) []byte {
	signingKey := make([]byte, 16)
	copy(signingKey, key)

	block, err := newAESBlock(signingKey)
	if err != nil {
		return nil
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil
	}
	n := make([]byte, gcm.NonceSize())
	copy(n, nonce)
	tag := gcm.Seal(nil, n, nil, message)
	return tag
}
