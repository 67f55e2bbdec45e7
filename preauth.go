package smb3

import "crypto/sha512"

// InitPreauthHash returns the SMB 3.1.1 preauth integrity hash's
// initial value: 64 zero bytes (MS-SMB2 §3.2.5.2).
func InitPreauthHash() []byte {
	return make([]byte, 64)
}

// UpdatePreauthHash folds message into the running preauth integrity
// hash: H(i) = SHA-512(H(i-1) || message). Called after each of the
// NEGOTIATE request/response and SESSION_SETUP request/response
// exchanges, in wire order.
func UpdatePreauthHash(current, message []byte) []byte {
	if len(current) == 0 {
		current = InitPreauthHash()
	}
	h := sha512.New()
	h.Write(current)
	h.Write(message)
	return h.Sum(nil)
}
