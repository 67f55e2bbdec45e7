package smb3

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// TestDeriveSigningKeySMB30Vector cross-checks the SP800-108 KDF
// against a known MS-SMB2 3.0 signing-key derivation: given SessionKey
// 0x7CD451825D0450D235424E44BA6E78CC, the derived SigningKey is
// 0x0B7E9C5CAC36C0F6EA9AB275298CEDCE.
func TestDeriveSigningKeySMB30Vector(t *testing.T) {
	sessionKey := mustHex(t, "7CD451825D0450D235424E44BA6E78CC")
	want := mustHex(t, "0B7E9C5CAC36C0F6EA9AB275298CEDCE")

	got := deriveSigningKey(sessionKey, SMB3_0, nil)
	assert.Equal(t, want, got)
}

func TestDeriveSigningKeySMB302SameAsSMB30(t *testing.T) {
	sessionKey := mustHex(t, "7CD451825D0450D235424E44BA6E78CC")
	k30 := deriveSigningKey(sessionKey, SMB3_0, nil)
	k302 := deriveSigningKey(sessionKey, SMB3_0_2, nil)
	assert.Equal(t, k30, k302)
}

func TestDeriveSigningKey311UsesPreauthHash(t *testing.T) {
	sessionKey := mustHex(t, "7CD451825D0450D235424E44BA6E78CC")
	hashA := make([]byte, 64)
	hashB := make([]byte, 64)
	hashB[0] = 0xFF

	keyA := deriveSigningKey(sessionKey, SMB3_1_1, hashA)
	keyB := deriveSigningKey(sessionKey, SMB3_1_1, hashB)

	assert.Len(t, keyA, 16)
	assert.NotEqual(t, keyA, keyB, "different preauth hashes must derive different 3.1.1 signing keys")

	pre30Key := deriveSigningKey(sessionKey, SMB3_0, nil)
	assert.NotEqual(t, pre30Key, keyA, "3.1.1 uses a different label than 3.0/3.0.2")
}

func TestDeriveSealingKeysDirectionsDiffer(t *testing.T) {
	sessionKey := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	c2s, s2c := deriveSealingKeys(sessionKey, SMB3_0, nil, 16)
	assert.Len(t, c2s, 16)
	assert.Len(t, s2c, 16)
	assert.NotEqual(t, c2s, s2c)
}

func TestDeriveSealingKeys311(t *testing.T) {
	sessionKey := mustHex(t, "7CD451825D0450D235424E44BA6E78CC")
	hash := make([]byte, 64)
	hash[10] = 0x42

	c2s, s2c := deriveSealingKeys(sessionKey, SMB3_1_1, hash, 32)
	assert.Len(t, c2s, 32)
	assert.Len(t, s2c, 32)
	assert.NotEqual(t, c2s, s2c)

	c2sOther, _ := deriveSealingKeys(sessionKey, SMB3_0, nil, 32)
	assert.NotEqual(t, c2s, c2sOther)
}

func TestDeriveApplicationKey(t *testing.T) {
	sessionKey := mustHex(t, "7CD451825D0450D235424E44BA6E78CC")
	hash := make([]byte, 64)

	k1 := deriveApplicationKey(sessionKey, hash, 16)
	k2 := deriveApplicationKey(sessionKey, hash, 16)
	assert.Equal(t, k1, k2, "KDF must be deterministic for identical inputs")
	assert.Len(t, k1, 16)

	k32 := deriveApplicationKey(sessionKey, hash, 32)
	assert.Len(t, k32, 32)
	assert.Equal(t, k1, k32[:16], "counter-mode KDF output must be a stable prefix across requested lengths")
}

func TestKDFSP800108LengthHandling(t *testing.T) {
	ki := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	label := []byte("Label\x00")
	context := []byte("Context\x00")

	out16 := kdfSP800108(ki, label, context, 16)
	out32 := kdfSP800108(ki, label, context, 32)
	assert.Len(t, out16, 16)
	assert.Len(t, out32, 32)
	assert.Equal(t, out16, out32[:16])
}
