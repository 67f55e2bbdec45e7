package smb3

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitPreauthHash(t *testing.T) {
	h := InitPreauthHash()
	assert.Len(t, h, 64)
	assert.Equal(t, make([]byte, 64), h)
}

func TestUpdatePreauthHashChains(t *testing.T) {
	h0 := InitPreauthHash()
	h1 := UpdatePreauthHash(h0, []byte("negotiate request"))
	h2 := UpdatePreauthHash(h1, []byte("negotiate response"))

	assert.Len(t, h1, 64)
	assert.Len(t, h2, 64)
	assert.NotEqual(t, h0, h1)
	assert.NotEqual(t, h1, h2)
}

func TestUpdatePreauthHashDeterministic(t *testing.T) {
	h0 := InitPreauthHash()
	a := UpdatePreauthHash(h0, []byte("msg"))
	b := UpdatePreauthHash(h0, []byte("msg"))
	assert.Equal(t, a, b)
}

func TestUpdatePreauthHashEmptyCurrentDefaultsToInit(t *testing.T) {
	a := UpdatePreauthHash(nil, []byte("msg"))
	b := UpdatePreauthHash(InitPreauthHash(), []byte("msg"))
	assert.Equal(t, a, b)
}

func TestUpdatePreauthHashOrderSensitive(t *testing.T) {
	h0 := InitPreauthHash()
	h1a := UpdatePreauthHash(h0, []byte("first"))
	h2a := UpdatePreauthHash(h1a, []byte("second"))

	h1b := UpdatePreauthHash(h0, []byte("second"))
	h2b := UpdatePreauthHash(h1b, []byte("first"))

	assert.NotEqual(t, h2a, h2b)
}
