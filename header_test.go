package smb3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderMarshalUnmarshalRoundTrip(t *testing.T) {
	h := &Header{
		StructureSize: 64,
		CreditCharge:  1,
		Status:        STATUS_SUCCESS,
		Command:       CommandNegotiate,
		CreditRequest: 5,
		Flags:         flagServerToRedir,
		NextCommand:   0,
		MessageID:     42,
		SessionID:     0xABCD,
	}
	h.SetTreeID(7)
	h.Signature = [16]byte{1, 2, 3}

	buf := h.Marshal()
	assert.Len(t, buf, smb2HeaderSize)

	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.StructureSize, got.StructureSize)
	assert.Equal(t, h.CreditCharge, got.CreditCharge)
	assert.Equal(t, h.Status, got.Status)
	assert.Equal(t, h.Command, got.Command)
	assert.Equal(t, h.CreditRequest, got.CreditRequest)
	assert.Equal(t, h.Flags, got.Flags)
	assert.Equal(t, h.MessageID, got.MessageID)
	assert.Equal(t, h.SessionID, got.SessionID)
	assert.Equal(t, h.Signature, got.Signature)
	assert.Equal(t, uint32(7), got.TreeID())
	assert.True(t, got.IsResponse())
	assert.False(t, got.IsAsync())
}

func TestHeaderUnmarshalRejectsShortBuffer(t *testing.T) {
	_, err := UnmarshalHeader(make([]byte, 10))
	require.Error(t, err)
}

func TestHeaderUnmarshalRejectsWrongStructureSize(t *testing.T) {
	h := &Header{StructureSize: 63}
	buf := h.Marshal()
	_, err := UnmarshalHeader(buf)
	require.Error(t, err)
	var smbErr *Error
	require.ErrorAs(t, err, &smbErr)
	assert.Equal(t, KindProtocolViolation, smbErr.Kind)
}

func TestHeaderAsyncID(t *testing.T) {
	h := &Header{}
	h.SetAsyncID(0x1122334455667788)
	assert.True(t, h.IsAsync())
	assert.Equal(t, uint64(0x1122334455667788), h.AsyncID())

	buf := h.Marshal()
	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.True(t, got.IsAsync())
	assert.Equal(t, uint64(0x1122334455667788), got.AsyncID())
}

func TestHeaderFlagHelpers(t *testing.T) {
	h := &Header{Flags: flagSigned | flagRelatedOps}
	assert.True(t, h.IsSigned())
	assert.True(t, h.IsRelated())
	assert.False(t, h.IsResponse())
	assert.False(t, h.IsAsync())
}
