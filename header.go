package smb3

import (
	"encoding/binary"
	"fmt"
)

// SMB2 header flags (§6: fixed offsets within the 64-byte header).
const (
	flagServerToRedir  uint32 = 0x00000001 // response
	flagAsyncCommand   uint32 = 0x00000002
	flagRelatedOps     uint32 = 0x00000004 // compound, chained to previous
	flagSigned         uint32 = 0x00000008
	flagPriorityMask   uint32 = 0x00000070
	flagDfsOperations  uint32 = 0x10000000
	flagReplayOperation uint32 = 0x20000000
)

// Header is the fixed 64-byte SMB2 header carried by every message.
// When flagAsyncCommand is set, AsyncId occupies the wire bytes of
// Reserved and TreeId (offsets 32-40); SessionId (offsets 40-48) is
// separate in both forms. This package exposes both readings through
// AsyncID()/TreeID() and lets the caller pick the right one.
type Header struct {
	ProtocolID    [4]byte
	StructureSize uint16
	CreditCharge  uint16
	Status        NTStatus // also ChannelSequence+Reserved on a request
	Command       Command
	CreditRequest uint16 // requested on a request, granted on a reply
	Flags         uint32
	NextCommand   uint32
	MessageID     uint64
	reserved      uint32 // low 4 bytes of Reserved/AsyncId on async replies
	treeOrAsyncHi uint32 // TreeId, or high 4 bytes of AsyncId
	SessionID     uint64
	Signature     [16]byte
}

func (h *Header) IsResponse() bool { return h.Flags&flagServerToRedir != 0 }
func (h *Header) IsSigned() bool   { return h.Flags&flagSigned != 0 }
func (h *Header) IsAsync() bool    { return h.Flags&flagAsyncCommand != 0 }
func (h *Header) IsRelated() bool  { return h.Flags&flagRelatedOps != 0 }

// AsyncID returns the 64-bit async identifier carried by an async
// reply (Reserved || TreeId read as one little-endian u64).
func (h *Header) AsyncID() uint64 {
	return uint64(h.reserved) | uint64(h.treeOrAsyncHi)<<32
}

// SetAsyncID stamps h as an async reply carrying the given async id.
func (h *Header) SetAsyncID(id uint64) {
	h.Flags |= flagAsyncCommand
	h.reserved = uint32(id)
	h.treeOrAsyncHi = uint32(id >> 32)
}

// TreeID returns the tree identifier for a non-async message.
func (h *Header) TreeID() uint32 { return h.treeOrAsyncHi }

// SetTreeID stamps the tree identifier (only meaningful when the
// header is not flagged async).
func (h *Header) SetTreeID(id uint32) { h.treeOrAsyncHi = id }

// Marshal encodes h into a fresh 64-byte buffer.
func (h *Header) Marshal() []byte {
	buf := make([]byte, smb2HeaderSize)
	copy(buf[0:4], smb2ProtocolID)
	binary.LittleEndian.PutUint16(buf[4:6], h.StructureSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.CreditCharge)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Status))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(h.Command))
	binary.LittleEndian.PutUint16(buf[14:16], h.CreditRequest)
	binary.LittleEndian.PutUint32(buf[16:20], h.Flags)
	binary.LittleEndian.PutUint32(buf[20:24], h.NextCommand)
	binary.LittleEndian.PutUint64(buf[24:32], h.MessageID)
	binary.LittleEndian.PutUint32(buf[32:36], h.reserved)
	binary.LittleEndian.PutUint32(buf[36:40], h.treeOrAsyncHi)
	binary.LittleEndian.PutUint64(buf[40:48], h.SessionID)
	copy(buf[48:64], h.Signature[:])
	return buf
}

// UnmarshalHeader decodes the fixed 64-byte SMB2 header from the front
// of data. It does not validate the protocol id magic; callers peeling
// envelopes (transform.go) do that first.
func UnmarshalHeader(data []byte) (*Header, error) {
	if len(data) < smb2HeaderSize {
		return nil, wrapError("UnmarshalHeader", KindProtocolViolation, ErrInvalidFrame)
	}
	h := &Header{
		StructureSize: binary.LittleEndian.Uint16(data[4:6]),
		CreditCharge:  binary.LittleEndian.Uint16(data[6:8]),
		Status:        NTStatus(binary.LittleEndian.Uint32(data[8:12])),
		Command:       Command(binary.LittleEndian.Uint16(data[12:14])),
		CreditRequest: binary.LittleEndian.Uint16(data[14:16]),
		Flags:         binary.LittleEndian.Uint32(data[16:20]),
		NextCommand:   binary.LittleEndian.Uint32(data[20:24]),
		MessageID:     binary.LittleEndian.Uint64(data[24:32]),
		reserved:      binary.LittleEndian.Uint32(data[32:36]),
		treeOrAsyncHi: binary.LittleEndian.Uint32(data[36:40]),
		SessionID:     binary.LittleEndian.Uint64(data[40:48]),
	}
	copy(h.ProtocolID[:], data[0:4])
	copy(h.Signature[:], data[48:64])
	if h.StructureSize != smb2HeaderSize {
		return nil, wrapError("UnmarshalHeader", KindProtocolViolation,
			fmt.Errorf("structure size %d, want %d", h.StructureSize, smb2HeaderSize))
	}
	return h, nil
}
