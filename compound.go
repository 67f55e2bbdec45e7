package smb3

// compound.go builds and walks compounded SMB2 requests/replies — the
// NextCommand-offset chaining of §4.6, inverted from the teacher's
// server-side request dispatch and grounded on how go-smb2's conn.go
// reassembles chained replies before handing each one to its waiting
// caller.

// CompoundGroup is a set of individually-framed SMB2 messages sent as
// one wire frame, sharing a single Transport write. Members after the
// first may set SMB2_FLAGS_RELATED_OPERATIONS to inherit the previous
// member's TreeId/SessionId/FileId (§4.6).
type CompoundGroup struct {
	members [][]byte // each already has its own Header marshalled at offset 0
}

// NewCompoundGroup starts an empty group.
func NewCompoundGroup() *CompoundGroup { return &CompoundGroup{} }

// Add appends one member's raw bytes (header+body, NextCommand left
// zero — Build fills it in).
func (g *CompoundGroup) Add(member []byte) { g.members = append(g.members, member) }

// Len reports the number of members queued so far.
func (g *CompoundGroup) Len() int { return len(g.members) }

// Build concatenates all members into one wire frame, patching each
// non-final member's NextCommand to point at the following member,
// 8-byte aligned per MS-SMB2 3.1.4.1's layout requirement. The last
// member's NextCommand is left zero.
func (g *CompoundGroup) Build() []byte {
	if len(g.members) == 0 {
		return nil
	}

	// Pad every member except the last to an 8-byte boundary so the
	// following member's header starts aligned, matching the teacher's
	// PadTo8ByteBoundary convention used throughout the wire layer.
	padded := make([][]byte, len(g.members))
	for i, m := range g.members {
		if i == len(g.members)-1 {
			padded[i] = m
			continue
		}
		pad := padTo8ByteBoundary(len(m))
		padded[i] = append(append([]byte{}, m...), make([]byte, pad)...)
	}

	out := make([]byte, 0, sumLens(padded))
	offset := 0
	for i, m := range padded {
		start := offset
		out = append(out, m...)
		offset += len(m)
		if i < len(padded)-1 {
			nextCommandOffset := uint32(offset - start)
			setNextCommand(out[start:], nextCommandOffset)
		}
	}
	return out
}

func sumLens(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// setNextCommand patches the NextCommand field (byte offset 20 within
// a 64-byte SMB2 header) of the header starting at member[0:64].
func setNextCommand(member []byte, offset uint32) {
	if len(member) < smb2HeaderSize {
		return
	}
	le.PutUint32(member[20:24], offset)
}

// CompoundReply is one decoded member of an inbound compounded
// response: its header and its body (the bytes between this header and
// the next NextCommand offset, or end of frame for the last member).
// Header.IsRelated reports whether SMB2_FLAGS_RELATED_OPERATIONS was set.
type CompoundReply struct {
	Header *Header
	Body   []byte
}

// WalkCompoundReply splits one wire frame (already unwrapped by the
// Preprocessor) into its constituent replies by following each
// member's NextCommand offset, per §4.6's reverse operation.
func WalkCompoundReply(frame []byte) ([]CompoundReply, error) {
	var replies []CompoundReply
	offset := 0
	for {
		if offset+smb2HeaderSize > len(frame) {
			return nil, newError("WalkCompoundReply", KindProtocolViolation, "truncated compound member header")
		}
		hdr, err := UnmarshalHeader(frame[offset : offset+smb2HeaderSize])
		if err != nil {
			return nil, err
		}

		next := hdr.NextCommand
		var body []byte
		if next == 0 {
			body = frame[offset+smb2HeaderSize:]
		} else {
			if int(next) < smb2HeaderSize || offset+int(next) > len(frame) {
				return nil, newError("WalkCompoundReply", KindProtocolViolation, "NextCommand offset out of range")
			}
			body = frame[offset+smb2HeaderSize : offset+int(next)]
		}

		replies = append(replies, CompoundReply{Header: hdr, Body: body})

		if next == 0 {
			break
		}
		offset += int(next)
	}
	return replies, nil
}
