// Package wire implements the RDT binary message codec: the four-byte
// common header shared by every message, the handshake extension, and
// encode/decode for the seven message types described by the protocol.
//
// All multi-byte integers are big-endian. Encoding never returns an error;
// decoding does, for any buffer shorter than the fixed portion of the
// message it claims to be.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the single bit distinguishing DATA from CTRL messages.
type MsgType uint8

const (
	MsgData MsgType = 0
	MsgCtrl MsgType = 1
)

// CtrlID identifies the kind of control message when Type == MsgCtrl.
type CtrlID uint8

const (
	CtrlHandshake CtrlID = 0
	CtrlKeepalive CtrlID = 1
	CtrlDataAck   CtrlID = 2
	CtrlShutdown  CtrlID = 3
)

// HandshakeType identifies the phase of the handshake extension.
type HandshakeType uint8

const (
	HandshakeReq  HandshakeType = 0
	HandshakeResp HandshakeType = 1
	HandshakeFin  HandshakeType = 2
)

const (
	// HandshakeMagic prefixes every outbound HANDSHAKE_REQ so a receiver
	// with no tunnel yet can recognize an active-open attempt.
	HandshakeMagic uint32 = 0xB532A79B

	// PortForwardMagic is the magic prefix that latches the optional
	// port-forwarding hook on the first matching inbound DATA message.
	PortForwardMagic uint32 = 0xA29BF88E

	// ProtocolVersion is the only version this implementation speaks.
	ProtocolVersion uint16 = 1

	// MTU bounds a single outbound RDT message; the sender never
	// fragments and assumes the carrier accepts up to this size.
	MTU = 1500

	// WindowSize is the fixed, advertised receive window in packets.
	WindowSize = 255

	headerLen     = 4
	handshakeExtLen = 6 // verAndType(4) + lteid(2)
)

// ErrShort is returned whenever a buffer is too short for the message type
// it claims to encode; callers log and drop per the protocol's policy.
type ErrShort struct {
	Want, Got int
}

func (e *ErrShort) Error() string {
	return fmt.Sprintf("rdt/wire: buffer too short: want at least %d bytes, got %d", e.Want, e.Got)
}

// Header is the 4-byte prefix shared by every RDT message.
type Header struct {
	Type   MsgType
	CtrlID CtrlID // only meaningful when Type == MsgCtrl
	RTEID  uint16 // peer's TEID from the sender's viewpoint
}

func (h Header) put(buf []byte) {
	b0 := byte(h.Type) & 0x1
	b0 |= (byte(h.CtrlID) << 1) & 0xFE
	buf[0] = b0
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], h.RTEID)
}

// DecodeHeader reads the common 4-byte header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, &ErrShort{Want: headerLen, Got: len(buf)}
	}
	b0 := buf[0]
	return Header{
		Type:   MsgType(b0 & 0x1),
		CtrlID: CtrlID((b0 >> 1) & 0x7F),
		RTEID:  binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// --- DATA -------------------------------------------------------------

// DataMsg carries an application payload tagged with its byte-stream
// sequence number.
type DataMsg struct {
	RTEID   uint16
	Seq     uint32
	Payload []byte
}

// EncodeData encodes a DATA message; len(payload) is inferred from the slice.
func EncodeData(rteid uint16, seq uint32, payload []byte) []byte {
	buf := make([]byte, headerLen+4+len(payload))
	Header{Type: MsgData, RTEID: rteid}.put(buf)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	copy(buf[8:], payload)
	return buf
}

// DecodeData decodes a DATA message. The header's Type bit must already
// have been checked by the caller's dispatch.
func DecodeData(buf []byte) (*DataMsg, error) {
	if len(buf) < headerLen+4 {
		return nil, &ErrShort{Want: headerLen + 4, Got: len(buf)}
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	seq := binary.BigEndian.Uint32(buf[4:8])
	payload := append([]byte(nil), buf[8:]...)
	return &DataMsg{RTEID: h.RTEID, Seq: seq, Payload: payload}, nil
}

// --- DATA_ACK -----------------------------------------------------------

// DataAckMsg cumulatively acknowledges everything before SeqAck and
// advertises the receiver's remaining window in packets.
type DataAckMsg struct {
	RTEID    uint16
	SeqAck   uint32
	WindowSz uint32
}

func EncodeDataAck(rteid uint16, seqAck, windowSz uint32) []byte {
	buf := make([]byte, headerLen+8)
	Header{Type: MsgCtrl, CtrlID: CtrlDataAck, RTEID: rteid}.put(buf)
	binary.BigEndian.PutUint32(buf[4:8], seqAck)
	binary.BigEndian.PutUint32(buf[8:12], windowSz)
	return buf
}

func DecodeDataAck(buf []byte) (*DataAckMsg, error) {
	if len(buf) < headerLen+8 {
		return nil, &ErrShort{Want: headerLen + 8, Got: len(buf)}
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	return &DataAckMsg{
		RTEID:    h.RTEID,
		SeqAck:   binary.BigEndian.Uint32(buf[4:8]),
		WindowSz: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// --- KEEPALIVE / SHUTDOWN ------------------------------------------------

func EncodeKeepalive(rteid uint16) []byte {
	buf := make([]byte, headerLen)
	Header{Type: MsgCtrl, CtrlID: CtrlKeepalive, RTEID: rteid}.put(buf)
	return buf
}

func EncodeShutdown(rteid uint16) []byte {
	buf := make([]byte, headerLen)
	Header{Type: MsgCtrl, CtrlID: CtrlShutdown, RTEID: rteid}.put(buf)
	return buf
}

// --- HANDSHAKE ------------------------------------------------------------

// handshakeExt packs version:14 | handshake_type:2 into a uint32 (the low
// two bits are the type, the next 14 bits are the version), followed by
// the sender's local TEID. This is a from-scratch byte layout decision
// (the struct-of-bitfields the original C used is not portably
// reproducible).
func putHandshakeExt(buf []byte, version uint16, ht HandshakeType, lteid uint16) {
	v := (uint32(version&0x3FFF) << 2) | uint32(ht&0x3)
	binary.BigEndian.PutUint32(buf, v)
	binary.BigEndian.PutUint16(buf[4:6], lteid)
}

func getHandshakeExt(buf []byte) (version uint16, ht HandshakeType, lteid uint16) {
	v := binary.BigEndian.Uint32(buf)
	ht = HandshakeType(v & 0x3)
	version = uint16((v >> 2) & 0x3FFF)
	lteid = binary.BigEndian.Uint16(buf[4:6])
	return
}

// HandshakeReqMsg is the active-opener's initial message. RTEID is always
// zero: the peer is not yet known.
type HandshakeReqMsg struct {
	Version  uint16
	LTEID    uint16
	Seq      uint32
	MTU      uint32
	WindowSz uint32
}

// EncodeHandshakeReq prefixes the message with HandshakeMagic so a peer
// with no tunnel yet recognizes this as an active-open attempt.
func EncodeHandshakeReq(m HandshakeReqMsg) []byte {
	const bodyLen = headerLen + handshakeExtLen + 4 /*seq*/ + 4 /*pad*/ + 4 /*mtu*/ + 4 /*windowsz*/
	buf := make([]byte, 4+bodyLen)
	binary.BigEndian.PutUint32(buf[0:4], HandshakeMagic)
	body := buf[4:]
	Header{Type: MsgCtrl, CtrlID: CtrlHandshake, RTEID: 0}.put(body)
	putHandshakeExt(body[4:10], m.Version, HandshakeReq, m.LTEID)
	binary.BigEndian.PutUint32(body[10:14], m.Seq)
	binary.BigEndian.PutUint32(body[14:18], 0) // padding
	binary.BigEndian.PutUint32(body[18:22], m.MTU)
	binary.BigEndian.PutUint32(body[22:26], m.WindowSz)
	return buf
}

func DecodeHandshakeReq(buf []byte) (*HandshakeReqMsg, error) {
	const want = headerLen + handshakeExtLen + 16
	if len(buf) < want {
		return nil, &ErrShort{Want: want, Got: len(buf)}
	}
	version, _, lteid := getHandshakeExt(buf[4:10])
	return &HandshakeReqMsg{
		Version:  version,
		LTEID:    lteid,
		Seq:      binary.BigEndian.Uint32(buf[10:14]),
		MTU:      binary.BigEndian.Uint32(buf[18:22]),
		WindowSz: binary.BigEndian.Uint32(buf[22:26]),
	}, nil
}

// HandshakeRespMsg answers a REQ. RTEID in the common header is the
// original REQ's LTEID.
type HandshakeRespMsg struct {
	RTEID    uint16
	Version  uint16
	LTEID    uint16
	Seq      uint32
	SeqAck   uint32
	MTU      uint32
	WindowSz uint32
}

func EncodeHandshakeResp(m HandshakeRespMsg) []byte {
	const bodyLen = headerLen + handshakeExtLen + 4 + 4 + 4 + 4
	buf := make([]byte, bodyLen)
	Header{Type: MsgCtrl, CtrlID: CtrlHandshake, RTEID: m.RTEID}.put(buf)
	putHandshakeExt(buf[4:10], m.Version, HandshakeResp, m.LTEID)
	binary.BigEndian.PutUint32(buf[10:14], m.Seq)
	binary.BigEndian.PutUint32(buf[14:18], m.SeqAck)
	binary.BigEndian.PutUint32(buf[18:22], m.MTU)
	binary.BigEndian.PutUint32(buf[22:26], m.WindowSz)
	return buf
}

func DecodeHandshakeResp(buf []byte) (*HandshakeRespMsg, error) {
	const want = headerLen + handshakeExtLen + 16
	if len(buf) < want {
		return nil, &ErrShort{Want: want, Got: len(buf)}
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	version, _, lteid := getHandshakeExt(buf[4:10])
	return &HandshakeRespMsg{
		RTEID:    h.RTEID,
		Version:  version,
		LTEID:    lteid,
		Seq:      binary.BigEndian.Uint32(buf[10:14]),
		SeqAck:   binary.BigEndian.Uint32(buf[14:18]),
		MTU:      binary.BigEndian.Uint32(buf[18:22]),
		WindowSz: binary.BigEndian.Uint32(buf[22:26]),
	}, nil
}

// HandshakeFinMsg closes the three-way handshake. The LTEID field inside
// the extension is unused (kept zero) but present for layout uniformity
// with REQ/RESP.
type HandshakeFinMsg struct {
	RTEID   uint16
	Version uint16
	Seq     uint32
	SeqAck  uint32
}

func EncodeHandshakeFin(m HandshakeFinMsg) []byte {
	const bodyLen = headerLen + handshakeExtLen + 4 + 4
	buf := make([]byte, bodyLen)
	Header{Type: MsgCtrl, CtrlID: CtrlHandshake, RTEID: m.RTEID}.put(buf)
	putHandshakeExt(buf[4:10], m.Version, HandshakeFin, 0)
	binary.BigEndian.PutUint32(buf[10:14], m.Seq)
	binary.BigEndian.PutUint32(buf[14:18], m.SeqAck)
	return buf
}

func DecodeHandshakeFin(buf []byte) (*HandshakeFinMsg, error) {
	const want = headerLen + handshakeExtLen + 8
	if len(buf) < want {
		return nil, &ErrShort{Want: want, Got: len(buf)}
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	version, _, _ := getHandshakeExt(buf[4:10])
	return &HandshakeFinMsg{
		RTEID:   h.RTEID,
		Version: version,
		Seq:     binary.BigEndian.Uint32(buf[10:14]),
		SeqAck:  binary.BigEndian.Uint32(buf[14:18]),
	}, nil
}

// PeekHandshakeType inspects a CTRL_HANDSHAKE message (magic already
// stripped, if present) and returns its phase without fully decoding it.
func PeekHandshakeType(buf []byte) (HandshakeType, error) {
	if len(buf) < headerLen+handshakeExtLen {
		return 0, &ErrShort{Want: headerLen + handshakeExtLen, Got: len(buf)}
	}
	_, ht, _ := getHandshakeExt(buf[4:10])
	return ht, nil
}

// StripMagic removes the handshake magic prefix if present, reporting
// whether it was found.
func StripMagic(buf []byte) ([]byte, bool) {
	if len(buf) >= 4 && binary.BigEndian.Uint32(buf[0:4]) == HandshakeMagic {
		return buf[4:], true
	}
	return buf, false
}
