package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	payload := []byte("hello")
	buf := EncodeData(42, 7, payload)
	msg, err := DecodeData(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), msg.RTEID)
	assert.Equal(t, uint32(7), msg.Seq)
	assert.Equal(t, payload, msg.Payload)

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, MsgData, h.Type)
}

func TestDataAckRoundTrip(t *testing.T) {
	buf := EncodeDataAck(1, 100, 255)
	msg, err := DecodeDataAck(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), msg.RTEID)
	assert.Equal(t, uint32(100), msg.SeqAck)
	assert.Equal(t, uint32(255), msg.WindowSz)

	h, _ := DecodeHeader(buf)
	assert.Equal(t, MsgCtrl, h.Type)
	assert.Equal(t, CtrlDataAck, h.CtrlID)
}

func TestKeepaliveAndShutdownHeaders(t *testing.T) {
	ka := EncodeKeepalive(5)
	h, err := DecodeHeader(ka)
	require.NoError(t, err)
	assert.Equal(t, CtrlKeepalive, h.CtrlID)

	sd := EncodeShutdown(5)
	h, err = DecodeHeader(sd)
	require.NoError(t, err)
	assert.Equal(t, CtrlShutdown, h.CtrlID)
}

func TestHandshakeReqRoundTrip(t *testing.T) {
	buf := EncodeHandshakeReq(HandshakeReqMsg{
		Version:  ProtocolVersion,
		LTEID:    1,
		Seq:      0,
		MTU:      MTU,
		WindowSz: WindowSize,
	})
	body, stripped := StripMagic(buf)
	require.True(t, stripped)

	ht, err := PeekHandshakeType(body)
	require.NoError(t, err)
	assert.Equal(t, HandshakeReq, ht)

	msg, err := DecodeHandshakeReq(body)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, msg.Version)
	assert.Equal(t, uint16(1), msg.LTEID)
	assert.Equal(t, uint32(MTU), msg.MTU)
	assert.Equal(t, uint32(WindowSize), msg.WindowSz)
}

func TestHandshakeRespAndFinRoundTrip(t *testing.T) {
	resp := EncodeHandshakeResp(HandshakeRespMsg{
		RTEID: 1, Version: ProtocolVersion, LTEID: 2, Seq: 0, SeqAck: 1, MTU: MTU, WindowSz: WindowSize,
	})
	ht, err := PeekHandshakeType(resp)
	require.NoError(t, err)
	assert.Equal(t, HandshakeResp, ht)
	rm, err := DecodeHandshakeResp(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), rm.LTEID)
	assert.Equal(t, uint32(1), rm.SeqAck)

	fin := EncodeHandshakeFin(HandshakeFinMsg{RTEID: 2, Version: ProtocolVersion, Seq: 1, SeqAck: 1})
	ht, err = PeekHandshakeType(fin)
	require.NoError(t, err)
	assert.Equal(t, HandshakeFin, ht)
	fm, err := DecodeHandshakeFin(fin)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), fm.Seq)
	assert.Equal(t, uint32(1), fm.SeqAck)
}

func TestShortBufferIsDropped(t *testing.T) {
	_, err := DecodeData([]byte{0, 0, 0})
	require.Error(t, err)

	_, err = DecodeDataAck(make([]byte, 8))
	require.Error(t, err)

	_, err = DecodeHandshakeReq(make([]byte, 10))
	require.Error(t, err)
}
