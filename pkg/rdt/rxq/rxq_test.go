package rxq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInOrderCommit(t *testing.T) {
	q := New(MaxPktNum)
	ack := q.Arrange(&Packet{Seq: 1, Payload: []byte("abcd")})
	assert.Equal(t, uint32(5), ack)

	pkt, more := q.Fetch()
	assert.NotNil(t, pkt)
	assert.False(t, more)
	assert.Equal(t, uint32(1), pkt.Seq)
}

func TestDuplicateBelowExpectedIsNoop(t *testing.T) {
	q := New(MaxPktNum)
	q.Arrange(&Packet{Seq: 1, Payload: []byte("abcd")})
	ack := q.Arrange(&Packet{Seq: 1, Payload: []byte("abcd")})
	assert.Equal(t, uint32(5), ack)
	_, more := q.Fetch()
	assert.False(t, more)
}

func TestDuplicateSameSeqPendingIsNoop(t *testing.T) {
	q := New(MaxPktNum)
	// seq 5 arrives first and is held pending (expectedSeq is still 1).
	q.Arrange(&Packet{Seq: 5, Payload: []byte("wxyz")})
	ack := q.Arrange(&Packet{Seq: 5, Payload: []byte("wxyz")})
	assert.Equal(t, uint32(1), ack)
}

func TestOutOfOrderReassembly(t *testing.T) {
	q := New(MaxPktNum)
	// Scenario 3 from the spec: writes at seq=1,5,9 (4 bytes each); 5 is reordered after 9.
	ack1 := q.Arrange(&Packet{Seq: 1, Payload: []byte("aaaa")})
	assert.Equal(t, uint32(5), ack1)

	ack2 := q.Arrange(&Packet{Seq: 9, Payload: []byte("cccc")})
	assert.Equal(t, uint32(5), ack2) // still waiting for 5

	ack3 := q.Arrange(&Packet{Seq: 5, Payload: []byte("bbbb")})
	assert.Equal(t, uint32(13), ack3) // 5 and 9 both become contiguous

	p1, more := q.Fetch()
	assert.Equal(t, uint32(1), p1.Seq)
	assert.True(t, more)
	p2, more := q.Fetch()
	assert.Equal(t, uint32(5), p2.Seq)
	assert.True(t, more)
	p3, more := q.Fetch()
	assert.Equal(t, uint32(9), p3.Seq)
	assert.False(t, more)
}

func TestExpectedSeqNeverRetreats(t *testing.T) {
	q := New(MaxPktNum)
	q.Arrange(&Packet{Seq: 1, Payload: []byte("aaaa")})
	before := q.ExpectedSeq()
	q.Arrange(&Packet{Seq: 1, Payload: []byte("aaaa")})
	assert.Equal(t, before, q.ExpectedSeq())
}

func TestWindowRemaining(t *testing.T) {
	q := New(2)
	assert.EqualValues(t, 2, q.WindowRemaining())
	// seq 9 is pending (non-contiguous), consumes one slot.
	q.Arrange(&Packet{Seq: 9, Payload: []byte("x")})
	assert.EqualValues(t, 1, q.WindowRemaining())
}
