package txq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchAdvancesSendIndex(t *testing.T) {
	q := New(MaxTxqLen)
	q.Push(&Packet{Seq: 1, Data: []byte("a")})
	q.Push(&Packet{Seq: 2, Data: []byte("b")})

	p, ok := q.Fetch()
	require.True(t, ok)
	assert.EqualValues(t, 1, p.Seq)

	p, ok = q.Fetch()
	require.True(t, ok)
	assert.EqualValues(t, 2, p.Seq)

	_, ok = q.Fetch()
	assert.False(t, ok)
}

func TestUpdateAckIgnoresStale(t *testing.T) {
	q := New(MaxTxqLen)
	q.Push(&Packet{Seq: 1, Data: []byte("a")})
	r := q.UpdateAck(5)
	assert.False(t, r.Stale)
	r = q.UpdateAck(3)
	assert.True(t, r.Stale)
	assert.EqualValues(t, 5, q.LastAck())
}

func TestUpdateAckGarbageCollectsAckedPrefix(t *testing.T) {
	q := New(MaxTxqLen)
	q.Push(&Packet{Seq: 1, Data: []byte("aaaa")})
	q.Push(&Packet{Seq: 5, Data: []byte("bbbb")})
	q.Push(&Packet{Seq: 9, Data: []byte("cccc")})

	q.UpdateAck(5)
	assert.Equal(t, 2, q.Len())

	q.UpdateAck(13)
	assert.Equal(t, 0, q.Len())
}

func TestDuplicateAckTriggersResendOnThird(t *testing.T) {
	q := New(MaxTxqLen)
	q.Push(&Packet{Seq: 1, Data: []byte("aaaa")})
	q.Push(&Packet{Seq: 5, Data: []byte("bbbb")})
	q.UpdateAck(5) // advances lastAck to 5

	r1 := q.UpdateAck(5)
	assert.False(t, r1.Resend)
	r2 := q.UpdateAck(5)
	assert.False(t, r2.Resend)
	r3 := q.UpdateAck(5)
	assert.True(t, r3.Resend)
	assert.EqualValues(t, 5, r3.ResendFrom)

	// The counter was reset, so the count starts over: the next two
	// identical acks do not resend and the third does.
	r4 := q.UpdateAck(5)
	assert.False(t, r4.Resend)
	r5 := q.UpdateAck(5)
	assert.False(t, r5.Resend)
	r6 := q.UpdateAck(5)
	assert.True(t, r6.Resend)
}

func TestTriggerResendRewindsToLastAck(t *testing.T) {
	q := New(MaxTxqLen)
	q.Push(&Packet{Seq: 1, Data: []byte("aaaa")})
	q.Push(&Packet{Seq: 5, Data: []byte("bbbb")})
	q.UpdateAck(5)
	// The ack collected seq 1; drain the one packet left (seq 5).
	q.Fetch()

	ok := q.TriggerResend()
	require.True(t, ok)
	p, ok := q.Fetch()
	require.True(t, ok)
	assert.EqualValues(t, 5, p.Seq)
}

func TestTriggerResendFailsOnEmptyQueue(t *testing.T) {
	q := New(MaxTxqLen)
	assert.False(t, q.TriggerResend())
}
