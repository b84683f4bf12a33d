// Package txq implements the per-tunnel transmit queue: buffering encoded
// DATA packets awaiting ACK, advancing on cumulative ACK, detecting
// duplicate ACKs for fast resend, and supporting timer-triggered resend
// from the oldest unacked packet.
package txq

import "sync"

// MaxTxqLen is the capacity a tunnel's Queue is constructed with. Push
// does not check it: packets are appended however many are buffered.
const MaxTxqLen = 1024

// ResendTriggerCount is how many identical cumulative ACKs in a row
// trigger a fast resend.
const ResendTriggerCount = 3

// Packet is one encoded, not-yet-fully-acked outbound DATA message.
type Packet struct {
	Seq  uint32
	Data []byte
}

// Queue is the transmit queue. The zero value is not usable; use New.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	pkts      []*Packet
	sendIndex int
	lastAck   uint32
	ackCount  int
	maxLen    int
	running   bool
}

// New creates a Queue. lastAck starts at 1 to match the handshake's
// seq_num convention (the first DATA sequence is 1).
func New(maxLen int) *Queue {
	q := &Queue{maxLen: maxLen, lastAck: 1, running: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an encoded packet and wakes the tx dispatcher.
func (q *Queue) Push(pkt *Packet) {
	q.mu.Lock()
	q.pkts = append(q.pkts, pkt)
	q.mu.Unlock()
	q.cond.Signal()
}

// Len reports how many unacked packets remain buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pkts)
}

// LastAck reports the last cumulative ack applied.
func (q *Queue) LastAck() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAck
}

// AckResult tells the caller what UpdateAck decided.
type AckResult struct {
	Stale      bool // newAck < lastAck, ignored
	Duplicate  bool // newAck == lastAck
	Resend     bool // duplicate reached ResendTriggerCount
	ResendFrom uint32
}

// UpdateAck applies an inbound cumulative ACK: stale acks are ignored,
// repeats are counted toward a fast resend, and an advancing ack garbage
// collects every packet with seq < newAck.
func (q *Queue) UpdateAck(newAck uint32) AckResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if newAck < q.lastAck {
		return AckResult{Stale: true}
	}
	if newAck == q.lastAck {
		q.ackCount++
		if q.ackCount >= ResendTriggerCount {
			q.ackCount = 0
			if idx, ok := q.ackToIndexLocked(q.lastAck); ok {
				q.sendIndex = idx
				q.cond.Signal()
				return AckResult{Duplicate: true, Resend: true, ResendFrom: q.lastAck}
			}
			return AckResult{Duplicate: true}
		}
		return AckResult{Duplicate: true}
	}

	q.ackCount = 0
	q.lastAck = newAck
	if idx, ok := q.ackToIndexLocked(newAck); ok && q.sendIndex < idx {
		q.sendIndex = idx
	}
	q.gcLocked(newAck)
	return AckResult{}
}

func (q *Queue) ackToIndexLocked(ack uint32) (int, bool) {
	for i, p := range q.pkts {
		if p.Seq == ack {
			return i, true
		}
	}
	return 0, false
}

// gcLocked frees every packet with seq < ack. pkts is append-ordered
// (ascending seq), so the acked prefix sits at the head; walking from the
// tail like the original's update_q does would see the largest seq first
// and break out having freed nothing for any partial ack. Walk from the
// head instead and stop at the first packet still outstanding.
func (q *Queue) gcLocked(ack uint32) {
	n := 0
	for n < len(q.pkts) && q.pkts[n].Seq < ack {
		n++
	}
	if n == 0 {
		return
	}
	q.pkts = append(q.pkts[:0], q.pkts[n:]...)
	q.sendIndex -= n
	if q.sendIndex < 0 {
		q.sendIndex = 0
	}
}

// Fetch returns the next untransmitted packet, if any, and advances
// sendIndex.
func (q *Queue) Fetch() (*Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendIndex >= len(q.pkts) {
		return nil, false
	}
	pkt := q.pkts[q.sendIndex]
	q.sendIndex++
	return pkt, true
}

// TriggerResend rewinds sendIndex to the packet matching lastAck so it
// (and everything after it) is retransmitted. It reports false if there is
// nothing to resend, so the caller can fall back to keepalive.
func (q *Queue) TriggerResend() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) == 0 {
		return false
	}
	idx, ok := q.ackToIndexLocked(q.lastAck)
	if !ok {
		return false
	}
	q.sendIndex = idx
	q.cond.Signal()
	return true
}

// WaitForWork blocks until either an untransmitted packet is available or
// the queue has been stopped, and reports whether the caller should keep
// running.
func (q *Queue) WaitForWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running && q.sendIndex >= len(q.pkts) {
		q.cond.Wait()
	}
	return q.running
}

// Stop wakes any blocked dispatcher and marks the queue as done.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	q.cond.Broadcast()
}
