// Package rxq implements the per-tunnel receive reassembly queue: packets
// are accepted out of order, deduplicated, and a contiguous prefix (by
// byte-stream sequence number) is committed for delivery as soon as it
// becomes available.
package rxq

import "sync"

// MaxPktNum is the pending-list capacity from which WindowRemaining
// computes the advertised receive window. Arrange does not refuse a
// packet when the pending list already holds this many.
const MaxPktNum = 255

// Packet is one accepted DATA payload, addressed by its starting sequence
// number in the tunnel's byte stream.
type Packet struct {
	Seq     uint32
	Payload []byte
}

// Queue is the receive reassembly queue. The zero value is not usable;
// construct with New.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending []*Packet // sorted by Seq, not yet contiguous with expectedSeq
	commit  []*Packet // contiguous prefix, awaiting delivery

	expectedSeq uint32
	curPktNum   int
	maxPktNum   int
	running     bool
}

// New creates a Queue with the given pending-list capacity and initial
// expected sequence number (1, matching the sender's first DATA sequence
// per the handshake's seq_num convention).
func New(maxPktNum int) *Queue {
	q := &Queue{expectedSeq: 1, maxPktNum: maxPktNum, running: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// ExpectedSeq returns the next contiguous byte-stream position expected.
func (q *Queue) ExpectedSeq() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expectedSeq
}

// Arrange inserts pkt into the reassembly queue and returns the sequence
// number that should be ACKed. Duplicates (seq < expectedSeq, or seq
// already present) are no-ops that just report the current expectedSeq.
func (q *Queue) Arrange(pkt *Packet) uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pkt.Seq < q.expectedSeq {
		return q.expectedSeq
	}

	idx := len(q.pending)
	for i, p := range q.pending {
		if p.Seq == pkt.Seq {
			return q.expectedSeq // idempotent duplicate
		}
		if p.Seq > pkt.Seq {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = pkt
	q.curPktNum++

	if pkt.Seq == q.expectedSeq {
		q.expectedSeq = q.commitContiguousLocked()
		q.cond.Signal()
	}
	return q.expectedSeq
}

// commitContiguousLocked pops the contiguous prefix (by byte length) from
// pending into commit and returns the new expectedSeq. Must be called with
// q.mu held.
func (q *Queue) commitContiguousLocked() uint32 {
	next := q.expectedSeq
	i := 0
	for i < len(q.pending) && q.pending[i].Seq == next {
		next += uint32(len(q.pending[i].Payload))
		i++
	}
	if i > 0 {
		q.commit = append(q.commit, q.pending[:i]...)
		q.pending = q.pending[i:]
		q.curPktNum -= i
	}
	return next
}

// Fetch pops one committed packet, if any, and reports whether more
// remain committed (so a dispatcher can avoid a spurious wait).
func (q *Queue) Fetch() (*Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.commit) == 0 {
		return nil, false
	}
	pkt := q.commit[0]
	q.commit = q.commit[1:]
	return pkt, len(q.commit) > 0
}

// Len reports how many packets are pending, not yet part of the
// contiguous committed prefix.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curPktNum
}

// WindowRemaining reports how many more packets the receiver can still
// accept, for advertisement in DATA_ACK.
func (q *Queue) WindowRemaining() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.curPktNum >= q.maxPktNum {
		return 0
	}
	return uint32(q.maxPktNum - q.curPktNum)
}

// WaitForWork blocks the calling dispatcher goroutine until either a
// packet has been committed or the queue has been stopped, then reports
// whether the caller should keep running.
func (q *Queue) WaitForWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running && len(q.commit) == 0 {
		q.cond.Wait()
	}
	return q.running
}

// Stop wakes any blocked dispatcher and marks the queue stopped, so
// WaitForWork returns false from then on (Arrange still accepts packets);
// it is called once during tunnel teardown.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	q.cond.Broadcast()
}
