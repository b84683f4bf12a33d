package tunnel

import (
	"sync"
	"time"
)

// retransmitTimer is the tunnel's single-shot, re-armed timer for
// handshake retry, keepalive, and data-ack timeout. Only one of those is
// ever pending at a time, matching invariant 4 of the protocol spec.
type retransmitTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

func newRetransmitTimer() *retransmitTimer {
	return &retransmitTimer{}
}

// arm stops any pending timer and schedules f to run after d.
func (rt *retransmitTimer) arm(d time.Duration, f func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.t != nil {
		rt.t.Stop()
	}
	rt.t = time.AfterFunc(d, f)
}

// stop cancels any pending timer; it is idempotent.
func (rt *retransmitTimer) stop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.t != nil {
		rt.t.Stop()
	}
}
