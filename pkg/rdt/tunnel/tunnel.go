// Package tunnel implements the per-tunnel RDT protocol engine: the state
// machine, protocol operations, and the tx/rx dispatcher goroutines that
// drain the transmit and receive reassembly queues. A Tunnel never reaches
// across to the manager that owns it directly; lifecycle transitions
// (destroy) are reported upward through the onTerminal callback supplied
// at construction, keeping this package free of any dependency on the
// tunnel manager.
package tunnel

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/rdt-tunnel/pkg/rdt/carrier"
	"github.com/datawire/rdt-tunnel/pkg/rdt/rdterr"
	"github.com/datawire/rdt-tunnel/pkg/rdt/rxq"
	"github.com/datawire/rdt-tunnel/pkg/rdt/txq"
	"github.com/datawire/rdt-tunnel/pkg/rdt/wire"
)

// Handler carries the application callbacks for one tunnel. Both fields
// are required once a tunnel reaches READY.
type Handler struct {
	OnData   func(teid uint16, data []byte)
	OnClosed func(teid uint16, reason int)
}

// ForwardFunc is the optional, process-wide port-forwarding hook: once
// latched on a tunnel, subsequent DATA goes here instead of to OnData.
type ForwardFunc func(teid uint16, data []byte)

// OpenedFunc is invoked by the receiving side once an inbound handshake's
// final FIN has been processed, to obtain the application handler.
type OpenedFunc func(ctx context.Context, sessionID, channelID int, teid uint16) (*Handler, error)

// Info is the snapshot returned by the public API's get_info.
type Info struct {
	SessionID       int
	ChannelID       int
	BytesSent       uint64
	BytesReceived   uint64
}

// Tunnel is the central per-tunnel entity: wire state, the two reliability
// queues, and the goroutines that drain them.
type Tunnel struct {
	mu sync.Mutex

	state State

	sessionID, channelID int
	localTEID, peerTEID  uint16

	seqNum         uint32
	ctrlAckNum     uint32
	peerWindowSz   uint32
	timeoutCounter int
	dataSending    bool

	txBytes, rxBytes uint64

	fwdData2Upper bool
	forwardHook   ForwardFunc

	handler Handler

	txq *txq.Queue
	rxq *rxq.Queue

	// oldestSentAt is stamped when Write queues a packet into an empty
	// TxQ, and again when a cumulative ack advances with packets still
	// queued; it is used to report ack-RTT to onAckRTT when the cumulative
	// ack advances.
	oldestSentAt time.Time
	onAckRTT     func(time.Duration)

	carrier carrier.Carrier
	timer   *retransmitTimer

	onTerminal func(t *Tunnel, sendShutdown bool)

	done     chan struct{}
	doneOnce sync.Once

	closedOnce sync.Once

	wg sync.WaitGroup
}

// New constructs a Tunnel in state CLOSED. It does not start the
// dispatcher goroutines; call StartDispatchers once the handshake
// completes.
func New(sessionID, channelID int, localTEID uint16, car carrier.Carrier, forward ForwardFunc, onTerminal func(*Tunnel, bool)) *Tunnel {
	return &Tunnel{
		state:       StateClosed,
		sessionID:   sessionID,
		channelID:   channelID,
		localTEID:   localTEID,
		carrier:     car,
		forwardHook: forward,
		onTerminal:  onTerminal,
		txq:         txq.New(txq.MaxTxqLen),
		rxq:         rxq.New(rxq.MaxPktNum),
		timer:       newRetransmitTimer(),
		done:        make(chan struct{}),
	}
}

// --- accessors ------------------------------------------------------------

func (t *Tunnel) SessionChannel() (int, int) { return t.sessionID, t.channelID }

func (t *Tunnel) LocalTEID() uint16 { return t.localTEID }

func (t *Tunnel) PeerTEID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTEID
}

func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) TxQueueLen() int { return t.txq.Len() }

func (t *Tunnel) RxQueueLen() int { return t.rxq.Len() }

func (t *Tunnel) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		SessionID:     t.sessionID,
		ChannelID:     t.channelID,
		BytesSent:     t.txBytes,
		BytesReceived: t.rxBytes,
	}
}

// SetHandler installs the application callbacks; used by the active-open
// path, which already knows its handler before the handshake completes.
func (t *Tunnel) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// SetAckRTTObserver installs a callback invoked each time a DATA_ACK
// advances the cumulative ack, reporting how long the oldest acked packet
// had been outstanding. The manager uses this to feed its ack-RTT
// histogram without this package importing anything about metrics.
func (t *Tunnel) SetAckRTTObserver(fn func(time.Duration)) {
	t.mu.Lock()
	t.onAckRTT = fn
	t.mu.Unlock()
}

// InitFromReq records peer state learned from an inbound HANDSHAKE_REQ,
// before the RESP is sent.
func (t *Tunnel) InitFromReq(peerTEID uint16, reqSeq uint32, peerWindowSz uint32) {
	t.mu.Lock()
	t.peerTEID = peerTEID
	t.peerWindowSz = peerWindowSz
	t.ctrlAckNum = reqSeq + 1
	t.mu.Unlock()
}

// --- handshake completion wait (§9 design note: restructured as an
// awaited asynchronous completion rather than a raw condition variable) ---

func (t *Tunnel) signalReady() {
	t.doneOnce.Do(func() { close(t.done) })
}

// MarkDone transitions the tunnel to CLOSED and wakes anything waiting on
// WaitReady; it is idempotent and safe to call even if the tunnel never
// reached READY.
func (t *Tunnel) MarkDone() {
	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()
	t.timer.stop()
	t.doneOnce.Do(func() { close(t.done) })
}

// WaitReady blocks the active opener until the handshake completes,
// fails, or timeout elapses.
func (t *Tunnel) WaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-t.done:
		if t.State() != StateReady {
			return rdterr.New(rdterr.Generic, "handshake failed for tunnel %d", t.localTEID)
		}
		return nil
	case <-time.After(timeout):
		return rdterr.New(rdterr.Generic, "handshake timed out for tunnel %d", t.localTEID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InvokeClosedOnce calls the application's OnClosed callback exactly once,
// satisfying invariant 3 of the protocol spec.
func (t *Tunnel) InvokeClosedOnce() {
	t.closedOnce.Do(func() {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h.OnClosed != nil {
			h.OnClosed(t.localTEID, 0)
		}
	})
}

// --- protocol operations (§4.5) -------------------------------------------

// SendHandshakeReq is the active-open operation: CLOSED -> HANDSHAKE_REQ_SENT.
func (t *Tunnel) SendHandshakeReq(ctx context.Context) error {
	t.mu.Lock()
	if !Permitted(OpSendHandshakeReq, t.state) {
		t.mu.Unlock()
		return rdterr.New(rdterr.Generic, "handshake request not permitted in state %s", t.state)
	}
	buf := wire.EncodeHandshakeReq(wire.HandshakeReqMsg{
		Version:  wire.ProtocolVersion,
		LTEID:    t.localTEID,
		Seq:      t.seqNum,
		MTU:      wire.MTU,
		WindowSz: wire.WindowSize,
	})
	t.state = StateHandshakeReqSent
	delay := time.Duration(t.timeoutCounter+1) * HandshakeTimeout
	t.mu.Unlock()

	if err := t.carrier.SessionWrite(ctx, t.sessionID, t.channelID, buf); err != nil {
		return errors.Wrapf(err, "send handshake request for teid %d", t.localTEID)
	}
	t.timer.arm(delay, func() { t.onTimeout(ctx) })
	return nil
}

// SendHandshakeResp answers an inbound REQ: CLOSED -> HANDSHAKE_RESP_SENT.
func (t *Tunnel) SendHandshakeResp(ctx context.Context) error {
	t.mu.Lock()
	if !Permitted(OpSendHandshakeResp, t.state) {
		t.mu.Unlock()
		return rdterr.New(rdterr.Generic, "handshake response not permitted in state %s", t.state)
	}
	buf := wire.EncodeHandshakeResp(wire.HandshakeRespMsg{
		RTEID:    t.peerTEID,
		Version:  wire.ProtocolVersion,
		LTEID:    t.localTEID,
		Seq:      t.seqNum,
		SeqAck:   t.ctrlAckNum,
		MTU:      wire.MTU,
		WindowSz: wire.WindowSize,
	})
	t.state = StateHandshakeRespSent
	delay := time.Duration(t.timeoutCounter+1) * HandshakeTimeout
	t.mu.Unlock()

	if err := t.carrier.SessionWrite(ctx, t.sessionID, t.channelID, buf); err != nil {
		return errors.Wrapf(err, "send handshake response for teid %d", t.localTEID)
	}
	t.timer.arm(delay, func() { t.onTimeout(ctx) })
	return nil
}

// HandleHandshakeResp is the active opener's reaction to an inbound RESP:
// HANDSHAKE_REQ_SENT -> READY, sending FIN along the way.
func (t *Tunnel) HandleHandshakeResp(ctx context.Context, msg *wire.HandshakeRespMsg) {
	t.mu.Lock()
	if !Permitted(OpSendHandshakeFin, t.state) {
		t.mu.Unlock()
		return
	}
	t.peerTEID = msg.LTEID
	t.peerWindowSz = msg.WindowSz
	t.timeoutCounter = 0
	t.seqNum++
	seq := t.seqNum
	t.ctrlAckNum = msg.Seq + 1
	seqAck := t.ctrlAckNum
	buf := wire.EncodeHandshakeFin(wire.HandshakeFinMsg{RTEID: t.peerTEID, Version: wire.ProtocolVersion, Seq: seq, SeqAck: seqAck})
	t.state = StateReady
	t.mu.Unlock()

	if err := t.carrier.SessionWrite(ctx, t.sessionID, t.channelID, buf); err != nil {
		dlog.Errorf(ctx, "tunnel %d: failed to send handshake fin: %v", t.localTEID, err)
	}
	t.signalReady()
	t.armKeepalive(ctx)
}

// HandleHandshakeFin is the passive acceptor's reaction to the final FIN:
// HANDSHAKE_RESP_SENT -> READY, invoking the upward open callback. It
// reports whether the tunnel survived (false means the upward callback
// rejected it and it has already been torn down).
func (t *Tunnel) HandleHandshakeFin(ctx context.Context, msg *wire.HandshakeFinMsg, opened OpenedFunc) bool {
	t.mu.Lock()
	if !Permitted(OpDeliverOpened, t.state) {
		t.mu.Unlock()
		return false
	}
	t.timeoutCounter = 0
	t.seqNum++
	t.state = StateReady
	sessionID, channelID, teid := t.sessionID, t.channelID, t.localTEID
	t.mu.Unlock()
	t.signalReady()

	handler, err := opened(ctx, sessionID, channelID, teid)
	if err != nil || handler == nil || handler.OnData == nil || handler.OnClosed == nil {
		dlog.Errorf(ctx, "tunnel %d: upward open callback rejected the tunnel: %v", teid, err)
		t.onTerminal(t, true)
		return false
	}
	t.SetHandler(*handler)
	t.armKeepalive(ctx)
	return true
}

// Write enqueues one DATA payload; it never blocks on the carrier.
func (t *Tunnel) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if !Permitted(OpSendData, t.state) {
		t.mu.Unlock()
		return rdterr.New(rdterr.BadTunnel, "tunnel %d is not ready", t.localTEID)
	}
	seq := t.seqNum
	t.seqNum += uint32(len(data))
	t.txBytes += uint64(len(data))
	rteid := t.peerTEID
	if t.txq.Len() == 0 {
		t.oldestSentAt = time.Now()
	}
	t.mu.Unlock()

	buf := wire.EncodeData(rteid, seq, data)
	t.txq.Push(&txq.Packet{Seq: seq, Data: buf})
	return nil
}

func (t *Tunnel) sendDataAck(ctx context.Context, ackNum uint32) {
	t.mu.Lock()
	if !Permitted(OpSendDataAck, t.state) {
		t.mu.Unlock()
		return
	}
	rteid := t.peerTEID
	t.mu.Unlock()
	window := t.rxq.WindowRemaining()
	buf := wire.EncodeDataAck(rteid, ackNum, window)
	if err := t.carrier.SessionWrite(ctx, t.sessionID, t.channelID, buf); err != nil {
		dlog.Errorf(ctx, "tunnel %d: failed to send data ack: %v", t.localTEID, err)
	}
}

func (t *Tunnel) sendKeepaliveMsg(ctx context.Context) {
	t.mu.Lock()
	if !Permitted(OpSendKeepalive, t.state) {
		t.mu.Unlock()
		return
	}
	rteid := t.peerTEID
	t.mu.Unlock()
	if err := t.carrier.SessionWrite(ctx, t.sessionID, t.channelID, wire.EncodeKeepalive(rteid)); err != nil {
		dlog.Errorf(ctx, "tunnel %d: failed to send keepalive: %v", t.localTEID, err)
	}
}

// SendShutdown sends a SHUTDOWN message if the state allows it; used by
// the manager when tearing a tunnel down gracefully.
func (t *Tunnel) SendShutdown(ctx context.Context) {
	t.mu.Lock()
	allowed := Permitted(OpSendShutdown, t.state)
	rteid := t.peerTEID
	t.mu.Unlock()
	if !allowed {
		return
	}
	if err := t.carrier.SessionWrite(ctx, t.sessionID, t.channelID, wire.EncodeShutdown(rteid)); err != nil {
		dlog.Errorf(ctx, "tunnel %d: failed to send shutdown: %v", t.localTEID, err)
	}
}

// --- inbound message handlers (§4.6) ---------------------------------------

func (t *Tunnel) HandleData(ctx context.Context, msg *wire.DataMsg) {
	t.mu.Lock()
	if t.state != StateReady {
		t.mu.Unlock()
		dlog.Errorf(ctx, "tunnel %d: dropping data in state %s", t.localTEID, t.state)
		return
	}
	t.timeoutCounter = 0
	t.mu.Unlock()

	ack := t.rxq.Arrange(&rxq.Packet{Seq: msg.Seq, Payload: msg.Payload})
	t.sendDataAck(ctx, ack)
	t.rearmAfterAccepted(ctx)
}

func (t *Tunnel) HandleDataAck(ctx context.Context, msg *wire.DataAckMsg) {
	t.mu.Lock()
	if t.state != StateReady {
		t.mu.Unlock()
		dlog.Errorf(ctx, "tunnel %d: dropping data ack in state %s", t.localTEID, t.state)
		return
	}
	t.timeoutCounter = 0
	t.peerWindowSz = msg.WindowSz
	t.mu.Unlock()

	res := t.txq.UpdateAck(msg.SeqAck)
	if res.Resend {
		dlog.Debugf(ctx, "tunnel %d: fast resend triggered at ack %d", t.localTEID, res.ResendFrom)
	}

	t.mu.Lock()
	remaining := t.txq.Len()
	t.dataSending = remaining > 0
	var rtt time.Duration
	var onAckRTT func(time.Duration)
	if !res.Stale && !res.Duplicate && !t.oldestSentAt.IsZero() {
		rtt = time.Since(t.oldestSentAt)
		onAckRTT = t.onAckRTT
		if remaining > 0 {
			t.oldestSentAt = time.Now()
		}
	}
	t.mu.Unlock()
	if onAckRTT != nil {
		onAckRTT(rtt)
	}
	t.rearmAfterAccepted(ctx)
}

func (t *Tunnel) HandleKeepalive(ctx context.Context) {
	t.mu.Lock()
	if t.state != StateReady {
		t.mu.Unlock()
		dlog.Errorf(ctx, "tunnel %d: dropping keepalive in state %s", t.localTEID, t.state)
		return
	}
	t.timeoutCounter = 0
	t.mu.Unlock()
	t.rearmAfterAccepted(ctx)
}

// HandleShutdown tears the tunnel down without re-sending SHUTDOWN,
// per spec.md's "any state + recv SHUTDOWN -> destroy" transition.
func (t *Tunnel) HandleShutdown(ctx context.Context) {
	if !Permitted(OpRecvShutdown, t.State()) {
		return
	}
	t.onTerminal(t, false)
}

// --- timers (§4.8) ----------------------------------------------------------

func (t *Tunnel) armKeepalive(ctx context.Context) {
	t.timer.arm(KeepaliveTimeout, func() { t.onTimeout(ctx) })
}

func (t *Tunnel) armDataAck(ctx context.Context) {
	t.timer.arm(DataAckTimeout, func() { t.onTimeout(ctx) })
}

func (t *Tunnel) rearmAfterAccepted(ctx context.Context) {
	t.mu.Lock()
	sending := t.dataSending
	t.mu.Unlock()
	if sending {
		t.armDataAck(ctx)
	} else {
		t.armKeepalive(ctx)
	}
}

// onTimeout is the single-shot timer callback, re-arming itself per the
// spec's timeout table.
func (t *Tunnel) onTimeout(ctx context.Context) {
	switch t.State() {
	case StateHandshakeReqSent:
		t.mu.Lock()
		t.timeoutCounter++
		limitHit := t.timeoutCounter >= HandshakeRetryLimit
		t.mu.Unlock()
		if limitHit {
			dlog.Errorf(ctx, "tunnel %d: handshake request timed out", t.localTEID)
			t.onTerminal(t, true)
			return
		}
		if err := t.SendHandshakeReq(ctx); err != nil {
			dlog.Errorf(ctx, "tunnel %d: failed to resend handshake request: %v", t.localTEID, err)
		}

	case StateHandshakeRespSent:
		t.mu.Lock()
		t.timeoutCounter++
		limitHit := t.timeoutCounter >= HandshakeRetryLimit
		t.mu.Unlock()
		if limitHit {
			dlog.Errorf(ctx, "tunnel %d: handshake response timed out", t.localTEID)
			t.onTerminal(t, true)
			return
		}
		if err := t.SendHandshakeResp(ctx); err != nil {
			dlog.Errorf(ctx, "tunnel %d: failed to resend handshake response: %v", t.localTEID, err)
		}

	case StateReady:
		t.mu.Lock()
		t.timeoutCounter++
		count := t.timeoutCounter
		sending := t.dataSending
		t.mu.Unlock()

		if sending {
			if count >= DataAckRetryLimit {
				dlog.Errorf(ctx, "tunnel %d: data-ack timeout limit reached", t.localTEID)
				t.onTerminal(t, true)
				return
			}
			if t.txq.TriggerResend() {
				t.armDataAck(ctx)
			} else {
				t.mu.Lock()
				t.dataSending = false
				t.timeoutCounter = 0
				t.mu.Unlock()
				t.armKeepalive(ctx)
			}
		} else {
			if count >= KeepaliveRetryLimit {
				dlog.Errorf(ctx, "tunnel %d: keepalive timeout limit reached", t.localTEID)
				t.onTerminal(t, true)
				return
			}
			t.sendKeepaliveMsg(ctx)
			t.armKeepalive(ctx)
		}
	}
}

// --- dispatchers (§5) --------------------------------------------------------

// StartDispatchers launches the tx and rx dispatcher goroutines; called
// once the handshake has completed.
func (t *Tunnel) StartDispatchers(ctx context.Context) {
	t.wg.Add(2)
	go t.txDispatchLoop(ctx)
	go t.rxDispatchLoop(ctx)

	t.mu.Lock()
	t.dataSending = t.txq.Len() > 0
	t.mu.Unlock()
}

// StopDispatchers signals both queues to stop and waits for the
// dispatcher goroutines to return.
func (t *Tunnel) StopDispatchers() {
	t.txq.Stop()
	t.rxq.Stop()
	t.wg.Wait()
}

func (t *Tunnel) txDispatchLoop(ctx context.Context) {
	defer t.wg.Done()
	for t.txq.WaitForWork() {
		pkt, ok := t.txq.Fetch()
		if !ok {
			continue
		}
		if err := t.carrier.SessionWrite(ctx, t.sessionID, t.channelID, pkt.Data); err != nil {
			dlog.Errorf(ctx, "tunnel %d: carrier write failed: %v", t.localTEID, err)
			continue
		}
		t.mu.Lock()
		wasIdle := !t.dataSending
		t.dataSending = true
		t.mu.Unlock()
		if wasIdle {
			t.armDataAck(ctx)
		}
	}
}

func (t *Tunnel) rxDispatchLoop(ctx context.Context) {
	defer t.wg.Done()
	for t.rxq.WaitForWork() {
		for {
			pkt, more := t.rxq.Fetch()
			if pkt == nil {
				break
			}
			t.deliver(ctx, pkt)
			if !more {
				break
			}
		}
	}
}

const portForwardPayloadLen = 12

func (t *Tunnel) deliver(ctx context.Context, pkt *rxq.Packet) {
	t.mu.Lock()
	t.rxBytes += uint64(len(pkt.Payload))
	if !t.fwdData2Upper && len(pkt.Payload) == portForwardPayloadLen &&
		binary.BigEndian.Uint32(pkt.Payload[:4]) == wire.PortForwardMagic {
		t.fwdData2Upper = true
		dlog.Infof(ctx, "tunnel %d: latching port-forward hook", t.localTEID)
	}
	fwd := t.fwdData2Upper
	handler := t.handler
	hook := t.forwardHook
	teid := t.localTEID
	t.mu.Unlock()

	if fwd && hook != nil {
		hook(teid, pkt.Payload)
		return
	}
	if handler.OnData != nil {
		handler.OnData(teid, pkt.Payload)
	}
}

// EnableForwarding lets a caller latch the port-forward hook explicitly,
// bypassing the magic-prefix auto-detection.
func (t *Tunnel) EnableForwarding(enable bool) {
	t.mu.Lock()
	t.fwdData2Upper = enable
	t.mu.Unlock()
}
