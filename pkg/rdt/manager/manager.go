// Package manager implements the tunnel manager: TEID allocation, tunnel
// registration and lookup, the per-channel tunnel cap, and the single
// dispatch point that routes inbound carrier datagrams to the right
// tunnel (or spins up a new passive tunnel for an inbound handshake
// request).
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/rdt-tunnel/pkg/rdt/carrier"
	"github.com/datawire/rdt-tunnel/pkg/rdt/rdterr"
	"github.com/datawire/rdt-tunnel/pkg/rdt/tunnel"
	"github.com/datawire/rdt-tunnel/pkg/rdt/wire"
)

// channelKey identifies one (session, channel) pair on the carrier.
type channelKey struct {
	sessionID, channelID int
}

// Manager owns every live Tunnel, the per-channel tunnel count, and the
// carrier receive callback.
type Manager struct {
	mu sync.Mutex

	car carrier.Carrier

	tunnels    map[uint16]*tunnel.Tunnel
	byChannel  map[channelKey]map[uint16]bool
	nextTEIDv  uint16
	forward    tunnel.ForwardFunc
	openedHook tunnel.OpenedFunc
	metrics    *Metrics

	stopMetrics     chan struct{}
	stopMetricsOnce sync.Once

	// recentlyClosed absorbs late-arriving datagrams addressed to a TEID
	// torn down moments ago, so they're logged as stale rather than
	// mistaken for a fresh handshake attempt. A plain timestamp map is
	// enough here; the richer TTL side table lives in cmd/rdtd (§F.2).
	recentlyClosed map[uint16]time.Time
}

const recentlyClosedTTL = 30 * time.Second

// New constructs a Manager bound to one carrier. It registers itself as
// the carrier's receive callback immediately.
func New(car carrier.Carrier) *Manager {
	m := &Manager{
		car:            car,
		tunnels:        make(map[uint16]*tunnel.Tunnel),
		byChannel:      make(map[channelKey]map[uint16]bool),
		recentlyClosed: make(map[uint16]time.Time),
		stopMetrics:    make(chan struct{}),
	}
	car.SetRecvCallback(m.onRecv)
	return m
}

// wasRecentlyClosed reports whether teid was torn down within the last
// recentlyClosedTTL, opportunistically evicting stale entries.
func (m *Manager) wasRecentlyClosed(teid uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.recentlyClosed[teid]
	if !ok {
		return false
	}
	if time.Since(t) > recentlyClosedTTL {
		delete(m.recentlyClosed, teid)
		return false
	}
	return true
}

// SetForwardHook installs the process-wide port-forwarding callback used
// by every tunnel this manager owns.
func (m *Manager) SetForwardHook(f tunnel.ForwardFunc) {
	m.mu.Lock()
	m.forward = f
	m.mu.Unlock()
}

// nextTEIDLocked returns an unused local TEID, wrapping around the 16-bit space
// and skipping zero (reserved) and any TEID still in use. Must be called
// with m.mu held.
func (m *Manager) nextTEIDLocked() (uint16, error) {
	for i := 0; i < 1<<16; i++ {
		m.nextTEIDv++
		if m.nextTEIDv == 0 {
			m.nextTEIDv = 1
		}
		if _, busy := m.tunnels[m.nextTEIDv]; !busy {
			return m.nextTEIDv, nil
		}
	}
	return 0, rdterr.New(rdterr.OOM, "no free local teid")
}

func (m *Manager) channelCountLocked(key channelKey) int {
	return len(m.byChannel[key])
}

func (m *Manager) registerLocked(key channelKey, teid uint16, t *tunnel.Tunnel) {
	m.tunnels[teid] = t
	set, ok := m.byChannel[key]
	if !ok {
		set = make(map[uint16]bool)
		m.byChannel[key] = set
		m.car.SetHook(key.sessionID, key.channelID, true)
	}
	set[teid] = true
	m.observeTunnelCount(1)
}

func (m *Manager) unregisterLocked(key channelKey, teid uint16) {
	delete(m.tunnels, teid)
	if set, ok := m.byChannel[key]; ok {
		delete(set, teid)
		if len(set) == 0 {
			delete(m.byChannel, key)
			m.car.SetHook(key.sessionID, key.channelID, false)
		}
	}
	m.observeTunnelCount(-1)
}

// Open actively opens a new tunnel on (sessionID, channelID), blocking
// until the handshake completes or times out.
func (m *Manager) Open(ctx context.Context, sessionID, channelID int, h tunnel.Handler) (*tunnel.Tunnel, error) {
	key := channelKey{sessionID, channelID}

	m.mu.Lock()
	if m.channelCountLocked(key) >= tunnel.MaxTunnelsPerChannel {
		m.mu.Unlock()
		return nil, rdterr.New(rdterr.ExceedLimit, "channel %d/%d already has %d tunnels", sessionID, channelID, tunnel.MaxTunnelsPerChannel)
	}
	teid, err := m.nextTEIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	t := tunnel.New(sessionID, channelID, teid, m.car, m.forward, m.destroy)
	t.SetHandler(h)
	t.SetAckRTTObserver(m.observeAckRTT)
	m.registerLocked(key, teid, t)
	m.mu.Unlock()

	m.observeHandshakeStarted()
	if err := t.SendHandshakeReq(ctx); err != nil {
		m.destroy(t, false)
		return nil, err
	}
	if err := t.WaitReady(ctx, tunnel.TunnelOpenTimeout); err != nil {
		m.observeHandshakeTimedOut()
		return nil, err
	}
	m.observeHandshakeSucceeded()
	t.StartDispatchers(ctx)
	return t, nil
}

// destroy is the callback every Tunnel uses to report its own teardown,
// whether from a protocol failure, a received SHUTDOWN, or an explicit
// Close.
func (m *Manager) destroy(t *tunnel.Tunnel, sendShutdown bool) {
	sessionID, channelID := t.SessionChannel()
	key := channelKey{sessionID, channelID}
	teid := t.LocalTEID()

	m.mu.Lock()
	_, present := m.tunnels[teid]
	if present {
		m.unregisterLocked(key, teid)
	}
	m.mu.Unlock()
	if !present {
		return
	}

	if sendShutdown {
		t.SendShutdown(context.Background())
	}
	t.MarkDone()
	t.StopDispatchers()
	t.InvokeClosedOnce()

	m.mu.Lock()
	m.recentlyClosed[teid] = time.Now()
	m.mu.Unlock()
}

// Get returns the live tunnel for a local TEID, if any.
func (m *Manager) Get(teid uint16) (*tunnel.Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[teid]
	return t, ok
}

// Close gracefully tears down one tunnel, notifying the peer.
func (m *Manager) Close(teid uint16) error {
	t, ok := m.Get(teid)
	if !ok {
		return rdterr.New(rdterr.BadTunnel, "no such tunnel %d", teid)
	}
	m.destroy(t, true)
	return nil
}

// DestroyAll tears down every live tunnel, used on module shutdown.
func (m *Manager) DestroyAll() {
	m.stopMetricsOnce.Do(func() { close(m.stopMetrics) })
	m.mu.Lock()
	all := make([]*tunnel.Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		all = append(all, t)
	}
	m.mu.Unlock()
	for _, t := range all {
		m.destroy(t, true)
	}
}

// Write enqueues data for transmission on an existing, ready tunnel.
func (m *Manager) Write(teid uint16, data []byte) error {
	t, ok := m.Get(teid)
	if !ok {
		return rdterr.New(rdterr.BadTunnel, "no such tunnel %d", teid)
	}
	return t.Write(context.Background(), data)
}

// GetInfo reports the per-tunnel byte counters for the public API's
// get_info operation.
func (m *Manager) GetInfo(teid uint16) (tunnel.Info, error) {
	t, ok := m.Get(teid)
	if !ok {
		return tunnel.Info{}, rdterr.New(rdterr.BadTunnel, "no such tunnel %d", teid)
	}
	return t.Info(), nil
}

// --- inbound dispatch (§4.7) -----------------------------------------------

// onOpened is passed to the tunnel as its OpenedFunc; it forwards to the
// hook installed with SetOpenedHook. With no hook installed it rejects
// every passive open, so embedders must call SetOpenedHook.
func (m *Manager) onOpened(ctx context.Context, sessionID, channelID int, teid uint16) (*tunnel.Handler, error) {
	m.mu.Lock()
	hook := m.openedHook
	m.mu.Unlock()
	if hook == nil {
		return nil, rdterr.New(rdterr.Generic, "no passive-open handler registered")
	}
	return hook(ctx, sessionID, channelID, teid)
}

// SetOpenedHook installs the callback invoked once a passively-opened
// tunnel's handshake completes, so the embedder can supply OnData/OnClosed.
func (m *Manager) SetOpenedHook(f tunnel.OpenedFunc) {
	m.mu.Lock()
	m.openedHook = f
	m.mu.Unlock()
}

// onRecv is the single callback registered with the carrier; it decodes
// the common header and routes to the right per-type handler.
func (m *Manager) onRecv(sessionID, channelID int, buf []byte) {
	ctx := context.Background()

	if body, isHandshakeReq := wire.StripMagic(buf); isHandshakeReq {
		m.handleHandshakeReq(ctx, sessionID, channelID, body)
		return
	}

	h, err := wire.DecodeHeader(buf)
	if err != nil {
		dlog.Errorf(ctx, "manager: dropping short datagram from session %d channel %d: %v", sessionID, channelID, err)
		return
	}

	t, ok := m.Get(h.RTEID)
	if !ok {
		if !m.wasRecentlyClosed(h.RTEID) {
			dlog.Errorf(ctx, "manager: datagram for unknown tunnel %d", h.RTEID)
		}
		return
	}

	if h.Type == wire.MsgData {
		msg, err := wire.DecodeData(buf)
		if err != nil {
			dlog.Errorf(ctx, "manager: bad data message for tunnel %d: %v", h.RTEID, err)
			return
		}
		t.HandleData(ctx, msg)
		return
	}

	switch h.CtrlID {
	case wire.CtrlHandshake:
		m.handleHandshakeCtrl(ctx, t, buf)
	case wire.CtrlDataAck:
		msg, err := wire.DecodeDataAck(buf)
		if err != nil {
			dlog.Errorf(ctx, "manager: bad data-ack for tunnel %d: %v", h.RTEID, err)
			return
		}
		t.HandleDataAck(ctx, msg)
	case wire.CtrlKeepalive:
		t.HandleKeepalive(ctx)
	case wire.CtrlShutdown:
		t.HandleShutdown(ctx)
	default:
		dlog.Errorf(ctx, "manager: unknown ctrl id %d for tunnel %d", h.CtrlID, h.RTEID)
	}
}

func (m *Manager) handleHandshakeReq(ctx context.Context, sessionID, channelID int, body []byte) {
	req, err := wire.DecodeHandshakeReq(body)
	if err != nil {
		dlog.Errorf(ctx, "manager: bad handshake request: %v", err)
		return
	}
	if req.Version != wire.ProtocolVersion {
		dlog.Errorf(ctx, "manager: rejecting handshake request from peer teid %d: unsupported version %d", req.LTEID, req.Version)
		return
	}

	key := channelKey{sessionID, channelID}

	m.mu.Lock()
	if m.hasPeerLocked(key, req.LTEID) {
		m.mu.Unlock()
		dlog.Debugf(ctx, "manager: duplicate handshake request from peer teid %d, ignoring", req.LTEID)
		return
	}
	if m.channelCountLocked(key) >= tunnel.MaxTunnelsPerChannel {
		m.mu.Unlock()
		dlog.Errorf(ctx, "manager: rejecting handshake, channel %d/%d at capacity", sessionID, channelID)
		return
	}
	teid, err := m.nextTEIDLocked()
	if err != nil {
		m.mu.Unlock()
		dlog.Errorf(ctx, "manager: %v", err)
		return
	}
	t := tunnel.New(sessionID, channelID, teid, m.car, m.forward, m.destroy)
	t.InitFromReq(req.LTEID, req.Seq, req.WindowSz)
	t.SetAckRTTObserver(m.observeAckRTT)
	m.registerLocked(key, teid, t)
	m.mu.Unlock()

	m.observeHandshakeStarted()
	if err := t.SendHandshakeResp(ctx); err != nil {
		dlog.Errorf(ctx, "manager: failed to send handshake response: %v", err)
		m.destroy(t, false)
	}
}

// hasPeerLocked reports whether a tunnel on this channel already has the
// given peer TEID as its remote end, guarding against a duplicate/replayed
// handshake request spawning a second tunnel. Must be called with m.mu held.
func (m *Manager) hasPeerLocked(key channelKey, peerTEID uint16) bool {
	for teid := range m.byChannel[key] {
		if t, ok := m.tunnels[teid]; ok && t.PeerTEID() == peerTEID {
			return true
		}
	}
	return false
}

func (m *Manager) handleHandshakeCtrl(ctx context.Context, t *tunnel.Tunnel, buf []byte) {
	ht, err := wire.PeekHandshakeType(buf)
	if err != nil {
		dlog.Errorf(ctx, "manager: bad handshake ctrl for tunnel %d: %v", t.LocalTEID(), err)
		return
	}
	switch ht {
	case wire.HandshakeResp:
		msg, err := wire.DecodeHandshakeResp(buf)
		if err != nil {
			dlog.Errorf(ctx, "manager: bad handshake response for tunnel %d: %v", t.LocalTEID(), err)
			return
		}
		t.HandleHandshakeResp(ctx, msg)
	case wire.HandshakeFin:
		msg, err := wire.DecodeHandshakeFin(buf)
		if err != nil {
			dlog.Errorf(ctx, "manager: bad handshake fin for tunnel %d: %v", t.LocalTEID(), err)
			return
		}
		if t.HandleHandshakeFin(ctx, msg, m.onOpened) {
			m.observeHandshakeSucceeded()
			t.StartDispatchers(ctx)
		}
	default:
		dlog.Errorf(ctx, "manager: unexpected handshake type %d for tunnel %d", ht, t.LocalTEID())
	}
}
