// Package rdt is the thin public API over the reliability engine in its
// subpackages: a process-wide module context bound to exactly one
// carrier, offering Init/Destroy/Open/Close/Write/GetInfo.
package rdt

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datawire/rdt-tunnel/pkg/rdt/carrier"
	"github.com/datawire/rdt-tunnel/pkg/rdt/manager"
	"github.com/datawire/rdt-tunnel/pkg/rdt/rdterr"
	"github.com/datawire/rdt-tunnel/pkg/rdt/tunnel"
)

// Handler is re-exported so callers never need to import pkg/rdt/tunnel
// directly.
type Handler = tunnel.Handler

// OpenedFunc is re-exported for the same reason; it's the passive-open
// accept callback an embedder registers with SetOpenedHook.
type OpenedFunc = tunnel.OpenedFunc

// ForwardFunc is re-exported: the optional port-forwarding hook.
type ForwardFunc = tunnel.ForwardFunc

// Info is re-exported: the per-tunnel stats snapshot from GetInfo.
type Info = tunnel.Info

// Tunnel is re-exported for callers that hold onto the handle Open returns.
type Tunnel = tunnel.Tunnel

// Module is one bound instance of the RDT engine: exactly one carrier,
// one tunnel manager, one set of metrics. Most processes need only one,
// constructed via Init; the type itself is exported so tests can run
// several in the same process without touching global state.
type Module struct {
	mu      sync.Mutex
	started bool
	mgr     *manager.Manager
}

// Init binds a new Module to car and registers it as the carrier's receive
// callback. Every call returns a fresh, independent Module; Init never
// returns AlreadyStarted.
func Init(car carrier.Carrier) (*Module, error) {
	if car == nil {
		return nil, rdterr.New(rdterr.BadParam, "carrier must not be nil")
	}
	m := &Module{mgr: manager.New(car), started: true}
	return m, nil
}

// EnableMetrics wires a Prometheus registry into the module's tunnel
// manager; skip this call to run without metrics.
func (m *Module) EnableMetrics(reg prometheus.Registerer) {
	m.mgr.SetMetrics(manager.NewMetrics(reg))
}

// SetOpenedHook installs the callback invoked when a peer actively opens
// a tunnel toward this module.
func (m *Module) SetOpenedHook(f OpenedFunc) {
	m.mgr.SetOpenedHook(f)
}

// SetForwardHook installs the optional, process-wide port-forwarding
// callback; once latched on a tunnel, inbound DATA routes here
// instead of to that tunnel's Handler.OnData.
func (m *Module) SetForwardHook(f ForwardFunc) {
	m.mgr.SetForwardHook(f)
}

func (m *Module) checkStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return rdterr.New(rdterr.NotStarted, "module not initialized")
	}
	return nil
}

// Open actively opens a new tunnel on (sessionID, channelID), blocking
// until the three-way handshake completes, fails, or times out.
func (m *Module) Open(ctx context.Context, sessionID, channelID int, h Handler) (*Tunnel, error) {
	if err := m.checkStarted(); err != nil {
		return nil, err
	}
	if h.OnData == nil || h.OnClosed == nil {
		return nil, rdterr.New(rdterr.BadParam, "handler must set OnData and OnClosed")
	}
	return m.mgr.Open(ctx, sessionID, channelID, h)
}

// Close gracefully tears down one tunnel, notifying the peer with SHUTDOWN.
func (m *Module) Close(teid uint16) error {
	if err := m.checkStarted(); err != nil {
		return err
	}
	return m.mgr.Close(teid)
}

// Write enqueues data for transmission on an already-open tunnel.
func (m *Module) Write(teid uint16, data []byte) error {
	if err := m.checkStarted(); err != nil {
		return err
	}
	if len(data) == 0 {
		return rdterr.New(rdterr.BadParam, "write requires a non-empty payload")
	}
	return m.mgr.Write(teid, data)
}

// GetInfo reports the per-tunnel byte counters.
func (m *Module) GetInfo(teid uint16) (Info, error) {
	if err := m.checkStarted(); err != nil {
		return Info{}, err
	}
	return m.mgr.GetInfo(teid)
}

// Destroy tears down every live tunnel and marks the module unusable;
// Open, Close, Write and GetInfo afterward return NotStarted.
func (m *Module) Destroy() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()
	m.mgr.DestroyAll()
}
