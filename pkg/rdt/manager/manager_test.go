package manager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intcarrier "github.com/datawire/rdt-tunnel/internal/carrier"
	"github.com/datawire/rdt-tunnel/pkg/rdt/carrier"
	"github.com/datawire/rdt-tunnel/pkg/rdt/manager"
	"github.com/datawire/rdt-tunnel/pkg/rdt/tunnel"
	"github.com/datawire/rdt-tunnel/pkg/rdt/wire"
)

// pairedManagers wires two Manager instances over a perfect (or
// impaired) loopback carrier pair, with B auto-accepting every passive
// open using the handler factory supplied.
func pairedManagers(t *testing.T, impairA, impairB intcarrier.Impairment, bAccept tunnel.OpenedFunc) (*manager.Manager, *manager.Manager, func()) {
	t.Helper()
	carA := intcarrier.NewLoopback(impairA)
	carB := intcarrier.NewLoopback(impairB)
	intcarrier.Pair(carA, carB)

	mgrA := manager.New(carA)
	mgrB := manager.New(carB)
	mgrB.SetOpenedHook(bAccept)

	return mgrA, mgrB, func() {
		carA.Close()
		carB.Close()
	}
}

func echoHandler(received *[][]byte, mu *sync.Mutex) *tunnel.Handler {
	return &tunnel.Handler{
		OnData: func(_ uint16, data []byte) {
			mu.Lock()
			*received = append(*received, append([]byte(nil), data...))
			mu.Unlock()
		},
		OnClosed: func(uint16, int) {},
	}
}

func TestCleanOpenWriteClose(t *testing.T) {
	var mu sync.Mutex
	var bReceived [][]byte
	var bTEID uint16
	var bClosed bool

	mgrA, mgrB, cleanup := pairedManagers(t, intcarrier.Impairment{}, intcarrier.Impairment{},
		func(_ context.Context, _, _ int, teid uint16) (*tunnel.Handler, error) {
			bTEID = teid
			return &tunnel.Handler{
				OnData: func(_ uint16, data []byte) {
					mu.Lock()
					bReceived = append(bReceived, append([]byte(nil), data...))
					mu.Unlock()
				},
				OnClosed: func(uint16, int) { bClosed = true },
			}, nil
		})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var aClosed bool
	tunA, err := mgrA.Open(ctx, 1, 1, tunnel.Handler{
		OnData:   func(uint16, []byte) {},
		OnClosed: func(uint16, int) { aClosed = true },
	})
	require.NoError(t, err)
	require.NotNil(t, tunA)

	require.NoError(t, tunA.Write(ctx, []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bReceived) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("hello"), bReceived[0])
	mu.Unlock()

	require.NoError(t, mgrA.Close(tunA.LocalTEID()))

	require.Eventually(t, func() bool { return bClosed }, time.Second, 5*time.Millisecond)
	assert.True(t, aClosed)
	_ = bTEID
}

func TestOutOfOrderDataReassembles(t *testing.T) {
	var mu sync.Mutex
	var bReceived [][]byte

	// Jitter on A's send path lets the three DATA datagrams race each
	// other to B, so they don't necessarily arrive in send order; RxQ
	// must hold the out-of-order ones and commit in byte-stream order
	// regardless (scenario 3).
	jitter := intcarrier.Impairment{MaxJitter: 8 * time.Millisecond}
	mgrA, mgrB, cleanup := pairedManagers(t, jitter, intcarrier.Impairment{},
		func(context.Context, int, int, uint16) (*tunnel.Handler, error) {
			return echoHandler(&bReceived, &mu), nil
		})
	defer cleanup()
	_ = mgrB

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tunA, err := mgrA.Open(ctx, 1, 1, tunnel.Handler{OnData: func(uint16, []byte) {}, OnClosed: func(uint16, int) {}})
	require.NoError(t, err)

	require.NoError(t, tunA.Write(ctx, []byte("aaaa")))
	require.NoError(t, tunA.Write(ctx, []byte("bbbb")))
	require.NoError(t, tunA.Write(ctx, []byte("cccc")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bReceived) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}, bReceived)
	mu.Unlock()

	require.NoError(t, mgrA.Close(tunA.LocalTEID()))
}

func TestHandshakeRequestWithWrongVersionIsRejected(t *testing.T) {
	carA := intcarrier.NewLoopback(intcarrier.Impairment{})
	carB := intcarrier.NewLoopback(intcarrier.Impairment{})
	intcarrier.Pair(carA, carB)
	defer carA.Close()
	defer carB.Close()

	mgrB := manager.New(carB)
	var accepted bool
	mgrB.SetOpenedHook(func(context.Context, int, int, uint16) (*tunnel.Handler, error) {
		accepted = true
		return &tunnel.Handler{OnData: func(uint16, []byte) {}, OnClosed: func(uint16, int) {}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := wire.EncodeHandshakeReq(wire.HandshakeReqMsg{
		Version:  wire.ProtocolVersion + 1,
		LTEID:    1,
		Seq:      0,
		MTU:      wire.MTU,
		WindowSz: wire.WindowSize,
	})
	require.NoError(t, carA.SessionWrite(ctx, 1, 1, req))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, accepted, "a handshake request advertising an unsupported version must be logged and dropped, never accepted")
}

func TestExceedLimitRejectsSixthTunnel(t *testing.T) {
	mgrA, _, cleanup := pairedManagers(t, intcarrier.Impairment{}, intcarrier.Impairment{},
		func(context.Context, int, int, uint16) (*tunnel.Handler, error) {
			return &tunnel.Handler{OnData: func(uint16, []byte) {}, OnClosed: func(uint16, int) {}}, nil
		})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := tunnel.Handler{OnData: func(uint16, []byte) {}, OnClosed: func(uint16, int) {}}
	for i := 0; i < tunnel.MaxTunnelsPerChannel; i++ {
		_, err := mgrA.Open(ctx, 1, 1, h)
		require.NoError(t, err)
	}
	defer mgrA.DestroyAll()

	_, err := mgrA.Open(ctx, 1, 1, h)
	require.Error(t, err)
}

// dropFirstWrites wraps a carrier.Carrier, silently swallowing the first n
// SessionWrite calls and forwarding everything after, so a test can force
// exactly one handshake retry without a timing-dependent race.
type dropFirstWrites struct {
	carrier.Carrier
	mu  sync.Mutex
	left int
}

func (d *dropFirstWrites) SessionWrite(ctx context.Context, sessionID, channelID int, buf []byte) error {
	d.mu.Lock()
	if d.left > 0 {
		d.left--
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.Carrier.SessionWrite(ctx, sessionID, channelID, buf)
}

func TestHandshakeRetryAfterDroppedRequest(t *testing.T) {
	carA := intcarrier.NewLoopback(intcarrier.Impairment{})
	carB := intcarrier.NewLoopback(intcarrier.Impairment{})
	intcarrier.Pair(carA, carB)
	defer carA.Close()
	defer carB.Close()

	lossyA := &dropFirstWrites{Carrier: carA, left: 1}
	mgrA := manager.New(lossyA)
	mgrB := manager.New(carB)
	mgrB.SetOpenedHook(func(context.Context, int, int, uint16) (*tunnel.Handler, error) {
		return &tunnel.Handler{OnData: func(uint16, []byte) {}, OnClosed: func(uint16, int) {}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), tunnel.TunnelOpenTimeout+time.Second)
	defer cancel()

	start := time.Now()
	tunA, err := mgrA.Open(ctx, 1, 1, tunnel.Handler{OnData: func(uint16, []byte) {}, OnClosed: func(uint16, int) {}})
	require.NoError(t, err)
	assert.Equal(t, tunnel.StateReady, tunA.State())
	assert.GreaterOrEqual(t, time.Since(start), tunnel.HandshakeTimeout)

	require.NoError(t, mgrA.Close(tunA.LocalTEID()))
}
