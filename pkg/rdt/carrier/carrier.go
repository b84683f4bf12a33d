// Package carrier defines the contract RDT requires from the unreliable,
// message-oriented transport it runs over: a blocking per-datagram write,
// an inbound-callback registration, and a per (session, channel) hook used
// to enable/disable delivery while at least one tunnel is live there.
package carrier

import "context"

// RecvFunc is invoked by the carrier for every inbound datagram on a
// session/channel that has RDT traffic hooked, and for every inbound
// magic-prefixed handshake request whether or not its channel is hooked.
// It runs on the carrier's own thread/goroutine.
type RecvFunc func(sessionID, channelID int, buf []byte)

// Carrier is the unreliable transport RDT is layered over. It may drop,
// reorder, or duplicate datagrams but must not corrupt them.
type Carrier interface {
	// SessionWrite blocks until one datagram has been handed to the
	// carrier (implementation-defined blocking semantics).
	SessionWrite(ctx context.Context, sessionID, channelID int, buf []byte) error

	// SetRecvCallback registers the single callback invoked for all RDT
	// traffic across every session/channel. It is set once, at Init.
	SetRecvCallback(cb RecvFunc)

	// SetHook enables or disables carrier delivery for a given
	// (session, channel) pair; handshake requests are delivered either
	// way. Called when the first/last tunnel on that pair is
	// added/removed.
	SetHook(sessionID, channelID int, enable bool)
}
