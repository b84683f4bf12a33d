package tunnel

import "time"

// State is one of the four states a Tunnel passes through.
type State int

const (
	StateClosed State = iota
	StateHandshakeReqSent
	StateHandshakeRespSent
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHandshakeReqSent:
		return "HANDSHAKE_REQ_SENT"
	case StateHandshakeRespSent:
		return "HANDSHAKE_RESP_SENT"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Operation identifies one of the protocol operations gated by state.
type Operation int

const (
	OpSendHandshakeReq Operation = iota
	OpSendHandshakeResp
	OpSendHandshakeFin
	OpDeliverOpened
	OpSendData
	OpSendDataAck
	OpSendKeepalive
	OpSendShutdown
	OpRecvShutdown
)

// permittedStates mirrors the state/operation table in the protocol spec:
// for each operation, the set of states it's allowed in. Any state absent
// from an operation's set means the operation is silently ignored (and
// logged) rather than treated as an error.
var permittedStates = map[Operation]map[State]bool{
	OpSendHandshakeReq:  {StateClosed: true, StateHandshakeReqSent: true},
	OpSendHandshakeResp: {StateClosed: true, StateHandshakeRespSent: true},
	OpSendHandshakeFin:  {StateHandshakeReqSent: true},
	OpDeliverOpened:     {StateHandshakeRespSent: true},
	OpSendData:          {StateReady: true},
	OpSendDataAck:       {StateReady: true},
	OpSendKeepalive:     {StateReady: true},
	OpSendShutdown:      {StateHandshakeReqSent: true, StateHandshakeRespSent: true, StateReady: true},
	OpRecvShutdown:      {StateHandshakeReqSent: true, StateHandshakeRespSent: true, StateReady: true},
}

// Permitted reports whether op is allowed while in state s.
func Permitted(op Operation, s State) bool {
	return permittedStates[op][s]
}

// Timing and sizing constants from the protocol spec.
const (
	HandshakeTimeout    = 2 * time.Second
	HandshakeRetryLimit = 3

	KeepaliveTimeout    = 45 * time.Second
	KeepaliveRetryLimit = 9

	DataAckTimeout    = 1 * time.Second
	DataAckRetryLimit = 90

	MaxTunnelsPerChannel = 5

	// TunnelOpenTimeout bounds the active-open call: 2 x 3 x 2 seconds.
	TunnelOpenTimeout = HandshakeTimeout * time.Duration(HandshakeRetryLimit) * 2
)
