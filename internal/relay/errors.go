package relay

import (
	"github.com/coder/websocket"
	"golang.org/x/xerrors"

	"github.com/coder/termrelay/termrelaysdk"
)

// Sentinel errors for internal plumbing; never sent to a peer directly.
var (
	ErrQueueOverflow     = xerrors.New("outbound queue overflow")
	ErrProtocolViolation = xerrors.New("protocol violation")
)

// closeAction bundles the wire-level error frame (if any) to send before
// closing, with the WebSocket close code and reason. Four of the six
// failure categories in spec.md §7 (1, 2, 4 and 5) resolve to one of
// these; peer disconnect (3) is handled in the router by sending the
// survivor an informational message, and acceptor faults (6) are logged
// by the acceptor before any Conn exists.
type closeAction struct {
	emit   *termrelaysdk.Error
	status websocket.StatusCode
	reason string
}

// protocolViolation is category 1: a decoded message that is wrong for the
// connection's state or not permitted for the sender's role, or a
// session_data payload that does not unwrap to a browser-bound kind. The
// offending connection is closed; its peer, if any, is untouched. A frame
// that fails to decode at all does not reach this path: the read loops
// treat the decode error like a read error and close the connection
// without sending an error frame.
func protocolViolation(reason string) closeAction {
	return closeAction{
		emit:   &termrelaysdk.Error{Type: termrelaysdk.TypeError, Code: termrelaysdk.ErrorInvalidMessage, Message: reason},
		status: websocket.StatusProtocolError,
		reason: reason,
	}
}

// pairingFailure is category 2: a join/rejoin attempt rejected by the
// registry. Only the offending browser is closed.
func pairingFailure(code termrelaysdk.ErrorCode, reason string) closeAction {
	return closeAction{
		emit:   &termrelaysdk.Error{Type: termrelaysdk.TypeError, Code: code, Message: reason},
		status: websocket.StatusPolicyViolation,
		reason: reason,
	}
}

// livenessFailure is category 4: a missed pong, write timeout, or queue
// overflow. No error frame is emitted — the peer is simply gone.
func livenessFailure(reason string) closeAction {
	return closeAction{status: websocket.StatusPolicyViolation, reason: reason}
}

// internalFault is category 5: an unexpected error isolated to this
// connection's task. Logged by the caller; never propagated.
func internalFault(reason string) closeAction {
	return closeAction{status: websocket.StatusInternalError, reason: reason}
}
