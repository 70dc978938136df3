// Package relay implements the per-connection state machines and message
// routing described in spec.md §4.3: validating the first frame on each
// socket, dispatching role-appropriate messages, and forwarding payloads
// between a paired agent and browser. Grounded on the teacher's
// agent/immortalstreams.Stream for the per-connection goroutine/lock
// shape, and on other_examples' devopsclaw ws_relay.go for the
// accept-register-loop-cleanup shape of a WebSocket relay handler.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog"

	"github.com/coder/termrelay/internal/metrics"
	"github.com/coder/termrelay/internal/registry"
	"github.com/coder/termrelay/termrelaysdk"
)

// Router owns the registry and the role-specific connection loops. It
// tracks every live Conn only so Shutdown can broadcast a close to each
// of them; routing itself is otherwise stateless, living on the Conn or
// the Pair.
type Router struct {
	logger   slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics

	queueLimit   int
	pingInterval time.Duration
	pingTimeout  time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New creates a Router bound to reg. queueLimit sets every Conn's
// outbound bound (OUTBOUND_QUEUE_LIMIT); pingInterval/pingTimeout drive
// each Conn's idle-liveness probing (spec.md §4.1). m may be nil in
// tests that don't care about metrics.
func New(logger slog.Logger, reg *registry.Registry, m *metrics.Metrics, queueLimit int, pingInterval, pingTimeout time.Duration) *Router {
	return &Router{
		logger:       logger.Named("router"),
		registry:     reg,
		metrics:      m,
		queueLimit:   queueLimit,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		conns:        make(map[*Conn]struct{}),
	}
}

func (rt *Router) track(conn *Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.conns[conn] = struct{}{}
}

func (rt *Router) untrack(conn *Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.conns, conn)
}

// Shutdown closes every currently tracked connection with WebSocket
// close code 1001 ("going away"), per SPEC_FULL.md §10's
// graceful-shutdown broadcast: a restarting Relay is distinguishable
// from a vanished peer without inventing a new message kind. It does
// not wait for the closes to finish draining; callers pair it with the
// HTTP server's own shutdown to bound total wait time.
func (rt *Router) Shutdown() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for conn := range rt.conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (rt *Router) connections(role Role) prometheus.Gauge {
	if rt.metrics == nil {
		return nil
	}
	return rt.metrics.Connections.WithLabelValues(role.String())
}

func (rt *Router) countForwarded(direction string) {
	if rt.metrics != nil {
		rt.metrics.MessagesForwarded.WithLabelValues(direction).Inc()
	}
}

func (rt *Router) countOverflow(role Role) {
	if rt.metrics != nil {
		rt.metrics.OverflowCloses.WithLabelValues(role.String()).Inc()
	}
}

// ServeAgent handles one upgraded `/mac` socket end to end: synthesizes a
// Pair, sends `registered`, then loops forwarding session data to the
// paired browser until the socket closes, at which point the Pair is
// torn down per spec.md §4.3's Failure semantics.
func (rt *Router) ServeAgent(ctx context.Context, ws *websocket.Conn) {
	conn := NewConn(ws, RoleAgent, rt.logger, rt.queueLimit)
	conn.Serve(ctx)
	go conn.LivenessLoop(ctx, rt.pingInterval, rt.pingTimeout)
	defer conn.Close(websocket.StatusNormalClosure, "")

	rt.track(conn)
	defer rt.untrack(conn)

	if g := rt.connections(RoleAgent); g != nil {
		g.Inc()
		defer g.Dec()
	}

	pair, err := rt.registry.CreatePair(conn)
	if err != nil {
		rt.logger.Error(ctx, "create pair failed", slog.Error(err))
		rt.applyClose(ctx, conn, internalFault("create pair failed"))
		return
	}
	conn.SetPair(pair)

	if err := conn.EnqueueMessage(&termrelaysdk.Registered{Type: termrelaysdk.TypeRegistered, Code: pair.Code}); err != nil {
		rt.logger.Error(ctx, "send registered failed", slog.Error(err))
		rt.applyClose(ctx, conn, internalFault("send registered failed"))
		return
	}
	conn.SetState(StateActive)

	rt.logger.Info(ctx, "agent registered", slog.F("code", pair.Code), slog.F("session_id", pair.SessionID))

	rt.agentReadLoop(ctx, conn, pair)

	rt.registry.DisconnectAgent(conn)
	if browser, ok := pair.BrowserConn.(*Conn); ok && browser != nil {
		_ = browser.EnqueueMessage(&termrelaysdk.SessionDisconnected{Type: termrelaysdk.TypeSessionDisconnected, SessionID: pair.SessionID.String()})
	}
}

func (rt *Router) agentReadLoop(ctx context.Context, conn *Conn, pair *registry.Pair) {
	for {
		msg, binary, err := conn.ReadFrame(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				rt.logger.Debug(ctx, "agent read error", slog.Error(err))
			}
			return
		}

		if binary != nil {
			rt.forwardBinary(ctx, conn, pair, binary)
			continue
		}

		if !termrelaysdk.AgentToRelay[msg.MessageType()] {
			action := protocolViolation("unexpected message from agent: " + string(msg.MessageType()))
			rt.applyClose(ctx, conn, action)
			return
		}

		switch m := msg.(type) {
		case *termrelaysdk.Ping:
			_ = conn.EnqueueMessage(&termrelaysdk.Pong{Type: termrelaysdk.TypePong})
		case *termrelaysdk.SessionData:
			rt.forwardSessionData(ctx, conn, pair, m)
		}
	}
}

// forwardBinary extracts the session id from a binary terminal-byte
// frame, confirms it names this connection's own pair, and forwards it
// unchanged to the paired browser (spec.md §4.3's binary fast path).
func (rt *Router) forwardBinary(ctx context.Context, conn *Conn, pair *registry.Pair, raw []byte) {
	sessionID, _, err := termrelaysdk.DecodeBinaryFrame(raw)
	if err != nil {
		rt.logger.Debug(ctx, "malformed binary frame", slog.Error(err))
		return
	}
	if sessionID != pair.SessionID {
		rt.logger.Debug(ctx, "binary frame session id mismatch, dropping")
		return
	}
	browser, ok := pair.BrowserConn.(*Conn)
	if !ok || browser == nil {
		return // fan-out rule: buffered-discard with no browser present
	}
	if err := browser.EnqueueBinary(raw); err != nil {
		rt.countOverflow(RoleBrowser)
		rt.applyClose(ctx, browser, livenessFailure("outbound queue overflow"))
		return
	}
	rt.countForwarded("agent_to_browser")
}

// forwardSessionData unwraps the agent's tagged wrapper and forwards its
// inner payload verbatim to the paired browser, validating only that the
// inner discriminator is one the browser is allowed to receive. Session
// events with no browser present are buffered-discarded, per spec.md
// §4.3's fan-out rule.
func (rt *Router) forwardSessionData(ctx context.Context, conn *Conn, pair *registry.Pair, m *termrelaysdk.SessionData) {
	var inner termrelaysdk.Envelope
	if err := json.Unmarshal(m.Payload, &inner); err != nil {
		rt.applyClose(ctx, conn, protocolViolation("malformed session_data payload"))
		return
	}
	if !termrelaysdk.RelayToBrowser[inner.Type] {
		rt.applyClose(ctx, conn, protocolViolation("session_data wraps non-browser message type: "+string(inner.Type)))
		return
	}

	browser, ok := pair.BrowserConn.(*Conn)
	if !ok || browser == nil {
		return
	}
	if err := browser.EnqueueRawText(m.Payload); err != nil {
		rt.countOverflow(RoleBrowser)
		rt.applyClose(ctx, browser, livenessFailure("outbound queue overflow"))
		return
	}
	rt.countForwarded("agent_to_browser")
}

// ServeBrowser handles one upgraded `/browser` socket end to end: the
// first frame must be join or rejoin; on success the connection enters
// Active and forwards browser-originated control/terminal messages to
// the paired agent until closed.
func (rt *Router) ServeBrowser(ctx context.Context, ws *websocket.Conn) {
	conn := NewConn(ws, RoleBrowser, rt.logger, rt.queueLimit)
	conn.SetState(StateAwaitingJoin)
	conn.Serve(ctx)
	go conn.LivenessLoop(ctx, rt.pingInterval, rt.pingTimeout)
	defer conn.Close(websocket.StatusNormalClosure, "")

	rt.track(conn)
	defer rt.untrack(conn)

	if g := rt.connections(RoleBrowser); g != nil {
		g.Inc()
		defer g.Dec()
	}

	pair := rt.handleFirstBrowserMessage(ctx, conn)
	if pair == nil {
		return
	}

	rt.browserReadLoop(ctx, conn, pair)

	rt.registry.DisconnectBrowser(conn)
	if agent, ok := pair.AgentConn.(*Conn); ok && agent != nil {
		_ = agent.EnqueueMessage(&termrelaysdk.BrowserDisconnected{Type: termrelaysdk.TypeBrowserDisconnected})
	}
}

// handleFirstBrowserMessage reads exactly one frame and requires it be
// join or rejoin, per spec.md §4.1's "/browser upgrades ... First
// client→server frame must be join or rejoin". Returns nil (having
// already closed conn) on any failure.
func (rt *Router) handleFirstBrowserMessage(ctx context.Context, conn *Conn) *registry.Pair {
	conn.SetState(StateAuthenticating)

	msg, err := conn.ReadText(ctx)
	if err != nil {
		return nil
	}

	var pair *registry.Pair
	switch m := msg.(type) {
	case *termrelaysdk.Join:
		pair, err = rt.registry.Join(m.Code, conn)
	case *termrelaysdk.Rejoin:
		var sessionID uuid.UUID
		sessionID, err = uuid.Parse(m.SessionID)
		if err == nil {
			pair, err = rt.registry.Rejoin(sessionID, conn)
		} else {
			err = registry.ErrNotFound
		}
	default:
		rt.applyClose(ctx, conn, protocolViolation("first browser message must be join or rejoin"))
		return nil
	}

	if err != nil {
		rt.applyClose(ctx, conn, pairingFailure(registryErrToCode(err), err.Error()))
		return nil
	}

	conn.SetPair(pair)
	conn.SetState(StateActive)
	if err := conn.EnqueueMessage(&termrelaysdk.Joined{Type: termrelaysdk.TypeJoined, SessionID: pair.SessionID.String()}); err != nil {
		rt.applyClose(ctx, conn, livenessFailure("outbound queue overflow"))
		return nil
	}

	if agent, ok := pair.AgentConn.(*Conn); ok && agent != nil {
		_ = agent.EnqueueMessage(&termrelaysdk.BrowserConnected{Type: termrelaysdk.TypeBrowserConnected})
	}

	rt.logger.Info(ctx, "browser joined", slog.F("session_id", pair.SessionID))
	return pair
}

func (rt *Router) browserReadLoop(ctx context.Context, conn *Conn, pair *registry.Pair) {
	for {
		msg, err := conn.ReadText(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				rt.logger.Debug(ctx, "browser read error", slog.Error(err))
			}
			return
		}

		if !termrelaysdk.BrowserToRelay[msg.MessageType()] {
			rt.applyClose(ctx, conn, protocolViolation("unexpected message from browser: "+string(msg.MessageType())))
			return
		}

		if _, ok := msg.(*termrelaysdk.Ping); ok {
			_ = conn.EnqueueMessage(&termrelaysdk.Pong{Type: termrelaysdk.TypePong})
			continue
		}
		if _, ok := msg.(*termrelaysdk.Join); ok {
			rt.applyClose(ctx, conn, protocolViolation("join not valid once active"))
			return
		}
		if _, ok := msg.(*termrelaysdk.Rejoin); ok {
			rt.applyClose(ctx, conn, protocolViolation("rejoin not valid once active"))
			return
		}

		agent, ok := pair.AgentConn.(*Conn)
		if !ok || agent == nil {
			continue // agent already gone; browser input has nowhere to go
		}
		if err := agent.EnqueueMessage(msg); err != nil {
			rt.countOverflow(RoleAgent)
			rt.applyClose(ctx, agent, livenessFailure("outbound queue overflow"))
			continue
		}
		rt.countForwarded("browser_to_agent")
	}
}

// applyClose emits a's error frame (if any) before closing conn. Emission
// errors are ignored: the socket is closing either way.
func (rt *Router) applyClose(ctx context.Context, conn *Conn, a closeAction) {
	if a.emit != nil {
		_ = conn.EnqueueMessage(a.emit)
	}
	conn.Close(a.status, a.reason)
}

func registryErrToCode(err error) termrelaysdk.ErrorCode {
	switch err {
	case registry.ErrInvalidCode:
		return termrelaysdk.ErrorInvalidCode
	case registry.ErrExpiredCode:
		return termrelaysdk.ErrorExpiredCode
	case registry.ErrAlreadyJoined:
		return termrelaysdk.ErrorAlreadyJoined
	case registry.ErrNotFound:
		return termrelaysdk.ErrorNotFound
	case registry.ErrMacDisconnected:
		return termrelaysdk.ErrorMacDisconnected
	default:
		return termrelaysdk.ErrorInvalidMessage
	}
}
