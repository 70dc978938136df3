package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"cdr.dev/slog"

	"github.com/coder/termrelay/termrelaysdk"
)

// Role identifies which side of the pair a Conn plays.
type Role int

const (
	RoleAgent Role = iota
	RoleBrowser
)

func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "browser"
}

// State is a Connection FSM state, per spec.md §4.3.
type State int

const (
	StateAwaitingRegister State = iota
	StateAwaitingJoin
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

// frame is one entry in a Conn's outbound queue: either a JSON message to
// marshal, or pre-encoded bytes (text or binary) to forward verbatim. The
// verbatim path is what lets forwarding stay byte-exact, per spec.md §8's
// "forward(m) delivers m's payload unchanged" law.
type frame struct {
	message   termrelaysdk.Message
	rawText   []byte
	rawBinary []byte
}

// Conn wraps one upgraded WebSocket with the bookkeeping the router needs:
// its role, FSM state, back-reference to its Pair, and a bounded outbound
// queue drained by a single writer goroutine — the same per-instance-lock,
// one-owner-per-field shape as the teacher's Stream, generalized from pipe
// reconnection to a two-role WebSocket FSM.
type Conn struct {
	ws     *websocket.Conn
	role   Role
	logger slog.Logger

	mu    sync.Mutex
	state State
	pair  any // *registry.Pair; kept as any here so relay need not import registry in this file's signature, set by Router

	outbound    chan frame
	closeOnce   sync.Once
	done        chan struct{}
	closeStatus websocket.StatusCode
	closeReason string
}

// NewConn wraps an accepted WebSocket. queueLimit bounds the outbound
// channel; a full queue means the peer is too slow and is closed, never
// blocked on, per spec.md §4.3's overflow rule.
func NewConn(ws *websocket.Conn, role Role, logger slog.Logger, queueLimit int) *Conn {
	return &Conn{
		ws:       ws,
		role:     role,
		logger:   logger.Named("conn." + role.String()),
		state:    StateAwaitingRegister,
		outbound: make(chan frame, queueLimit),
		done:     make(chan struct{}),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Conn) Pair() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pair
}

func (c *Conn) SetPair(p any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair = p
}

// EnqueueMessage marshals msg lazily in the writer goroutine and queues it
// for delivery. It never blocks: a full queue is treated as an overflow
// and reported to the caller so it can close this connection.
func (c *Conn) EnqueueMessage(msg termrelaysdk.Message) error {
	select {
	case c.outbound <- frame{message: msg}:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// EnqueueRawText queues pre-encoded JSON bytes, used when forwarding a
// peer's payload verbatim instead of decoding and re-marshaling it.
func (c *Conn) EnqueueRawText(b []byte) error {
	select {
	case c.outbound <- frame{rawText: b}:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// EnqueueBinary queues a raw binary frame (the terminal-byte fast path).
func (c *Conn) EnqueueBinary(b []byte) error {
	select {
	case c.outbound <- frame{rawBinary: b}:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// writeLoop drains the outbound queue until the connection is closed. It
// is the only goroutine that ever calls ws.Write, matching spec.md §5's
// rule that a peer is always addressed through its own owning task. On
// the done signal it drains whatever is already queued — typically a
// final error frame an applyClose enqueued just before closing — so that
// frame is never lost to a race against the socket teardown below.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			c.drainOutbound(ctx)
			_ = c.ws.Close(c.closeStatus, c.closeReason)
			return
		case f := <-c.outbound:
			if err := c.writeFrame(ctx, f); err != nil {
				c.logger.Debug(ctx, "write failed, closing", slog.Error(err))
				c.Close(websocket.StatusInternalError, "write failed")
				_ = c.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Conn) writeFrame(ctx context.Context, f frame) error {
	switch {
	case f.rawBinary != nil:
		return c.ws.Write(ctx, websocket.MessageBinary, f.rawBinary)
	case f.rawText != nil:
		return c.ws.Write(ctx, websocket.MessageText, f.rawText)
	case f.message != nil:
		return wsjson.Write(ctx, c.ws, f.message)
	default:
		return nil
	}
}

// drainOutbound flushes whatever is already buffered without blocking,
// used once on shutdown so a frame queued just before Close still goes
// out before the socket closes underneath it.
func (c *Conn) drainOutbound(ctx context.Context) {
	for {
		select {
		case f := <-c.outbound:
			_ = c.writeFrame(ctx, f)
		default:
			return
		}
	}
}

// ReadText reads and decodes the next text frame as a termrelaysdk
// message. Returns an error wrapping io/websocket failures; callers must
// treat any error as connection-fatal.
func (c *Conn) ReadText(ctx context.Context) (termrelaysdk.Message, error) {
	_, raw, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return termrelaysdk.Decode(raw)
}

// ReadFrame reads the next frame without assuming its type, returning
// whichever of msg/binary is populated. Used by the agent-side loop,
// which must accept both the session_data JSON catalog and raw binary
// terminal output on the same socket.
func (c *Conn) ReadFrame(ctx context.Context) (msg termrelaysdk.Message, binary []byte, err error) {
	typ, raw, err := c.ws.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	if typ == websocket.MessageBinary {
		return nil, raw, nil
	}
	msg, err = termrelaysdk.Decode(raw)
	return msg, nil, err
}

// Close signals shutdown exactly once; the writer goroutine started by
// Serve performs the actual socket teardown after draining any frame
// still queued (see writeLoop). Safe to call from any goroutine, any
// number of times. If Serve was never called (true only in tests that
// construct a Conn directly), the underlying socket is left to the
// caller to close.
func (c *Conn) Close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.SetState(StateClosed)
		c.closeStatus = status
		c.closeReason = reason
		close(c.done)
	})
}

// Serve starts the writer goroutine. Callers run the role-specific read
// loop (owned by Router) in their own goroutine or the calling one.
func (c *Conn) Serve(ctx context.Context) {
	go c.writeLoop(ctx)
}

// LivenessLoop probes an idle connection with protocol-level WebSocket
// pings at interval, closing it after two consecutive missed pongs, per
// spec.md §4.1 and §5's cancellation rules. It returns when ctx is done
// or the connection closes, whichever comes first.
func (c *Conn) LivenessLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				missed++
				c.logger.Debug(ctx, "missed pong", slog.F("count", missed))
				if missed >= 2 {
					c.Close(websocket.StatusPolicyViolation, "missed two consecutive pongs")
					return
				}
				continue
			}
			missed = 0
		}
	}
}
