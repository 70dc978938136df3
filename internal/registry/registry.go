// Package registry owns the Relay's only piece of shared mutable state:
// the pairing-code → Pair map and its reverse indices. It is the Go
// rendering of spec.md §4.2, shaped after the teacher's
// agent/immortalstreams.Manager — a mutex-guarded map of UUID-keyed
// entries with bounded-retry creation and sentinel errors declared via
// xerrors.New.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
)

// Sentinel errors, mirroring the teacher's package-level
// xerrors.New-declared errors in manager.go.
var (
	ErrInvalidCode     = xerrors.New("invalid code")
	ErrExpiredCode     = xerrors.New("expired code")
	ErrAlreadyJoined   = xerrors.New("already joined")
	ErrNotFound        = xerrors.New("not found")
	ErrMacDisconnected = xerrors.New("mac disconnected")
)

// Conn is the minimal shape the registry needs from a connection: an
// identity it can compare for equality and store as an opaque back
// reference. The concrete *relay.Conn satisfies this implicitly; the
// registry never dereferences it, only compares and stores pointers,
// keeping package relay free to depend on registry without a cycle.
type Conn = any

// Pair is the central entity: one per active agent↔browser pairing, per
// spec.md §3.
type Pair struct {
	Code      string
	SessionID uuid.UUID

	AgentConn   Conn
	BrowserConn Conn

	CreatedAt time.Time
	ExpiresAt time.Time
	// expiryDisabled represents "infinity": once a browser has joined and
	// remains connected, expiry is disabled rather than set to a sentinel
	// timestamp, so no future `now > expires_at` check can misfire on a
	// forgotten sentinel case. See SPEC_FULL.md §11.
	expiryDisabled bool
}

// Expired reports whether the pair's unpaired-code TTL has elapsed as of
// now. A pair with expiry disabled is never expired.
func (p *Pair) Expired(now time.Time) bool {
	if p.expiryDisabled {
		return false
	}
	return now.After(p.ExpiresAt) || now.Equal(p.ExpiresAt)
}

// Registry is the authoritative in-memory store of Pairs. All mutations
// are serialized by mu; critical sections never perform I/O, per
// spec.md §4.2's concurrency note.
type Registry struct {
	logger slog.Logger
	clock  Clock

	codeExpiry time.Duration

	mu        sync.Mutex
	byCode    map[string]*Pair
	bySession map[uuid.UUID]*Pair
	byAgent   map[Conn]*Pair
	byBrowser map[Conn]*Pair
}

// Clock abstracts time.Now so tests can use a fake/mock clock (via
// github.com/coder/quartz) instead of sleeping real wall-clock seconds
// to exercise expiry boundaries. The signature matches quartz.Clock so
// *quartz.Mock satisfies it directly.
type Clock interface {
	Now(tags ...string) time.Time
}

// New creates an empty Registry. codeExpiry is the unpaired-code TTL
// (spec.md §6 SESSION_CODE_EXPIRY_MS, default 5 minutes).
func New(logger slog.Logger, clock Clock, codeExpiry time.Duration) *Registry {
	return &Registry{
		logger:     logger.Named("registry"),
		clock:      clock,
		codeExpiry: codeExpiry,
		byCode:     make(map[string]*Pair),
		bySession:  make(map[uuid.UUID]*Pair),
		byAgent:    make(map[Conn]*Pair),
		byBrowser:  make(map[Conn]*Pair),
	}
}

// CreatePair synthesizes a new Pair for a freshly connected agent,
// assigning it a fresh unique code and session id. Code generation
// retries on collision; see codegen.go.
func (r *Registry) CreatePair(agentConn Conn) (*Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := generateUniqueCode(func(c string) bool {
		_, taken := r.byCode[c]
		return taken
	})
	if err != nil {
		return nil, xerrors.Errorf("create pair: %w", err)
	}

	now := r.clock.Now()
	pair := &Pair{
		Code:      code,
		SessionID: uuid.New(),
		AgentConn: agentConn,
		CreatedAt: now,
		ExpiresAt: now.Add(r.codeExpiry),
	}
	r.byCode[code] = pair
	r.bySession[pair.SessionID] = pair
	r.byAgent[agentConn] = pair

	r.logger.Debug(context.Background(), "pair created", slog.F("code", code), slog.F("session_id", pair.SessionID))
	return pair, nil
}

// GetByCode looks up a Pair by its canonicalized code without checking
// expiry.
func (r *Registry) GetByCode(code string) (*Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byCode[code]
	return p, ok
}

// Join implements spec.md §4.2's join algorithm: canonicalize, look up,
// check expiry, check single-use, then atomically pair.
func (r *Registry) Join(code string, browserConn Conn) (*Pair, error) {
	code, err := CanonicalizeCode(code)
	if err != nil {
		return nil, ErrInvalidCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.byCode[code]
	if !ok {
		return nil, ErrInvalidCode
	}

	now := r.clock.Now()
	if pair.Expired(now) {
		r.removePairLocked(pair)
		return nil, ErrExpiredCode
	}

	if pair.BrowserConn != nil {
		return nil, ErrAlreadyJoined
	}

	pair.BrowserConn = browserConn
	pair.expiryDisabled = true
	r.byBrowser[browserConn] = pair

	r.logger.Debug(context.Background(), "browser joined", slog.F("code", code), slog.F("session_id", pair.SessionID))
	return pair, nil
}

// Rejoin implements spec.md §4.2's rejoin algorithm: the same filters as
// Join, keyed by session id instead of code. An unknown or expired session
// id yields NOT_FOUND (an expired pair is also removed), a pair whose agent
// has disconnected yields MAC_DISCONNECTED, and a pair with a browser still
// attached yields ALREADY_JOINED.
func (r *Registry) Rejoin(sessionID uuid.UUID, browserConn Conn) (*Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.bySession[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	now := r.clock.Now()
	if pair.Expired(now) {
		r.removePairLocked(pair)
		return nil, ErrNotFound
	}

	if pair.AgentConn == nil {
		return nil, ErrMacDisconnected
	}

	if pair.BrowserConn != nil {
		return nil, ErrAlreadyJoined
	}

	pair.BrowserConn = browserConn
	pair.expiryDisabled = true
	r.byBrowser[browserConn] = pair

	r.logger.Debug(context.Background(), "browser rejoined", slog.F("session_id", sessionID))
	return pair, nil
}

// FindByAgent returns the Pair owning conn, if any.
func (r *Registry) FindByAgent(conn Conn) (*Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byAgent[conn]
	return p, ok
}

// FindByBrowser returns the Pair owning conn, if any.
func (r *Registry) FindByBrowser(conn Conn) (*Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byBrowser[conn]
	return p, ok
}

// DisconnectBrowser demotes a Pair to "awaiting rejoin": clears its
// browser connection and resets expiry to now+codeExpiry, per spec.md
// §3's Lifecycle paragraph. It is a no-op if conn does not own a pair.
func (r *Registry) DisconnectBrowser(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.byBrowser[conn]
	if !ok {
		return
	}
	delete(r.byBrowser, conn)
	pair.BrowserConn = nil

	if pair.AgentConn == nil {
		// The agent tombstoned this pair earlier specifically so this
		// browser could observe MAC_DISCONNECTED; now that it too has
		// gone, nothing will ever query this pair again.
		r.removePairLocked(pair)
		return
	}

	pair.expiryDisabled = false
	pair.ExpiresAt = r.clock.Now().Add(r.codeExpiry)

	r.logger.Debug(context.Background(), "browser disconnected", slog.F("session_id", pair.SessionID))
}

// RemovePair drops all references to the Pair identified by code. It
// implements the registry's explicit `remove_pair` operation (spec.md
// §4.2's table). SweepExpired and the expiry paths of Join/Rejoin share
// its removePairLocked body rather than calling it.
func (r *Registry) RemovePair(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pair, ok := r.byCode[code]; ok {
		r.removePairLocked(pair)
	}
}

// DisconnectAgent implements the agent side of spec.md §4.3's Lifecycle:
// "the Pair is not destroyed on browser disconnect but IS destroyed on
// agent disconnect." It removes the code from byCode immediately (so
// get_by_code(P.code) returns None, per spec.md §8's quantified
// invariant), but if a browser is still attached it keeps the pair
// reachable by session id so that browser's next rejoin attempt can
// correctly observe MAC_DISCONNECTED (spec.md §4.2's rejoin algorithm)
// instead of NOT_FOUND. The tombstone is reclaimed the moment that
// browser itself disconnects, since no agent can ever rejoin it.
func (r *Registry) DisconnectAgent(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.byAgent[conn]
	if !ok {
		return
	}
	delete(r.byAgent, conn)
	delete(r.byCode, pair.Code)
	pair.AgentConn = nil

	if pair.BrowserConn == nil {
		r.removePairLocked(pair)
		return
	}
	r.logger.Debug(context.Background(), "agent disconnected, pair tombstoned pending browser", slog.F("session_id", pair.SessionID))
}

// removePairLocked must be called with mu held.
func (r *Registry) removePairLocked(pair *Pair) {
	delete(r.byCode, pair.Code)
	delete(r.bySession, pair.SessionID)
	if pair.AgentConn != nil {
		delete(r.byAgent, pair.AgentConn)
	}
	if pair.BrowserConn != nil {
		delete(r.byBrowser, pair.BrowserConn)
	}
}

// SweepExpired removes every pair with no browser connection whose
// expiry has elapsed, per spec.md §4.2's Sweep paragraph. It returns the
// number of pairs removed.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var toRemove []*Pair
	for _, pair := range r.byCode {
		if pair.BrowserConn == nil && pair.Expired(now) {
			toRemove = append(toRemove, pair)
		}
	}
	for _, pair := range toRemove {
		r.removePairLocked(pair)
	}
	if len(toRemove) > 0 {
		r.logger.Debug(context.Background(), "swept expired pairs", slog.F("count", len(toRemove)))
	}
	return len(toRemove)
}

// Len returns the number of active pairs, for /metrics and /healthz.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCode)
}
