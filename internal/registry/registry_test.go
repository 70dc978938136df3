package registry_test

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/coder/termrelay/internal/registry"
)

const testExpiry = 5 * time.Minute

func newTestRegistry(t *testing.T) (*registry.Registry, *quartz.Mock) {
	t.Helper()
	logger := slogtest.Make(t, nil)
	clock := quartz.NewMock(t)
	return registry.New(logger, clock, testExpiry), clock
}

func TestCreatePair_UniqueCode(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		agentConn := new(int)
		pair, err := r.CreatePair(agentConn)
		require.NoError(t, err)
		require.Len(t, pair.Code, 6)
		require.False(t, seen[pair.Code], "duplicate code generated: %s", pair.Code)
		seen[pair.Code] = true
	}
}

func TestJoin_CaseInsensitive(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	agentConn := new(int)
	pair, err := r.CreatePair(agentConn)
	require.NoError(t, err)

	browserConn := new(int)
	joined, err := r.Join(lower(pair.Code), browserConn)
	require.NoError(t, err)
	require.Equal(t, pair.SessionID, joined.SessionID)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func TestJoin_InvalidCode(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	_, err := r.Join("ZZZZZZ", new(int))
	require.ErrorIs(t, err, registry.ErrInvalidCode)
}

func TestJoin_AlreadyJoined(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	pair, err := r.CreatePair(new(int))
	require.NoError(t, err)

	_, err = r.Join(pair.Code, new(int))
	require.NoError(t, err)

	_, err = r.Join(pair.Code, new(int))
	require.ErrorIs(t, err, registry.ErrAlreadyJoined)
}

func TestJoin_ExpiryBoundary(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(t)
	pair, err := r.CreatePair(new(int))
	require.NoError(t, err)

	// Just before expiry, join succeeds.
	clock.Set(pair.ExpiresAt.Add(-time.Millisecond))
	browserConn := new(int)
	joined, err := r.Join(pair.Code, browserConn)
	require.NoError(t, err)
	require.Equal(t, pair.SessionID, joined.SessionID)

	// A second pair, joined exactly at the expiry instant, must fail.
	pair2, err := r.CreatePair(new(int))
	require.NoError(t, err)
	clock.Set(pair2.ExpiresAt)
	_, err = r.Join(pair2.Code, new(int))
	require.ErrorIs(t, err, registry.ErrExpiredCode)
}

func TestJoin_ExpiredCodeRemoved(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(t)
	pair, err := r.CreatePair(new(int))
	require.NoError(t, err)

	clock.Set(pair.ExpiresAt.Add(time.Second))
	_, err = r.Join(pair.Code, new(int))
	require.ErrorIs(t, err, registry.ErrExpiredCode)

	_, ok := r.GetByCode(pair.Code)
	require.False(t, ok, "Join must remove an expired pair once it observes the expiry")
}

func TestRejoin_AfterBrowserDisconnect(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(t)
	agentConn := new(int)
	pair, err := r.CreatePair(agentConn)
	require.NoError(t, err)

	browserConn := new(int)
	_, err = r.Join(pair.Code, browserConn)
	require.NoError(t, err)

	r.DisconnectBrowser(browserConn)

	// Within the rejoin window, rejoin succeeds.
	clock.Set(clock.Now().Add(time.Minute))
	newBrowserConn := new(int)
	rejoined, err := r.Rejoin(pair.SessionID, newBrowserConn)
	require.NoError(t, err)
	require.Equal(t, pair.SessionID, rejoined.SessionID)
}

func TestRejoin_MacDisconnected(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	agentConn := new(int)
	pair, err := r.CreatePair(agentConn)
	require.NoError(t, err)

	browserConn := new(int)
	_, err = r.Join(pair.Code, browserConn)
	require.NoError(t, err)

	// Agent disconnects while the browser is still attached: the pair
	// must stay reachable by session id so the attached browser's next
	// rejoin sees MAC_DISCONNECTED, not NOT_FOUND.
	r.DisconnectAgent(agentConn)

	_, ok := r.GetByCode(pair.Code)
	require.False(t, ok, "code lookup must stop working immediately on agent disconnect")

	_, err = r.Rejoin(pair.SessionID, new(int))
	require.ErrorIs(t, err, registry.ErrMacDisconnected)

	// Once the attached browser itself disconnects, nothing can ever
	// rejoin this pair again, so the tombstone is reclaimed.
	r.DisconnectBrowser(browserConn)
	_, err = r.Rejoin(pair.SessionID, new(int))
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDisconnectAgent_NoBrowserRemovesImmediately(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	agentConn := new(int)
	pair, err := r.CreatePair(agentConn)
	require.NoError(t, err)

	r.DisconnectAgent(agentConn)

	_, ok := r.GetByCode(pair.Code)
	require.False(t, ok)
	_, err = r.Rejoin(pair.SessionID, new(int))
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDisconnectBrowser_ResetsExpiry(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(t)
	agentConn := new(int)
	pair, err := r.CreatePair(agentConn)
	require.NoError(t, err)

	browserConn := new(int)
	_, err = r.Join(pair.Code, browserConn)
	require.NoError(t, err)

	now := clock.Now()
	r.DisconnectBrowser(browserConn)

	got, ok := r.GetByCode(pair.Code)
	require.True(t, ok)
	require.Nil(t, got.BrowserConn)
	require.Equal(t, now.Add(testExpiry), got.ExpiresAt)
}

func TestRemovePair_AgentDisconnect(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	pair, err := r.CreatePair(new(int))
	require.NoError(t, err)

	r.RemovePair(pair.Code)

	_, ok := r.GetByCode(pair.Code)
	require.False(t, ok)
}

func TestSweepExpired_OnlyUnpaired(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(t)

	unpaired, err := r.CreatePair(new(int))
	require.NoError(t, err)

	pairedAgent := new(int)
	paired, err := r.CreatePair(pairedAgent)
	require.NoError(t, err)
	_, err = r.Join(paired.Code, new(int))
	require.NoError(t, err)

	clock.Set(unpaired.ExpiresAt.Add(time.Second))

	removed := r.SweepExpired()
	require.Equal(t, 1, removed)

	_, ok := r.GetByCode(unpaired.Code)
	require.False(t, ok)

	_, ok = r.GetByCode(paired.Code)
	require.True(t, ok, "paired sessions never expire")
}

func TestSweepExpired_NoneDue(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	_, err := r.CreatePair(new(int))
	require.NoError(t, err)

	require.Equal(t, 0, r.SweepExpired())
}

func TestFindByAgentAndBrowser(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t)
	agentConn := new(int)
	pair, err := r.CreatePair(agentConn)
	require.NoError(t, err)

	found, ok := r.FindByAgent(agentConn)
	require.True(t, ok)
	require.Equal(t, pair.SessionID, found.SessionID)

	browserConn := new(int)
	_, err = r.Join(pair.Code, browserConn)
	require.NoError(t, err)

	found, ok = r.FindByBrowser(browserConn)
	require.True(t, ok)
	require.Equal(t, pair.SessionID, found.SessionID)
}
