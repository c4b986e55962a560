package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsarchat/voicelink/internal/domain"
	"github.com/pulsarchat/voicelink/internal/media"
)

func newTestManager(t *testing.T, grace time.Duration) *Manager {
	t.Helper()
	m := NewManager(Config{
		AudioBitrate:    64_000,
		VideoBitrate:    1_500_000,
		DisconnectGrace: grace,
	}, media.NewSource())
	t.Cleanup(m.CloseAll)
	return m
}

func TestEnsureIsIdempotent(t *testing.T) {
	m := newTestManager(t, time.Second)

	first, err := m.Ensure("bob")
	require.NoError(t, err)
	second, err := m.Ensure("bob")
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, []domain.UserID{"bob"}, m.Peers())
}

func TestRecreateReplacesSession(t *testing.T) {
	m := newTestManager(t, time.Second)

	var closedPeers []domain.UserID
	m.OnPeerClosed(func(peer domain.UserID) { closedPeers = append(closedPeers, peer) })

	first, err := m.Ensure("bob")
	require.NoError(t, err)
	second, err := m.Recreate("bob")
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.True(t, first.IsClosed())
	require.False(t, second.IsClosed())
	require.Equal(t, []domain.UserID{"bob"}, closedPeers)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newTestManager(t, time.Second)

	closed := 0
	m.OnPeerClosed(func(domain.UserID) { closed++ })

	_, err := m.Ensure("bob")
	require.NoError(t, err)
	m.Close("bob")
	m.Close("bob")

	require.Equal(t, 1, closed)
	require.Empty(t, m.Peers())
	_, ok := m.Get("bob")
	require.False(t, ok)
}

func TestEnsureAfterCloseCreatesFreshSession(t *testing.T) {
	m := newTestManager(t, time.Second)

	first, err := m.Ensure("bob")
	require.NoError(t, err)
	m.Close("bob")

	second, err := m.Ensure("bob")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.False(t, second.IsClosed())
}

func TestCloseAll(t *testing.T) {
	m := newTestManager(t, time.Second)

	_, err := m.Ensure("bob")
	require.NoError(t, err)
	_, err = m.Ensure("carol")
	require.NoError(t, err)

	m.CloseAll()
	require.Empty(t, m.Peers())
}

func TestGraceExpiryTriggersRecover(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)

	recovered := make(chan domain.UserID, 1)
	m.OnRecover(func(peer domain.UserID) { recovered <- peer })

	conn, err := m.Ensure("bob")
	require.NoError(t, err)
	sess := conn.(*Session)

	m.startGrace("bob", sess)

	select {
	case peer := <-recovered:
		require.Equal(t, domain.UserID("bob"), peer)
	case <-time.After(time.Second):
		t.Fatal("grace expiry did not trigger recovery")
	}
	require.True(t, sess.IsClosed())
	require.Empty(t, m.Peers())
}

func TestReconnectWithinGraceCancelsTimer(t *testing.T) {
	m := newTestManager(t, 30*time.Millisecond)

	recovered := make(chan domain.UserID, 1)
	m.OnRecover(func(peer domain.UserID) { recovered <- peer })

	conn, err := m.Ensure("bob")
	require.NoError(t, err)
	sess := conn.(*Session)

	m.startGrace("bob", sess)
	m.cancelGrace("bob", sess)

	select {
	case <-recovered:
		t.Fatal("recovery fired after the grace timer was cancelled")
	case <-time.After(80 * time.Millisecond):
	}
	require.False(t, sess.IsClosed())
}

func TestGraceForStaleSessionIgnored(t *testing.T) {
	m := newTestManager(t, 10*time.Millisecond)

	recovered := make(chan domain.UserID, 1)
	m.OnRecover(func(peer domain.UserID) { recovered <- peer })

	conn, err := m.Ensure("bob")
	require.NoError(t, err)
	stale := conn.(*Session)

	fresh, err := m.Recreate("bob")
	require.NoError(t, err)

	m.startGrace("bob", stale)

	select {
	case <-recovered:
		t.Fatal("stale session state change must not touch the current session")
	case <-time.After(60 * time.Millisecond):
	}
	require.False(t, fresh.IsClosed())
}
