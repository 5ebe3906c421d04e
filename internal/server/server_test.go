package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punt-labs/biff/internal/config"
	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/relay"
)

func newBareServer(t *testing.T, login string) (*Server, relay.Relay) {
	t.Helper()
	cfg := &config.Config{
		Repo:      "testrepo",
		DataDir:   t.TempDir(),
		UnreadDir: t.TempDir(),
	}
	rly, err := relay.NewLocal(cfg.DataDir)
	require.NoError(t, err)
	return New(cfg, model.Identity{Login: login, DisplayName: login}, rly, "test"), rly
}

func TestStartAnnouncesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, rly := newBareServer(t, "kai")

	require.NoError(t, s.Start(ctx))
	defer s.Shutdown()

	sess, err := rly.GetSession(ctx, "kai")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, s.key, sess.Key)
	assert.True(t, sess.MessagesEnabled)
	assert.False(t, sess.LastActive.Before(sess.StartedAt))

	events, err := rly.RecentEvents(ctx, "kai", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventLogin, events[0].Kind)
	assert.Equal(t, s.key, events[0].Key)
}

func TestShutdownLogsOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, rly := newBareServer(t, "kai")
	require.NoError(t, s.Start(ctx))

	s.Shutdown()

	sess, err := rly.GetSession(context.Background(), "kai")
	require.NoError(t, err)
	assert.Nil(t, sess)

	events, err := rly.RecentEvents(context.Background(), "kai", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventLogout, events[0].Kind)
	assert.Equal(t, model.ReasonNormal, events[0].Reason)
}

func TestStartReconcilesOrphans(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, rly := newBareServer(t, "kai")

	// A crashed process's leftovers: same login and host, stale
	// heartbeat.
	stale := model.UserSession{
		Key:             model.NewKey("kai", "deadbeef"),
		Login:           "kai",
		Host:            s.host,
		StartedAt:       time.Now().UTC().Add(-3 * time.Hour),
		LastActive:      time.Now().UTC().Add(-2 * time.Hour),
		MessagesEnabled: true,
	}
	require.NoError(t, rly.PutSession(ctx, stale))

	// A fresh session of the same login must survive reconciliation.
	fresh := stale
	fresh.Key = model.NewKey("kai", "11111111")
	fresh.LastActive = time.Now().UTC()
	require.NoError(t, rly.PutSession(ctx, fresh))

	require.NoError(t, s.Start(ctx))
	defer s.Shutdown()

	sessions, err := rly.ListSessions(ctx)
	require.NoError(t, err)
	keys := make(map[model.SessionKey]bool)
	for _, sess := range sessions {
		keys[sess.Key] = true
	}
	assert.False(t, keys[stale.Key], "stale session still listed")
	assert.True(t, keys[fresh.Key])
	assert.True(t, keys[s.key])

	events, err := rly.RecentEvents(ctx, "kai", 10)
	require.NoError(t, err)
	var orphaned bool
	for _, ev := range events {
		if ev.Kind == model.EventLogout && ev.Reason == model.ReasonOrphan && ev.Key == stale.Key {
			orphaned = true
		}
	}
	assert.True(t, orphaned, "no orphan logout recorded")
}

func TestStartSkipsOtherHosts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, rly := newBareServer(t, "kai")

	elsewhere := model.UserSession{
		Key:        model.NewKey("kai", "deadbeef"),
		Login:      "kai",
		Host:       "some-other-box",
		StartedAt:  time.Now().UTC().Add(-3 * time.Hour),
		LastActive: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, rly.PutSession(ctx, elsewhere))

	require.NoError(t, s.Start(ctx))
	defer s.Shutdown()

	sess, err := rly.GetSession(ctx, "kai")
	require.NoError(t, err)
	require.NotNil(t, sess)
	sessions, err := rly.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2, "other-host session must not be reconciled from here")
}

func TestHeartbeatReannouncesMissingSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, rly := newBareServer(t, "kai")
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown()

	require.NoError(t, rly.DeleteSession(ctx, s.key))
	s.heartbeat(ctx)

	sess, err := rly.GetSession(ctx, "kai")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, s.key, sess.Key)
}

func TestPairEvents(t *testing.T) {
	key := model.NewKey("kai", "aabb1122")
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	login1 := model.LoginEvent(key, "devbox", base)
	logout1 := model.LogoutEvent(key, "devbox", base.Add(90*time.Minute), model.ReasonNormal)
	login2 := model.LoginEvent(key, "devbox", base.Add(2*time.Hour))

	t.Run("matched pair renders duration", func(t *testing.T) {
		rows := pairEvents([]model.SessionEvent{logout1, login1}, nil, 10)
		require.Len(t, rows, 1)
		assert.Equal(t, "@kai", rows[0][0])
		assert.Equal(t, "aabb1122", rows[0][1])
		assert.Equal(t, "1:30", rows[0][5])
	})

	t.Run("live unmatched login", func(t *testing.T) {
		live := map[model.SessionKey]bool{key: true}
		rows := pairEvents([]model.SessionEvent{login2, logout1, login1}, live, 10)
		require.Len(t, rows, 2)
		assert.Equal(t, "still logged in", rows[0][4])
		assert.Equal(t, "-", rows[0][5])
		assert.Equal(t, "1:30", rows[1][5])
	})

	t.Run("dead unmatched login", func(t *testing.T) {
		rows := pairEvents([]model.SessionEvent{login1}, nil, 10)
		require.Len(t, rows, 1)
		assert.Equal(t, "gone", rows[0][4])
	})

	t.Run("orphan renders crash", func(t *testing.T) {
		crash := model.LogoutEvent(key, "devbox", base.Add(time.Hour), model.ReasonOrphan)
		rows := pairEvents([]model.SessionEvent{crash, login1}, nil, 10)
		require.Len(t, rows, 1)
		assert.Equal(t, "crash", rows[0][4])
	})

	t.Run("ttl renders timeout", func(t *testing.T) {
		ttl := model.LogoutEvent(key, "devbox", base.Add(time.Hour), model.ReasonTTL)
		rows := pairEvents([]model.SessionEvent{ttl, login1}, nil, 10)
		require.Len(t, rows, 1)
		assert.Equal(t, "timeout", rows[0][4])
	})

	t.Run("limit caps login rows", func(t *testing.T) {
		rows := pairEvents([]model.SessionEvent{login2, logout1, login1}, nil, 1)
		assert.Len(t, rows, 1)
	})
}
