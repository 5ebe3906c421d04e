package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punt-labs/biff/internal/config"
	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/relay"
)

type fixture struct {
	srv *Server
	cli *client.Client
	rly relay.Relay
}

// nullSampler satisfies the client sampling interface without doing
// anything. Supplying it makes the in-process transport register a live
// server session, so server-initiated notifications such as
// tools/list_changed actually reach OnNotification.
type nullSampler struct{}

func (nullSampler) CreateMessage(context.Context, mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	return nil, errors.New("sampling unsupported")
}

// newFixture starts a server on a LocalRelay in a temp dir and
// connects an in-process MCP client to it.
func newFixture(t *testing.T, login string) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{
		Repo:      "testrepo",
		DataDir:   t.TempDir(),
		UnreadDir: t.TempDir(),
	}
	rly, err := relay.NewLocal(cfg.DataDir)
	require.NoError(t, err)

	srv := New(cfg, model.Identity{Login: login, DisplayName: login}, rly, "test")
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(srv.Shutdown)

	cli, err := client.NewInProcessClientWithSamplingHandler(srv.mcp, nullSampler{})
	require.NoError(t, err)
	require.NoError(t, cli.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "biff-test", Version: "0.0.1"}
	_, err = cli.Initialize(ctx, initReq)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	return &fixture{srv: srv, cli: cli, rly: rly}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) string {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := f.cli.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestPresenceRoundTrip(t *testing.T) {
	f := newFixture(t, "kai")

	out := f.call(t, "plan", map[string]any{"message": "fixing auth"})
	assert.Equal(t, "Plan updated: fixing auth", out)

	out = f.call(t, "finger", map[string]any{"user": "kai"})
	assert.Contains(t, out, "Login: kai")
	assert.Contains(t, out, "On since ")
	assert.Contains(t, out, "Messages: on")
	assert.Contains(t, out, "Plan: fixing auth")
	assert.Contains(t, out, "idle ")

	out = f.call(t, "who", nil)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "▶ NAME"))
	assert.Contains(t, lines[1], "@kai")
	assert.Contains(t, lines[1], "fixing auth")
}

func TestFingerNeverLoggedIn(t *testing.T) {
	f := newFixture(t, "kai")

	out := f.call(t, "finger", map[string]any{"user": "stranger"})
	assert.Equal(t, "Never logged in.", out)
}

func TestFingerNoPlan(t *testing.T) {
	f := newFixture(t, "kai")

	out := f.call(t, "finger", map[string]any{"user": "@kai"})
	assert.Contains(t, out, "No Plan.")
}

func TestTargetedMessageRoundTrip(t *testing.T) {
	f := newFixture(t, "kai")

	// eric writes to kai's exact session from outside this process.
	from := model.NewKey("eric", "cc001122")
	addr := model.Address{Login: "kai", TTY: f.srv.tty}
	require.NoError(t, f.rly.Deliver(context.Background(), model.NewMessage(from, addr, "hi")))

	out := f.call(t, "read_messages", nil)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "▶ TO"))
	assert.Equal(t, "  kai | from eric | hi", lines[1])

	out = f.call(t, "read_messages", nil)
	assert.Equal(t, "No new messages.", out)
}

func TestWriteBroadcast(t *testing.T) {
	f := newFixture(t, "eric")

	// kai has no session; the broadcast persists regardless.
	out := f.call(t, "write", map[string]any{"to": "kai", "message": "standup"})
	assert.Equal(t, "Message sent to @kai.", out)

	msgs, err := f.rly.DrainFor(context.Background(), "kai", "xx112233")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "standup", msgs[0].Body)
}

func TestWriteTargetedForm(t *testing.T) {
	f := newFixture(t, "eric")

	out := f.call(t, "write", map[string]any{"to": "kai:aabb1122", "message": "hi"})
	assert.Equal(t, "Message sent to @kai:aabb1122.", out)

	// Only the targeted inbox received it.
	msgs, err := f.rly.DrainFor(context.Background(), "kai", "99999999")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	msgs, err = f.rly.DrainFor(context.Background(), "kai", "aabb1122")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWriteValidation(t *testing.T) {
	f := newFixture(t, "eric")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"empty body", map[string]any{"to": "kai", "message": "   "}, "Message failed: empty message"},
		{"missing body", map[string]any{"to": "kai"}, "Message failed: empty message"},
		{"bad address", map[string]any{"to": "kai:a:b", "message": "hi"}, "Message failed: invalid address"},
		{"empty address", map[string]any{"to": "", "message": "hi"}, "Message failed: invalid address"},
		{"wildcard address", map[string]any{"to": "kai*", "message": "hi"}, "Message failed: invalid address"},
		{"oversize body", map[string]any{"to": "kai", "message": strings.Repeat("x", maxMessageLen+1)}, "Message failed: invalid input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.call(t, "write", tt.args))
		})
	}
}

func TestPlanValidation(t *testing.T) {
	f := newFixture(t, "kai")

	out := f.call(t, "plan", map[string]any{"message": strings.Repeat("x", maxPlanLen+1)})
	assert.Contains(t, out, "invalid input")

	// The stored plan is untouched.
	sess, err := f.rly.GetSession(context.Background(), "kai")
	require.NoError(t, err)
	assert.Empty(t, sess.Plan)
}

func TestMesgToggle(t *testing.T) {
	f := newFixture(t, "kai")

	assert.Equal(t, "is n", f.call(t, "mesg", map[string]any{"enabled": false}))

	// Do-not-disturb is opaque to senders: storage still works.
	from := model.NewKey("eric", "cc001122")
	broadcast := model.Address{Login: "kai"}
	require.NoError(t, f.rly.Deliver(context.Background(), model.NewMessage(from, broadcast, "ping")))

	summary, err := f.rly.PeekUnread(context.Background(), "kai", f.srv.tty)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)

	out := f.call(t, "finger", map[string]any{"user": "kai"})
	assert.Contains(t, out, "Messages: off")

	// Reading reveals the held message on demand.
	out = f.call(t, "read_messages", nil)
	assert.Contains(t, out, "ping")

	assert.Equal(t, "is y", f.call(t, "mesg", map[string]any{"enabled": true}))
}

func TestWhoNoSessions(t *testing.T) {
	f := newFixture(t, "kai")
	require.NoError(t, f.rly.DeleteSession(context.Background(), f.srv.key))

	// handleWho is driven directly: the full call path heartbeats
	// first, re-announcing the session just deleted.
	res, err := f.srv.handleWho(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "No active sessions.", text.Text)
}

func TestWhoAfterHeartbeatReAnnounce(t *testing.T) {
	f := newFixture(t, "kai")
	require.NoError(t, f.rly.DeleteSession(context.Background(), f.srv.key))

	// Through the full call path the per-call heartbeat restores the
	// missing session before who lists anything.
	out := f.call(t, "who", nil)
	assert.Contains(t, out, "@kai")
}

func TestLastHistory(t *testing.T) {
	f := newFixture(t, "kai")

	out := f.call(t, "last", nil)
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.True(t, strings.HasPrefix(lines[0], "▶ NAME"))
	assert.Contains(t, lines[1], "@kai")
	assert.Contains(t, lines[1], "still logged in")

	out = f.call(t, "last", map[string]any{"user": "stranger"})
	assert.Equal(t, "No session history.", out)
}

func TestHeartbeatOnEveryCall(t *testing.T) {
	f := newFixture(t, "kai")
	ctx := context.Background()

	before, err := f.rly.GetSession(ctx, "kai")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	f.call(t, "who", nil)

	after, err := f.rly.GetSession(ctx, "kai")
	require.NoError(t, err)
	assert.False(t, after.LastActive.Before(before.LastActive))
}
