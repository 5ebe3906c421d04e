package server

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punt-labs/biff/internal/metrics"
	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/util/testutil"
)

func listDescriptions(t *testing.T, f *fixture) map[string]string {
	t.Helper()
	res, err := f.cli.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	out := make(map[string]string, len(res.Tools))
	for _, tool := range res.Tools {
		out[tool.Name] = tool.Description
	}
	return out
}

func TestDescriptionMutatesOnUnread(t *testing.T) {
	f := newFixture(t, "kai")
	ctx := context.Background()

	var mu sync.Mutex
	var notified int
	f.cli.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == "notifications/tools/list_changed" {
			mu.Lock()
			notified++
			mu.Unlock()
		}
	})

	assert.Equal(t, descIdle, listDescriptions(t, f)["read_messages"])

	from := model.NewKey("eric", "cc001122")
	addr := model.Address{Login: "kai", TTY: f.srv.tty}
	require.NoError(t, f.rly.Deliver(ctx, model.NewMessage(from, addr, "auth is broken again")))

	f.srv.refreshAwareness(ctx)

	desc := listDescriptions(t, f)["read_messages"]
	assert.Contains(t, desc, "1 unread")
	assert.Contains(t, desc, "@eric about auth is broken again")
	assert.Contains(t, desc, "Marks all as read.")

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified >= 1
	}, "tools/list_changed never arrived")

	// Reading drains the queue; the synchronous refresh inside the
	// tool call resets the description.
	f.call(t, "read_messages", nil)
	assert.Equal(t, descIdle, listDescriptions(t, f)["read_messages"])
}

func TestRefreshIsChangeDriven(t *testing.T) {
	f := newFixture(t, "kai")
	ctx := context.Background()

	f.srv.refreshAwareness(ctx)
	f.srv.mu.Lock()
	count, desc := f.srv.lastCount, f.srv.lastDesc
	f.srv.mu.Unlock()
	assert.Equal(t, 0, count)
	assert.Equal(t, descIdle, desc)

	// A refresh with no change re-registers nothing, but still rewrites
	// the status file so external deletion heals.
	changes := promtest.ToFloat64(metrics.DescriptionChangesTotal)
	require.NoError(t, os.Remove(f.srv.cfg.UnreadFile()))
	f.srv.refreshAwareness(ctx)
	assert.Equal(t, changes, promtest.ToFloat64(metrics.DescriptionChangesTotal))
	_, err := os.Stat(f.srv.cfg.UnreadFile())
	require.NoError(t, err)
}

func TestToolCallRepairsStatusFile(t *testing.T) {
	f := newFixture(t, "kai")

	f.srv.refreshAwareness(context.Background())
	require.NoError(t, os.Remove(f.srv.cfg.UnreadFile()))

	// Any tool call refreshes awareness and restores the file.
	f.call(t, "who", nil)
	_, err := os.Stat(f.srv.cfg.UnreadFile())
	require.NoError(t, err)
}

func TestStatusFileWrittenOnChange(t *testing.T) {
	f := newFixture(t, "kai")
	ctx := context.Background()

	f.srv.refreshAwareness(ctx)

	data, err := os.ReadFile(f.srv.cfg.UnreadFile())
	require.NoError(t, err)
	var summary model.UnreadSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 0, summary.Count)

	from := model.NewKey("eric", "cc001122")
	require.NoError(t, f.rly.Deliver(ctx, model.NewMessage(from, model.Address{Login: "kai"}, "lunch?")))
	f.srv.refreshAwareness(ctx)

	data, err = os.ReadFile(f.srv.cfg.UnreadFile())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 1, summary.Count)
	assert.Contains(t, summary.Preview, "@eric")
}

func TestPollerPicksUpDelivery(t *testing.T) {
	f := newFixture(t, "kai")
	ctx := context.Background()

	from := model.NewKey("eric", "cc001122")
	require.NoError(t, f.rly.Deliver(ctx, model.NewMessage(from, model.Address{Login: "kai"}, "hi")))

	// The poller started by Start must surface the unread count within
	// its cadence; no tool call happens here.
	testutil.RequireEventually(t, func() bool {
		f.srv.mu.Lock()
		defer f.srv.mu.Unlock()
		return f.srv.lastCount == 1
	}, "poller never observed the delivery")
}
