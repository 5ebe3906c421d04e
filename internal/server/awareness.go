package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/punt-labs/biff/internal/metrics"
	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/util/atomicfile"
)

// pollInterval is the awareness cadence. The host display surface has
// no push channel, so unread visibility comes from mutating the
// read_messages tool description (the client re-fetches on
// tools/list_changed) and from the per-repo status file.
const pollInterval = 2 * time.Second

// descIdle is the read_messages description while nothing is pending.
const descIdle = "Check messages."

func (s *Server) readTool(desc string) mcp.Tool {
	return mcp.NewTool("read_messages", mcp.WithDescription(desc))
}

// refreshAwareness is the single refresh path, called synchronously
// after every tool action and from the poller. It peeks the unread
// queue, rewrites the status file, and on change mutates the
// read_messages description (re-registering the tool emits
// tools/list_changed to every connected session). The mutex serializes
// the compare-mutate-notify sequence: at most one in flight per
// process.
func (s *Server) refreshAwareness(ctx context.Context) {
	summary, err := s.relay.PeekUnread(ctx, s.id.Login, s.tty)
	if err != nil {
		s.log.Debug("awareness refresh skipped", "error", err)
		return
	}
	metrics.AwarenessRefreshesTotal.Inc()

	desc := descIdle
	if summary.Count > 0 {
		desc = fmt.Sprintf("Check messages (%d unread: %s). Marks all as read.",
			summary.Count, summary.Preview)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Unconditional: the status file is the only record an external
	// collaborator reads, so a deleted or clobbered file heals on the
	// next refresh even when nothing changed.
	s.writeStatusFile(summary)

	if desc == s.lastDesc && summary.Count == s.lastCount {
		return
	}
	s.lastCount = summary.Count
	s.lastDesc = desc

	s.mcp.AddTool(s.readTool(desc), s.readHandler)
	metrics.DescriptionChangesTotal.Inc()
	s.log.Debug("read_messages description updated", "unread", summary.Count)
}

// writeStatusFile persists {count, preview} for the status-bar
// collaborator. Best-effort; failures are logged and never propagated.
func (s *Server) writeStatusFile(summary model.UnreadSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		s.log.Warn("status file encode failed", "error", err)
		return
	}
	if err := atomicfile.WriteFile(s.cfg.UnreadFile(), data, 0o600); err != nil {
		s.log.Warn("status file write failed", "path", s.cfg.UnreadFile(), "error", err)
	}
}

// pollLoop drives refreshes between tool calls so inbound messages
// surface even while the session is idle. Exits within one tick of
// cancellation.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAwareness(ctx)
		}
	}
}
