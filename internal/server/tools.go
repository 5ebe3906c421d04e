package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/punt-labs/biff/internal/metrics"
	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/relay"
	"github.com/punt-labs/biff/internal/util/timefmt"
)

const (
	maxPlanLen    = 200
	maxMessageLen = 4096

	defaultLastCount = 25
	maxLastCount     = 200
)

func (s *Server) registerTools() {
	s.readHandler = s.instrument("read_messages", s.handleRead)

	s.mcp.AddTool(mcp.NewTool("plan",
		mcp.WithDescription("Set your plan line, shown to teammates in who and finger output."),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("What you are working on, 200 characters max.")),
	), s.instrument("plan", s.handlePlan))

	s.mcp.AddTool(mcp.NewTool("mesg",
		mcp.WithDescription("Turn incoming-message visibility on or off, like mesg(1). Messages sent while off are stored and revealed when you read."),
		mcp.WithBoolean("enabled", mcp.Required(),
			mcp.Description("true to receive message notifications, false for do-not-disturb.")),
	), s.instrument("mesg", s.handleMesg))

	s.mcp.AddTool(mcp.NewTool("who",
		mcp.WithDescription("List everyone active in this repository: name, tty, host, idle time, availability, and plan."),
	), s.instrument("who", s.handleWho))

	s.mcp.AddTool(mcp.NewTool("finger",
		mcp.WithDescription("Show one teammate's presence details, like finger(1)."),
		mcp.WithString("user", mcp.Required(),
			mcp.Description("Login to look up, with or without a leading @.")),
	), s.instrument("finger", s.handleFinger))

	s.mcp.AddTool(mcp.NewTool("write",
		mcp.WithDescription("Send a short message. Address a user (\"kai\") to reach whichever of their sessions reads first, or a session (\"kai:aabb1122\") to reach exactly that one."),
		mcp.WithString("to", mcp.Required(),
			mcp.Description("Recipient: \"user\" or \"user:tty\".")),
		mcp.WithString("message", mcp.Required(),
			mcp.Description("Message body, 4096 characters max.")),
	), s.instrument("write", s.handleWrite))

	s.mcp.AddTool(s.readTool(descIdle), s.readHandler)

	s.mcp.AddTool(mcp.NewTool("last",
		mcp.WithDescription("Show recent login/logout history for this repository, like last(1)."),
		mcp.WithString("user",
			mcp.Description("Restrict to one login.")),
		mcp.WithNumber("count",
			mcp.Description("Number of entries, default 25, max 200.")),
	), s.instrument("last", s.handleLast))
}

// instrument wraps a handler with the per-call side effects: heartbeat
// before the primary action, one synchronous awareness refresh after,
// and a call counter.
func (s *Server) instrument(name string, h mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.heartbeat(ctx)
		res, err := h(ctx, req)
		outcome := "ok"
		if err != nil || (res != nil && res.IsError) {
			outcome = "error"
		}
		metrics.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
		s.refreshAwareness(ctx)
		return res, err
	}
}

func (s *Server) handlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("invalid input: message is required"), nil
	}
	message = strings.TrimSpace(message)
	if len([]rune(message)) > maxPlanLen {
		return mcp.NewToolResultError(fmt.Sprintf("invalid input: plan exceeds %d characters", maxPlanLen)), nil
	}
	if err := s.relay.SetPlan(ctx, s.key, message); err != nil {
		return mcp.NewToolResultError(relayFailure(err)), nil
	}
	s.mu.Lock()
	s.plan = message
	s.mu.Unlock()
	if message == "" {
		return mcp.NewToolResultText("Plan cleared."), nil
	}
	return mcp.NewToolResultText("Plan updated: " + message), nil
}

func (s *Server) handleMesg(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("invalid input: enabled is required"), nil
	}
	if err := s.relay.SetMesg(ctx, s.key, enabled); err != nil {
		return mcp.NewToolResultError(relayFailure(err)), nil
	}
	s.mu.Lock()
	s.mesgEnabled = enabled
	s.mu.Unlock()
	if enabled {
		return mcp.NewToolResultText("is y"), nil
	}
	return mcp.NewToolResultText("is n"), nil
}

func (s *Server) handleWho(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.relay.ListSessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(relayFailure(err)), nil
	}
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No active sessions."), nil
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Login != sessions[j].Login {
			return sessions[i].Login < sessions[j].Login
		}
		return sessions[i].TTY() < sessions[j].TTY()
	})
	now := time.Now()
	rows := make([][]string, 0, len(sessions))
	for _, sess := range sessions {
		plan := sess.Plan
		if plan == "" {
			plan = "(no plan)"
		}
		mesg := "on"
		if !sess.MessagesEnabled {
			mesg = "off"
		}
		rows = append(rows, []string{
			"@" + sess.Login,
			sess.TTY(),
			sess.Host,
			timefmt.IdleShort(sess.LastActive, now),
			mesg,
			plan,
		})
	}
	return mcp.NewToolResultText(renderTable(
		[]string{"NAME", "TTY", "HOST", "IDLE", "MESG", "PLAN"}, rows)), nil
}

func (s *Server) handleFinger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := req.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("invalid input: user is required"), nil
	}
	login := strings.TrimPrefix(strings.TrimSpace(user), "@")
	if err := model.ValidateLogin(login); err != nil {
		return mcp.NewToolResultError("invalid address: " + user), nil
	}
	sess, err := s.relay.GetSession(ctx, login)
	if err != nil {
		return mcp.NewToolResultError(relayFailure(err)), nil
	}
	if sess == nil {
		return mcp.NewToolResultText("Never logged in."), nil
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "Login: %s\n", sess.Login)
	fmt.Fprintf(&b, "On since %s on %s, idle %s\n",
		timefmt.WallTimeZone(sess.StartedAt), sess.TTY(), timefmt.IdleClock(sess.LastActive, now))
	mesg := "on"
	if !sess.MessagesEnabled {
		mesg = "off"
	}
	fmt.Fprintf(&b, "Messages: %s\n", mesg)
	if sess.Plan == "" {
		b.WriteString("No Plan.")
	} else {
		b.WriteString("Plan: " + sess.Plan)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError("Message failed: invalid address"), nil
	}
	body, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("Message failed: empty message"), nil
	}
	if strings.TrimSpace(body) == "" {
		return mcp.NewToolResultError("Message failed: empty message"), nil
	}
	if len([]rune(body)) > maxMessageLen {
		return mcp.NewToolResultError("Message failed: invalid input"), nil
	}
	addr, err := model.ParseAddress(to)
	if err != nil {
		return mcp.NewToolResultError("Message failed: invalid address"), nil
	}
	if err := s.relay.Deliver(ctx, model.NewMessage(s.key, addr, body)); err != nil {
		if errors.Is(err, relay.ErrUnavailable) {
			return mcp.NewToolResultError("Message failed: relay unavailable"), nil
		}
		return mcp.NewToolResultError("Message failed: internal error"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message sent to @%s.", addr)), nil
}

func (s *Server) handleRead(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msgs, err := s.relay.DrainFor(ctx, s.id.Login, s.tty)
	if err != nil {
		// Unread state is left as it was; nothing was consumed.
		return mcp.NewToolResultError("Relay unavailable."), nil
	}
	if len(msgs) == 0 {
		return mcp.NewToolResultText("No new messages."), nil
	}
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{
			m.To.Login,
			"from " + m.FromLogin(),
			m.Body,
		})
	}
	return mcp.NewToolResultText(renderTable([]string{"TO", "FROM", "MESSAGE"}, rows)), nil
}

func (s *Server) handleLast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	login := strings.TrimPrefix(strings.TrimSpace(req.GetString("user", "")), "@")
	count := req.GetInt("count", defaultLastCount)
	if count < 1 {
		count = defaultLastCount
	}
	if count > maxLastCount {
		count = maxLastCount
	}

	// Twice the row budget: each login row may consume a logout event.
	events, err := s.relay.RecentEvents(ctx, login, 2*count)
	if err != nil {
		return mcp.NewToolResultError(relayFailure(err)), nil
	}

	live := make(map[model.SessionKey]bool)
	if sessions, err := s.relay.ListSessions(ctx); err == nil {
		for _, sess := range sessions {
			live[sess.Key] = true
		}
	}

	rows := pairEvents(events, live, count)
	if len(rows) == 0 {
		return mcp.NewToolResultText("No session history."), nil
	}
	return mcp.NewToolResultText(renderTable(
		[]string{"NAME", "TTY", "HOST", "LOGIN", "LOGOUT", "DURATION"}, rows)), nil
}

// pairEvents walks the newest-first event list matching each login to
// the nearest following logout of the same session. Logouts seen
// before a key's login (in newest-first order) stack up and pop as the
// logins arrive.
func pairEvents(events []model.SessionEvent, live map[model.SessionKey]bool, limit int) [][]string {
	pending := make(map[model.SessionKey][]model.SessionEvent)
	var rows [][]string
	for _, ev := range events {
		if ev.Kind == model.EventLogout {
			pending[ev.Key] = append(pending[ev.Key], ev)
			continue
		}
		if len(rows) == limit {
			break
		}
		logout, duration := "gone", "-"
		if stack := pending[ev.Key]; len(stack) > 0 {
			out := stack[len(stack)-1]
			pending[ev.Key] = stack[:len(stack)-1]
			switch out.Reason {
			case model.ReasonOrphan:
				logout = "crash"
			case model.ReasonTTL:
				logout = "timeout"
			default:
				logout = timefmt.WallTime(out.Timestamp)
			}
			duration = timefmt.Duration(ev.Timestamp, out.Timestamp)
		} else if live[ev.Key] {
			logout = "still logged in"
		}
		rows = append(rows, []string{
			"@" + ev.Login(),
			ev.TTY(),
			ev.Host,
			timefmt.WallTime(ev.Timestamp),
			logout,
			duration,
		})
	}
	return rows
}

// relayFailure renders a relay error as the short user-facing string
// the tool returns in place of its normal output.
func relayFailure(err error) string {
	if errors.Is(err, relay.ErrUnavailable) {
		return "Relay unavailable."
	}
	if errors.Is(err, relay.ErrSessionNotFound) {
		return "Session expired; try again."
	}
	return "Internal error."
}
