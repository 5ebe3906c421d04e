// Package server assembles the biff MCP server: seven tools over a
// relay backend, the awareness engine that surfaces unread counts, and
// the session lifecycle (startup reconciliation, heartbeats, graceful
// logout).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punt-labs/biff/internal/config"
	"github.com/punt-labs/biff/internal/logging"
	"github.com/punt-labs/biff/internal/metrics"
	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/relay"
	"github.com/punt-labs/biff/internal/tty"
)

// orphanThreshold is how stale a same-login, same-host session must be
// before startup reconciliation logs it out. Crashed processes leave
// such entries behind; live ones heartbeat on every tool call.
const orphanThreshold = time.Hour

// shutdownTimeout bounds the graceful logout path.
const shutdownTimeout = 5 * time.Second

// instructions primes the client before any tool call. Tool results
// are preformatted tables; without this the model tends to reflow them.
const instructions = `Biff is a communication tool for software engineers. Use these tools to ` +
	`send messages, check presence, and coordinate with your team. Tool results ` +
	`are preformatted for terminal display: relay them to the user verbatim - ` +
	`do not reformat, summarize, or wrap them.`

// Server is the process-wide state: one identity, one tty token, one
// relay connection, one MCP server. Constructed once at startup and
// passed explicitly; the mutex guards the few mutable fields shared
// between tool handlers and the awareness poller.
type Server struct {
	cfg   *config.Config
	id    model.Identity
	tty   string
	key   model.SessionKey
	host  string
	relay relay.Relay
	mcp   *mcpserver.MCPServer
	log   *slog.Logger

	startedAt time.Time

	// readHandler is kept so the awareness engine can re-register
	// read_messages under a mutated description.
	readHandler mcpserver.ToolHandlerFunc

	mu          sync.Mutex
	plan        string
	mesgEnabled bool
	lastCount   int // -1 until the first awareness refresh
	lastDesc    string
}

// New wires a Server around an open relay. The session is not
// announced until Start.
func New(cfg *config.Config, id model.Identity, rly relay.Relay, version string) *Server {
	token := tty.Generate()
	s := &Server{
		cfg:         cfg,
		id:          id,
		tty:         token,
		key:         model.NewKey(id.Login, token),
		host:        hostname(),
		relay:       rly,
		log:         slog.With("component", "server", "session", id.Login+":"+token),
		startedAt:   time.Now().UTC(),
		mesgEnabled: true,
		lastCount:   -1,
	}
	s.mcp = mcpserver.NewMCPServer("biff", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)
	s.registerTools()
	return s
}

// Key returns this process's session key.
func (s *Server) Key() model.SessionKey { return s.key }

// Start announces the session: reconcile orphans left by crashed
// processes, publish the fresh session with its login event, and start
// the awareness poller.
func (s *Server) Start(ctx context.Context) error {
	s.reconcileOrphans(ctx)

	if err := s.relay.PutSession(ctx, s.snapshot()); err != nil {
		return fmt.Errorf("announce session: %w", err)
	}
	if err := s.relay.LogEvent(ctx, model.LoginEvent(s.key, s.host, time.Now())); err != nil {
		s.log.Warn("login event not recorded", "error", err)
	}
	s.log.Info("session started", "repo", s.cfg.Repo, "host", s.host)

	go s.pollLoop(ctx)
	return nil
}

// Shutdown is the graceful logout: logout event, session removal,
// relay close. The poller exits with the serve context.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.relay.LogEvent(ctx, model.LogoutEvent(s.key, s.host, time.Now(), model.ReasonNormal)); err != nil {
		s.log.Warn("logout event not recorded", "error", err)
	}
	if err := s.relay.DeleteSession(ctx, s.key); err != nil {
		s.log.Warn("session not removed", "error", err)
	}
	if err := s.relay.Close(); err != nil {
		s.log.Warn("relay close failed", "error", err)
	}
	s.log.Info("session ended")
}

// ServeStdio runs the stdio transport until ctx is cancelled or stdin
// closes, then logs out.
func (s *Server) ServeStdio(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Shutdown()

	stdio := mcpserver.NewStdioServer(s.mcp)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

// ServeHTTP runs the streamable HTTP transport on addr, with an
// optional separate metrics listener.
func (s *Server) ServeHTTP(ctx context.Context, addr, metricsAddr string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Shutdown()

	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(s.mcp))
	srv := &http.Server{
		Addr:    addr,
		Handler: logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("http transport listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("metrics listener failed", "error", err)
	}
}

// reconcileOrphans logs out stale same-login, same-host sessions left
// by crashes. Best-effort: a down relay should not block startup.
func (s *Server) reconcileOrphans(ctx context.Context) {
	sessions, err := s.relay.ListSessions(ctx)
	if err != nil {
		s.log.Warn("orphan reconciliation skipped", "error", err)
		return
	}
	cutoff := time.Now().Add(-orphanThreshold)
	for _, sess := range sessions {
		if sess.Login != s.id.Login || sess.Host != s.host || sess.Key == s.key {
			continue
		}
		if !sess.LastActive.Before(cutoff) {
			continue
		}
		if err := s.relay.DeleteSession(ctx, sess.Key); err != nil {
			s.log.Warn("orphan not removed", "key", sess.Key, "error", err)
			continue
		}
		if err := s.relay.LogEvent(ctx, model.LogoutEvent(sess.Key, sess.Host, time.Now(), model.ReasonOrphan)); err != nil {
			s.log.Warn("orphan logout event not recorded", "key", sess.Key, "error", err)
		}
		s.log.Info("recovered orphaned session", "key", sess.Key)
	}
}

// heartbeat refreshes last_active before every tool action. If the
// session entry has vanished (TTL, manual cleanup), it is re-announced
// from the current snapshot.
func (s *Server) heartbeat(ctx context.Context) {
	err := s.relay.TouchSession(ctx, s.key)
	if err == nil {
		return
	}
	if errors.Is(err, relay.ErrSessionNotFound) {
		if err := s.relay.PutSession(ctx, s.snapshot()); err != nil {
			s.log.Warn("session re-announce failed", "error", err)
		}
		return
	}
	s.log.Debug("heartbeat failed", "error", err)
}

// snapshot builds the current session record from process state.
func (s *Server) snapshot() model.UserSession {
	s.mu.Lock()
	plan, enabled := s.plan, s.mesgEnabled
	s.mu.Unlock()
	cwd, _ := os.Getwd()
	return model.UserSession{
		Key:             s.key,
		Login:           s.id.Login,
		DisplayName:     s.id.DisplayName,
		Host:            s.host,
		CWD:             cwd,
		StartedAt:       s.startedAt,
		LastActive:      time.Now().UTC(),
		MessagesEnabled: enabled,
		Plan:            plan,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
