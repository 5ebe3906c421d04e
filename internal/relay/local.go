package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/punt-labs/biff/internal/metrics"
	"github.com/punt-labs/biff/internal/model"
	"github.com/punt-labs/biff/internal/util/atomicfile"
)

// wtmpRotateBytes triggers compaction of the local event log. Compaction
// keeps the last EventRetention worth of events.
const wtmpRotateBytes = 512 * 1024

// lockRetry is the polling interval while waiting on an advisory lock.
const lockRetry = 10 * time.Millisecond

// Local is the single-host filesystem relay. All files live in one
// per-repo directory; writes are temp-then-rename and inbox drains are
// serialized by advisory file locks, so multiple processes on the same
// host share the directory safely.
type Local struct {
	dir string
	log *slog.Logger
}

// NewLocal creates the per-repo directory if needed and returns the
// relay rooted there.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create relay dir: %w", err)
	}
	return &Local{dir: dir, log: slog.With("component", "relay", "backend", "local")}, nil
}

func (l *Local) sessionFile(login, tty string) string {
	return filepath.Join(l.dir, fmt.Sprintf("session-%s-%s.json", login, tty))
}

func (l *Local) inboxFile(login, tty string) string {
	return filepath.Join(l.dir, fmt.Sprintf("inbox-%s-%s.jsonl", login, tty))
}

func (l *Local) userInboxFile(login string) string {
	return filepath.Join(l.dir, fmt.Sprintf("userinbox-%s.jsonl", login))
}

func (l *Local) wtmpFile() string {
	return filepath.Join(l.dir, "wtmp.jsonl")
}

// PutSession writes the session snapshot atomically.
func (l *Local) PutSession(ctx context.Context, s model.UserSession) error {
	return l.op(ctx, "put_session", func() error {
		if err := model.ValidateKey(s.Key); err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		login, tty := s.Key.Split()
		return atomicfile.WriteFile(l.sessionFile(login, tty), data, 0o600)
	})
}

// TouchSession refreshes last_active. Keeps the timestamp monotone even
// if the wall clock steps backwards.
func (l *Local) TouchSession(ctx context.Context, key model.SessionKey) error {
	return l.op(ctx, "touch_session", func() error {
		s, err := l.readSession(key)
		if err != nil {
			return err
		}
		if now := time.Now().UTC(); now.After(s.LastActive) {
			s.LastActive = now
		}
		return l.writeSession(*s)
	})
}

// DeleteSession removes the snapshot file. Absent is not an error.
func (l *Local) DeleteSession(ctx context.Context, key model.SessionKey) error {
	return l.op(ctx, "delete_session", func() error {
		login, tty := key.Split()
		if err := os.Remove(l.sessionFile(login, tty)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

// ListSessions globs the session files, sweeping entries whose
// last_active is past the session TTL.
func (l *Local) ListSessions(ctx context.Context) ([]model.UserSession, error) {
	var out []model.UserSession
	err := l.op(ctx, "list_sessions", func() error {
		paths, err := filepath.Glob(filepath.Join(l.dir, "session-*.json"))
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-SessionTTL)
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					l.log.Warn("read session file", "path", p, "error", err)
				}
				continue
			}
			var s model.UserSession
			if err := json.Unmarshal(data, &s); err != nil {
				l.log.Warn("skipping malformed session file", "path", p, "error", err)
				continue
			}
			if s.LastActive.Before(cutoff) {
				l.log.Info("sweeping expired session", "key", s.Key)
				_ = os.Remove(p)
				continue
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// GetSession returns the login's session with the newest last_active,
// or (nil, nil) when the login has none.
func (l *Local) GetSession(ctx context.Context, login string) (*model.UserSession, error) {
	sessions, err := l.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var best *model.UserSession
	for i := range sessions {
		s := &sessions[i]
		if s.Login != login {
			continue
		}
		if best == nil || s.LastActive.After(best.LastActive) {
			best = s
		}
	}
	return best, nil
}

// SetPlan replaces the plan line of one session.
func (l *Local) SetPlan(ctx context.Context, key model.SessionKey, plan string) error {
	return l.op(ctx, "set_plan", func() error {
		return l.mutateSession(key, func(s *model.UserSession) { s.Plan = plan })
	})
}

// SetMesg flips message availability for one session.
func (l *Local) SetMesg(ctx context.Context, key model.SessionKey, enabled bool) error {
	return l.op(ctx, "set_mesg", func() error {
		return l.mutateSession(key, func(s *model.UserSession) { s.MessagesEnabled = enabled })
	})
}

// Deliver appends the message to the broadcast or targeted inbox under
// an advisory lock.
func (l *Local) Deliver(ctx context.Context, msg model.Message) error {
	err := l.op(ctx, "deliver", func() error {
		path := l.userInboxFile(msg.To.Login)
		if !msg.To.IsBroadcast() {
			path = l.inboxFile(msg.To.Login, msg.To.TTY)
		}
		return l.withLock(ctx, path, func() error {
			line, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode message: %w", err)
			}
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = f.Write(append(line, '\n'))
			return err
		})
	})
	if err == nil {
		metrics.MessagesDeliveredTotal.Inc()
	}
	return err
}

// DrainFor reads and truncates both inboxes for the session, returning
// the merged messages sorted by sent_at ascending. The read-then-truncate
// runs under an exclusive lock per inbox, so each message goes to at most
// one drainer even across processes.
func (l *Local) DrainFor(ctx context.Context, login, tty string) ([]model.Message, error) {
	var out []model.Message
	err := l.op(ctx, "drain_for", func() error {
		for _, path := range []string{l.userInboxFile(login), l.inboxFile(login, tty)} {
			msgs, err := l.takeInbox(ctx, path)
			if err != nil {
				return err
			}
			out = append(out, msgs...)
		}
		sortMessages(out)
		return nil
	})
	if err == nil {
		metrics.MessagesDrainedTotal.Add(float64(len(out)))
	}
	return out, err
}

// PeekUnread reports the merged pending view without consuming it.
func (l *Local) PeekUnread(ctx context.Context, login, tty string) (model.UnreadSummary, error) {
	var summary model.UnreadSummary
	err := l.op(ctx, "peek_unread", func() error {
		var all []model.Message
		for _, path := range []string{l.userInboxFile(login), l.inboxFile(login, tty)} {
			msgs, err := l.readInbox(ctx, path)
			if err != nil {
				return err
			}
			all = append(all, msgs...)
		}
		sortMessages(all)
		summary = model.BuildUnreadSummary(all, len(all))
		return nil
	})
	return summary, err
}

// LogEvent appends to wtmp.jsonl, compacting the log when it grows past
// the rotation threshold.
func (l *Local) LogEvent(ctx context.Context, ev model.SessionEvent) error {
	return l.op(ctx, "log_event", func() error {
		path := l.wtmpFile()
		return l.withLock(ctx, path, func() error {
			line, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			_, werr := f.Write(append(line, '\n'))
			cerr := f.Close()
			if werr != nil {
				return werr
			}
			if cerr != nil {
				return cerr
			}
			return l.maybeRotateWtmp(path)
		})
	})
}

// RecentEvents returns the newest events first, filtered by login when
// non-empty.
func (l *Local) RecentEvents(ctx context.Context, login string, limit int) ([]model.SessionEvent, error) {
	var out []model.SessionEvent
	err := l.op(ctx, "recent_events", func() error {
		path := l.wtmpFile()
		return l.withLock(ctx, path, func() error {
			events, err := l.readEvents(path)
			if err != nil {
				return err
			}
			for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
				if login != "" && events[i].Login() != login {
					continue
				}
				out = append(out, events[i])
			}
			return nil
		})
	})
	return out, err
}

// Close is a no-op for the filesystem backend.
func (l *Local) Close() error { return nil }

// op wraps every operation with a context check and a metrics record.
func (l *Local) op(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		metrics.RelayOpsTotal.WithLabelValues(name, "error").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RelayOpsTotal.WithLabelValues(name, outcome).Inc()
	return err
}

func (l *Local) withLock(ctx context.Context, path string, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(lockCtx, lockRetry)
	if err != nil || !locked {
		return fmt.Errorf("%w: lock %s: %v", ErrUnavailable, filepath.Base(path), err)
	}
	defer func() {
		if uerr := fl.Unlock(); uerr != nil {
			l.log.Warn("unlock failed", "path", path, "error", uerr)
		}
	}()
	return fn()
}

// takeInbox reads and truncates one inbox under its lock.
func (l *Local) takeInbox(ctx context.Context, path string) ([]model.Message, error) {
	var msgs []model.Message
	err := l.withLock(ctx, path, func() error {
		var err error
		msgs, err = l.parseInbox(path)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		return os.Truncate(path, 0)
	})
	return msgs, err
}

// readInbox reads one inbox under its lock without truncating.
func (l *Local) readInbox(ctx context.Context, path string) ([]model.Message, error) {
	var msgs []model.Message
	err := l.withLock(ctx, path, func() error {
		var err error
		msgs, err = l.parseInbox(path)
		return err
	})
	return msgs, err
}

func (l *Local) parseInbox(path string) ([]model.Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var msgs []model.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m model.Message
		if err := json.Unmarshal(line, &m); err != nil {
			l.log.Warn("skipping malformed inbox line", "path", path, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}

func (l *Local) readEvents(path string) ([]model.SessionEvent, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var events []model.SessionEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.SessionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			l.log.Warn("skipping malformed wtmp line", "path", path, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// maybeRotateWtmp compacts the event log in place once it exceeds the
// rotation threshold, keeping events from the retention window. Caller
// holds the wtmp lock.
func (l *Local) maybeRotateWtmp(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() < wtmpRotateBytes {
		return nil
	}
	events, err := l.readEvents(path)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-EventRetention)
	var buf []byte
	kept := 0
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
		kept++
	}
	l.log.Info("rotated wtmp", "kept", kept, "dropped", len(events)-kept)
	return atomicfile.WriteFile(path, buf, 0o600)
}

func (l *Local) readSession(key model.SessionKey) (*model.UserSession, error) {
	login, tty := key.Split()
	data, err := os.ReadFile(l.sessionFile(login, tty))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	var s model.UserSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &s, nil
}

func (l *Local) writeSession(s model.UserSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	login, tty := s.Key.Split()
	return atomicfile.WriteFile(l.sessionFile(login, tty), data, 0o600)
}

func (l *Local) mutateSession(key model.SessionKey, mutate func(*model.UserSession)) error {
	s, err := l.readSession(key)
	if err != nil {
		return err
	}
	mutate(s)
	if now := time.Now().UTC(); now.After(s.LastActive) {
		s.LastActive = now
	}
	return l.writeSession(*s)
}

// sortMessages orders by sent_at ascending, keeping relay arrival order
// for ties.
func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}
