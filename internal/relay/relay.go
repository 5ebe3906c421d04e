// Package relay abstracts the storage and transport backend behind the
// biff tools. Two implementations exist: Local (per-repo directory of
// JSON/JSONL files, single host) and Cluster (NATS JetStream KV bucket
// plus work-queue stream, shared across hosts).
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/punt-labs/biff/internal/model"
)

// Sentinel errors surfaced by every implementation. Callers match with
// errors.Is; the tool layer translates them into user-facing strings.
var (
	// ErrUnavailable reports that the backing store could not be
	// reached within the operation deadline.
	ErrUnavailable = errors.New("relay unavailable")

	// ErrSessionNotFound reports a targeted session mutation whose key
	// has no live session.
	ErrSessionNotFound = errors.New("session not found")
)

// OpTimeout bounds every relay operation. Expiry surfaces as
// ErrUnavailable; the relay never retries internally.
const OpTimeout = 5 * time.Second

// SessionTTL is how long a session entry survives without a heartbeat
// before the store garbage-collects it.
const SessionTTL = 30 * 24 * time.Hour

// EventRetention bounds the session-history log in both variants.
const EventRetention = 30 * 24 * time.Hour

// Relay is the capability set consumed by the tool layer and the
// awareness engine. Every operation is atomic with respect to
// concurrent callers on the same resource; in particular DrainFor
// delivers each message to at most one caller.
type Relay interface {
	// PutSession upserts the caller's session snapshot.
	PutSession(ctx context.Context, s model.UserSession) error

	// TouchSession refreshes last_active to now. ErrSessionNotFound
	// when the key has no live entry.
	TouchSession(ctx context.Context, key model.SessionKey) error

	// DeleteSession removes a session entry. Deleting an absent key is
	// not an error.
	DeleteSession(ctx context.Context, key model.SessionKey) error

	// ListSessions returns all live sessions in this repository.
	ListSessions(ctx context.Context) ([]model.UserSession, error)

	// GetSession returns any live session of the login, preferring the
	// newest last_active. (nil, nil) when the login has none.
	GetSession(ctx context.Context, login string) (*model.UserSession, error)

	// SetPlan replaces the plan line of one session.
	SetPlan(ctx context.Context, key model.SessionKey, plan string) error

	// SetMesg flips message availability for one session. Disabling
	// never blocks storage; messages accumulate until read.
	SetMesg(ctx context.Context, key model.SessionKey, enabled bool) error

	// Deliver writes the message to the broadcast inbox of To.Login
	// when To is the broadcast form, else to the targeted inbox of To.
	Deliver(ctx context.Context, msg model.Message) error

	// DrainFor returns and removes all pending messages for both the
	// login's broadcast inbox and the session's targeted inbox, merged
	// and sorted by sent_at ascending.
	DrainFor(ctx context.Context, login, tty string) ([]model.Message, error)

	// PeekUnread reports the same merged view without removal.
	PeekUnread(ctx context.Context, login, tty string) (model.UnreadSummary, error)

	// LogEvent appends one record to the session-history log.
	LogEvent(ctx context.Context, ev model.SessionEvent) error

	// RecentEvents returns the newest events first, filtered by login
	// when login is non-empty, at most limit records.
	RecentEvents(ctx context.Context, login string, limit int) ([]model.SessionEvent, error)

	// Close releases all backing resources.
	Close() error
}

// Options selects and parameterizes a relay backend.
type Options struct {
	// Repo is the sanitized repository name scoping every resource.
	Repo string

	// DataDir roots the local variant's files.
	DataDir string

	// URL selects the cluster variant when non-empty.
	URL string

	// At most one of the three credentials is set.
	Token     string
	NkeysSeed string
	Creds     string

	// Login names the bus client connection.
	Login string
}

// New selects the implementation by presence of a relay URL.
func New(ctx context.Context, opts Options) (Relay, error) {
	if opts.URL != "" {
		return NewCluster(ctx, opts)
	}
	return NewLocal(opts.DataDir)
}
