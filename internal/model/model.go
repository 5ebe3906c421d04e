// Package model defines the data types shared by the relay backends and
// the tool layer: identities, sessions, addresses, messages, and
// session-history events.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidAddress reports a malformed user or user:tty address.
var ErrInvalidAddress = errors.New("invalid address")

// Identity is the login and display name this process runs as.
// Resolved once at startup, immutable afterwards.
type Identity struct {
	Login       string
	DisplayName string
}

// SessionKey identifies one live session as "login:tty".
type SessionKey string

// NewKey builds a SessionKey from its parts.
func NewKey(login, tty string) SessionKey {
	return SessionKey(login + ":" + tty)
}

// Split returns the login and tty halves of the key.
func (k SessionKey) Split() (login, tty string) {
	login, tty, _ = strings.Cut(string(k), ":")
	return login, tty
}

func (k SessionKey) String() string { return string(k) }

// ValidateLogin rejects logins that could escape the data directory or
// cross bus subject boundaries.
func ValidateLogin(login string) error {
	if login == "" {
		return fmt.Errorf("%w: empty login", ErrInvalidAddress)
	}
	if strings.ContainsAny(login, "/\\:.*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, login)
	}
	return nil
}

func validateTTY(tty string) error {
	if tty == "" {
		return fmt.Errorf("%w: empty tty", ErrInvalidAddress)
	}
	if strings.ContainsAny(tty, "/\\:.*> \t\r\n") {
		return fmt.Errorf("%w: tty %q", ErrInvalidAddress, tty)
	}
	return nil
}

// ValidateKey checks both halves of a session key.
func ValidateKey(k SessionKey) error {
	login, tty := k.Split()
	if err := ValidateLogin(login); err != nil {
		return err
	}
	return validateTTY(tty)
}

// Address is a message destination. TTY == "" is the broadcast form (the
// login's shared inbox); otherwise it targets one session.
type Address struct {
	Login string
	TTY   string
}

// ParseAddress parses "u" (broadcast) or "u:t" (targeted), tolerating a
// leading @ and surrounding whitespace.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	login, tty, targeted := strings.Cut(s, ":")
	if err := ValidateLogin(login); err != nil {
		return Address{}, err
	}
	if targeted {
		if err := validateTTY(tty); err != nil {
			return Address{}, err
		}
	}
	return Address{Login: login, TTY: tty}, nil
}

// IsBroadcast reports whether the address is the per-login broadcast form.
func (a Address) IsBroadcast() bool { return a.TTY == "" }

// Key returns the targeted address as a SessionKey. Only meaningful for
// non-broadcast addresses.
func (a Address) Key() SessionKey { return NewKey(a.Login, a.TTY) }

func (a Address) String() string {
	if a.IsBroadcast() {
		return a.Login
	}
	return a.Login + ":" + a.TTY
}

// MarshalJSON encodes the address in its wire form ("u" or "u:t").
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes and validates the wire form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UserSession is one live server process's presence record.
type UserSession struct {
	Key             SessionKey `json:"key"`
	Login           string     `json:"login"`
	DisplayName     string     `json:"display_name,omitempty"`
	Host            string     `json:"host"`
	CWD             string     `json:"cwd,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	LastActive      time.Time  `json:"last_active"`
	MessagesEnabled bool       `json:"messages_enabled"`
	Plan            string     `json:"plan,omitempty"`
}

// TTY returns the token half of the session key.
func (s UserSession) TTY() string {
	_, tty := s.Key.Split()
	return tty
}

// Message is one ephemeral note in flight between sessions.
type Message struct {
	ID     uuid.UUID  `json:"id"`
	From   SessionKey `json:"from_session"`
	To     Address    `json:"to_addr"`
	Body   string     `json:"body"`
	SentAt time.Time  `json:"sent_at"`
}

// NewMessage stamps a fresh message from one session to an address.
func NewMessage(from SessionKey, to Address, body string) Message {
	return Message{
		ID:     uuid.New(),
		From:   from,
		To:     to,
		Body:   body,
		SentAt: time.Now().UTC(),
	}
}

// FromLogin returns the login half of the sender's session key.
func (m Message) FromLogin() string {
	login, _ := m.From.Split()
	return login
}

// EventKind labels a session-history event.
type EventKind string

// LogoutReason labels why a session ended.
type LogoutReason string

const (
	EventLogin  EventKind = "login"
	EventLogout EventKind = "logout"

	ReasonNormal LogoutReason = "normal"
	ReasonOrphan LogoutReason = "orphan"
	ReasonTTL    LogoutReason = "ttl"
)

// SessionEvent is one append-only login/logout record on the wtmp log.
// Host is carried so last can render its HOST column without a session
// lookup.
type SessionEvent struct {
	Kind      EventKind    `json:"kind"`
	Key       SessionKey   `json:"session"`
	Host      string       `json:"host,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    LogoutReason `json:"reason,omitempty"`
}

// LoginEvent builds a login record.
func LoginEvent(key SessionKey, host string, at time.Time) SessionEvent {
	return SessionEvent{Kind: EventLogin, Key: key, Host: host, Timestamp: at.UTC()}
}

// LogoutEvent builds a logout record with the given reason.
func LogoutEvent(key SessionKey, host string, at time.Time, reason LogoutReason) SessionEvent {
	return SessionEvent{Kind: EventLogout, Key: key, Host: host, Timestamp: at.UTC(), Reason: reason}
}

// Login returns the login half of the event's session key.
func (e SessionEvent) Login() string {
	login, _ := e.Key.Split()
	return login
}

// TTY returns the token half of the event's session key.
func (e SessionEvent) TTY() string {
	_, tty := e.Key.Split()
	return tty
}

const (
	maxPreviewMessages = 3
	maxBodyPreview     = 40
	maxPreviewLen      = 80
)

// UnreadSummary is the unread count and a short preview consumed by the
// dynamic read_messages description and the per-repo status file.
type UnreadSummary struct {
	Count   int    `json:"count"`
	Preview string `json:"preview"`
}

// BuildUnreadSummary renders a preview from the first few pending
// messages, e.g. "@kai about auth, @eric about lunch", truncated to 80
// characters. count may exceed len(msgs) when the caller only has a
// partial view of the queue.
func BuildUnreadSummary(msgs []Message, count int) UnreadSummary {
	if count == 0 {
		return UnreadSummary{}
	}
	previews := make([]string, 0, maxPreviewMessages)
	for _, m := range msgs {
		if len(previews) == maxPreviewMessages {
			break
		}
		previews = append(previews, "@"+m.FromLogin()+" about "+truncate(m.Body, maxBodyPreview))
	}
	preview := strings.Join(previews, ", ")
	if r := []rune(preview); len(r) > maxPreviewLen {
		preview = string(r[:maxPreviewLen-3]) + "..."
	}
	return UnreadSummary{Count: count, Preview: preview}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
