package relay

import "fmt"

// Bus resource naming. Everything is scoped by the sanitized repository
// name so runs against different repositories never share state.
//
//	KV bucket:    biff-{repo}-sessions
//	inbox stream: BIFF_{repo}_INBOX    subjects biff.{repo}.inbox.>
//	wtmp stream:  BIFF_{repo}_WTMP     subjects biff.{repo}.wtmp.>
//	client name:  biff-{repo}-{login}
//
// Targeted subjects carry four tokens (biff.{repo}.inbox.{u}.{t}) and
// broadcast subjects three (biff.{repo}.inbox.{u}), so exact-match
// filters never cross kinds.
type naming struct {
	repo string
}

func (n naming) bucket() string      { return fmt.Sprintf("biff-%s-sessions", n.repo) }
func (n naming) inboxStream() string { return fmt.Sprintf("BIFF_%s_INBOX", n.repo) }
func (n naming) wtmpStream() string  { return fmt.Sprintf("BIFF_%s_WTMP", n.repo) }

func (n naming) clientName(login string) string {
	return fmt.Sprintf("biff-%s-%s", n.repo, login)
}

func (n naming) inboxWildcard() string { return fmt.Sprintf("biff.%s.inbox.>", n.repo) }
func (n naming) wtmpWildcard() string  { return fmt.Sprintf("biff.%s.wtmp.>", n.repo) }

func (n naming) broadcastSubject(login string) string {
	return fmt.Sprintf("biff.%s.inbox.%s", n.repo, login)
}

func (n naming) targetedSubject(login, tty string) string {
	return fmt.Sprintf("biff.%s.inbox.%s.%s", n.repo, login, tty)
}

func (n naming) wtmpSubject(login string) string {
	return fmt.Sprintf("biff.%s.wtmp.%s", n.repo, login)
}

func (n naming) targetedDurable(login, tty string) string {
	return fmt.Sprintf("inbox-%s-%s", login, tty)
}

func (n naming) broadcastDurable(login string) string {
	return fmt.Sprintf("userinbox-%s", login)
}

// kvKey translates a session key into KV form: ":" is not a legal KV
// key character, "." is.
func (n naming) kvKey(login, tty string) string {
	return login + "." + tty
}
