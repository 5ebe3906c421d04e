package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/punt-labs/biff/internal/metrics"
	"github.com/punt-labs/biff/internal/model"
)

const (
	// reconnectMaxDelay caps the exponential reconnect backoff.
	reconnectMaxDelay = 30 * time.Second

	// drainBatch is the pull-consumer fetch size used by DrainFor and
	// RecentEvents.
	drainBatch = 100

	// markerTTL is how long TTL-eviction purge markers stay visible to
	// the KV watcher.
	markerTTL = time.Hour
)

// Cluster is the NATS JetStream relay: sessions in a KV bucket with a
// 30-day TTL, messages on a work-queue stream consumed by per-caller
// durables, and the session-history log on a limits stream with 30-day
// retention. All resources are created idempotently at connect time.
type Cluster struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	kv    jetstream.KeyValue
	inbox jetstream.Stream
	wtmp  jetstream.Stream
	names naming
	log   *slog.Logger

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	mu       sync.Mutex
	durables map[string]jetstream.Consumer
}

// NewCluster connects to the bus and provisions the repo-scoped
// resources. The connection reconnects indefinitely with exponential
// backoff; operations during a disconnect window fail with
// ErrUnavailable rather than queueing.
func NewCluster(ctx context.Context, opts Options) (*Cluster, error) {
	names := naming{repo: opts.Repo}
	log := slog.With("component", "relay", "backend", "cluster")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = reconnectMaxDelay
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2

	natsOpts := []nats.Option{
		nats.Name(names.clientName(opts.Login)),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectBufSize(-1), // fail fast while disconnected, never queue
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			if attempts <= 1 {
				bo.Reset()
			}
			return bo.NextBackOff()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from relay", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to relay", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("relay async error", "error", err)
		}),
	}
	switch {
	case opts.Token != "":
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	case opts.NkeysSeed != "":
		nkey, err := nats.NkeyOptionFromSeed(opts.NkeysSeed)
		if err != nil {
			return nil, fmt.Errorf("nkeys seed %s: %w", opts.NkeysSeed, err)
		}
		natsOpts = append(natsOpts, nkey)
	case opts.Creds != "":
		natsOpts = append(natsOpts, nats.UserCredentials(opts.Creds))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnavailable, opts.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	c := &Cluster{
		nc:       nc,
		js:       js,
		names:    names,
		log:      log,
		durables: make(map[string]jetstream.Consumer),
	}
	setupCtx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	if err := c.provision(setupCtx); err != nil {
		nc.Close()
		return nil, err
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	c.watchCancel = watchCancel
	c.watchDone = make(chan struct{})
	go c.watchExpiry(watchCtx)

	return c, nil
}

func (c *Cluster) provision(ctx context.Context) error {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:         c.names.bucket(),
		TTL:            SessionTTL,
		LimitMarkerTTL: markerTTL, // TTL evictions leave purge markers for the watcher
	})
	if err != nil {
		return fmt.Errorf("%w: sessions bucket: %v", ErrUnavailable, err)
	}
	inbox, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.names.inboxStream(),
		Subjects:  []string{c.names.inboxWildcard()},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("%w: inbox stream: %v", ErrUnavailable, err)
	}
	wtmp, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.names.wtmpStream(),
		Subjects:  []string{c.names.wtmpWildcard()},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    EventRetention,
	})
	if err != nil {
		return fmt.Errorf("%w: wtmp stream: %v", ErrUnavailable, err)
	}
	c.kv, c.inbox, c.wtmp = kv, inbox, wtmp
	return nil
}

// watchExpiry turns KV TTL evictions into logout{reason=ttl} events.
// Explicit deletes are ignored: the deleting process logs its own
// logout.
func (c *Cluster) watchExpiry(ctx context.Context) {
	defer close(c.watchDone)
	watcher, err := c.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		c.log.Warn("kv watch unavailable, ttl logouts disabled", "error", err)
		return
	}
	defer watcher.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil || entry.Operation() != jetstream.KeyValuePurge {
				continue
			}
			login, tty, ok := strings.Cut(entry.Key(), ".")
			if !ok {
				continue
			}
			key := model.NewKey(login, tty)
			if err := c.recordTTLLogout(ctx, key); err != nil {
				c.log.Warn("ttl logout event not recorded", "key", key, "error", err)
				continue
			}
			c.log.Info("session expired", "key", key)
		}
	}
}

// PutSession upserts the KV entry; every put refreshes the bucket TTL.
func (c *Cluster) PutSession(ctx context.Context, s model.UserSession) error {
	return c.op(ctx, "put_session", func(ctx context.Context) error {
		if err := model.ValidateKey(s.Key); err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		login, tty := s.Key.Split()
		_, err = c.kv.Put(ctx, c.names.kvKey(login, tty), data)
		return c.wrap(err)
	})
}

// TouchSession refreshes last_active, keeping it monotone.
func (c *Cluster) TouchSession(ctx context.Context, key model.SessionKey) error {
	return c.op(ctx, "touch_session", func(ctx context.Context) error {
		return c.mutateSession(ctx, key, func(*model.UserSession) {})
	})
}

// DeleteSession removes the KV entry. Absent is not an error.
func (c *Cluster) DeleteSession(ctx context.Context, key model.SessionKey) error {
	return c.op(ctx, "delete_session", func(ctx context.Context) error {
		login, tty := key.Split()
		err := c.kv.Delete(ctx, c.names.kvKey(login, tty))
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return c.wrap(err)
	})
}

// ListSessions reads every live KV entry. The bucket TTL is the
// ultimate garbage collector; entries past the session TTL are skipped
// defensively in case eviction lags.
func (c *Cluster) ListSessions(ctx context.Context) ([]model.UserSession, error) {
	var out []model.UserSession
	err := c.op(ctx, "list_sessions", func(ctx context.Context) error {
		lister, err := c.kv.ListKeys(ctx)
		if err != nil {
			if errors.Is(err, jetstream.ErrNoKeysFound) {
				return nil
			}
			return c.wrap(err)
		}
		defer lister.Stop()
		cutoff := time.Now().Add(-SessionTTL)
		for key := range lister.Keys() {
			entry, err := c.kv.Get(ctx, key)
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return c.wrap(err)
			}
			var s model.UserSession
			if err := json.Unmarshal(entry.Value(), &s); err != nil {
				c.log.Warn("skipping malformed session entry", "key", key, "error", err)
				continue
			}
			if s.LastActive.Before(cutoff) {
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
func (c *Cluster) GetSession(ctx context.Context, login string) (*model.UserSession, error) {
	sessions, err := c.ListSessions(ctx)
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
func (c *Cluster) SetPlan(ctx context.Context, key model.SessionKey, plan string) error {
	return c.op(ctx, "set_plan", func(ctx context.Context) error {
		return c.mutateSession(ctx, key, func(s *model.UserSession) { s.Plan = plan })
	})
}

// SetMesg flips message availability for one session.
func (c *Cluster) SetMesg(ctx context.Context, key model.SessionKey, enabled bool) error {
	return c.op(ctx, "set_mesg", func(ctx context.Context) error {
		return c.mutateSession(ctx, key, func(s *model.UserSession) { s.MessagesEnabled = enabled })
	})
}

// Deliver publishes to the targeted or broadcast subject. The subject
// token counts differ by kind, so the two inboxes never cross.
func (c *Cluster) Deliver(ctx context.Context, msg model.Message) error {
	err := c.op(ctx, "deliver", func(ctx context.Context) error {
		subject := c.names.broadcastSubject(msg.To.Login)
		if !msg.To.IsBroadcast() {
			subject = c.names.targetedSubject(msg.To.Login, msg.To.TTY)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		_, err = c.js.Publish(ctx, subject, data)
		return c.wrap(err)
	})
	if err == nil {
		metrics.MessagesDeliveredTotal.Inc()
	}
	return err
}

// DrainFor pulls from two durable consumers: a per-session durable on
// the targeted subject and a per-login durable on the broadcast subject
// shared by all of the login's sessions (first drainer wins). Explicit
// acks with redelivery disabled give at-most-one delivery; work-queue
// retention deletes acked messages from the stream.
func (c *Cluster) DrainFor(ctx context.Context, login, tty string) ([]model.Message, error) {
	var out []model.Message
	err := c.op(ctx, "drain_for", func(ctx context.Context) error {
		consumers := []struct{ durable, subject string }{
			{c.names.broadcastDurable(login), c.names.broadcastSubject(login)},
			{c.names.targetedDurable(login, tty), c.names.targetedSubject(login, tty)},
		}
		for _, cc := range consumers {
			cons, err := c.consumer(ctx, cc.durable, cc.subject)
			if err != nil {
				return err
			}
			msgs, err := c.fetchAll(cons)
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

// PeekUnread counts pending messages via stream state filtered by the
// two exact subjects; the preview is built best-effort from the last
// message on each subject.
func (c *Cluster) PeekUnread(ctx context.Context, login, tty string) (model.UnreadSummary, error) {
	var summary model.UnreadSummary
	err := c.op(ctx, "peek_unread", func(ctx context.Context) error {
		subjects := []string{
			c.names.broadcastSubject(login),
			c.names.targetedSubject(login, tty),
		}
		count := 0
		var preview []model.Message
		for _, subject := range subjects {
			info, err := c.inbox.Info(ctx, jetstream.WithSubjectFilter(subject))
			if err != nil {
				return c.wrap(err)
			}
			n := 0
			for _, pending := range info.State.Subjects {
				n += int(pending)
			}
			count += n
			if n == 0 {
				continue
			}
			raw, err := c.inbox.GetLastMsgForSubject(ctx, subject)
			if err != nil {
				continue // preview is best-effort, the count is not
			}
			var m model.Message
			if err := json.Unmarshal(raw.Data, &m); err == nil {
				preview = append(preview, m)
			}
		}
		sortMessages(preview)
		summary = model.BuildUnreadSummary(preview, count)
		return nil
	})
	return summary, err
}

// recordTTLLogout publishes logout{reason=ttl} for an evicted session.
// Every connected process watches the same bucket, so the publish is
// guarded by the wtmp subject's last sequence: one watcher's record
// lands, the stream rejects the rest.
func (c *Cluster) recordTTLLogout(ctx context.Context, key model.SessionKey) error {
	return c.op(ctx, "log_event", func(ctx context.Context) error {
		login, _ := key.Split()
		seq, err := c.lastEventSeq(ctx, login)
		if err != nil {
			return err
		}
		return c.publishTTLLogout(ctx, key, seq)
	})
}

// lastEventSeq returns the stream sequence of the login's newest wtmp
// record, 0 when none exists.
func (c *Cluster) lastEventSeq(ctx context.Context, login string) (uint64, error) {
	raw, err := c.wtmp.GetLastMsgForSubject(ctx, c.names.wtmpSubject(login))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, c.wrap(err)
	}
	return raw.Sequence, nil
}

// publishTTLLogout publishes expecting seq to still be the subject's
// last sequence. A wrong-sequence rejection means another watcher
// already recorded this eviction; that is success.
func (c *Cluster) publishTTLLogout(ctx context.Context, key model.SessionKey, seq uint64) error {
	data, err := json.Marshal(model.LogoutEvent(key, "", time.Now(), model.ReasonTTL))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	login, _ := key.Split()
	_, err = c.js.Publish(ctx, c.names.wtmpSubject(login), data,
		jetstream.WithExpectLastSequencePerSubject(seq))
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return nil
	}
	return c.wrap(err)
}

// LogEvent publishes one record to the wtmp stream.
func (c *Cluster) LogEvent(ctx context.Context, ev model.SessionEvent) error {
	return c.op(ctx, "log_event", func(ctx context.Context) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		_, err = c.js.Publish(ctx, c.names.wtmpSubject(ev.Login()), data)
		return c.wrap(err)
	})
}

// RecentEvents reads the wtmp stream with an ordered ephemeral consumer
// and returns the newest events first.
func (c *Cluster) RecentEvents(ctx context.Context, login string, limit int) ([]model.SessionEvent, error) {
	var out []model.SessionEvent
	err := c.op(ctx, "recent_events", func(ctx context.Context) error {
		subject := c.names.wtmpWildcard()
		if login != "" {
			subject = c.names.wtmpSubject(login)
		}
		cons, err := c.wtmp.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{subject},
		})
		if err != nil {
			return c.wrap(err)
		}
		var events []model.SessionEvent
		for {
			batch, err := cons.FetchNoWait(drainBatch)
			if err != nil {
				return c.wrap(err)
			}
			got := 0
			for raw := range batch.Messages() {
				got++
				var ev model.SessionEvent
				if err := json.Unmarshal(raw.Data(), &ev); err != nil {
					c.log.Warn("skipping malformed wtmp record", "error", err)
					continue
				}
				events = append(events, ev)
			}
			if err := batch.Error(); err != nil {
				return c.wrap(err)
			}
			if got < drainBatch {
				break
			}
		}
		for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, events[i])
		}
		return nil
	})
	return out, err
}

// Close stops the expiry watcher and drops the connection.
func (c *Cluster) Close() error {
	if c.watchCancel != nil {
		c.watchCancel()
		<-c.watchDone
	}
	c.nc.Close()
	return nil
}

// consumer creates or reuses a durable pull consumer bound to one exact
// subject.
func (c *Cluster) consumer(ctx context.Context, durable, subject string) (jetstream.Consumer, error) {
	c.mu.Lock()
	cached, ok := c.durables[durable]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}
	cons, err := c.inbox.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    1, // no redelivery: at most one reader per message
	})
	if err != nil {
		return nil, c.wrap(err)
	}
	c.mu.Lock()
	c.durables[durable] = cons
	c.mu.Unlock()
	return cons, nil
}

// fetchAll drains a consumer's pending messages, acking each on read.
func (c *Cluster) fetchAll(cons jetstream.Consumer) ([]model.Message, error) {
	var out []model.Message
	for {
		batch, err := cons.FetchNoWait(drainBatch)
		if err != nil {
			return out, c.wrap(err)
		}
		got := 0
		for raw := range batch.Messages() {
			got++
			var m model.Message
			if err := json.Unmarshal(raw.Data(), &m); err != nil {
				c.log.Warn("skipping malformed message", "error", err)
			} else {
				out = append(out, m)
			}
			if err := raw.Ack(); err != nil {
				c.log.Warn("ack failed", "error", err)
			}
		}
		if err := batch.Error(); err != nil {
			return out, c.wrap(err)
		}
		if got < drainBatch {
			return out, nil
		}
	}
}

func (c *Cluster) mutateSession(ctx context.Context, key model.SessionKey, mutate func(*model.UserSession)) error {
	login, tty := key.Split()
	entry, err := c.kv.Get(ctx, c.names.kvKey(login, tty))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if err != nil {
		return c.wrap(err)
	}
	var s model.UserSession
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return fmt.Errorf("decode session %s: %w", key, err)
	}
	mutate(&s)
	if now := time.Now().UTC(); now.After(s.LastActive) {
		s.LastActive = now
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = c.kv.Put(ctx, c.names.kvKey(login, tty), data)
	return c.wrap(err)
}

// op bounds the operation with the relay timeout and records metrics.
func (c *Cluster) op(ctx context.Context, name string, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	err := fn(opCtx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RelayOpsTotal.WithLabelValues(name, outcome).Inc()
	return err
}

// wrap classifies connectivity failures as ErrUnavailable so callers
// can match one sentinel regardless of which layer failed.
func (c *Cluster) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrSessionNotFound) {
		return err
	}
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrReconnectBufExceeded),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
