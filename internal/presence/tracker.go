// Package presence tracks which users are online. A user is online while
// their TTL key exists; the online set mirrors the keys and is reconciled by
// a periodic sweep. Transitions travel over the ephemeral store's pub/sub so
// every instance sees them.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"notifyd/internal/ephemeral"
	"notifyd/internal/eventbus"
	"notifyd/internal/recipients"
	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"
)

const (
	keyPrefix = "online:"
	onlineSet = "online_users"
)

func Key(user string) string { return keyPrefix + user }

type Config struct {
	// TTL is how long a connect or heartbeat keeps a user online.
	TTL time.Duration
	// SweepInterval is clamped to TTL/2.
	SweepInterval time.Duration
	// Channel is the pub/sub channel transitions are published on.
	Channel string
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 300 * time.Second
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.TTL/2 {
		c.SweepInterval = c.TTL / 2
	}
	if c.Channel == "" {
		c.Channel = "presence"
	}
	return c
}

// Transition is an online/offline change of one user.
type Transition struct {
	User   string    `json:"user"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

type Tracker struct {
	store ephemeral.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu   sync.RWMutex
	cfg  Config
	subs map[uint64]func(Transition)
	seq  uint64
	sup  *rtsup.Supervisor
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func New(store ephemeral.Store, bus eventbus.Bus, cfg Config, log logx.Logger, opts ...Option) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	t := &Tracker{
		store: store,
		bus:   bus,
		log:   log.With(logx.Component("presence")),
		now:   time.Now,
		cfg:   cfg.withDefaults(),
		subs:  map[uint64]func(Transition){},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Apply swaps the TTL for future heartbeats. Sweep interval and channel
// changes take effect on restart.
func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
}

func (t *Tracker) config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// SetOnline marks user online for one TTL. Only a user who was not online
// produces a transition; a user whose record lapsed unswept gets the missed
// offline first.
func (t *Tracker) SetOnline(ctx context.Context, user string) error {
	if user == "" {
		return errors.New("presence: empty user")
	}
	cfg := t.config()
	now := t.now()
	fresh, lapsed, err := t.store.PutMember(ctx, Key(user), strconv.FormatInt(now.UnixMilli(), 10), cfg.TTL, onlineSet, user)
	if err != nil {
		return err
	}
	if lapsed {
		// Expired before a sweep saw it.
		t.publish(ctx, Transition{User: user, Online: false, At: now})
	}
	if fresh {
		t.publish(ctx, Transition{User: user, Online: true, At: now})
	}
	return nil
}

// SetOffline removes user's presence at once.
func (t *Tracker) SetOffline(ctx context.Context, user string) error {
	if user == "" {
		return errors.New("presence: empty user")
	}
	existed, err := t.store.DropMember(ctx, Key(user), onlineSet, user)
	if err != nil {
		return err
	}
	if existed {
		t.publish(ctx, Transition{User: user, Online: false, At: t.now()})
	}
	return nil
}

func (t *Tracker) IsOnline(ctx context.Context, user string) (bool, error) {
	return t.store.Exists(ctx, Key(user))
}

// LastSeen returns when user last connected or sent a heartbeat, if online.
func (t *Tracker) LastSeen(ctx context.Context, user string) (time.Time, bool, error) {
	v, ok, err := t.store.Get(ctx, Key(user))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Connect, Heartbeat and Disconnect are the client-facing names for the same
// operations.
func (t *Tracker) Connect(ctx context.Context, user string) error    { return t.SetOnline(ctx, user) }
func (t *Tracker) Heartbeat(ctx context.Context, user string) error  { return t.SetOnline(ctx, user) }
func (t *Tracker) Disconnect(ctx context.Context, user string) error { return t.SetOffline(ctx, user) }

// Online lists online users, sorted. Set members whose key expired are
// pruned on the way.
func (t *Tracker) Online(ctx context.Context) ([]string, error) {
	live, _, err := t.reconcile(ctx)
	return live, err
}

// Sweep removes expired users from the online set, publishes their offline
// transitions and returns how many were removed.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	_, removed, err := t.reconcile(ctx)
	if removed > 0 {
		t.log.Debug("presence sweep", logx.Int("expired", removed))
	}
	return removed, err
}

func (t *Tracker) reconcile(ctx context.Context) ([]string, int, error) {
	members, err := t.store.SMembers(ctx, onlineSet)
	if err != nil {
		return nil, 0, err
	}
	live := make([]string, 0, len(members))
	removed := 0
	for _, u := range members {
		ok, err := t.store.Exists(ctx, Key(u))
		if err != nil {
			return nil, removed, err
		}
		if ok {
			live = append(live, u)
			continue
		}
		if err := t.store.SRem(ctx, onlineSet, u); err != nil {
			return nil, removed, err
		}
		// A heartbeat may have landed between the check and the removal.
		if back, err := t.store.Exists(ctx, Key(u)); err == nil && back {
			_ = t.store.SAdd(ctx, onlineSet, u)
			live = append(live, u)
			continue
		}
		removed++
		t.publish(ctx, Transition{User: u, Online: false, At: t.now()})
	}
	sort.Strings(live)
	return live, removed, nil
}

func (t *Tracker) publish(ctx context.Context, tr Transition) {
	b, err := json.Marshal(tr)
	if err != nil {
		return
	}
	if err := t.store.Publish(ctx, t.config().Channel, string(b)); err != nil {
		t.log.Warn("presence publish failed", logx.String("user", tr.User), logx.Err(err))
	}
}

// Subscribe registers fn for transitions seen by this instance. fn runs on
// a single goroutine, so transitions of one user arrive in order; a slow fn
// delays the others.
func (t *Tracker) Subscribe(fn func(Transition)) (unsubscribe func()) {
	t.mu.Lock()
	t.seq++
	id := t.seq
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Start subscribes to transitions and launches the fan-out and sweep loops.
// The subscription is live when Start returns.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.sup != nil {
		t.mu.Unlock()
		return nil
	}
	cfg := t.cfg
	t.mu.Unlock()

	msgs, cancel, err := t.store.Subscribe(ctx, cfg.Channel)
	if err != nil {
		return err
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(t.log))
	t.mu.Lock()
	t.sup = sup
	t.mu.Unlock()

	first, firstCancel := msgs, cancel
	sup.GoRestart("presence.fanout", func(c context.Context) error {
		in, stop := first, firstCancel
		first, firstCancel = nil, nil
		if in == nil {
			var err error
			if in, stop, err = t.store.Subscribe(c, cfg.Channel); err != nil {
				return err
			}
		}
		defer stop()
		return t.fanout(c, in)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	sup.GoRestart("presence.sweep", func(c context.Context) error {
		tk := time.NewTicker(cfg.SweepInterval)
		defer tk.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-tk.C:
				if _, err := t.Sweep(c); err != nil {
					t.log.Warn("presence sweep failed", logx.Err(err))
				}
			}
		}
	})
	t.log.Info("presence started", logx.Duration("ttl", cfg.TTL), logx.Duration("sweep", cfg.SweepInterval))
	return nil
}

var errSubscriptionClosed = errors.New("presence subscription closed")

func (t *Tracker) fanout(ctx context.Context, in <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errSubscriptionClosed
			}
			var tr Transition
			if err := json.Unmarshal([]byte(msg), &tr); err != nil {
				t.log.Warn("bad presence message", logx.Err(err))
				continue
			}
			t.deliver(tr)
		}
	}
}

func (t *Tracker) deliver(tr Transition) {
	topic := eventbus.PresenceOffline
	if tr.Online {
		topic = eventbus.PresenceOnline
	}
	t.bus.Publish(eventbus.Event{Type: topic, Time: tr.At, Data: tr})

	t.mu.RLock()
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Transition), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.subs[id])
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error("presence subscriber panicked", logx.String("user", tr.User), logx.Any("panic", r))
				}
			}()
			fn(tr)
		}()
	}
}

// Supervisor is nil until Start.
func (t *Tracker) Supervisor() *rtsup.Supervisor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sup
}

// Stop halts the loops.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	sup := t.sup
	t.sup = nil
	t.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ActiveUsers is the "active_users" recipient selector: every online user,
// scored by last seen time so the most recently active rank first.
func (t *Tracker) ActiveUsers(ctx context.Context, _ map[string]string) ([]recipients.Match, error) {
	users, err := t.Online(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]recipients.Match, 0, len(users))
	for _, u := range users {
		seen, ok, err := t.LastSeen(ctx, u)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, recipients.Match{ID: u, Recipient: u, Score: float64(seen.Unix())})
	}
	return out, nil
}
