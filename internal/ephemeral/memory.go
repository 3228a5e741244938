package ephemeral

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	val     string
	expires time.Time // zero: no expiry
}

// Memory is an in-process Store. Expired keys are dropped lazily on access.
type Memory struct {
	now func() time.Time

	mu   sync.Mutex
	kv   map[string]entry
	sets map[string]map[string]struct{}

	subMu sync.RWMutex
	subs  map[string]map[uint64]chan string
	seq   uint64
}

type MemoryOption func(*Memory)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:  time.Now,
		kv:   map[string]entry{},
		sets: map[string]map[string]struct{}{},
		subs: map[string]map[uint64]chan string{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// live returns the entry for key if it exists and has not expired. Caller holds mu.
func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.kv[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.kv, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	m.kv[key] = entry{val: value, expires: m.expiry(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.kv[key] = entry{val: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	return e.val, ok, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	return m.add(key, 1, ttl)
}

func (m *Memory) Decr(_ context.Context, key string) (int64, error) {
	return m.add(key, -1, 0)
}

func (m *Memory) add(key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	var n int64
	if ok {
		v, err := strconv.ParseInt(e.val, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	} else {
		e.expires = m.expiry(ttl)
	}
	n += delta
	e.val = strconv.FormatInt(n, 10)
	m.kv[key] = e
	return n, nil
}

func (m *Memory) SAdd(_ context.Context, set, member string) error {
	m.mu.Lock()
	m.sadd(set, member)
	m.mu.Unlock()
	return nil
}

func (m *Memory) sadd(set, member string) bool {
	s := m.sets[set]
	if s == nil {
		s = map[string]struct{}{}
		m.sets[set] = s
	}
	_, had := s[member]
	s[member] = struct{}{}
	return !had
}

func (m *Memory) SRem(_ context.Context, set, member string) error {
	m.mu.Lock()
	m.srem(set, member)
	m.mu.Unlock()
	return nil
}

func (m *Memory) srem(set, member string) bool {
	s := m.sets[set]
	if _, ok := s[member]; !ok {
		return false
	}
	delete(s, member)
	if len(s) == 0 {
		delete(m.sets, set)
	}
	return true
}

func (m *Memory) SMembers(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	out := make([]string, 0, len(m.sets[set]))
	for v := range m.sets[set] {
		out = append(out, v)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PutMember(_ context.Context, key, value string, ttl time.Duration, set, member string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.live(key)
	m.kv[key] = entry{val: value, expires: m.expiry(ttl)}
	added := m.sadd(set, member)
	return !existed, !existed && !added, nil
}

func (m *Memory) DropMember(_ context.Context, key, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.live(key)
	delete(m.kv, key)
	removed := m.srem(set, member)
	return existed || removed, nil
}

// Publish delivers message to current subscribers of channel. Slow
// subscribers drop messages.
func (m *Memory) Publish(_ context.Context, channel, message string) error {
	m.subMu.RLock()
	targets := make([]chan string, 0, len(m.subs[channel]))
	for _, ch := range m.subs[channel] {
		targets = append(targets, ch)
	}
	m.subMu.RUnlock()

	for _, ch := range targets {
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- message:
			default:
			}
		}()
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 256)

	m.subMu.Lock()
	m.seq++
	id := m.seq
	if m.subs[channel] == nil {
		m.subs[channel] = map[uint64]chan string{}
	}
	m.subs[channel][id] = ch
	m.subMu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs[channel], id)
			m.subMu.Unlock()
			close(done)
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
