// Package recipients holds the named queries schedules use to pick who gets
// notified, and the ranking applied to their results.
package recipients

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Match is one query result. ID identifies the result (a listing, a saved
// search hit); Recipient is the user to notify about it.
type Match struct {
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Score     float64           `json:"score"`
	Context   map[string]string `json:"context,omitempty"`
}

type Query interface {
	Run(ctx context.Context, params map[string]string) ([]Match, error)
}

type QueryFunc func(ctx context.Context, params map[string]string) ([]Match, error)

func (f QueryFunc) Run(ctx context.Context, params map[string]string) ([]Match, error) {
	return f(ctx, params)
}

var ErrUnknownSelector = errors.New("unknown selector")

type Registry struct {
	mu sync.RWMutex
	q  map[string]Query
}

func NewRegistry() *Registry {
	r := &Registry{q: map[string]Query{}}
	r.Register("static", QueryFunc(Static))
	return r
}

func (r *Registry) Register(name string, q Query) {
	r.mu.Lock()
	r.q[name] = q
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.q[name]
	r.mu.RUnlock()
	return ok
}

// Names returns the registered selector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.q))
	for n := range r.q {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Run(ctx context.Context, name string, params map[string]string) ([]Match, error) {
	r.mu.RLock()
	q, ok := r.q[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSelector, name)
	}
	return q.Run(ctx, params)
}

// Rank orders matches by score, highest first; ties break on ID ascending.
func Rank(ms []Match) {
	slices.SortStableFunc(ms, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Split cuts ranked matches at limit. A limit <= 0 keeps everything.
func Split(ms []Match, limit int) (keep, over []Match) {
	if limit <= 0 || len(ms) <= limit {
		return ms, nil
	}
	return ms[:limit], ms[limit:]
}

// Static returns the users listed in params["users"] as "name" or
// "name:score", comma separated. It backs ad-hoc announcements and tests.
func Static(_ context.Context, params map[string]string) ([]Match, error) {
	raw := strings.TrimSpace(params["users"])
	if raw == "" {
		return nil, nil
	}
	var out []Match
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		user, score := item, 0.0
		if i := strings.LastIndexByte(item, ':'); i > 0 {
			v, err := strconv.ParseFloat(item[i+1:], 64)
			if err != nil {
				return nil, fmt.Errorf("static selector: bad score in %q: %w", item, err)
			}
			user, score = item[:i], v
		}
		out = append(out, Match{ID: user, Recipient: user, Score: score})
	}
	return out, nil
}
