// Package delivery is the boundary between notifyd and the channel providers
// (SMTP, SMS, push). Providers live outside this module; they plug in as a
// Gateway per channel.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

// Gateway sends one job over one channel. A nil error means the provider
// accepted it.
type Gateway interface {
	Send(ctx context.Context, job notify.Job) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, job notify.Job) error

func (f GatewayFunc) Send(ctx context.Context, job notify.Job) error { return f(ctx, job) }

// Failure is a provider error that says whether retrying can help.
type Failure struct {
	Retriable bool
	Err       error
}

func (f *Failure) Error() string {
	kind := "permanent"
	if f.Retriable {
		kind = "retriable"
	}
	if f.Err == nil {
		return kind + " delivery failure"
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func Retriable(err error) error { return &Failure{Retriable: true, Err: err} }
func Permanent(err error) error { return &Failure{Retriable: false, Err: err} }

// ErrNoGateway is returned for channels with no registered gateway.
var ErrNoGateway = errors.New("no gateway for channel")

// IsRetriable classifies a send error. Timeouts and errors without a
// classification are retriable; a missing gateway and explicit permanent
// failures are not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Retriable
	}
	if errors.Is(err, ErrNoGateway) {
		return false
	}
	return true
}

// Registry maps channels to gateways.
type Registry struct {
	mu sync.RWMutex
	gw map[notify.Channel]Gateway
}

func NewRegistry() *Registry { return &Registry{gw: map[notify.Channel]Gateway{}} }

func (r *Registry) Register(ch notify.Channel, g Gateway) {
	r.mu.Lock()
	r.gw[ch] = g
	r.mu.Unlock()
}

func (r *Registry) Lookup(ch notify.Channel) (Gateway, bool) {
	r.mu.RLock()
	g, ok := r.gw[ch]
	r.mu.RUnlock()
	return g, ok
}

// Send routes job to its channel's gateway.
func (r *Registry) Send(ctx context.Context, job notify.Job) error {
	g, ok := r.Lookup(job.Channel)
	if !ok {
		return fmt.Errorf("%w %q", ErrNoGateway, job.Channel)
	}
	return g.Send(ctx, job)
}

// LogGateway writes jobs to the log instead of a provider. It backs every
// channel in development setups.
type LogGateway struct {
	Log logx.Logger
}

func (g LogGateway) Send(ctx context.Context, job notify.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.Log.Info("deliver",
		logx.String("job", job.ID),
		logx.String("channel", string(job.Channel)),
		logx.String("recipient", job.Recipient),
		logx.String("trigger", string(job.Trigger)),
		logx.String("priority", string(job.Priority)),
	)
	return nil
}
