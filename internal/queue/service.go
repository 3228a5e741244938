// Package queue buffers dispatched jobs, persists them in batches and runs
// the delivery workers that drain them through the channel gateways.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"notifyd/internal/delivery"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrStopped = errors.New("queue stopped")

// Store is the durable job collection.
type Store interface {
	InsertJobs(ctx context.Context, jobs []notify.Job) error
	ClaimJobs(ctx context.Context, limit int) ([]notify.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJobLater(ctx context.Context, id, lastErr string, next time.Time) error
	FailJob(ctx context.Context, id, lastErr string) error
	ReclaimStaleJobs(ctx context.Context, olderThan time.Time, maxAttempts int) (requeued, failed int, err error)
	RetryJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (notify.Job, error)
	ListJobs(ctx context.Context, f notify.JobFilter) ([]notify.Job, error)
	CancelPendingJobs(ctx context.Context, recipient string, trigger notify.Trigger, actor string) (int, error)
}

// Config controls batching, workers, retries and send throttling.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration

	Workers      int
	PollInterval time.Duration
	ClaimBatch   int
	ClaimTimeout time.Duration

	SendTimeout   time.Duration
	RatePerSec    int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 10
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	return c
}

// JobEvent is published on the event bus for job state changes.
type JobEvent struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient"`
	Trigger   notify.Trigger `json:"trigger"`
	Channel   notify.Channel `json:"channel"`
	Attempt   int            `json:"attempt"`
	Error     string         `json:"error,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor

	log     logx.Logger
	store   Store
	gateway delivery.Gateway
	bus     eventbus.Bus
	now     func() time.Time

	bmu sync.Mutex
	buf []notify.Job

	onLost func(context.Context, notify.Job)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLostHook registers fn to run for every buffered job dropped because
// the final flush on Stop failed.
func WithLostHook(fn func(ctx context.Context, j notify.Job)) Option {
	return func(s *Service) { s.onLost = fn }
}

func New(store Store, gw delivery.Gateway, bus eventbus.Bus, cfg Config, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:     log.With(logx.Component("queue")),
		store:   store,
		gateway: gw,
		bus:     bus,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps knobs at runtime. Worker count changes take effect on restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Enqueue accepts jobs for persistence. They are written when the buffer
// reaches the batch size or on the next flush tick; a failed write keeps
// them buffered for the next attempt.
func (s *Service) Enqueue(ctx context.Context, jobs ...notify.Job) {
	if len(jobs) == 0 {
		return
	}
	cfg, _ := s.snapshot()
	s.bmu.Lock()
	s.buf = append(s.buf, jobs...)
	full := len(s.buf) >= cfg.BatchSize
	s.bmu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			s.log.Warn("batch flush failed; will retry", logx.Err(err))
		}
	}
}

// Buffered returns how many jobs wait to be persisted.
func (s *Service) Buffered() int {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	return len(s.buf)
}

// Flush persists the buffered jobs.
func (s *Service) Flush(ctx context.Context) error {
	s.bmu.Lock()
	batch := s.buf
	s.buf = nil
	s.bmu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := s.store.InsertJobs(ctx, batch); err != nil {
		s.bmu.Lock()
		s.buf = append(batch, s.buf...)
		s.bmu.Unlock()
		return err
	}
	s.log.Debug("jobs flushed", logx.Int("count", len(batch)))
	return nil
}

// Start launches the flush loop, the reclaim loop and the workers.
// It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("queue.flush", func(c context.Context) error {
		return s.every(c, cfg.FlushInterval, func(c context.Context) {
			if err := s.Flush(c); err != nil {
				s.log.Warn("batch flush failed; will retry", logx.Int("buffered", s.Buffered()), logx.Err(err))
			}
		})
	})
	sup.GoRestart("queue.reclaim", func(c context.Context) error {
		return s.every(c, cfg.ClaimTimeout/2, func(c context.Context) {
			if _, err := s.ReclaimOnce(c); err != nil {
				s.log.Warn("reclaim failed", logx.Err(err))
			}
		})
	})
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("queue.worker.%d", i), func(c context.Context) error {
			return s.every(c, cfg.PollInterval, func(c context.Context) {
				for c.Err() == nil {
					n, err := s.DrainOnce(c)
					if err != nil {
						s.log.Warn("drain failed", logx.Err(err))
						return
					}
					if n == 0 {
						return
					}
				}
			})
		})
	}
}

func (s *Service) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		}
	}
}

// Stop halts the loops and makes a last attempt to persist the buffer.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("queue loops stopped with error", logx.Err(err))
		}
	}
	if err := s.Flush(ctx); err != nil {
		s.bmu.Lock()
		lost := s.buf
		s.buf = nil
		s.bmu.Unlock()
		s.log.Error("final flush failed; buffered jobs lost", logx.Int("buffered", len(lost)), logx.Err(err), logx.Terminal())
		if s.onLost != nil {
			for _, j := range lost {
				s.onLost(ctx, j)
			}
		}
		return err
	}
	return nil
}

// Supervisor exposes loop stats (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// DrainOnce claims one batch of due jobs and delivers them. It returns the
// number of jobs processed.
func (s *Service) DrainOnce(ctx context.Context) (int, error) {
	cfg, _ := s.snapshot()
	jobs, err := s.store.ClaimJobs(ctx, cfg.ClaimBatch)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := s.deliver(ctx, j); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

func (s *Service) deliver(ctx context.Context, j notify.Job) error {
	cfg, lim := s.snapshot()
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	sendErr := s.gateway.Send(callCtx, j)
	cancel()

	attempt := j.AttemptCount + 1
	ev := JobEvent{ID: j.ID, Recipient: j.Recipient, Trigger: j.Trigger, Channel: j.Channel, Attempt: attempt}

	if sendErr == nil {
		if err := s.store.CompleteJob(ctx, j.ID); err != nil {
			return err
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.JobSent, Data: ev})
		return nil
	}
	ev.Error = sendErr.Error()

	if delivery.IsRetriable(sendErr) && attempt < cfg.MaxAttempts {
		next := s.now().Add(retryDelay(cfg, attempt))
		if err := s.store.RetryJobLater(ctx, j.ID, sendErr.Error(), next); err != nil {
			return err
		}
		s.log.Debug("delivery failed; retrying", logx.String("job", j.ID), logx.Int("attempt", attempt), logx.Time("next", next), logx.Err(sendErr))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Data: ev})
		return nil
	}

	if err := s.store.FailJob(ctx, j.ID, sendErr.Error()); err != nil {
		return err
	}
	s.log.Error("delivery failed permanently",
		logx.String("job", j.ID),
		logx.String("recipient", j.Recipient),
		logx.String("trigger", string(j.Trigger)),
		logx.String("channel", string(j.Channel)),
		logx.Int("attempts", attempt),
		logx.Err(sendErr),
		logx.Terminal(),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: ev})
	return nil
}

// ReclaimOnce returns abandoned claims to pending, or fails them once they
// used up their attempts. It returns how many claims it released.
func (s *Service) ReclaimOnce(ctx context.Context) (int, error) {
	cfg, _ := s.snapshot()
	requeued, failed, err := s.store.ReclaimStaleJobs(ctx, s.now().Add(-cfg.ClaimTimeout), cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.log.Warn("reclaimed stale jobs", logx.Int("count", requeued))
	}
	if failed > 0 {
		s.log.Error("stale jobs out of attempts; failed", logx.Int("count", failed), logx.Terminal())
	}
	return requeued + failed, nil
}

// Retry puts a failed job back to pending.
func (s *Service) Retry(ctx context.Context, id string) error {
	if err := s.store.RetryJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job requeued", logx.String("job", id))
	return nil
}

// Failed lists terminally failed jobs, newest first.
func (s *Service) Failed(ctx context.Context, limit int) ([]notify.Job, error) {
	return s.store.ListJobs(ctx, notify.JobFilter{Status: notify.JobFailed, Limit: limit})
}

func (s *Service) Get(ctx context.Context, id string) (notify.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, f notify.JobFilter) ([]notify.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// CancelPending drops undelivered jobs of (recipient, trigger) raised by
// actor, both buffered and persisted.
func (s *Service) CancelPending(ctx context.Context, recipient string, trigger notify.Trigger, actor string) (int, error) {
	s.bmu.Lock()
	kept := s.buf[:0]
	dropped := 0
	for _, j := range s.buf {
		if j.Recipient == recipient && j.Trigger == trigger && j.Payload.Actor == actor {
			dropped++
			continue
		}
		kept = append(kept, j)
	}
	s.buf = kept
	s.bmu.Unlock()

	n, err := s.store.CancelPendingJobs(ctx, recipient, trigger, actor)
	return dropped + n, err
}

// retryDelay is the wait before the attempt after `attempt`.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
