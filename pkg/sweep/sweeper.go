// Package sweep closes idle conversations on a fixed interval. A Redis
// mutex keeps replicas sharing one store from sweeping at the same time.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/bernard/ledger/pkg/ledger"
	"github.com/bernard/ledger/pkg/logger"
)

// Defaults for the sweeper.
const (
	DefaultInterval = time.Minute
	DefaultLockTTL  = 30 * time.Second
)

// ErrLockHeld is returned by RunOnce when another process holds the sweep lock.
var ErrLockHeld = errors.New("sweep: lock held by another process")

// Closer closes conversations idle at now.
type Closer interface {
	CloseIfIdle(ctx context.Context, now time.Time) (*ledger.SweepReport, error)
}

// MetricsRecorder records sweep outcomes.
type MetricsRecorder interface {
	RecordSweep(closed, failed int, duration time.Duration)
}

// Config configures a Sweeper.
type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
	LockKey  string
}

// Sweeper runs the idle sweep periodically.
type Sweeper struct {
	closer  Closer
	mutex   *redsync.Mutex
	cfg     Config
	metrics MetricsRecorder
	log     logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper. When client is nil the sweep runs unlocked.
func New(closer Closer, client redis.UniversalClient, cfg Config, opts ...Option) (*Sweeper, error) {
	if closer == nil {
		return nil, fmt.Errorf("sweep: closer cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if client != nil && cfg.LockKey == "" {
		return nil, fmt.Errorf("sweep: lock key cannot be empty")
	}

	s := &Sweeper{
		closer: closer,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrGlobal(s.log).With("component", "sweeper")
	if client != nil {
		rs := redsync.New(goredis.NewPool(client))
		s.mutex = rs.NewMutex(cfg.LockKey, redsync.WithExpiry(cfg.LockTTL), redsync.WithTries(1))
	}
	return s, nil
}

// RunOnce performs a single sweep. It returns ErrLockHeld without sweeping
// when another process is already sweeping.
func (s *Sweeper) RunOnce(ctx context.Context) (*ledger.SweepReport, error) {
	if s.mutex != nil {
		if err := s.mutex.LockContext(ctx); err != nil {
			var taken *redsync.ErrTaken
			if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
				return nil, ErrLockHeld
			}
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		defer func() {
			if _, err := s.mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("failed to release sweep lock", "error", err)
			}
		}()
	}

	start := time.Now()
	report, err := s.closer.CloseIfIdle(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordSweep(len(report.Closed), len(report.Failed), time.Since(start))
	}
	if len(report.Closed) > 0 || len(report.Failed) > 0 {
		s.log.InfoContext(ctx, "idle sweep finished",
			"scanned", report.Scanned,
			"closed", len(report.Closed),
			"failed", len(report.Failed),
		)
	}
	return report, nil
}

// Start launches the sweep loop. It is a no-op if already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			switch {
			case errors.Is(err, ErrLockHeld):
				s.log.Debug("sweep skipped, lock held elsewhere")
			case err != nil:
				if ctx.Err() == nil {
					s.log.Error("idle sweep failed", "error", err)
				}
			case report.Err() != nil:
				s.log.Warn("idle sweep had failures", "error", report.Err())
			}
		}
	}
}
