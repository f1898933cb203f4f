// Package scheduler is the reference delivery loop for compression jobs: a
// bounded worker pool that polls the job registry, redelivers jobs a crashed
// process left running, and backs off jobs whose preconditions are unmet.
//
// Delivery is at-least-once. The runner makes redelivery safe.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/runner"
)

// Runner is what the scheduler drives.
type Runner interface {
	runner.Executor
	Recover(ctx context.Context) ([]jobregistry.JobRecord, error)
}

// Lister is the registry view used to find deliverable jobs.
type Lister interface {
	List(ctx context.Context, filter jobregistry.ListFilter) ([]jobregistry.JobRecord, error)
}

// Config controls the worker pool.
type Config struct {
	// Workers is the number of concurrent executions.
	Workers int

	// PollInterval is how often the registry is scanned.
	PollInterval time.Duration

	// RetryBackoff is how long a deferred job waits before redelivery.
	RetryBackoff time.Duration

	// RateLimit caps dispatches per second. 0 disables limiting.
	RateLimit float64

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		RetryBackoff: 30 * time.Second,
	}
}

// Scheduler delivers non-terminal jobs to a Runner.
type Scheduler struct {
	runner  Runner
	lister  Lister
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter
	nowFn   func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	backoff  map[string]time.Time

	work chan string
	wake chan struct{}
	wg   sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// Stats counts delivery outcomes since the scheduler started.
type Stats struct {
	Dispatched int64
	Completed  int64
	Deferred   int64
	Errors     int64
	Panics     int64
}

func New(r Runner, lister Lister, cfg Config) (*Scheduler, error) {
	if r == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if lister == nil {
		return nil, errors.New("scheduler: lister is required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("scheduler: rate limit must be >= 0, got %v", cfg.RateLimit)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		runner:   r,
		lister:   lister,
		cfg:      cfg,
		logger:   logger,
		nowFn:    time.Now,
		inFlight: map[string]struct{}{},
		backoff:  map[string]time.Time{},
		work:     make(chan string),
		wake:     make(chan struct{}, 1),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Notify asks the dispatcher to poll now instead of waiting for the next tick.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of delivery counters.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Run delivers jobs until ctx is done, then waits for in-flight executions
// to return. Executions see the same ctx, so a shutdown leaves interrupted
// jobs non-terminal for the next start.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("retry_backoff", s.cfg.RetryBackoff),
		zap.Float64("rate_limit", s.cfg.RateLimit))

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	defer func() {
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	}()

	recovered, err := s.runner.Recover(ctx)
	if err != nil {
		s.logger.Warn("Recovery scan failed", zap.Error(err))
	}
	for _, rec := range recovered {
		s.logger.Info("Redelivering interrupted job", zap.String("job_id", rec.JobID), zap.Int("deliveries", rec.DeliveryCount))
		if !s.dispatch(ctx, rec.JobID) {
			return nil
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !s.poll(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// poll dispatches every deliverable job. It returns false once ctx is done.
func (s *Scheduler) poll(ctx context.Context) bool {
	records, err := s.lister.List(ctx, jobregistry.ListFilter{States: []jobregistry.JobState{
		jobregistry.JobStateRunning,
		jobregistry.JobStatePending,
	}})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("Registry poll failed", zap.Error(err))
		return true
	}

	for _, id := range deliveryOrder(records) {
		if !s.eligible(id) {
			continue
		}
		if !s.dispatch(ctx, id) {
			return false
		}
	}
	return true
}

// deliveryOrder puts running records first, then pending oldest first.
func deliveryOrder(records []jobregistry.JobRecord) []string {
	ids := make([]string, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].State == jobregistry.JobStateRunning {
			ids = append(ids, records[i].JobID)
		}
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].State == jobregistry.JobStatePending {
			ids = append(ids, records[i].JobID)
		}
	}
	return ids
}

func (s *Scheduler) eligible(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	if until, ok := s.backoff[id]; ok {
		if s.nowFn().Before(until) {
			return false
		}
		delete(s.backoff, id)
	}
	return true
}

// dispatch hands id to a free worker. It returns false once ctx is done.
func (s *Scheduler) dispatch(ctx context.Context, id string) bool {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	s.mu.Lock()
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		return true
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()

	select {
	case s.work <- id:
		s.count(func(st *Stats) { st.Dispatched++ })
		return true
	case <-ctx.Done():
		s.release(id)
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.work:
			s.execute(ctx, id)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	defer s.release(id)
	defer func() {
		if r := recover(); r != nil {
			s.count(func(st *Stats) { st.Panics++ })
			s.holdOff(id)
			s.logger.Error("Job execution panicked",
				zap.String("job_id", id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	err := s.runner.Execute(ctx, id)
	switch {
	case err == nil:
		s.count(func(st *Stats) { st.Completed++ })
	case errors.Is(err, runner.ErrDeferred):
		s.count(func(st *Stats) { st.Deferred++ })
		s.holdOff(id)
		s.logger.Info("Job deferred", zap.String("job_id", id), zap.Duration("retry_in", s.cfg.RetryBackoff), zap.Error(err))
	case errors.Is(err, runner.ErrAlreadyExecuting):
		s.holdOff(id)
		s.logger.Debug("Job executing elsewhere", zap.String("job_id", id))
	case ctx.Err() != nil:
	default:
		s.count(func(st *Stats) { st.Errors++ })
		s.logger.Warn("Job execution error", zap.String("job_id", id), zap.Error(err))
	}
}

func (s *Scheduler) holdOff(id string) {
	s.mu.Lock()
	s.backoff[id] = s.nowFn().Add(s.cfg.RetryBackoff)
	s.mu.Unlock()
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) count(fn func(*Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}
