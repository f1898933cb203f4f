// Package runner executes durable compression jobs: it persists submitted
// requests, claims them when the scheduler delivers them, runs the quality
// search, writes the output and records the terminal status exactly once.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/pkg/codec"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/observe"
	"github.com/3leaps/gosqueeze/pkg/precondition"
	"github.com/3leaps/gosqueeze/pkg/sink"
	"github.com/3leaps/gosqueeze/pkg/source"
)

var (
	// ErrDeferred means a precondition is unmet; the record is unchanged apart
	// from its deferral counters and the scheduler should retry later.
	ErrDeferred = errors.New("job deferred")

	// ErrAlreadyExecuting means another execution of the same identity is in flight.
	ErrAlreadyExecuting = errors.New("job already executing")

	// ErrInvalidRequest is returned by Submit for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// DefaultHeartbeatInterval is how often a running job refreshes last_heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

// Executor is the boundary the scheduler drives.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Config wires a Runner to its collaborators.
type Config struct {
	Store   jobregistry.Store
	Source  source.Resolver
	Sink    sink.Sink
	Channel *observe.Channel

	// Checks are re-validated on every delivery.
	Checks []precondition.Check

	// Encoder overrides the JPEG encoder used by the search.
	Encoder codec.Encoder

	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Runner implements Submit/Execute/Cancel for compression jobs.
type Runner struct {
	store    jobregistry.Store
	source   source.Resolver
	sink     sink.Sink
	channel  *observe.Channel
	checks   []precondition.Check
	encoder  codec.Encoder
	hbEvery  time.Duration
	logger   *zap.Logger
	pid      int
	nowFn    func() time.Time
	newID    func() string
	mu       sync.Mutex
	inFlight map[string]*execution
}

var _ Executor = (*Runner)(nil)

// execution is the in-process state of one Execute call.
type execution struct {
	cancelled atomic.Bool
}

func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New("runner: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("runner: source resolver is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("runner: sink is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	channel := cfg.Channel
	if channel == nil {
		channel = observe.NewChannel(cfg.Store, logger)
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	return &Runner{
		store:    cfg.Store,
		source:   cfg.Source,
		sink:     cfg.Sink,
		channel:  channel,
		checks:   cfg.Checks,
		encoder:  cfg.Encoder,
		hbEvery:  hb,
		logger:   logger,
		pid:      os.Getpid(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
		inFlight: map[string]*execution{},
	}, nil
}

// Channel returns the observation channel transitions are published on.
func (r *Runner) Channel() *observe.Channel { return r.channel }

// Store returns the job registry backing the runner.
func (r *Runner) Store() jobregistry.Store { return r.store }

// SubmitOption customizes a submitted job.
type SubmitOption func(*jobregistry.JobRecord)

// WithName attaches an operator-facing name.
func WithName(name string) SubmitOption {
	return func(rec *jobregistry.JobRecord) {
		rec.Name = strings.TrimSpace(name)
	}
}

// Submit validates req, persists a pending record and returns its identity.
// It never runs the search inline.
func (r *Runner) Submit(ctx context.Context, req jobregistry.Request, opts ...SubmitOption) (string, error) {
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		return "", fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if req.CeilingBytes < 0 {
		return "", fmt.Errorf("%w: ceiling must be >= 0, got %d", ErrInvalidRequest, req.CeilingBytes)
	}

	rec := &jobregistry.JobRecord{
		JobID:     r.newID(),
		State:     jobregistry.JobStatePending,
		Request:   req,
		CreatedAt: r.nowFn(),
	}
	for _, opt := range opts {
		opt(rec)
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	r.logger.Info("Job submitted",
		zap.String("job_id", rec.JobID),
		zap.String("source", req.Source),
		zap.Int64("ceiling_bytes", req.CeilingBytes))
	r.channel.Publish(rec.Status())
	return rec.JobID, nil
}

// Status returns the current status of jobID.
func (r *Runner) Status(ctx context.Context, jobID string) (jobregistry.Status, error) {
	rec, err := r.store.Get(ctx, jobID)
	if err != nil {
		return jobregistry.Status{}, err
	}
	return rec.Status(), nil
}

// Subscribe attaches an observer to jobID. See observe.Channel.Subscribe.
func (r *Runner) Subscribe(ctx context.Context, jobID string) (*observe.Subscription, error) {
	return r.channel.Subscribe(ctx, jobID)
}

// Follow polls the store for jobID and publishes what it finds on the
// runner's channel until the job is terminal or ctx ends. Subscribers see
// transitions committed by runners in other processes this way.
func (r *Runner) Follow(ctx context.Context, jobID string, interval time.Duration) (jobregistry.Status, error) {
	return r.channel.Follow(ctx, jobID, interval)
}

// Cancel requests cancellation of jobID.
//
// A pending job fails with kind cancelled immediately. A running job gets
// cancel_requested set and stops at the next search iteration, or before its
// output is written. A terminal job is returned unchanged.
func (r *Runner) Cancel(ctx context.Context, jobID string) (*jobregistry.JobRecord, error) {
	rec, err := r.store.Update(ctx, jobID, func(rec *jobregistry.JobRecord) error {
		switch rec.State {
		case jobregistry.JobStatePending:
			now := r.nowFn()
			rec.State = jobregistry.JobStateFailed
			rec.FailureKind = jobregistry.FailureCancelled
			rec.FailureReason = "cancelled before start"
			rec.EndedAt = &now
		case jobregistry.JobStateRunning:
			rec.CancelRequested = true
		}
		return nil
	})
	if errors.Is(err, jobregistry.ErrTerminal) {
		return r.store.Get(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if ex, ok := r.inFlight[jobID]; ok {
		ex.cancelled.Store(true)
	}
	r.mu.Unlock()

	r.logger.Info("Job cancel requested", zap.String("job_id", jobID), zap.String("state", string(rec.State)))
	if rec.State.IsTerminal() {
		r.channel.Publish(rec.Status())
	}
	return rec, nil
}

// Recover returns running records left behind by a process that is no
// longer executing them. The scheduler redelivers these first.
func (r *Runner) Recover(ctx context.Context) ([]jobregistry.JobRecord, error) {
	running, err := r.store.List(ctx, jobregistry.ListFilter{States: []jobregistry.JobState{jobregistry.JobStateRunning}})
	if err != nil {
		return nil, err
	}
	out := make([]jobregistry.JobRecord, 0, len(running))
	for _, rec := range running {
		if r.ownedElsewhere(&rec) {
			continue
		}
		r.mu.Lock()
		_, local := r.inFlight[rec.JobID]
		r.mu.Unlock()
		if local {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ownedElsewhere reports whether a running record is held by another live
// process that is still heartbeating.
func (r *Runner) ownedElsewhere(rec *jobregistry.JobRecord) bool {
	if rec.State != jobregistry.JobStateRunning || rec.PID <= 0 || rec.PID == r.pid {
		return false
	}
	if !jobregistry.ProcessAlive(rec.PID) {
		return false
	}
	if rec.LastHeartbeat == nil {
		return false
	}
	return r.nowFn().Sub(*rec.LastHeartbeat) < 3*r.hbEvery
}

func (r *Runner) claim(jobID string) (*execution, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[jobID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyExecuting, jobID)
	}
	ex := &execution{}
	r.inFlight[jobID] = ex
	return ex, func() {
		r.mu.Lock()
		delete(r.inFlight, jobID)
		r.mu.Unlock()
	}, nil
}
