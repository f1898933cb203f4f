// Package observe delivers job status to observers with replay-latest
// semantics: a subscriber first receives the current status, then each later
// transition, and its channel is closed right after the terminal status.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
)

// ErrUnknownJob is returned when subscribing to an identity the store has never seen.
var ErrUnknownJob = errors.New("unknown job")

// subscriptionBuffer holds one status per rank (pending, running, terminal),
// so publishing never blocks on a slow subscriber.
const subscriptionBuffer = 3

// StatusReader is the durable source of truth a Channel seeds from.
type StatusReader interface {
	Get(ctx context.Context, jobID string) (*jobregistry.JobRecord, error)
}

// Channel fans out status transitions to subscribers.
//
// The in-memory feed only exists while a job has live subscribers; the store
// holds the latest status otherwise. Publish must be called after the status
// it carries is durable.
//
// mu only guards the feed index. Each feed has its own lock, so seeding one
// job from the store does not hold up Publish for the others. Lock order is
// feed.mu before Channel.mu.
type Channel struct {
	reader StatusReader
	logger *zap.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	mu     sync.Mutex
	jobID  string
	seeded bool
	dead   bool
	latest jobregistry.Status
	subs   map[*Subscription]struct{}
}

// Subscription is one observer's view of a job.
type Subscription struct {
	jobID    string
	ch       chan jobregistry.Status
	done     chan struct{}
	lastRank int
	closed   bool
	channel  *Channel
	feed     *feed
}

// C returns the delivery channel. It is closed after the terminal status or
// when the subscription is cancelled.
func (s *Subscription) C() <-chan jobregistry.Status { return s.ch }

// JobID returns the subscribed identity.
func (s *Subscription) JobID() string { return s.jobID }

// Close cancels the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.channel.unsubscribe(s)
}

func NewChannel(reader StatusReader, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		reader: reader,
		logger: logger,
		feeds:  map[string]*feed{},
	}
}

// feedFor returns the live feed for jobID, creating an unseeded one.
func (c *Channel) feedFor(jobID string) *feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.feeds[jobID]
	if !ok {
		f = &feed{jobID: jobID, subs: map[*Subscription]struct{}{}}
		c.feeds[jobID] = f
	}
	return f
}

// lookup returns the live feed for jobID, if any.
func (c *Channel) lookup(jobID string) *feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feeds[jobID]
}

// retire drops f from the index. Called with f.mu held.
func (c *Channel) retire(f *feed) {
	f.dead = true
	c.mu.Lock()
	if c.feeds[f.jobID] == f {
		delete(c.feeds, f.jobID)
	}
	c.mu.Unlock()
}

// Subscribe registers an observer for jobID and immediately queues its
// current status. A job that is already terminal yields a subscription
// holding only that status, already closed.
func (c *Channel) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	for {
		f := c.feedFor(jobID)
		f.mu.Lock()
		if f.dead {
			// Retired between lookup and lock; take the fresh one.
			f.mu.Unlock()
			continue
		}
		sub, err := c.attach(ctx, f)
		f.mu.Unlock()
		return sub, err
	}
}

// attach seeds f if needed and registers a subscription. Called with f.mu
// held. Seeding under the feed lock orders the store read against Publish
// for this job, so a terminal status cannot slip between the read and the
// registration.
func (c *Channel) attach(ctx context.Context, f *feed) (*Subscription, error) {
	if !f.seeded {
		rec, err := c.reader.Get(ctx, f.jobID)
		if err != nil {
			if len(f.subs) == 0 {
				c.retire(f)
			}
			if errors.Is(err, jobregistry.ErrJobNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownJob, f.jobID)
			}
			return nil, fmt.Errorf("read status: %w", err)
		}
		f.latest = rec.Status()
		f.seeded = true
	}

	sub := &Subscription{
		jobID:   f.jobID,
		ch:      make(chan jobregistry.Status, subscriptionBuffer),
		done:    make(chan struct{}),
		channel: c,
		feed:    f,
	}
	sub.deliver(f.latest)

	if f.latest.State.IsTerminal() {
		sub.close()
		if len(f.subs) == 0 {
			c.retire(f)
		}
		return sub, nil
	}
	f.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(sub)
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish records status as the latest for its job and delivers it to every
// subscriber whose last delivered rank is lower.
func (c *Channel) Publish(status jobregistry.Status) {
	f := c.lookup(status.JobID)
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	// An unseeded feed reads the store after this status became durable.
	if f.dead || !f.seeded {
		return
	}
	if status.State.Rank() < f.latest.State.Rank() {
		c.logger.Debug("Dropping stale status",
			zap.String("job_id", status.JobID),
			zap.String("state", string(status.State)),
			zap.String("latest", string(f.latest.State)))
		return
	}
	f.latest = status

	for sub := range f.subs {
		sub.deliver(status)
	}

	if status.State.IsTerminal() {
		for sub := range f.subs {
			sub.close()
		}
		f.subs = map[*Subscription]struct{}{}
		c.retire(f)
	}
}

// subscribers returns the number of live subscriptions for jobID.
func (c *Channel) subscribers(jobID string) int {
	f := c.lookup(jobID)
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (c *Channel) unsubscribe(sub *Subscription) {
	f := sub.feed
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subs, sub)
	if len(f.subs) == 0 && !f.dead {
		c.retire(f)
	}
	sub.close()
}

// deliver and close are only called with the feed lock held.
func (s *Subscription) deliver(status jobregistry.Status) {
	if s.closed {
		return
	}
	rank := status.State.Rank()
	if rank <= s.lastRank {
		return
	}
	s.lastRank = rank
	s.ch <- status
}

func (s *Subscription) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// Wait subscribes to jobID and blocks until its terminal status.
func (c *Channel) Wait(ctx context.Context, jobID string) (jobregistry.Status, error) {
	sub, err := c.Subscribe(ctx, jobID)
	if err != nil {
		return jobregistry.Status{}, err
	}
	defer sub.Close()

	var last jobregistry.Status
	for st := range sub.C() {
		last = st
	}
	if !last.State.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		return last, fmt.Errorf("subscription for %s closed before terminal status", jobID)
	}
	return last, nil
}

// Follow polls the store every interval and publishes rank-increasing
// statuses for jobID until it is terminal or ctx ends. It lets observers in
// one process see transitions committed by a runner in another.
func (c *Channel) Follow(ctx context.Context, jobID string, interval time.Duration) (jobregistry.Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRank := 0
	for {
		rec, err := c.reader.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, jobregistry.ErrJobNotFound) {
				return jobregistry.Status{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
			}
			if ctx.Err() != nil {
				return jobregistry.Status{}, ctx.Err()
			}
			c.logger.Warn("Follow poll failed", zap.String("job_id", jobID), zap.Error(err))
		} else {
			st := rec.Status()
			if st.State.Rank() > lastRank {
				lastRank = st.State.Rank()
				c.Publish(st)
			}
			if st.State.IsTerminal() {
				return st, nil
			}
		}

		select {
		case <-ctx.Done():
			return jobregistry.Status{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
