package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/pkg/codec"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/precondition"
)

// Execute runs one delivery of jobID.
//
// Job outcomes are recorded as status, not returned: Execute returns nil for
// succeeded, failed and already-terminal jobs. It returns ErrDeferred when a
// precondition is unmet, ErrAlreadyExecuting for a concurrent delivery of the
// same identity, and infrastructure or context errors that leave the record
// non-terminal for redelivery.
func (r *Runner) Execute(ctx context.Context, jobID string) error {
	ex, release, err := r.claim(jobID)
	if err != nil {
		return err
	}
	defer release()

	rec, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	log := r.logger.With(zap.String("job_id", jobID))

	if rec.State.IsTerminal() {
		log.Debug("Redelivered terminal job, nothing to do", zap.String("state", string(rec.State)))
		return nil
	}
	if r.ownedElsewhere(rec) {
		return fmt.Errorf("%w: %s is held by pid %d", ErrAlreadyExecuting, jobID, rec.PID)
	}
	if rec.CancelRequested {
		return r.fail(ctx, log, jobID, jobregistry.FailureCancelled, "cancelled")
	}

	if err := precondition.Evaluate(ctx, r.checks...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.deferJob(ctx, log, jobID, err)
	}

	rec, err = r.store.Update(ctx, jobID, func(rec *jobregistry.JobRecord) error {
		now := r.nowFn()
		rec.State = jobregistry.JobStateRunning
		rec.DeliveryCount++
		rec.PID = r.pid
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		rec.LastHeartbeat = &now
		return nil
	})
	if errors.Is(err, jobregistry.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	r.channel.Publish(rec.Status())
	log.Info("Job running", zap.Int("delivery", rec.DeliveryCount))

	stopHeartbeat := r.startHeartbeat(ctx, jobID)
	defer stopHeartbeat()

	userCancelled := func() bool {
		if ex.cancelled.Load() {
			return true
		}
		cur, err := r.store.Get(ctx, jobID)
		if err != nil {
			return false
		}
		if cur.CancelRequested {
			ex.cancelled.Store(true)
			return true
		}
		return false
	}

	raw, err := r.source.Resolve(ctx, rec.Request.Source)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(ctx, log, jobID, jobregistry.FailureInput, err.Error())
	}

	opts := []codec.Option{codec.WithCancel(func() bool {
		return ctx.Err() != nil || userCancelled()
	})}
	if r.encoder != nil {
		opts = append(opts, codec.WithEncoder(r.encoder))
	}
	res, err := codec.Search(raw, rec.Request.CeilingBytes, opts...)
	switch {
	case err == nil:
	case errors.Is(err, codec.ErrCancelled):
		if ex.cancelled.Load() {
			return r.fail(ctx, log, jobID, jobregistry.FailureCancelled, "cancelled during search")
		}
		return ctx.Err()
	case errors.Is(err, codec.ErrUndecodable):
		return r.fail(ctx, log, jobID, jobregistry.FailureInput, err.Error())
	default:
		return r.fail(ctx, log, jobID, jobregistry.FailureInternal, err.Error())
	}

	if userCancelled() {
		return r.fail(ctx, log, jobID, jobregistry.FailureCancelled, "cancelled before write")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	written, err := r.sink.Put(ctx, jobID, res.Bytes)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(ctx, log, jobID, jobregistry.FailureWrite, err.Error())
	}

	stopHeartbeat()
	rec, err = r.store.Update(ctx, jobID, func(rec *jobregistry.JobRecord) error {
		now := r.nowFn()
		rec.State = jobregistry.JobStateSucceeded
		rec.OutputLocation = written.Location
		rec.OutputChecksum = written.Checksum
		rec.OutputBytes = written.Size
		rec.SourceBytes = int64(len(raw))
		rec.FinalQuality = res.Quality
		rec.BestEffort = res.BestEffort
		rec.Attempts = len(res.Attempts)
		rec.FailureKind = ""
		rec.FailureReason = ""
		rec.EndedAt = &now
		rec.LastHeartbeat = &now
		return nil
	})
	if errors.Is(err, jobregistry.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	r.channel.Publish(rec.Status())

	fields := []zap.Field{
		zap.String("output", written.Location),
		zap.Int("quality", res.Quality),
		zap.Int64("source_bytes", rec.SourceBytes),
		zap.Int64("output_bytes", written.Size),
		zap.Int64("ceiling_bytes", rec.Request.CeilingBytes),
		zap.Int("attempts", len(res.Attempts)),
	}
	if res.BestEffort {
		log.Warn("Job succeeded above ceiling", append(fields, zap.Bool("best_effort", true))...)
	} else {
		log.Info("Job succeeded", fields...)
	}
	return nil
}

// deferJob records an unmet precondition and returns ErrDeferred.
func (r *Runner) deferJob(ctx context.Context, log *zap.Logger, jobID string, cause error) error {
	rec, err := r.store.Update(ctx, jobID, func(rec *jobregistry.JobRecord) error {
		rec.DeferralCount++
		rec.LastDeferralReason = cause.Error()
		return nil
	})
	if errors.Is(err, jobregistry.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record deferral: %w", err)
	}
	log.Info("Job deferred", zap.Int("deferrals", rec.DeferralCount), zap.String("reason", cause.Error()))
	return fmt.Errorf("%w: %w", ErrDeferred, cause)
}

// fail records a terminal failure. Any output a previous delivery left behind
// is removed first so a failed job never has an output.
// fail records the failed state and then removes any output. The removal
// only follows a committed transition so that a record another delivery
// already completed keeps its output.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, jobID string, kind jobregistry.FailureKind, reason string) error {
	rec, err := r.store.Update(ctx, jobID, func(rec *jobregistry.JobRecord) error {
		now := r.nowFn()
		rec.State = jobregistry.JobStateFailed
		rec.FailureKind = kind
		rec.FailureReason = reason
		rec.OutputLocation = ""
		rec.EndedAt = &now
		return nil
	})
	if errors.Is(err, jobregistry.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if err := r.sink.Remove(ctx, jobID); err != nil {
		log.Warn("Failed to remove partial output", zap.Error(err))
	}
	r.channel.Publish(rec.Status())
	log.Warn("Job failed", zap.String("failure_kind", string(kind)), zap.String("reason", reason))
	return nil
}
