package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
)

// startHeartbeat refreshes last_heartbeat while a job runs so other
// processes can tell a live owner from a crashed one. The returned stop
// function is idempotent and waits for the ticker goroutine to exit.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	t := time.NewTicker(r.hbEvery)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, err := r.store.Update(ctx, jobID, func(rec *jobregistry.JobRecord) error {
					now := r.nowFn()
					rec.LastHeartbeat = &now
					return nil
				})
				if err != nil && ctx.Err() == nil {
					r.logger.Debug("Heartbeat update failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			cancel()
			<-stopped
		})
	}
}
