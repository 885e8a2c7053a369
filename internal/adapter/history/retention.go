package history

import (
	"context"
	"time"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const pruneJobKey = "history-prune"

// Retention periodically prunes history older than the retention window.
type Retention struct {
	scheduler quartz.Scheduler
	cancel    context.CancelFunc
}

// StartRetention schedules the prune job every interval.
func (s *Store) StartRetention(retention, interval time.Duration) (*Retention, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sched := quartz.NewStdScheduler()
	sched.Start(ctx)

	logger := s.logger
	pruneJob := job.NewFunctionJob(func(ctx context.Context) (int64, error) {
		n, err := s.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("history: prune failed", zap.Error(err))
			return 0, err
		}
		if n > 0 {
			logger.Info("history: pruned", zap.Int64("rows", n))
		}
		return n, nil
	})
	err := sched.ScheduleJob(quartz.NewJobDetail(pruneJob, quartz.NewJobKey(pruneJobKey)), quartz.NewSimpleTrigger(interval))
	if err != nil {
		sched.Stop()
		cancel()
		return nil, err
	}
	return &Retention{scheduler: sched, cancel: cancel}, nil
}

func (r *Retention) Stop() {
	r.scheduler.Stop()
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.scheduler.Wait(ctx)
}
