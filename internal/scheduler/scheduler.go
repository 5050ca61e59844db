package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Scheduler runs one task on a fixed interval. The first run happens as soon
// as the scheduler starts; later runs never overlap, so a cycle that
// overruns its interval delays the next one instead of running beside it.
type Scheduler struct {
	logger   *zap.Logger
	cron     gocron.Scheduler
	job      gocron.Job
	interval time.Duration
}

// New creates a scheduler for task. A nil clock means the wall clock;
// tests pass a fake clock to drive many intervals without waiting.
func New(logger *zap.Logger, name string, interval time.Duration, task func(), clock clockwork.Clock) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}

	opts := []gocron.SchedulerOption{
		gocron.WithLogger(gocronLogger{logger.Sugar()}),
	}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}

	cron, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	job, err := cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithEventListeners(
			gocron.AfterJobRunsWithPanic(func(jobID uuid.UUID, jobName string, recoverData any) {
				logger.Error("Panic recovered in scheduled task",
					zap.String("job", jobName),
					zap.String("job_id", jobID.String()),
					zap.Any("panic", recoverData))
			}),
		),
	)
	if err != nil {
		_ = cron.Shutdown()
		return nil, fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	return &Scheduler{
		logger:   logger,
		cron:     cron,
		job:      job,
		interval: interval,
	}, nil
}

// Start begins dispatching. It does not block.
func (s *Scheduler) Start() {
	s.logger.Info("Scheduler started",
		zap.String("job", s.job.Name()),
		zap.Duration("interval", s.interval))
	s.cron.Start()
}

// NextRun returns when the task is next due
func (s *Scheduler) NextRun() (time.Time, error) {
	return s.job.NextRun()
}

// Shutdown stops dispatching new runs and waits for a running task to finish
func (s *Scheduler) Shutdown() error {
	s.logger.Info("Stopping scheduler")
	return s.cron.Shutdown()
}

// gocronLogger adapts zap to gocron's key/value logger
type gocronLogger struct {
	s *zap.SugaredLogger
}

func (l gocronLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }

func (l gocronLogger) Info(msg string, args ...any) { l.s.Infow(msg, args...) }

func (l gocronLogger) Warn(msg string, args ...any) { l.s.Warnw(msg, args...) }

func (l gocronLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
