package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/logger"
	"github.com/fuomag9/square-bridge/internal/oauth"
)

// DefaultStateCleanupSchedule runs the state purge every ten minutes.
const DefaultStateCleanupSchedule = "*/10 * * * *"

// Scheduler manages background jobs
type Scheduler struct {
	cron     *cron.Cron
	states   *oauth.StateStore
	schedule string
	logger   *zap.Logger
}

// NewScheduler creates a new job scheduler
func NewScheduler(states *oauth.StateStore, schedule string, log *zap.Logger) *Scheduler {
	log = logger.OrNop(log)
	if schedule == "" {
		schedule = DefaultStateCleanupSchedule
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		states:   states,
		schedule: schedule,
		logger:   log,
	}
}

// Start registers the jobs and starts the scheduler
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.purgeExpiredStates); err != nil {
		return fmt.Errorf("invalid state cleanup schedule %q: %w", s.schedule, err)
	}

	// Purge once right away so a restart does not wait a full interval.
	go s.purgeExpiredStates()

	s.cron.Start()
	s.logger.Info("job scheduler started", zap.String("state_cleanup_schedule", s.schedule))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("job scheduler stopped")
}

// Entries returns the number of registered jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) purgeExpiredStates() {
	oauth.PurgeExpiredStates(context.Background(), s.states, s.logger)
}
