package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"codedojo/collab/internal/store"
	"codedojo/collab/internal/utils"
)

// PurgeConfig controls the stale-session purge job
type PurgeConfig struct {
	Schedule  string        // Cron schedule (e.g. "@daily" or "0 3 * * *")
	Retention time.Duration // Sessions idle longer than this are deleted
	Timeout   time.Duration // Upper bound for one run
}

// PurgeJob deletes sessions whose last update is older than the retention window
type PurgeJob struct {
	purger store.Purger
	config PurgeConfig
	log    *utils.Logger
	cron   *cron.Cron
	now    func() time.Time
}

func NewPurgeJob(purger store.Purger, config PurgeConfig, log *utils.Logger) *PurgeJob {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	return &PurgeJob{
		purger: purger,
		config: config,
		log:    log,
		cron:   cron.New(),
		now:    time.Now,
	}
}

// Start schedules the job
func (j *PurgeJob) Start() error {
	if j.config.Retention <= 0 {
		j.log.Info("session purge disabled", "retention", j.config.Retention)
		return nil
	}
	if _, err := j.cron.AddFunc(j.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.config.Timeout)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Error("session purge failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule purge job: %w", err)
	}
	j.cron.Start()
	j.log.Info("session purge scheduled", "schedule", j.config.Schedule, "retention", j.config.Retention)
	return nil
}

// Stop stops the scheduler and waits for a running purge to finish
func (j *PurgeJob) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce performs a single purge
func (j *PurgeJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.config.Retention)
	n, err := j.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.log.Info("purged stale sessions", "count", n, "cutoff", cutoff)
	return n, nil
}
