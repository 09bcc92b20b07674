package service

import (
	"context"
	"time"

	"example.com/backstage/services/onboarding/config"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// NewScheduler registers the periodic maintenance jobs. The caller starts
// the scheduler and shuts it down.
func NewScheduler(ctx context.Context, svc Service, cfg config.MaintenanceConfig, log *logrus.Logger) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) (int64, error)
	}{
		{name: "overdue-maintenance-sweep", interval: cfg.OverdueSweepInterval, run: svc.SweepOverdueMaintenance},
		{name: "stale-job-sweep", interval: cfg.StaleJobSweepInterval, run: svc.InterruptStaleJobs},
	}

	for _, j := range jobs {
		j := j
		if j.interval <= 0 {
			log.WithField("job", j.name).Info("Scheduled job disabled")
			continue
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() {
				runCtx, cancel := context.WithTimeout(ctx, j.interval)
				defer cancel()

				count, err := j.run(runCtx)
				if err != nil {
					log.WithError(err).WithField("job", j.name).Error("Scheduled job failed")
					return
				}
				log.WithFields(logrus.Fields{"job": j.name, "count": count}).Debug("Scheduled job finished")
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = scheduler.Shutdown()
			return nil, err
		}
	}

	return scheduler, nil
}
