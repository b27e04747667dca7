// Package jobs runs periodic maintenance: expiring stale shifts, pruning
// usage logs and refresh tokens, resetting the monthly free tier and
// dropping idle rate limiter buckets.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/config"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	JobExpireShifts       = "expire_shifts"
	JobPruneUsageLogs     = "prune_usage_logs"
	JobPurgeRefreshTokens = "purge_refresh_tokens"
	JobResetFreeTier      = "reset_free_tier"
	JobCleanupLimiters    = "cleanup_rate_limiters"

	limiterCleanupSpec = "@every 10m"
	limiterMaxIdle     = 30 * time.Minute
	jobTimeout         = time.Minute
)

type shiftExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type usageMaintainer interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
	ResetFreeTier(ctx context.Context) (int64, error)
}

type tokenPurger interface {
	PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

type limiterCleaner interface {
	Cleanup(maxIdle time.Duration) int
}

type jobObserver interface {
	JobCompleted(job string, duration time.Duration, success bool)
}

type Dependencies struct {
	Shifts   shiftExpirer
	Usage    usageMaintainer
	Tokens   tokenPurger
	Limiter  limiterCleaner
	Observer jobObserver
}

// task returns the number of rows or entries it affected.
type task func(ctx context.Context) (int64, error)

type scheduledTask struct {
	name string
	spec string
	run  task
}

type Scheduler struct {
	cron     *cron.Cron
	tasks    map[string]task
	observer jobObserver
	now      func() time.Time
}

func NewScheduler(cfg config.JobsConfig, deps Dependencies) (*Scheduler, error) {
	cronLogger := cron.PrintfLogger(logrus.StandardLogger())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		tasks:    make(map[string]task),
		observer: deps.Observer,
		now:      time.Now,
	}

	entries := []scheduledTask{
		{JobExpireShifts, cfg.ExpireShiftsSpec, func(ctx context.Context) (int64, error) {
			return deps.Shifts.ExpireStale(ctx, cfg.ShiftPendingTimeout)
		}},
		{JobPruneUsageLogs, cfg.PruneLogsSpec, func(ctx context.Context) (int64, error) {
			return deps.Usage.Prune(ctx, cfg.UsageLogRetention)
		}},
		{JobPurgeRefreshTokens, cfg.PruneLogsSpec, func(ctx context.Context) (int64, error) {
			return deps.Tokens.PurgeExpiredRefreshTokens(ctx, s.now())
		}},
		{JobResetFreeTier, cfg.ResetFreeTierSpec, func(ctx context.Context) (int64, error) {
			return deps.Usage.ResetFreeTier(ctx)
		}},
	}
	if deps.Limiter != nil {
		entries = append(entries, scheduledTask{JobCleanupLimiters, limiterCleanupSpec, func(context.Context) (int64, error) {
			return int64(deps.Limiter.Cleanup(limiterMaxIdle)), nil
		}})
	}

	for _, entry := range entries {
		name, run := entry.name, entry.run
		if _, err := s.cron.AddFunc(entry.spec, func() { s.execute(name, run) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", name, entry.spec, err)
		}
		s.tasks[name] = run
	}

	return s, nil
}

func (s *Scheduler) Start() {
	logrus.WithField("jobs", s.Jobs()).Info("Starting job scheduler")
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logrus.Warn("Job scheduler stopped before running jobs finished")
	}
}

// RunNow executes a job synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) (int64, error) {
	run, ok := s.tasks[name]
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return s.execute(name, run)
}

func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) execute(name string, run task) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := s.now()
	affected, err := run(ctx)
	duration := s.now().Sub(start)

	if s.observer != nil {
		s.observer.JobCompleted(name, duration, err == nil)
	}

	entry := logrus.WithFields(logrus.Fields{
		"job":      name,
		"affected": affected,
		"duration": duration.String(),
	})
	if err != nil {
		entry.WithError(err).Error("Job failed")
		return affected, err
	}
	entry.Info("Job completed")
	return affected, nil
}
