// Package janitor runs the periodic maintenance jobs of the proxy: dropping
// idle rate-limit state and purging expired persistent cache rows.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/partner-proxy/pkg/logging"
)

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "partner_janitor_runs_total",
	Help: "Maintenance job runs by job and result",
}, []string{"job", "result"})

// Job names.
const (
	JobSweep = "ratelimit_sweep"
	JobPurge = "cache_purge"
)

// Sweeper drops idle per-client state. Implemented by *ratelimit.Limiter.
type Sweeper interface {
	Sweep(now time.Time) int
	Now() time.Time
}

// Purger deletes expired cache rows. Implemented by *cache.PersistentTier.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// Config holds the janitor configuration.
type Config struct {
	// SweepSchedule and PurgeSchedule are cron specs; descriptors such as
	// "@every 1m" are accepted.
	SweepSchedule string
	PurgeSchedule string

	// Limiter is swept on SweepSchedule. Nil disables the job.
	Limiter Sweeper

	// Purger is purged on PurgeSchedule. Nil disables the job.
	Purger Purger

	// JobTimeout bounds one purge run. Defaults to 30s.
	JobTimeout time.Duration

	Logger *zerolog.Logger
}

// Janitor schedules the maintenance jobs.
type Janitor struct {
	cron       *cron.Cron
	limiter    Sweeper
	purger     Purger
	jobTimeout time.Duration
	logger     zerolog.Logger
}

// New validates the schedules and registers the jobs. Nothing runs until
// Start.
func New(cfg Config) (*Janitor, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	logger := logging.OrDefault(cfg.Logger, "janitor")
	cronLogger := cronLogger{logger: logger}

	j := &Janitor{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		limiter:    cfg.Limiter,
		purger:     cfg.Purger,
		jobTimeout: cfg.JobTimeout,
		logger:     logger,
	}

	if cfg.Limiter != nil {
		if _, err := j.cron.AddFunc(cfg.SweepSchedule, func() { j.SweepNow() }); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	if cfg.Purger != nil {
		if _, err := j.cron.AddFunc(cfg.PurgeSchedule, j.runPurge); err != nil {
			return nil, fmt.Errorf("invalid purge schedule %q: %w", cfg.PurgeSchedule, err)
		}
	}

	return j, nil
}

// Start runs the scheduler in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().Int("jobs", len(j.cron.Entries())).Msg("Janitor started")
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info().Msg("Janitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor stop: %w", ctx.Err())
	}
}

// SweepNow drops idle rate-limit state and returns the number of clients
// removed.
func (j *Janitor) SweepNow() int {
	if j.limiter == nil {
		return 0
	}
	n := j.limiter.Sweep(j.limiter.Now())
	jobRuns.WithLabelValues(JobSweep, "ok").Inc()
	if n > 0 {
		j.logger.Debug().Int("removed", n).Msg("Swept idle rate-limit state")
	}
	return n
}

// PurgeNow deletes expired persistent cache rows.
func (j *Janitor) PurgeNow(ctx context.Context) (int, error) {
	if j.purger == nil {
		return 0, nil
	}
	n, err := j.purger.Purge(ctx)
	if err != nil {
		jobRuns.WithLabelValues(JobPurge, "error").Inc()
		return 0, fmt.Errorf("purge: %w", err)
	}
	jobRuns.WithLabelValues(JobPurge, "ok").Inc()
	j.logger.Debug().Int("removed", n).Msg("Purged expired cache rows")
	return n, nil
}

func (j *Janitor) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), j.jobTimeout)
	defer cancel()

	if _, err := j.PurgeNow(ctx); err != nil {
		ev := j.logger.Warn()
		if errors.Is(err, context.DeadlineExceeded) {
			ev = ev.Dur("timeout", j.jobTimeout)
		}
		ev.Err(err).Msg("Cache purge failed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
