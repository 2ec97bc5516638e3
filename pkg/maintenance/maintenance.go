// Package maintenance owns the daemon's scheduled jobs: the nightly
// rollup of hourly click stats into the daily table, click-log
// retention, and scheduled backups.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
)

// Schedules are in UTC. The rollup runs right after the UTC day closes;
// retention runs later to keep the two off each other's IO.
const (
	rollupSchedule    = "15 0 * * *"
	retentionSchedule = "30 4 * * *"
)

// Config carries the scheduler's dependencies. Backup is optional; the
// backup job is only registered when it is present.
type Config struct {
	DB     *database.DB
	Backup *backup.Runner
	Handle *config.Handle
	Clock  clockwork.Clock
}

// Scheduler runs the recurring jobs on a cron.
type Scheduler struct {
	db     *database.DB
	backup *backup.Runner
	handle *config.Handle
	clock  clockwork.Clock

	cron *cron.Cron
}

// New returns a scheduler with no jobs registered yet.
func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		db:     cfg.DB,
		backup: cfg.Backup,
		handle: cfg.Handle,
		clock:  clock,
	}
}

// Register parses the schedules and adds the jobs. The backup schedule
// comes from the config snapshot taken at startup and needs a restart
// to move; backup.enabled is consulted again on every run.
func (s *Scheduler) Register(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(time.UTC))

	rollup, err := cron.ParseStandard(rollupSchedule)
	if err != nil {
		return fmt.Errorf("error parsing the rollup schedule: %w", err)
	}

	s.add(ctx, "daily-rollup", rollup, s.runRollup)

	retention, err := cron.ParseStandard(retentionSchedule)
	if err != nil {
		return fmt.Errorf("error parsing the retention schedule: %w", err)
	}

	s.add(ctx, "click-log-retention", retention, s.runRetention)

	if s.backup != nil {
		spec := s.handle.Load().BackupSchedule

		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("error parsing the backup schedule %q: %w", spec, err)
		}

		s.add(ctx, "backup", schedule, s.runBackup)
	}

	return nil
}

func (s *Scheduler) add(ctx context.Context, name string, schedule cron.Schedule, job func(context.Context)) {
	zerolog.Ctx(ctx).
		Info().
		Str("job", name).
		Time("next-run", schedule.Next(s.clock.Now())).
		Msg("adding a cronjob")

	s.cron.Schedule(schedule, cron.FuncJob(func() { job(ctx) }))
}

// Start starts the cron scheduler in its own go-routine.
func (s *Scheduler) Start(ctx context.Context) {
	zerolog.Ctx(ctx).
		Info().
		Msg("starting the cron scheduler")

	s.cron.Start()
}

// Stop stops the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// runRollup recomputes the daily rollups for yesterday and the day
// before, covering a restart that slept through midnight. Reruns
// overwrite rather than increment, so the catch-up never double-counts.
func (s *Scheduler) runRollup(ctx context.Context) {
	log := zerolog.Ctx(ctx).With().Str("job", "daily-rollup").Logger()

	now := s.clock.Now().UTC()

	for _, day := range []time.Time{now.AddDate(0, 0, -2), now.AddDate(0, 0, -1)} {
		if err := s.db.RollupDaily(ctx, day); err != nil {
			log.Error().
				Err(err).
				Str("day", day.Format("2006-01-02")).
				Msg("daily rollup failed")

			return
		}
	}

	log.Info().Msg("daily rollup complete")
}

func (s *Scheduler) runRetention(ctx context.Context) {
	log := zerolog.Ctx(ctx).With().Str("job", "click-log-retention").Logger()

	days := s.handle.Load().RetentionDays
	if days <= 0 {
		log.Debug().Msg("retention is disabled, skipping")

		return
	}

	cutoff := s.clock.Now().UTC().AddDate(0, 0, -days)

	purged, err := s.db.PurgeClickLogsBefore(ctx, cutoff, 0)
	if err != nil {
		log.Error().Err(err).Msg("click log retention failed")

		return
	}

	log.Info().
		Int64("purged", purged).
		Time("cutoff", cutoff).
		Msg("click log retention complete")
}

func (s *Scheduler) runBackup(ctx context.Context) {
	log := zerolog.Ctx(ctx).With().Str("job", "backup").Logger()

	if !s.handle.Load().BackupEnabled {
		log.Debug().Msg("backups are disabled, skipping")

		return
	}

	res, err := s.backup.Run(ctx)
	if err != nil {
		if errors.Is(err, backup.ErrBackupBusy) {
			log.Warn().Msg("a backup is already running")

			return
		}

		log.Error().Err(err).Msg("scheduled backup failed")

		return
	}

	log.Info().
		Int("links", res.Links).
		Int64("bytes", res.Bytes).
		Strs("destinations", res.Destinations).
		Msg("scheduled backup complete")
}
