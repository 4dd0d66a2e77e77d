// Package scheduler runs the broker's cron-scheduled background jobs; the
// server registers the memory/concurrency governor tick and the
// market-status cache sweep here. The idle reaper and the cold-storage
// archiver run their own loops instead (stream.Manager.Run, archive.Archiver.Run).
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of periodic work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler wraps a cron.Cron configured with seconds precision, matching
// schedule strings such as "@every 30s" or "0 */5 * * * *".
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a Scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// AddJob registers job to run on schedule. schedule follows the cron/v3
// parser: standard 6-field cron, or the "@every"/"@hourly" shorthand.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("running scheduled job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("scheduled job failed")
		}
	})
	return err
}

// RunNow executes job immediately, outside the cron schedule.
func (s *Scheduler) RunNow(job Job) {
	if err := job.Run(); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for in-flight jobs to finish, or for
// ctx to be cancelled, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// funcJob adapts a plain func() error into a Job.
type funcJob struct {
	name string
	fn   func() error
}

// NewFuncJob builds a Job from a name and a function, for ad hoc jobs that
// don't warrant their own type.
func NewFuncJob(name string, fn func() error) Job {
	return &funcJob{name: name, fn: fn}
}

func (f *funcJob) Run() error  { return f.fn() }
func (f *funcJob) Name() string { return f.name }
