// Package sched runs the daemon's background jobs on cron cadences.
// Every job is single-flight: a fire that lands while the previous run is
// still going is skipped, never re-entered.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is a named unit of scheduled work. Implementations do their external
// work first and only then take the state guard for the commit.
type Job func(ctx context.Context)

type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

func New(ctx context.Context) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(logger))),
		ctx:  ctx,
	}
}

// Register validates spec and binds fn to it.
func (s *Scheduler) Register(name, spec string, fn Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("job %s: invalid cron expression %q: %w", name, spec, err)
	}
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		log.Info().Str("job", name).Msg("job started")
		fn(s.ctx)
		log.Info().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	log.Info().Str("job", name).Str("cron", spec).Msg("job registered")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// cronLogger adapts zerolog to cron's Logger interface.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Info().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
