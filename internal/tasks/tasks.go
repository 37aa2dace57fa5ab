// Package tasks wires the scheduled jobs to their collaborators. Each job
// performs its external work (probes, process calls) before touching the
// state guard, so a slow command never holds up readers.
package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"homegate/internal/cmdrun"
	"homegate/internal/config"
	"homegate/internal/netcheck"
	"homegate/internal/notify"
	"homegate/internal/provider"
	"homegate/internal/runtime"
	"homegate/internal/sched"
	"homegate/internal/speedtest"
	"homegate/internal/state"
)

// Deps carries the shared handles each job captures. Absent optional
// collaborators (Notifier, Provider) disable the jobs that need them.
type Deps struct {
	Cfg      *config.Config
	Guard    *state.Guard
	Runner   cmdrun.Runner
	Runtime  *runtime.Status
	Notifier *notify.Notifier
	Provider *provider.Provider
}

// Register binds every configured job to the scheduler.
func Register(s *sched.Scheduler, d Deps) error {
	if err := s.Register("reachability", d.Cfg.ReachabilityCrontab, d.reachability); err != nil {
		return err
	}

	if d.Cfg.SpeedTest != nil {
		if err := s.Register("speedtest", d.Cfg.SpeedTest.Crontab, d.speedtest); err != nil {
			return err
		}
	}

	if d.Provider != nil && d.Provider.BalanceCrontab() != "" {
		if err := s.Register("balance-check", d.Provider.BalanceCrontab(), func(ctx context.Context) {
			d.Provider.CheckBalance(ctx)
		}); err != nil {
			return err
		}
	}

	if d.Notifier != nil {
		if err := s.Register("queue-retry", d.Cfg.Telegram.RetryCrontab, func(ctx context.Context) {
			if err := d.Notifier.ProcessQueue(ctx); err != nil {
				log.Error().Err(err).Msg("notification queue processing failed")
			}
		}); err != nil {
			return err
		}
	}

	return nil
}

func (d Deps) reachability(ctx context.Context) {
	available, err := netcheck.Probe(ctx, d.Cfg.WideNetworkIP, d.Cfg.PrivilegedPing)
	if err != nil {
		log.Error().Err(err).Msg("reachability probe failed, keeping previous value")
	} else if err := d.Guard.Update(func(s *state.PersistentState) {
		s.IsWideNetworkAvailable = &available
	}); err != nil {
		log.Error().Err(err).Msg("failed to persist reachability result")
	}

	if d.Runtime != nil {
		if err := d.Runtime.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("unable to calculate number of active wifi stations")
		}
	}
}

func (d Deps) speedtest(ctx context.Context) {
	result, err := speedtest.Run(ctx, d.Runner, *d.Cfg.SpeedTest)
	if err != nil {
		log.Error().Err(err).Msg("speed test failed, keeping previous value")
		return
	}

	now := time.Now().UTC()
	if err := d.Guard.Update(func(s *state.PersistentState) {
		s.SpeedTest = &result
		s.LastSpeedtestCheck = &now
	}); err != nil {
		log.Error().Err(err).Msg("failed to persist speedtest result")
	}

	if d.Provider != nil {
		d.Provider.MaybeUpdateTariff(ctx)
	}
}
