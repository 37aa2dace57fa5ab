// Package provider implements the mobile-provider policies: balance
// checks with a low-balance alert, and tariff upgrades gated by the last
// benchmark and a cooldown interval.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"homegate/internal/balance"
	"homegate/internal/cmdrun"
	"homegate/internal/config"
	"homegate/internal/notify"
	"homegate/internal/state"
)

type Provider struct {
	cfg      config.MobileProvider
	runner   cmdrun.Runner
	guard    *state.Guard
	notifier *notify.Notifier
	pipeline *balance.Pipeline
}

func New(cfg config.MobileProvider, runner cmdrun.Runner, guard *state.Guard, notifier *notify.Notifier) *Provider {
	return &Provider{
		cfg:      cfg,
		runner:   runner,
		guard:    guard,
		notifier: notifier,
		pipeline: &balance.Pipeline{
			QueryCmd:   cfg.GetBalanceCommand,
			RestartCmd: cfg.ModemRestartCommand,
			Attempts:   cfg.BalanceRetries,
			RetryDelay: cfg.BalanceRetryDelay.Std(),
			Runner:     runner,
		},
	}
}

// CheckBalance runs the balance pipeline, commits the result and alerts
// when it falls below the configured threshold. An exhausted pipeline
// leaves the previous balance authoritative.
func (p *Provider) CheckBalance(ctx context.Context) {
	value, err := p.pipeline.Fetch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("balance check failed, keeping previous value")
		return
	}

	if err := p.guard.Update(func(s *state.PersistentState) {
		s.Balance = &value
	}); err != nil {
		log.Error().Err(err).Msg("failed to persist balance")
	}

	if value < p.cfg.LowBalanceThreshold && p.notifier != nil {
		message := fmt.Sprintf("Низкий остаток: %v сом. Необходимо пополнить номер %s", value, p.cfg.PhoneNumber)
		p.notifier.Send(ctx, p.cfg.TelegramChatIDs, message)
	}
}

// MaybeUpdateTariff upgrades the tariff when the last benchmark shows a
// degraded downlink and the previous upgrade is outside the cooldown.
func (p *Provider) MaybeUpdateTariff(ctx context.Context) {
	snapshot := p.guard.Get()

	if snapshot.SpeedTest == nil {
		log.Info().Msg("no speedtest data available, skipping tariff update")
		return
	}
	if snapshot.SpeedTest.Download > p.cfg.LowDownloadSpeedThreshold {
		log.Info().Float64("download", snapshot.SpeedTest.Download).Msg("download speed is good, skipping tariff update")
		return
	}
	if last := snapshot.LastTariffUpdate; last != nil && time.Since(*last) < p.cfg.MinUpdateTariffInterval.Std() {
		log.Info().Time("last_update", *last).Msg("last tariff update was too recent, skipping")
		return
	}

	if _, err := p.runner.Shell(ctx, p.cfg.UpdateTariffCommand); err != nil {
		log.Error().Err(err).Msg("failed to update tariff")
		return
	}

	now := time.Now().UTC()
	if err := p.guard.Update(func(s *state.PersistentState) {
		s.LastTariffUpdate = &now
	}); err != nil {
		log.Error().Err(err).Msg("failed to persist tariff update time")
	}

	if p.notifier != nil {
		message := fmt.Sprintf("Тариф обновлён для номера %s из-за низкой скорости.", p.cfg.PhoneNumber)
		p.notifier.Send(ctx, p.cfg.TelegramChatIDs, message)
	}
}

// BalanceCrontab exposes the optional balance check cadence.
func (p *Provider) BalanceCrontab() string { return p.cfg.GetBalanceCrontab }
