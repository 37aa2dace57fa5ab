// Package netcheck probes wide-area-network reachability over ICMP.
package netcheck

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog/log"
)

const (
	probeCount    = 3
	probeInterval = time.Second
	probeTimeout  = 10 * time.Second
)

// Probe sends a short burst of pings at addr. Reachable means at least one
// reply came back within the overall ceiling. The returned error covers
// probe setup only, not packet loss.
func Probe(ctx context.Context, addr string, privileged bool) (bool, error) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return false, fmt.Errorf("init pinger for %s: %w", addr, err)
	}
	pinger.Count = probeCount
	pinger.Interval = probeInterval
	pinger.Timeout = probeTimeout
	pinger.SetPrivileged(privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("probe %s: %w", addr, err)
	}

	reachable := pinger.Statistics().PacketsRecv > 0
	log.Info().Str("addr", addr).Bool("is_wide_network_available", reachable).Msg("reachability probe finished")
	return reachable, nil
}
