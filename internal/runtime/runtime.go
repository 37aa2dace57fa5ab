// Package runtime tracks volatile gateway status that is not worth
// persisting, currently the number of associated wifi stations.
package runtime

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"homegate/internal/cmdrun"
)

// Status is refreshed by the reachability job and read by the HTTP surface.
type Status struct {
	mu           sync.Mutex
	wifiStations int

	runner   cmdrun.Runner
	ctrlPath string
}

func New(runner cmdrun.Runner, hostapControlPath string) *Status {
	return &Status{runner: runner, ctrlPath: hostapControlPath}
}

// Refresh recounts associated stations via hostapd_cli. A missing control
// path disables the count.
func (s *Status) Refresh(ctx context.Context) error {
	if s.ctrlPath == "" {
		return nil
	}
	out, err := s.runner.Output(ctx, "hostapd_cli", "-p", s.ctrlPath, "list_sta")
	if err != nil {
		return err
	}

	count := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}

	s.mu.Lock()
	s.wifiStations = count
	s.mu.Unlock()

	log.Info().Int("active_wifi_stations", count).Msg("wifi station count updated")
	return nil
}

func (s *Status) WifiStations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wifiStations
}
