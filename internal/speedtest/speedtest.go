// Package speedtest runs the external uplink benchmark tool.
package speedtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"homegate/internal/cmdrun"
	"homegate/internal/config"
	"homegate/internal/state"
)

// Run invokes the speedtest CLI against the configured server and decodes
// its JSON result.
func Run(ctx context.Context, runner cmdrun.Runner, cfg config.SpeedTest) (state.SpeedTest, error) {
	out, err := runner.Output(ctx, cfg.CLIPath, "--json", "--server", cfg.Server)
	if err != nil {
		return state.SpeedTest{}, fmt.Errorf("run speedtest: %w", err)
	}

	var result state.SpeedTest
	if err := json.Unmarshal(out, &result); err != nil {
		return state.SpeedTest{}, fmt.Errorf("parse speedtest output: %w", err)
	}

	log.Info().
		Float64("download", result.Download).
		Float64("upload", result.Upload).
		Float64("ping", result.Ping).
		Msg("speed test results")

	return result, nil
}
