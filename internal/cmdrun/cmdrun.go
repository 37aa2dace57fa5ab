// Package cmdrun wraps external command invocation behind a small interface
// so jobs and parsers can be tested without shelling out.
package cmdrun

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external commands. Output returns stdout only, for
// commands whose output is parsed; Shell runs a free-form command line
// through bash and returns combined output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	Shell(ctx context.Context, cmdline string) ([]byte, error)
}

// Local runs commands on the local host.
type Local struct{}

func (Local) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func (Local) Shell(ctx context.Context, cmdline string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", cmdline)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("shell error: %v; out=%s", err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
