// Package ipset reads and mutates kernel ipset membership through the
// ipset command line tool. The save-format output is line oriented:
// create headers are skipped, add records carry the member IP plus
// optional trailing "timeout <secs>" and "bytes <n>" token pairs, and
// anything else is a parse error.
package ipset

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"homegate/internal/cmdrun"
)

// Entry is one member of a set.
type Entry struct {
	IP      string         `json:"ip"`
	Timeout *time.Duration `json:"timeout,omitempty"`
	Bytes   *uint64        `json:"bytes,omitempty"`
}

// Set names one kernel ipset.
type Set struct {
	name   string
	runner cmdrun.Runner
}

func New(name string, runner cmdrun.Runner) Set {
	return Set{name: name, runner: runner}
}

func (s Set) Name() string { return s.name }

// Entries lists current members by parsing `ipset save <name>`.
func (s Set) Entries(ctx context.Context) ([]Entry, error) {
	out, err := s.runner.Output(ctx, "ipset", "save", s.name)
	if err != nil {
		return nil, fmt.Errorf("ipset save %s: %w", s.name, err)
	}
	return ParseSave(string(out))
}

// ParseSave parses ipset save-format output.
func ParseSave(output string) ([]Entry, error) {
	var entries []Entry
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(line, " ")
		switch {
		case line == "":
			continue
		case fields[0] == "create":
			continue
		case fields[0] == "add" && len(fields) >= 3:
			entries = append(entries, parseAdd(fields[2], fields[3:]))
		default:
			return nil, fmt.Errorf("unexpected line in ipset output: %s", line)
		}
	}
	return entries, nil
}

func parseAdd(ip string, tail []string) Entry {
	entry := Entry{IP: ip}
	for i := 0; i+1 < len(tail); {
		switch tail[i] {
		case "timeout":
			if secs, err := strconv.ParseUint(tail[i+1], 10, 64); err == nil {
				d := time.Duration(secs) * time.Second
				entry.Timeout = &d
			}
			i += 2
		case "bytes":
			if n, err := strconv.ParseUint(tail[i+1], 10, 64); err == nil {
				entry.Bytes = &n
			}
			i += 2
		default:
			i++
		}
	}
	return entry
}

// Add inserts ip into the set. A non-zero exit from ipset is an error.
func (s Set) Add(ctx context.Context, ip string) error {
	if _, err := s.runner.Output(ctx, "ipset", "add", s.name, ip); err != nil {
		return fmt.Errorf("ipset add %s %s: %w", s.name, ip, err)
	}
	return nil
}
