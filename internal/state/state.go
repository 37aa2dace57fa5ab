// Package state holds the daemon's durable record and the guard that
// serializes every read and mutation of it. The record is mirrored to a
// single YAML file; the file is authoritative across restarts and may be
// edited externally, so loads check for staleness before every access.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SpeedTest is the last uplink benchmark result.
type SpeedTest struct {
	Download float64 `yaml:"download" json:"download"`
	Upload   float64 `yaml:"upload" json:"upload"`
	Ping     float64 `yaml:"ping" json:"ping"`
}

// QueuedNotification is a notification whose first delivery attempt failed.
// Entries are retried oldest-first by the queue-retry job and dropped once
// their age exceeds the configured message timeout.
type QueuedNotification struct {
	ID         string    `yaml:"id" json:"id"`
	ChatID     string    `yaml:"chat_id" json:"chat_id"`
	Text       string    `yaml:"text" json:"text"`
	EnqueuedAt time.Time `yaml:"enqueued_at" json:"enqueued_at"`
}

// PersistentState is the single durable record. Absent fields mean "never
// measured"; the zero value is the post-corruption fallback.
type PersistentState struct {
	IsWideNetworkAvailable *bool                `yaml:"is_wide_network_available,omitempty" json:"is_wide_network_available,omitempty"`
	SpeedTest              *SpeedTest           `yaml:"speedtest,omitempty" json:"speedtest,omitempty"`
	LastSpeedtestCheck     *time.Time           `yaml:"last_speedtest_check,omitempty" json:"last_speedtest_check,omitempty"`
	LastTariffUpdate       *time.Time           `yaml:"last_tariff_update,omitempty" json:"last_tariff_update,omitempty"`
	Balance                *float64             `yaml:"balance,omitempty" json:"balance,omitempty"`
	NotificationQueue      []QueuedNotification `yaml:"notification_queue,omitempty" json:"notification_queue,omitempty"`
}

func (s PersistentState) clone() PersistentState {
	c := s
	if s.IsWideNetworkAvailable != nil {
		v := *s.IsWideNetworkAvailable
		c.IsWideNetworkAvailable = &v
	}
	if s.SpeedTest != nil {
		v := *s.SpeedTest
		c.SpeedTest = &v
	}
	if s.LastSpeedtestCheck != nil {
		v := *s.LastSpeedtestCheck
		c.LastSpeedtestCheck = &v
	}
	if s.LastTariffUpdate != nil {
		v := *s.LastTariffUpdate
		c.LastTariffUpdate = &v
	}
	if s.Balance != nil {
		v := *s.Balance
		c.Balance = &v
	}
	if s.NotificationQueue != nil {
		c.NotificationQueue = append([]QueuedNotification(nil), s.NotificationQueue...)
	}
	return c
}

// Guard owns the in-memory copy of the record and its backing file. All
// access goes through Get and Update; at most one mutate-serialize-write
// sequence runs at a time.
type Guard struct {
	mu       sync.Mutex
	path     string
	state    PersistentState
	fileTime time.Time // mtime of the backing file at last load or write
}

// Load constructs the guard from path. A missing or corrupt file degrades
// to the zero record: startup is never blocked on bad state.
func Load(path string) *Guard {
	g := &Guard{path: path}
	g.state, g.fileTime = readFile(path)
	return g
}

func readFile(path string) (PersistentState, time.Time) {
	var s PersistentState
	fi, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("unable to stat persistent state")
		}
		return s, time.Time{}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("unable to read persistent state")
		return PersistentState{}, time.Time{}
	}
	if err := yaml.Unmarshal(content, &s); err != nil {
		log.Error().Err(err).Str("path", path).Msg("unable to parse persistent state")
		return PersistentState{}, fi.ModTime()
	}
	return s, fi.ModTime()
}

// reloadIfStale re-reads the backing file when it changed since our last
// load or write. A deleted file resets the record to defaults; the next
// Update recreates it. Called with the lock held.
func (g *Guard) reloadIfStale() {
	fi, err := os.Stat(g.path)
	if err != nil {
		if os.IsNotExist(err) && !g.fileTime.IsZero() {
			log.Warn().Str("path", g.path).Msg("persistent state file disappeared, resetting to defaults")
			g.state = PersistentState{}
			g.fileTime = time.Time{}
		}
		return
	}
	if fi.ModTime().After(g.fileTime) {
		log.Info().Str("path", g.path).Msg("persistent state file changed externally, reloading")
		g.state, g.fileTime = readFile(g.path)
	}
}

// Get returns a deep copy of the current record, reloading first if the
// backing file was edited externally.
func (g *Guard) Get() PersistentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reloadIfStale()
	return g.state.clone()
}

// Update applies fn to the record and writes the full record back to disk,
// all inside one exclusive section. On write failure the in-memory mutation
// stands and the error is returned: durability is best-effort, and callers
// must treat a failed Update as applied-but-not-durable.
func (g *Guard) Update(fn func(*PersistentState)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reloadIfStale()
	fn(&g.state)
	return g.write()
}

// write serializes the record and replaces the backing file atomically:
// temp file in the same directory, fsync, rename.
func (g *Guard) write() error {
	content, err := yaml.Marshal(g.state)
	if err != nil {
		return fmt.Errorf("marshal persistent state: %w", err)
	}

	dir := filepath.Dir(g.path)
	tmp, err := os.CreateTemp(dir, ".homegate-state-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, g.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	if fi, err := os.Stat(g.path); err == nil {
		g.fileTime = fi.ModTime()
	}
	return nil
}

// Path returns the backing file location.
func (g *Guard) Path() string { return g.path }
