package provider

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homegate/internal/config"
	"homegate/internal/notify"
	"homegate/internal/state"
)

type fakeRunner struct {
	calls     map[string]int
	failing   map[string]bool
	responses map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, failing: map[string]bool{}, responses: map[string]string{}}
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeRunner) Shell(ctx context.Context, cmdline string) ([]byte, error) {
	f.calls[cmdline]++
	if f.failing[cmdline] {
		return nil, errors.New("command failed")
	}
	return []byte(f.responses[cmdline]), nil
}

func balanceOutput(text string) string {
	return fmt.Sprintf("+CUSD: 0,\"%s\",15\n", hex.EncodeToString([]byte(text)))
}

func providerConfig() config.MobileProvider {
	return config.MobileProvider{
		GetBalanceCommand:         "query",
		ModemRestartCommand:       "restart",
		UpdateTariffCommand:       "tariff",
		BalanceRetries:            2,
		LowBalanceThreshold:       100,
		LowDownloadSpeedThreshold: 5,
		MinUpdateTariffInterval:   config.Duration(24 * time.Hour),
		TelegramChatIDs:           []string{"42"},
		PhoneNumber:               "+996700000000",
	}
}

func newGuard(t *testing.T) *state.Guard {
	t.Helper()
	return state.Load(filepath.Join(t.TempDir(), "state.yaml"))
}

func TestCheckBalanceCommitsResult(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["query"] = balanceOutput("You have 398.08 som.")
	guard := newGuard(t)

	p := New(providerConfig(), runner, guard, nil)
	p.CheckBalance(context.Background())

	snapshot := guard.Get()
	require.NotNil(t, snapshot.Balance)
	assert.Equal(t, 398.08, *snapshot.Balance)
	assert.Equal(t, 1, runner.calls["restart"])
}

func TestCheckBalanceLowTriggersAlert(t *testing.T) {
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		sent = append(sent, body.Text)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := newFakeRunner()
	runner.responses["query"] = balanceOutput("You have 42.50 som.")
	guard := newGuard(t)
	notifier := notify.New(config.Telegram{BotToken: "t", MessageTimeout: config.Duration(time.Hour)}, guard).WithBaseURL(srv.URL)

	p := New(providerConfig(), runner, guard, notifier)
	p.CheckBalance(context.Background())

	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "42.5")
	assert.Contains(t, sent[0], "+996700000000")
}

func TestCheckBalanceFailureKeepsPreviousValue(t *testing.T) {
	runner := newFakeRunner()
	runner.failing["query"] = true
	guard := newGuard(t)

	old := 200.0
	require.NoError(t, guard.Update(func(s *state.PersistentState) { s.Balance = &old }))

	p := New(providerConfig(), runner, guard, nil)
	p.CheckBalance(context.Background())

	snapshot := guard.Get()
	require.NotNil(t, snapshot.Balance)
	assert.Equal(t, 200.0, *snapshot.Balance)
	assert.Equal(t, 2, runner.calls["query"])
	assert.Equal(t, 1, runner.calls["restart"])
}

func TestMaybeUpdateTariffSkipsWithoutSpeedtest(t *testing.T) {
	runner := newFakeRunner()
	p := New(providerConfig(), runner, newGuard(t), nil)

	p.MaybeUpdateTariff(context.Background())
	assert.Zero(t, runner.calls["tariff"])
}

func TestMaybeUpdateTariffSkipsOnGoodSpeed(t *testing.T) {
	runner := newFakeRunner()
	guard := newGuard(t)
	require.NoError(t, guard.Update(func(s *state.PersistentState) {
		s.SpeedTest = &state.SpeedTest{Download: 50}
	}))

	p := New(providerConfig(), runner, guard, nil)
	p.MaybeUpdateTariff(context.Background())
	assert.Zero(t, runner.calls["tariff"])
}

func TestMaybeUpdateTariffHonorsCooldown(t *testing.T) {
	runner := newFakeRunner()
	guard := newGuard(t)
	recent := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, guard.Update(func(s *state.PersistentState) {
		s.SpeedTest = &state.SpeedTest{Download: 1}
		s.LastTariffUpdate = &recent
	}))

	p := New(providerConfig(), runner, guard, nil)
	p.MaybeUpdateTariff(context.Background())
	assert.Zero(t, runner.calls["tariff"])
}

func TestMaybeUpdateTariffRunsAndCommits(t *testing.T) {
	runner := newFakeRunner()
	guard := newGuard(t)
	stale := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, guard.Update(func(s *state.PersistentState) {
		s.SpeedTest = &state.SpeedTest{Download: 1}
		s.LastTariffUpdate = &stale
	}))

	p := New(providerConfig(), runner, guard, nil)
	p.MaybeUpdateTariff(context.Background())

	assert.Equal(t, 1, runner.calls["tariff"])
	snapshot := guard.Get()
	require.NotNil(t, snapshot.LastTariffUpdate)
	assert.WithinDuration(t, time.Now(), *snapshot.LastTariffUpdate, time.Minute)
}

func TestMaybeUpdateTariffCommandFailureLeavesStateAlone(t *testing.T) {
	runner := newFakeRunner()
	runner.failing["tariff"] = true
	guard := newGuard(t)
	require.NoError(t, guard.Update(func(s *state.PersistentState) {
		s.SpeedTest = &state.SpeedTest{Download: 1}
	}))

	p := New(providerConfig(), runner, guard, nil)
	p.MaybeUpdateTariff(context.Background())

	assert.Nil(t, guard.Get().LastTariffUpdate)
}
