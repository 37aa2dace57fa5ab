package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homegate/internal/config"
	"homegate/internal/ipset"
	"homegate/internal/state"
)

type fakeSet struct {
	entries []ipset.Entry
	err     error
	added   []string
}

func (f *fakeSet) Entries(ctx context.Context) ([]ipset.Entry, error) {
	return f.entries, f.err
}

func (f *fakeSet) Add(ctx context.Context, ip string) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, ip)
	return nil
}

func durPtr(d time.Duration) *time.Duration { return &d }
func u64Ptr(v uint64) *uint64               { return &v }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		IPSetACLName:        "acl",
		IPSetShaperName:     "shaper",
		BytesUnlimitedLimit: 1 << 30,
		PersistentStatePath: filepath.Join(t.TempDir(), "state.yaml"),
	}
}

func newTestServer(t *testing.T, cfg *config.Config, acl, shaper *fakeSet) (http.Handler, *state.Guard) {
	t.Helper()
	guard := state.Load(cfg.PersistentStatePath)
	return NewServer(cfg, guard, acl, shaper, nil), guard
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), &fakeSet{}, &fakeSet{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestClientGetInactive(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), &fakeSet{}, &fakeSet{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/client", nil)
	req.Header.Set("x-real-ip", "192.168.1.50")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "inactive", resp["internet_connection_status"])
	assert.Nil(t, resp["connection"])
}

func TestClientGetConnected(t *testing.T) {
	acl := &fakeSet{entries: []ipset.Entry{{IP: "192.168.1.50", Timeout: durPtr(3600 * time.Second)}}}
	shaper := &fakeSet{entries: []ipset.Entry{
		{IP: "192.168.1.50", Timeout: durPtr(600 * time.Second), Bytes: u64Ptr(123456)},
		{IP: "192.168.1.51"},
	}}
	srv, _ := newTestServer(t, testConfig(t), acl, shaper)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/client", nil)
	req.Header.Set("x-real-ip", "192.168.1.50")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status     string `json:"internet_connection_status"`
		Connection struct {
			BytesSent            uint64 `json:"bytes_sent"`
			BytesUnlimitedLimit  uint64 `json:"bytes_unlimited_limit"`
			ShaperResetSecs      uint64 `json:"shaper_reset_secs"`
			ConnectionForgetSecs uint64 `json:"connection_forget_secs"`
		} `json:"connection"`
		Connected int `json:"internet_clients_connected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "connected", resp.Status)
	assert.Equal(t, uint64(123456), resp.Connection.BytesSent)
	assert.Equal(t, uint64(600), resp.Connection.ShaperResetSecs)
	assert.Equal(t, uint64(3600), resp.Connection.ConnectionForgetSecs)
	assert.Equal(t, 2, resp.Connected)
}

func TestClientRegister(t *testing.T) {
	acl := &fakeSet{}
	srv, _ := newTestServer(t, testConfig(t), acl, &fakeSet{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/client", nil)
	req.Header.Set("x-real-ip", "192.168.1.77")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"192.168.1.77"}, acl.added)
}

func TestClientRegisterBlacklisted(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlacklistedMACs = []string{"AA:BB:CC:DD:EE:FF"}
	cfg.DHCPLeasesPath = filepath.Join(t.TempDir(), "dhcpd.leases")
	leases := "lease 192.168.1.77 {\n  hardware ethernet aa:bb:cc:dd:ee:ff;\n}\n"
	require.NoError(t, os.WriteFile(cfg.DHCPLeasesPath, []byte(leases), 0o644))

	acl := &fakeSet{}
	srv, _ := newTestServer(t, cfg, acl, &fakeSet{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/client", nil)
	req.Header.Set("x-real-ip", "192.168.1.77")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, acl.added)
}

func TestLeasesEnriched(t *testing.T) {
	cfg := testConfig(t)
	cfg.DHCPLeasesPath = filepath.Join(t.TempDir(), "dhcpd.leases")
	leases := "lease 192.168.1.10 {\n  hardware ethernet aa:bb:cc:dd:ee:ff;\n  client-hostname \"laptop\";\n}\n" +
		"lease 192.168.1.11 {\n  hardware ethernet 11:22:33:44:55:66;\n}\n"
	require.NoError(t, os.WriteFile(cfg.DHCPLeasesPath, []byte(leases), 0o644))

	acl := &fakeSet{entries: []ipset.Entry{{IP: "192.168.1.10"}}}
	shaper := &fakeSet{entries: []ipset.Entry{{IP: "192.168.1.10", Bytes: u64Ptr(99)}}}
	srv, _ := newTestServer(t, cfg, acl, shaper)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/leases", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []struct {
		IP          string  `json:"ip"`
		Hostname    string  `json:"hostname"`
		InACL       bool    `json:"in_acl"`
		InShaper    bool    `json:"in_shaper"`
		ShaperBytes *uint64 `json:"shaper_bytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.True(t, resp[0].InACL)
	assert.True(t, resp[0].InShaper)
	require.NotNil(t, resp[0].ShaperBytes)
	assert.Equal(t, uint64(99), *resp[0].ShaperBytes)
	assert.False(t, resp[1].InACL)
}

func TestStatusReturnsSnapshot(t *testing.T) {
	srv, guard := newTestServer(t, testConfig(t), &fakeSet{}, &fakeSet{})

	balance := 398.08
	require.NoError(t, guard.Update(func(s *state.PersistentState) { s.Balance = &balance }))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Balance *float64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Balance)
	assert.Equal(t, 398.08, *resp.Balance)
}

func TestMetrics(t *testing.T) {
	srv, guard := newTestServer(t, testConfig(t), &fakeSet{}, &fakeSet{})

	available := true
	balance := 55.5
	require.NoError(t, guard.Update(func(s *state.PersistentState) {
		s.IsWideNetworkAvailable = &available
		s.Balance = &balance
		s.SpeedTest = &state.SpeedTest{Download: 42, Upload: 10, Ping: 23}
	}))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "homegate_up 1")
	assert.Contains(t, body, "homegate_wide_network_available 1")
	assert.Contains(t, body, "homegate_balance 55.5")
	assert.Contains(t, body, "homegate_speedtest_download 42")
	assert.Contains(t, body, "homegate_notification_queue_length 0")
}
