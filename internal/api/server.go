// Package api exposes the gateway's HTTP surface: client connection
// status and registration, DHCP lease listing, the persistent state
// snapshot and a plain-text metrics exposition. Handlers only read the
// state guard and the membership sets; they never schedule work.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"homegate/internal/config"
	"homegate/internal/dhcp"
	"homegate/internal/ipset"
	"homegate/internal/runtime"
	"homegate/internal/state"
)

// MembershipStore is the ACL/shaper set surface the handlers consume.
type MembershipStore interface {
	Entries(ctx context.Context) ([]ipset.Entry, error)
	Add(ctx context.Context, ip string) error
}

type Server struct {
	r       *chi.Mux
	cfg     *config.Config
	guard   *state.Guard
	acl     MembershipStore
	shaper  MembershipStore
	runtime *runtime.Status
}

func NewServer(cfg *config.Config, guard *state.Guard, acl, shaper MembershipStore, rt *runtime.Status) http.Handler {
	return NewServerWithDebug(cfg, guard, acl, shaper, rt, false)
}

func NewServerWithDebug(cfg *config.Config, guard *state.Guard, acl, shaper MembershipStore, rt *runtime.Status, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	s := &Server{r: r, cfg: cfg, guard: guard, acl: acl, shaper: shaper, runtime: rt}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/v1/client", s.clientGet)
	r.Post("/api/v1/client", s.clientRegister)
	r.Get("/api/v1/leases", s.leases)
	r.Get("/api/v1/status", s.status)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// clientIP prefers the x-real-ip header set by the fronting proxy and
// falls back to the socket peer.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type clientConnectionInfo struct {
	BytesSent            uint64 `json:"bytes_sent"`
	BytesUnlimitedLimit  uint64 `json:"bytes_unlimited_limit"`
	ShaperResetSecs      uint64 `json:"shaper_reset_secs"`
	ConnectionForgetSecs uint64 `json:"connection_forget_secs"`
}

type serviceInfo struct {
	InternetConnectionStatus string                `json:"internet_connection_status"`
	Connection               *clientConnectionInfo `json:"connection,omitempty"`
	InternetClientsConnected int                   `json:"internet_clients_connected"`
	ActiveWifiStations       int                   `json:"active_wifi_stations"`
}

func findEntry(entries []ipset.Entry, ip string) *ipset.Entry {
	for i := range entries {
		if entries[i].IP == ip {
			return &entries[i]
		}
	}
	return nil
}

func secs(d *time.Duration) uint64 {
	if d == nil {
		return 0
	}
	return uint64(d.Seconds())
}

func (s *Server) clientGet(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	log.Info().Str("client_ip", ip).Msg("client status request")

	aclEntries, err := s.acl.Entries(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("unable to get acl ipset list")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	shaperEntries, err := s.shaper.Entries(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("unable to get shaper ipset list")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	info := serviceInfo{
		InternetConnectionStatus: "inactive",
		InternetClientsConnected: len(shaperEntries),
	}
	if s.runtime != nil {
		info.ActiveWifiStations = s.runtime.WifiStations()
	}

	if s.isBlacklisted(ip) {
		info.InternetConnectionStatus = "blacklisted"
		writeJSON(w, http.StatusOK, info)
		return
	}

	if aclEntry := findEntry(aclEntries, ip); aclEntry != nil {
		shaperEntry := findEntry(shaperEntries, ip)
		conn := &clientConnectionInfo{
			BytesUnlimitedLimit:  s.cfg.BytesUnlimitedLimit,
			ConnectionForgetSecs: secs(aclEntry.Timeout),
		}
		if shaperEntry != nil {
			if shaperEntry.Bytes != nil {
				conn.BytesSent = *shaperEntry.Bytes
			}
			conn.ShaperResetSecs = secs(shaperEntry.Timeout)
		}
		info.InternetConnectionStatus = "connected"
		info.Connection = conn
	}

	writeJSON(w, http.StatusOK, info)
}

// isBlacklisted resolves the client's MAC through the lease file and
// checks it against the configured blacklist. Resolution failures are not
// a blacklist hit.
func (s *Server) isBlacklisted(ip string) bool {
	if len(s.cfg.BlacklistedMACs) == 0 || s.cfg.DHCPLeasesPath == "" {
		return false
	}
	lease, err := dhcp.OfIP(s.cfg.DHCPLeasesPath, ip)
	if err != nil {
		if !errors.Is(err, dhcp.ErrLeaseNotFound) {
			log.Error().Err(err).Str("client_ip", ip).Msg("unable to resolve lease for blacklist check")
		}
		return false
	}
	for _, mac := range s.cfg.BlacklistedMACs {
		if strings.EqualFold(mac, lease.MAC) {
			return true
		}
	}
	return false
}

func (s *Server) clientRegister(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	log.Info().Str("client_ip", ip).Msg("client registration request")

	if s.isBlacklisted(ip) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := s.acl.Add(r.Context(), ip); err != nil {
		log.Error().Err(err).Str("client_ip", ip).Msg("unable to add client to acl ipset")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type leaseInfo struct {
	dhcp.Lease
	InACL       bool    `json:"in_acl"`
	InShaper    bool    `json:"in_shaper"`
	ShaperBytes *uint64 `json:"shaper_bytes,omitempty"`
}

func (s *Server) leases(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DHCPLeasesPath == "" {
		http.Error(w, "dhcp leases not configured", http.StatusNotFound)
		return
	}
	leases, err := dhcp.Leases(s.cfg.DHCPLeasesPath)
	if err != nil {
		log.Error().Err(err).Msg("unable to read dhcp leases")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	aclEntries, err := s.acl.Entries(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("unable to get acl ipset list")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	shaperEntries, err := s.shaper.Entries(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("unable to get shaper ipset list")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]leaseInfo, 0, len(leases))
	for _, lease := range leases {
		info := leaseInfo{Lease: lease}
		info.InACL = findEntry(aclEntries, lease.IP) != nil
		if shaperEntry := findEntry(shaperEntries, lease.IP); shaperEntry != nil {
			info.InShaper = true
			info.ShaperBytes = shaperEntry.Bytes
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Get())
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.guard.Get()

	var b strings.Builder
	b.WriteString("homegate_up 1\n")
	if snapshot.IsWideNetworkAvailable != nil {
		v := 0
		if *snapshot.IsWideNetworkAvailable {
			v = 1
		}
		fmt.Fprintf(&b, "homegate_wide_network_available %d\n", v)
	}
	if snapshot.Balance != nil {
		fmt.Fprintf(&b, "homegate_balance %v\n", *snapshot.Balance)
	}
	if snapshot.SpeedTest != nil {
		fmt.Fprintf(&b, "homegate_speedtest_download %v\n", snapshot.SpeedTest.Download)
		fmt.Fprintf(&b, "homegate_speedtest_upload %v\n", snapshot.SpeedTest.Upload)
		fmt.Fprintf(&b, "homegate_speedtest_ping %v\n", snapshot.SpeedTest.Ping)
	}
	fmt.Fprintf(&b, "homegate_notification_queue_length %d\n", len(snapshot.NotificationQueue))
	if s.runtime != nil {
		fmt.Fprintf(&b, "homegate_active_wifi_stations %d\n", s.runtime.WifiStations())
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
