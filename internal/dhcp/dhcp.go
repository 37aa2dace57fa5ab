// Package dhcp reads ISC dhcpd lease files. dhcpd appends blocks as
// leases are renewed, so a later block for the same IP supersedes an
// earlier one.
package dhcp

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrLeaseNotFound means no lease block matched the requested IP.
var ErrLeaseNotFound = errors.New("dhcp lease not found")

// Lease is one declaration from the leases file. Starts and Ends keep the
// raw dhcpd timestamp text.
type Lease struct {
	IP           string `json:"ip"`
	MAC          string `json:"mac,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	Starts       string `json:"starts,omitempty"`
	Ends         string `json:"ends,omitempty"`
	BindingState string `json:"binding_state,omitempty"`
}

// Leases parses the file at path and returns one lease per IP, the latest
// block winning, in order of first appearance.
func Leases(path string) ([]Lease, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	byIP := make(map[string]int)
	var leases []Lease
	var cur *Lease

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "lease ") && strings.HasSuffix(line, "{"):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, fmt.Errorf("parse %s: malformed lease header %q", path, line)
			}
			cur = &Lease{IP: fields[1]}
		case line == "}":
			if cur == nil {
				continue
			}
			if idx, ok := byIP[cur.IP]; ok {
				leases[idx] = *cur
			} else {
				byIP[cur.IP] = len(leases)
				leases = append(leases, *cur)
			}
			cur = nil
		case cur != nil:
			parseStatement(cur, strings.TrimSuffix(line, ";"))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return leases, nil
}

func parseStatement(lease *Lease, stmt string) {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "hardware":
		if len(fields) >= 3 && fields[1] == "ethernet" {
			lease.MAC = fields[2]
		}
	case "client-hostname":
		if len(fields) >= 2 {
			lease.Hostname = strings.Trim(strings.Join(fields[1:], " "), `"`)
		}
	case "starts":
		if len(fields) >= 2 {
			lease.Starts = strings.Join(fields[1:], " ")
		}
	case "ends":
		if len(fields) >= 2 {
			lease.Ends = strings.Join(fields[1:], " ")
		}
	case "binding":
		if len(fields) >= 3 && fields[1] == "state" {
			lease.BindingState = fields[2]
		}
	}
}

// OfIP returns the current lease for ip.
func OfIP(path, ip string) (Lease, error) {
	leases, err := Leases(path)
	if err != nil {
		return Lease{}, err
	}
	for _, lease := range leases {
		if lease.IP == ip {
			return lease, nil
		}
	}
	return Lease{}, fmt.Errorf("%w: %s", ErrLeaseNotFound, ip)
}
