// Package balance obtains the prepaid balance from a USSD-capable modem.
// The modem's reply is free-form text whose payload arrives hex-encoded in
// one of several legacy encodings depending on firmware and carrier, so
// every decode that succeeds is kept as a candidate and the numeric parse
// decides which one was real.
package balance

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/unicode"

	"homegate/internal/cmdrun"
)

// ErrUnavailable means every attempt was exhausted without a parseable balance.
var ErrUnavailable = errors.New("balance unavailable")

const responseMarker = "+CUSD"

// Pipeline drives the balance-query command with retries and always
// restarts the modem afterwards; repeated USSD queries degrade it.
type Pipeline struct {
	QueryCmd   string
	RestartCmd string
	Attempts   int
	RetryDelay time.Duration
	Runner     cmdrun.Runner
}

// Fetch runs the query-decode-parse sequence up to Attempts times with a
// fixed delay in between. The modem restart command runs exactly once on
// every exit path, success or failure.
func (p *Pipeline) Fetch(ctx context.Context) (float64, error) {
	defer p.restartModem(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			case <-time.After(p.RetryDelay):
			}
		}

		out, err := p.Runner.Shell(ctx, p.QueryCmd)
		if err != nil {
			lastErr = fmt.Errorf("balance query: %w", err)
			log.Error().Err(lastErr).Int("attempt", attempt).Msg("balance query failed")
			continue
		}

		value, err := Parse(string(out))
		if err != nil {
			lastErr = err
			log.Error().Err(err).Int("attempt", attempt).Msg("balance parse failed")
			continue
		}

		log.Info().Float64("balance", value).Int("attempt", attempt).Msg("balance resolved")
		return value, nil
	}

	return 0, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, p.Attempts, lastErr)
}

func (p *Pipeline) restartModem(ctx context.Context) {
	if p.RestartCmd == "" {
		return
	}
	log.Info().Msg("restarting modem")
	if _, err := p.Runner.Shell(ctx, p.RestartCmd); err != nil {
		log.Error().Err(err).Msg("modem restart failed")
	}
}

// Parse extracts the numeric balance from raw balance-query output.
func Parse(output string) (float64, error) {
	payload, err := extractPayload(output)
	if err != nil {
		return 0, err
	}
	candidates := decodeCandidates(payload)
	if len(candidates) == 0 {
		return 0, fmt.Errorf("no decodable candidate in payload %q", payload)
	}
	for _, candidate := range candidates {
		if value, ok := parseCandidate(candidate); ok {
			return value, nil
		}
	}
	return 0, fmt.Errorf("no candidate matched a known balance format: %q", candidates)
}

// extractPayload locates the response marker line and returns the first
// double-quoted substring on it.
func extractPayload(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, responseMarker) {
			continue
		}
		start := strings.IndexByte(line, '"')
		if start < 0 {
			return "", fmt.Errorf("no quoted payload on marker line %q", line)
		}
		end := strings.IndexByte(line[start+1:], '"')
		if end < 0 {
			return "", fmt.Errorf("unterminated payload on marker line %q", line)
		}
		return line[start+1 : start+1+end], nil
	}
	return "", fmt.Errorf("no %s line in output", responseMarker)
}

// decodeCandidates tries each known encoding of the hex payload and keeps
// every decode that succeeds. Decoding can "succeed" on the wrong encoding
// while producing garbage, so the numeric parse downstream is the real
// arbiter.
func decodeCandidates(payload string) []string {
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return nil
	}

	var candidates []string
	ucs2 := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	if decoded, err := ucs2.Bytes(raw); err == nil && utf8.Valid(decoded) {
		candidates = append(candidates, string(decoded))
	}
	if utf8.Valid(raw) {
		candidates = append(candidates, string(raw))
	}
	return candidates
}

// parseCandidate matches the two known provider reply formats:
// "Баланс <n> ..." and "You have <n> ...".
func parseCandidate(text string) (float64, bool) {
	fields := strings.Fields(text)
	var token string
	switch {
	case strings.HasPrefix(text, "Баланс ") && len(fields) >= 2:
		token = fields[1]
	case strings.HasPrefix(text, "You have ") && len(fields) >= 3:
		token = fields[2]
	default:
		return 0, false
	}
	value, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
