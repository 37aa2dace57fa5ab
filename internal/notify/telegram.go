// Package notify delivers short operational alerts to Telegram chats.
// Delivery is best-effort: a failed send parks the message in the durable
// notification queue inside the persistent state, and a scheduled retry
// job drains that queue oldest-first, dropping entries older than the
// configured message timeout.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"homegate/internal/config"
	"homegate/internal/state"
)

const defaultBaseURL = "https://api.telegram.org"

// Notifier sends messages through the Telegram bot API.
type Notifier struct {
	token          string
	messageTimeout time.Duration
	baseURL        string
	client         *http.Client
	guard          *state.Guard
}

func New(cfg config.Telegram, guard *state.Guard) *Notifier {
	return &Notifier{
		token:          cfg.BotToken,
		messageTimeout: cfg.MessageTimeout.Std(),
		baseURL:        defaultBaseURL,
		client:         &http.Client{Timeout: 30 * time.Second},
		guard:          guard,
	}
}

// WithBaseURL points the notifier at an alternate API endpoint. Used by tests.
func (n *Notifier) WithBaseURL(u string) *Notifier {
	n.baseURL = u
	return n
}

func (n *Notifier) trySend(ctx context.Context, chatID, text string) error {
	log.Info().Str("chat_id", chatID).Str("text", text).Msg("sending telegram message")

	body, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram responded %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Send attempts one delivery per chat. Failures are enqueued for the
// retry job and never surfaced to the caller.
func (n *Notifier) Send(ctx context.Context, chatIDs []string, text string) {
	for _, chatID := range chatIDs {
		err := n.trySend(ctx, chatID, text)
		if err == nil {
			continue
		}
		log.Error().Err(err).Str("chat_id", chatID).Msg("telegram send failed, queueing")
		qerr := n.guard.Update(func(s *state.PersistentState) {
			s.NotificationQueue = append(s.NotificationQueue, state.QueuedNotification{
				ID:         uuid.NewString(),
				ChatID:     chatID,
				Text:       text,
				EnqueuedAt: time.Now(),
			})
		})
		if qerr != nil {
			log.Error().Err(qerr).Msg("failed to persist notification queue")
		}
	}
}

// ProcessQueue drains the queue in one exclusive update, retries each
// entry oldest-first, and appends the still-failing ones back. Messages
// enqueued while the drain is in flight land on the queue independently
// and survive the final write-back because it appends rather than
// overwrites.
func (n *Notifier) ProcessQueue(ctx context.Context) error {
	log.Info().Msg("processing notification queue")

	var queue []state.QueuedNotification
	err := n.guard.Update(func(s *state.PersistentState) {
		queue = s.NotificationQueue
		s.NotificationQueue = nil
	})
	if err != nil {
		log.Error().Err(err).Msg("queue drain not durable")
	}

	var failed []state.QueuedNotification
	for _, msg := range queue {
		if time.Since(msg.EnqueuedAt) > n.messageTimeout {
			log.Info().Str("id", msg.ID).Str("text", msg.Text).Msg("dropping expired notification")
			continue
		}
		text := fmt.Sprintf("%s\n\nOriginally queued at %s.", msg.Text, msg.EnqueuedAt.Format("2006-01-02 15:04:05"))
		if err := n.trySend(ctx, msg.ChatID, text); err != nil {
			log.Error().Err(err).Str("id", msg.ID).Msg("notification retry failed")
			failed = append(failed, msg)
		}
	}

	if len(failed) == 0 {
		return nil
	}
	return n.guard.Update(func(s *state.PersistentState) {
		s.NotificationQueue = append(s.NotificationQueue, failed...)
	})
}
