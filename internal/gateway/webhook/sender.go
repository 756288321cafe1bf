// Package webhook implements the per-session webhook dispatch pipeline:
// config storage, event filtering, HTTP delivery and outcome logging.
package webhook

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/kirimkan/gateway/internal/db"
)

const (
	// DeliveryTimeout is the hard per-attempt timeout for a webhook POST.
	DeliveryTimeout = 10 * time.Second

	// DefaultMaxRetries is the attempt budget for SendWithRetry.
	DefaultMaxRetries = 3

	userAgent = "KirimKan-Webhook/1.0"
)

// Config is a session's webhook configuration. An empty Events slice is the
// back-compat sentinel meaning "all events"; a non-empty slice means exactly
// those event types.
type Config struct {
	WebhookURL string   `json:"webhookUrl"`
	Events     []string `json:"events"`
}

// Matches reports whether eventType passes the config's filter.
func (c Config) Matches(eventType string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Envelope is the JSON body POSTed to the webhook URL.
type Envelope struct {
	Event     string      `json:"event"`
	SessionID string      `json:"sessionId"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Delivery is the outcome of one webhook HTTP attempt.
type Delivery struct {
	Success   bool     `json:"success"`
	Status    int      `json:"status,omitempty"`
	URL       string   `json:"url"`
	Event     string   `json:"event"`
	SessionID string   `json:"sessionId"`
	Timestamp string   `json:"timestamp"`
	Payload   Envelope `json:"payload"`
	Response  string   `json:"response,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Sender dispatches protocol events to per-session webhook URLs. Config
// mutations persist the whole table to disk before returning.
type Sender struct {
	mu      sync.RWMutex
	configs map[string]Config
	path    string

	client *http.Client
	logs   *db.LogStore

	// sleep is swapped in tests to observe retry backoff without waiting.
	sleep func(time.Duration)
}

// NewSender creates a Sender persisting configs at path. Existing configs
// are loaded; a missing file is not an error.
func NewSender(path string) *Sender {
	s := &Sender{
		configs: make(map[string]Config),
		path:    path,
		client:  &http.Client{Timeout: DeliveryTimeout},
		sleep:   time.Sleep,
	}
	if err := s.Reload(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to load webhook configs")
	}
	return s
}

// SetLogStore late-binds the delivery log. Deliveries made before the store
// is wired are broadcast but not persisted.
func (s *Sender) SetLogStore(logs *db.LogStore) {
	s.mu.Lock()
	s.logs = logs
	s.mu.Unlock()
}

// Reload re-reads the config file, replacing the in-memory table. Used at
// startup and by the config-file watcher.
func (s *Sender) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read webhook configs: %w", err)
	}

	configs := make(map[string]Config)
	if err := json.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("parse webhook configs: %w", err)
	}

	s.mu.Lock()
	s.configs = configs
	count := len(configs)
	s.mu.Unlock()

	log.Info().Int("count", count).Msg("Loaded webhook configurations")
	return nil
}

// SetConfig stores a session's webhook configuration and persists the table.
// An empty URL removes the config. Persistence happens before this returns
// so the API can acknowledge durably.
func (s *Sender) SetConfig(sessionID string, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	if cfg.WebhookURL == "" {
		delete(s.configs, sessionID)
		log.Info().Str("sessionId", sessionID).Msg("Webhook config removed")
	} else {
		if cfg.Events == nil {
			cfg.Events = []string{}
		}
		s.configs[sessionID] = cfg
		log.Info().Str("sessionId", sessionID).Str("url", cfg.WebhookURL).
			Int("events", len(cfg.Events)).Msg("Webhook config set")
	}

	return s.saveLocked()
}

// SetWebhook is the legacy URL-only setter; it subscribes to all events.
func (s *Sender) SetWebhook(sessionID, url string) error {
	return s.SetConfig(sessionID, Config{WebhookURL: url, Events: []string{}})
}

// RemoveConfig clears a session's webhook configuration.
func (s *Sender) RemoveConfig(sessionID string) error {
	return s.SetConfig(sessionID, Config{})
}

// GetConfig returns a session's webhook configuration.
func (s *Sender) GetConfig(sessionID string) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[sessionID]
	return cfg, ok
}

// AllConfigs returns a snapshot of every configured webhook.
func (s *Sender) AllConfigs() map[string]Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Config, len(s.configs))
	for id, cfg := range s.configs {
		out[id] = cfg
	}
	return out
}

// saveLocked rewrites the config file. Caller holds s.mu.
func (s *Sender) saveLocked() error {
	data, err := json.MarshalIndent(s.configs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode webhook configs: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write webhook configs: %w", err)
	}
	return nil
}

// Send delivers one event to the session's webhook. Returns nil when no
// config exists, the URL is empty, or the event is filtered out — a silent
// skip, not an error. Delivery failures are reported in the outcome, never
// as an error to the caller.
func (s *Sender) Send(ctx context.Context, sessionID, eventType string, data interface{}) *Delivery {
	s.mu.RLock()
	cfg, ok := s.configs[sessionID]
	s.mu.RUnlock()

	if !ok || cfg.WebhookURL == "" {
		return nil
	}
	if !cfg.Matches(eventType) {
		log.Debug().Str("sessionId", sessionID).Str("event", eventType).
			Msg("Event not in subscribed set, skipping webhook")
		return nil
	}

	envelope := Envelope{
		Event:     eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	outcome := s.post(ctx, cfg.WebhookURL, envelope)
	s.recordDelivery(ctx, outcome)
	return outcome
}

// post performs the HTTP attempt and classifies the result.
func (s *Sender) post(ctx context.Context, url string, envelope Envelope) *Delivery {
	outcome := &Delivery{
		URL:       url,
		Event:     envelope.Event,
		SessionID: envelope.SessionID,
		Timestamp: envelope.Timestamp,
		Payload:   envelope,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		outcome.Error = fmt.Sprintf("encode payload: %v", err)
		return outcome
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		outcome.Error = fmt.Sprintf("build request: %v", err)
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		outcome.Error = err.Error()
		log.Error().Err(err).Str("sessionId", envelope.SessionID).
			Str("event", envelope.Event).Msg("Webhook delivery failed")
		return outcome
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	outcome.Status = resp.StatusCode
	outcome.Response = string(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome.Success = true
		log.Info().Str("sessionId", envelope.SessionID).Str("event", envelope.Event).
			Int("status", resp.StatusCode).Msg("Webhook delivered")
	} else {
		outcome.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		log.Error().Str("sessionId", envelope.SessionID).Str("event", envelope.Event).
			Int("status", resp.StatusCode).Msg("Webhook delivery rejected")
	}
	return outcome
}

// SendWithRetry calls Send until it succeeds or maxRetries attempts are
// exhausted, waiting min(1000*2^(attempt-1), 5000) ms between attempts.
// Returns the last outcome. Retries serialize and delay the calling flow;
// the per-event dispatch path uses the non-retrying Send.
func (s *Sender) SendWithRetry(ctx context.Context, sessionID, eventType string, data interface{}, maxRetries int) *Delivery {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var last *Delivery
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result := s.Send(ctx, sessionID, eventType, data)
		if result == nil || result.Success {
			return result
		}
		last = result

		if attempt < maxRetries {
			s.sleep(retryBackoff(attempt))
		}
	}
	return last
}

// retryBackoff returns the delay before the attempt following attempt n.
func retryBackoff(attempt int) time.Duration {
	delay := time.Duration(1000*(1<<(attempt-1))) * time.Millisecond
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

// recordDelivery appends the outcome to the webhook history. Best-effort:
// a persistence failure is logged, never surfaced.
func (s *Sender) recordDelivery(ctx context.Context, outcome *Delivery) {
	s.mu.RLock()
	logs := s.logs
	s.mu.RUnlock()
	if logs == nil {
		return
	}

	rec := &db.WebhookDelivery{
		SessionID:  outcome.SessionID,
		EventType:  outcome.Event,
		WebhookURL: outcome.URL,
		Success:    outcome.Success,
	}
	if outcome.Status != 0 {
		rec.StatusCode = sql.NullInt64{Int64: int64(outcome.Status), Valid: true}
	}
	if payload, err := json.Marshal(outcome.Payload); err == nil {
		rec.Payload = sql.NullString{String: string(payload), Valid: true}
	}
	if outcome.Response != "" {
		rec.Response = sql.NullString{String: outcome.Response, Valid: true}
	}
	if outcome.Error != "" {
		rec.Error = sql.NullString{String: outcome.Error, Valid: true}
	}

	if err := logs.LogDelivery(ctx, rec); err != nil {
		log.Error().Err(err).Str("sessionId", outcome.SessionID).Msg("Failed to record webhook delivery")
	}
}
