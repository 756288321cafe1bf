// Package session implements the chat-network session lifecycle: connect,
// pairing, reconnect with bounded backoff, event fan-out and logout.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kirimkan/gateway/internal/db"
	"github.com/kirimkan/gateway/internal/gateway/sse"
	"github.com/kirimkan/gateway/internal/gateway/webhook"
	"github.com/kirimkan/gateway/internal/protocol"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
	StatusLoggedOut    Status = "logged_out"
	StatusError        Status = "error"
)

const (
	// MaxRetries is the reconnect attempt budget before a session gives up.
	MaxRetries = 5

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 10 * time.Second
)

// statusNames maps wire delivery-state codes to log-table status strings.
var statusNames = map[int]string{
	protocol.StatusPending:   db.StatusPending,
	protocol.StatusSent:      db.StatusSent,
	protocol.StatusDelivered: db.StatusDelivered,
	protocol.StatusRead:      db.StatusRead,
}

// Options configures a Session.
type Options struct {
	ID          string
	Client      protocol.Client
	CredsDir    string
	MediaDir    string
	Broadcaster *sse.Broadcaster
	Webhooks    *webhook.Sender
}

// Session is one chat-network connection with its lifecycle state machine.
// All protocol events flow through one event loop goroutine per connection;
// reconnects spawn a fresh loop over the new handle.
type Session struct {
	id          string
	client      protocol.Client
	credsDir    string
	mediaDir    string
	broadcaster *sse.Broadcaster
	webhooks    *webhook.Sender

	mu             sync.Mutex
	ctx            context.Context
	status         Status
	qr             string
	user           *protocol.UserInfo
	handle         protocol.Handle
	logs           *db.LogStore
	retryCount     int
	isReconnecting bool
	reconnectTimer *time.Timer
	stopped        bool

	// backoff knobs are fixed in production and shrunk in tests.
	backoffBase time.Duration
	backoffCap  time.Duration
}

// New creates a Session in the disconnected state. Call Start to connect.
func New(opts Options) *Session {
	return &Session{
		id:          opts.ID,
		client:      opts.Client,
		credsDir:    opts.CredsDir,
		mediaDir:    opts.MediaDir,
		broadcaster: opts.Broadcaster,
		webhooks:    opts.Webhooks,
		ctx:         context.Background(),
		status:      StatusDisconnected,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}
}

// SetLogStore late-binds the log store. Sessions started before the database
// is ready simply skip persistence until this is called.
func (s *Session) SetLogStore(logs *db.LogStore) {
	s.mu.Lock()
	s.logs = logs
	s.mu.Unlock()
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// QR returns the pending pairing artifact, or "" when none is outstanding.
func (s *Session) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// User returns the connected identity, or nil before the first open.
func (s *Session) User() *protocol.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Start opens the connection and begins the event loop. A no-op while a
// reconnect is already pending or once the session has been torn down, so a
// Logout racing an in-flight create cannot be undone. A failed connect parks
// the session in the error state; automatic retries apply only to dropped
// live connections.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || s.isReconnecting {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.mu.Unlock()
	s.connect()
}

// connect performs one connection attempt.
func (s *Session) connect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.setStatus(StatusConnecting)

	handle, err := s.client.Connect(ctx, s.credsDir)
	if err != nil {
		log.Error().Err(err).Str("sessionId", s.id).Msg("Connection attempt failed")
		s.logEvent("connection", fmt.Sprintf("Connection failed: %v", err), nil)
		s.setStatus(StatusError)
		return
	}

	s.mu.Lock()
	if s.stopped {
		// Torn down while the dial was in flight. Drop the connection so no
		// unowned handle or event loop survives the teardown.
		s.mu.Unlock()
		handle.Close()
		s.setStatus(StatusDisconnected)
		return
	}
	s.handle = handle
	s.mu.Unlock()

	go s.eventLoop(handle)
}

// eventLoop drains one handle's event stream. The loop ends when the handle
// closes its channel; lifecycle transitions happen on connection.update
// events, not on channel close.
func (s *Session) eventLoop(handle protocol.Handle) {
	for ev := range handle.Events() {
		s.dispatch(handle, ev)
	}
}

// dispatch forwards one event to the webhook pipeline and applies its
// lifecycle side effects.
func (s *Session) dispatch(handle protocol.Handle, ev protocol.Event) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	eventType := string(ev.Type())
	if outcome := s.webhooks.Send(ctx, s.id, eventType, ev); outcome != nil {
		s.broadcaster.Broadcast(sse.EventWebhookSent, outcome)
	}

	switch e := ev.(type) {
	case protocol.ConnectionUpdate:
		s.handleConnectionUpdate(handle, e)
	case protocol.MessagesUpsert:
		s.handleMessagesUpsert(e)
	case protocol.MessagesUpdate:
		s.handleMessagesUpdate(e)
	}
}

func (s *Session) handleConnectionUpdate(handle protocol.Handle, u protocol.ConnectionUpdate) {
	if u.QRCode != "" {
		s.mu.Lock()
		s.qr = u.QRCode
		s.mu.Unlock()

		payload := map[string]string{"sessionId": s.id, "qr": u.QRCode}
		s.broadcaster.BroadcastRoom(sse.RoomForSession(s.id), sse.EventSessionQR, payload)
		s.broadcaster.Broadcast(sse.EventSessionQR, payload)
		s.broadcaster.Broadcast(sse.EventSessionUpdate, map[string]string{
			"sessionId": s.id,
			"status":    "scan_qr",
		})
		s.logEvent("connection", "QR code generated", nil)
	}

	switch u.State {
	case protocol.ConnStateOpen:
		s.mu.Lock()
		s.retryCount = 0
		s.isReconnecting = false
		s.qr = ""
		s.user = handle.User()
		user := s.user
		s.mu.Unlock()

		s.setStatus(StatusConnected)
		s.broadcaster.BroadcastRoom(sse.RoomForSession(s.id), sse.EventSessionReady, map[string]interface{}{
			"sessionId": s.id,
			"user":      user,
		})

	case protocol.ConnStateClose:
		if u.LoggedOut {
			s.handleLoggedOut()
			return
		}
		log.Warn().Str("sessionId", s.id).Int("statusCode", u.StatusCode).
			Msg("Connection closed, scheduling reconnect")
		s.scheduleReconnect()
	}
}

// handleLoggedOut handles a far-end logout: stale credentials are wiped so
// the next connect starts a fresh pairing cycle.
func (s *Session) handleLoggedOut() {
	s.mu.Lock()
	s.cancelReconnectLocked()
	handle := s.handle
	s.handle = nil
	s.user = nil
	s.qr = ""
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	if err := os.RemoveAll(s.credsDir); err != nil {
		log.Error().Err(err).Str("sessionId", s.id).Msg("Failed to wipe credentials")
	}

	s.setStatus(StatusLoggedOut)
	s.logEvent("connection", "Logged out by remote, credentials cleared", nil)
}

// scheduleReconnect arms one reconnect timer with exponential backoff. After
// MaxRetries consecutive failures the session parks in the failed state and
// the counter resets so a manual restart gets a fresh budget.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.stopped || s.isReconnecting {
		s.mu.Unlock()
		return
	}
	if s.retryCount >= MaxRetries {
		s.retryCount = 0
		s.mu.Unlock()
		s.setStatus(StatusFailed)
		s.logEvent("connection", "Reconnect attempts exhausted", nil)
		return
	}
	s.retryCount++
	s.isReconnecting = true
	attempt := s.retryCount
	delay := s.backoffLocked(attempt)
	s.mu.Unlock()

	s.setStatus(StatusDisconnected)
	log.Info().Str("sessionId", s.id).Int("attempt", attempt).Dur("delay", delay).
		Msg("Reconnect scheduled")

	s.mu.Lock()
	if s.stopped {
		s.isReconnecting = false
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.isReconnecting = false
		s.reconnectTimer = nil
		s.mu.Unlock()
		s.connect()
	})
	s.mu.Unlock()
}

// backoffLocked returns min(base*2^(attempt-1), cap). Caller holds s.mu.
func (s *Session) backoffLocked(attempt int) time.Duration {
	delay := s.backoffBase * time.Duration(1<<(attempt-1))
	if delay > s.backoffCap {
		delay = s.backoffCap
	}
	return delay
}

// cancelReconnectLocked stops a pending reconnect timer. Caller holds s.mu.
func (s *Session) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.isReconnecting = false
	s.retryCount = 0
}

func (s *Session) handleMessagesUpsert(up protocol.MessagesUpsert) {
	if !up.Notify {
		return
	}
	for _, msg := range up.Messages {
		if msg.FromMe {
			continue
		}
		if len(msg.MediaData) > 0 {
			s.saveMedia(msg)
		}

		payload := map[string]interface{}{
			"sessionId": s.id,
			"message":   msg,
		}
		s.broadcaster.BroadcastRoom(sse.RoomForSession(s.id), sse.EventMessageReceived, payload)
		s.broadcaster.Broadcast(sse.EventMessageReceived, payload)
		s.logEvent("message", fmt.Sprintf("Msg from %s (%s)", msg.From, msg.MessageType), msg)
	}
}

// saveMedia writes an attachment to the session's media directory.
// Best-effort: a write failure loses the file, never the message.
func (s *Session) saveMedia(msg protocol.InboundMessage) {
	if s.mediaDir == "" || msg.MediaName == "" {
		return
	}
	if err := os.MkdirAll(s.mediaDir, 0o755); err != nil {
		log.Error().Err(err).Str("sessionId", s.id).Msg("Failed to create media directory")
		return
	}
	path := filepath.Join(s.mediaDir, filepath.Base(msg.MediaName))
	if err := os.WriteFile(path, msg.MediaData, 0o644); err != nil {
		log.Error().Err(err).Str("sessionId", s.id).Str("file", msg.MediaName).
			Msg("Failed to save media")
	}
}

func (s *Session) handleMessagesUpdate(up protocol.MessagesUpdate) {
	s.mu.Lock()
	ctx := s.ctx
	logs := s.logs
	s.mu.Unlock()

	for _, u := range up.Updates {
		name, ok := statusNames[u.Status]
		if !ok {
			continue
		}
		s.broadcaster.Broadcast(sse.EventMessageStatus, map[string]string{
			"sessionId": s.id,
			"messageId": u.MessageID,
			"status":    name,
		})
		if logs != nil {
			if _, err := logs.UpdateMessageStatus(ctx, u.MessageID, name); err != nil {
				log.Error().Err(err).Str("messageId", u.MessageID).
					Msg("Failed to record delivery status")
			}
		}
	}
}

// SendText sends a text message over the live connection.
func (s *Session) SendText(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	handle := s.handle
	status := s.status
	s.mu.Unlock()

	if status != StatusConnected || handle == nil {
		return "", fmt.Errorf("session %s is not connected (status %s)", s.id, status)
	}
	return handle.SendMessage(ctx, to, protocol.Message{Type: protocol.MessageText, Text: text})
}

// Logout tears the session down: any pending reconnect is cancelled, the
// far end is told to invalidate the pairing, and credentials are wiped.
// Protocol logout errors are logged and ignored so teardown always finishes.
// Idempotent.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	s.cancelReconnectLocked()
	handle := s.handle
	s.handle = nil
	s.user = nil
	s.qr = ""
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", s.id).Msg("Protocol logout failed, continuing teardown")
		}
		handle.Close()
	}
	if err := os.RemoveAll(s.credsDir); err != nil {
		log.Error().Err(err).Str("sessionId", s.id).Msg("Failed to wipe credentials")
	}

	s.setStatus(StatusDisconnected)
}

// Close shuts the connection down without logging out or touching
// credentials. Used on graceful shutdown so the session can resume on the
// next start.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopped = true
	s.cancelReconnectLocked()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}

// setStatus records a lifecycle transition, broadcasts it and appends it to
// the event log.
func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	log.Info().Str("sessionId", s.id).Str("status", string(status)).Msg("Session status changed")
	s.broadcaster.Broadcast(sse.EventSessionStatus, map[string]string{
		"sessionId": s.id,
		"status":    string(status),
	})
	s.logEvent("connection", fmt.Sprintf("Status changed to %s", status), nil)
}

// logEvent appends to the live-event log and mirrors the entry on the live
// channel. Best-effort.
func (s *Session) logEvent(eventType, message string, data interface{}) {
	s.broadcaster.Broadcast(sse.EventLog, map[string]interface{}{
		"sessionId": s.id,
		"type":      eventType,
		"message":   message,
	})

	s.mu.Lock()
	ctx := s.ctx
	logs := s.logs
	s.mu.Unlock()
	if logs == nil {
		return
	}
	if err := logs.LogEvent(ctx, s.id, eventType, message, data); err != nil {
		log.Error().Err(err).Str("sessionId", s.id).Msg("Failed to log event")
	}
}
