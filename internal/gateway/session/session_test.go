package session

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/kirimkan/gateway/internal/db"
	"github.com/kirimkan/gateway/internal/gateway/sse"
	"github.com/kirimkan/gateway/internal/gateway/webhook"
	"github.com/kirimkan/gateway/internal/protocol"
	"github.com/kirimkan/gateway/internal/protocol/protocoltest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// SessionSuite is a test suite for the session lifecycle state machine.
type SessionSuite struct {
	suite.Suite
	tempDir     string
	client      *protocoltest.FakeClient
	broadcaster *sse.Broadcaster
	webhooks    *webhook.Sender
	ctx         context.Context
}

func (s *SessionSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "session-test-*")
	s.Require().NoError(err)

	s.client = protocoltest.NewFakeClient()
	s.broadcaster = sse.NewBroadcaster()
	s.webhooks = webhook.NewSender(filepath.Join(s.tempDir, "webhook-configs.json"))
	s.ctx = context.Background()
}

func (s *SessionSuite) TearDownTest() {
	os.RemoveAll(s.tempDir)
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

// newSession builds a session with test-speed backoff.
func (s *SessionSuite) newSession(id string) *Session {
	sess := New(Options{
		ID:          id,
		Client:      s.client,
		CredsDir:    filepath.Join(s.tempDir, "sessions", id),
		MediaDir:    filepath.Join(s.tempDir, "media", id),
		Broadcaster: s.broadcaster,
		Webhooks:    s.webhooks,
	})
	sess.backoffBase = time.Millisecond
	sess.backoffCap = 10 * time.Millisecond
	return sess
}

// openLastHandle waits for a handle and walks it to the connected state.
func (s *SessionSuite) openLastHandle(user *protocol.UserInfo) *protocoltest.FakeHandle {
	s.Require().Eventually(func() bool { return s.client.LastHandle() != nil }, waitFor, tick)
	h := s.client.LastHandle()
	h.SetUser(user)
	h.Emit(protocol.ConnectionUpdate{State: protocol.ConnStateOpen})
	return h
}

// TestBackoffSchedule verifies the reconnect delay progression.
func (s *SessionSuite) TestBackoffSchedule() {
	sess := New(Options{ID: "s1"})
	s.Equal(1*time.Second, sess.backoffLocked(1))
	s.Equal(2*time.Second, sess.backoffLocked(2))
	s.Equal(4*time.Second, sess.backoffLocked(3))
	s.Equal(8*time.Second, sess.backoffLocked(4))
	s.Equal(10*time.Second, sess.backoffLocked(5))
	s.Equal(10*time.Second, sess.backoffLocked(6))
}

// streamRecorder is a threadsafe ResponseWriter+Flusher for observing live
// broadcasts in tests.
type streamRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
	hdr http.Header
}

func (r *streamRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *streamRecorder) WriteHeader(int) {}
func (r *streamRecorder) Flush()          {}

func (r *streamRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// TestPairingBroadcastsScanState tests that a QR artifact pushes a
// session:update with the scan_qr status onto the live channel.
func (s *SessionSuite) TestPairingBroadcastsScanState() {
	rec := &streamRecorder{}
	client, err := s.broadcaster.AddClient(rec, "")
	s.Require().NoError(err)
	defer s.broadcaster.RemoveClient(client)

	sess := s.newSession("s1")
	sess.Start(s.ctx)
	s.Require().Eventually(func() bool { return s.client.LastHandle() != nil }, waitFor, tick)
	s.client.LastHandle().Emit(protocol.ConnectionUpdate{QRCode: "pair-me"})

	s.Eventually(func() bool {
		body := rec.String()
		return strings.Contains(body, "event: session:update") &&
			strings.Contains(body, `"status":"scan_qr"`)
	}, waitFor, tick)
	s.Eventually(func() bool { return sess.QR() == "pair-me" }, waitFor, tick)
}

// TestConnectAndPair tests the fresh-pairing path: QR artifact, then open.
func (s *SessionSuite) TestConnectAndPair() {
	sess := s.newSession("s1")
	sess.Start(s.ctx)

	s.Require().Eventually(func() bool { return s.client.LastHandle() != nil }, waitFor, tick)
	h := s.client.LastHandle()

	h.Emit(protocol.ConnectionUpdate{QRCode: "pair-me"})
	s.Eventually(func() bool { return sess.QR() == "pair-me" }, waitFor, tick)
	s.Equal(StatusConnecting, sess.Status())

	h.SetUser(&protocol.UserInfo{ID: "628123@s.net", Name: "Tester"})
	h.Emit(protocol.ConnectionUpdate{State: protocol.ConnStateOpen})

	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)
	s.Empty(sess.QR())
	s.Require().NotNil(sess.User())
	s.Equal("628123@s.net", sess.User().ID)
}

// TestReconnectOnClose tests that a dropped connection reconnects and the
// retry budget resets once the new connection opens.
func (s *SessionSuite) TestReconnectOnClose() {
	sess := s.newSession("s1")
	sess.Start(s.ctx)

	h := s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	h.Emit(protocol.ConnectionUpdate{State: protocol.ConnStateClose, StatusCode: 503})
	h.EndEvents()

	s.Eventually(func() bool { return s.client.Connects() == 2 }, waitFor, tick)
	s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	sess.mu.Lock()
	retries := sess.retryCount
	sess.mu.Unlock()
	s.Zero(retries)
}

// TestConnectErrorParksInError tests a failed connect does not auto-retry.
func (s *SessionSuite) TestConnectErrorParksInError() {
	s.client.FailConnects(errors.New("network down"))

	sess := s.newSession("s1")
	sess.Start(s.ctx)

	s.Eventually(func() bool { return sess.Status() == StatusError }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.client.Connects())
}

// TestRetriesExhaust tests that repeated connection drops park the session
// in failed after the retry budget.
func (s *SessionSuite) TestRetriesExhaust() {
	sess := s.newSession("s1")
	sess.Start(s.ctx)

	for i := 1; i <= MaxRetries+1; i++ {
		s.Require().Eventually(func() bool { return s.client.Connects() == i }, waitFor, tick)
		h := s.client.LastHandle()
		h.Emit(protocol.ConnectionUpdate{State: protocol.ConnStateClose, StatusCode: 503})
		h.EndEvents()
	}

	s.Eventually(func() bool { return sess.Status() == StatusFailed }, waitFor, tick)
	// No further attempts once the budget is spent.
	time.Sleep(20 * time.Millisecond)
	s.Equal(MaxRetries+1, s.client.Connects())

	// The counter reset leaves a fresh budget for a manual restart.
	sess.mu.Lock()
	retries := sess.retryCount
	sess.mu.Unlock()
	s.Zero(retries)
}

// TestLogoutCancelsPendingReconnect tests that logout stops an armed
// reconnect timer instead of racing it.
func (s *SessionSuite) TestLogoutCancelsPendingReconnect() {
	sess := s.newSession("s1")
	sess.backoffBase = time.Hour
	sess.backoffCap = time.Hour
	sess.Start(s.ctx)

	h := s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	h.Emit(protocol.ConnectionUpdate{State: protocol.ConnStateClose, StatusCode: 503})
	h.EndEvents()
	s.Eventually(func() bool { return sess.Status() == StatusDisconnected }, waitFor, tick)
	before := s.client.Connects()

	sess.Logout(s.ctx)

	time.Sleep(20 * time.Millisecond)
	s.Equal(before, s.client.Connects())
	s.Equal(StatusDisconnected, sess.Status())
}

// TestRemoteLogoutWipesCredentials tests the far-end logout path.
func (s *SessionSuite) TestRemoteLogoutWipesCredentials() {
	credsDir := filepath.Join(s.tempDir, "sessions", "s1")
	s.Require().NoError(os.MkdirAll(credsDir, 0o755))
	s.Require().NoError(os.WriteFile(filepath.Join(credsDir, "creds.json"), []byte("{}"), 0o644))

	sess := s.newSession("s1")
	sess.Start(s.ctx)

	h := s.openLastHandle(&protocol.UserInfo{ID: "u1"})
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	h.Emit(protocol.ConnectionUpdate{State: protocol.ConnStateClose, LoggedOut: true})

	s.Eventually(func() bool { return sess.Status() == StatusLoggedOut }, waitFor, tick)
	s.NoDirExists(credsDir)
	s.Nil(sess.User())

	// No reconnect follows a remote logout.
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.client.Connects())
}

// TestLogoutIgnoresProtocolError tests teardown completes even when the far
// end rejects the logout.
func (s *SessionSuite) TestLogoutIgnoresProtocolError() {
	credsDir := filepath.Join(s.tempDir, "sessions", "s1")
	s.Require().NoError(os.MkdirAll(credsDir, 0o755))

	sess := s.newSession("s1")
	sess.Start(s.ctx)

	h := s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)
	h.FailLogout(errors.New("stream closed"))

	sess.Logout(s.ctx)

	s.Equal(1, h.Logouts())
	s.Equal(StatusDisconnected, sess.Status())
	s.NoDirExists(credsDir)

	// Idempotent.
	sess.Logout(s.ctx)
	s.Equal(1, h.Logouts())
}

// TestSendText tests message sending and the not-connected guard.
func (s *SessionSuite) TestSendText() {
	sess := s.newSession("s1")

	_, err := sess.SendText(s.ctx, "628@s.net", "hi")
	s.Error(err)

	sess.Start(s.ctx)
	h := s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	id, err := sess.SendText(s.ctx, "628@s.net", "hi")
	s.NoError(err)
	s.Equal("fake-msg-1", id)

	sent := h.Sent()
	s.Require().Len(sent, 1)
	s.Equal("628@s.net", sent[0].To)
	s.Equal(protocol.MessageText, sent[0].Msg.Type)
	s.Equal("hi", sent[0].Msg.Text)
}

// hookRecorder captures webhook deliveries by event name.
type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *hookRecorder) serve(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	var env struct {
		Event string `json:"event"`
	}
	_ = json.Unmarshal(body, &env)
	r.mu.Lock()
	r.events = append(r.events, env.Event)
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *hookRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// TestWebhookFiltering tests that a session configured for one event type
// delivers exactly that type, and an unconfigured session delivers nothing.
func (s *SessionSuite) TestWebhookFiltering() {
	rec := &hookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.serve))
	defer srv.Close()

	s.Require().NoError(s.webhooks.SetConfig("s1", webhook.Config{
		WebhookURL: srv.URL,
		Events:     []string{"messages.upsert"},
	}))

	sess := s.newSession("s1")
	sess.Start(s.ctx)
	h := s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	h.Emit(protocol.MessagesUpsert{
		Notify:   true,
		Messages: []protocol.InboundMessage{{ID: "m1", From: "628@s.net", MessageType: "text", Text: "hi"}},
	})
	h.Emit(protocol.PresenceUpdate{From: "628@s.net", Presence: "composing"})

	s.Eventually(func() bool { return len(rec.recorded()) == 1 }, waitFor, tick)
	s.Equal([]string{"messages.upsert"}, rec.recorded())

	// A session with no config never reaches the endpoint.
	other := s.newSession("s2")
	other.Start(s.ctx)
	s.Require().Eventually(func() bool { return s.client.Connects() == 2 }, waitFor, tick)
	h2 := s.client.LastHandle()
	h2.Emit(protocol.ConnectionUpdate{State: protocol.ConnStateOpen})
	s.Eventually(func() bool { return other.Status() == StatusConnected }, waitFor, tick)
	h2.Emit(protocol.MessagesUpsert{
		Notify:   true,
		Messages: []protocol.InboundMessage{{ID: "m2", From: "629@s.net", MessageType: "text"}},
	})

	time.Sleep(50 * time.Millisecond)
	s.Equal([]string{"messages.upsert"}, rec.recorded())
}

// TestInboundMediaSaved tests attachments land in the media directory.
func (s *SessionSuite) TestInboundMediaSaved() {
	sess := s.newSession("s1")
	sess.Start(s.ctx)
	h := s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	h.Emit(protocol.MessagesUpsert{
		Notify: true,
		Messages: []protocol.InboundMessage{{
			ID:          "m1",
			From:        "628@s.net",
			MessageType: "image",
			MediaData:   []byte{0xFF, 0xD8},
			MediaName:   "photo.jpg",
		}},
	})

	mediaPath := filepath.Join(s.tempDir, "media", "s1", "photo.jpg")
	s.Eventually(func() bool {
		_, err := os.Stat(mediaPath)
		return err == nil
	}, waitFor, tick)
}

// TestMessagesUpdateAdvancesLog tests wire status codes land in the
// outgoing-message log.
func (s *SessionSuite) TestMessagesUpdateAdvancesLog() {
	store, err := db.NewStore(db.Config{
		Path:     filepath.Join(s.tempDir, "test.db"),
		MaxConns: 2,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	defer store.Close()
	logs := db.NewLogStore(store)

	s.Require().NoError(logs.LogOutgoing(s.ctx, &db.OutgoingMessage{
		SessionID: "s1",
		Recipient: "628@s.net",
		MessageID: sql.NullString{String: "prov-1", Valid: true},
		Status:    db.StatusSent,
	}))

	sess := s.newSession("s1")
	sess.SetLogStore(logs)
	sess.Start(s.ctx)
	h := s.openLastHandle(nil)
	s.Eventually(func() bool { return sess.Status() == StatusConnected }, waitFor, tick)

	h.Emit(protocol.MessagesUpdate{Updates: []protocol.MessageStatusUpdate{
		{MessageID: "prov-1", Status: protocol.StatusDelivered},
	}})

	s.Eventually(func() bool {
		msg, err := logs.GetMessageByID(s.ctx, "prov-1")
		return err == nil && msg != nil && msg.Status == db.StatusDelivered
	}, waitFor, tick)
}
