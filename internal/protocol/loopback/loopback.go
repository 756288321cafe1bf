// Package loopback provides an in-process protocol client for local
// development and demos. Connections pair instantly when credentials exist
// and otherwise emit one QR artifact before opening; sends are acknowledged
// and echoed back as inbound messages.
package loopback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirimkan/gateway/internal/protocol"
)

const credsFile = "creds.json"

// Client implements protocol.Client against no network at all.
type Client struct{}

// New creates a loopback client.
func New() *Client {
	return &Client{}
}

// Connect implements protocol.Client. A session with stored credentials
// opens immediately; a fresh one walks the QR pairing flow first.
func (c *Client) Connect(ctx context.Context, credsDir string) (protocol.Handle, error) {
	if err := os.MkdirAll(credsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}

	h := &handle{
		client:   c,
		credsDir: credsDir,
		events:   make(chan protocol.Event, 64),
		user: &protocol.UserInfo{
			ID:   "loopback@local",
			Name: "Loopback",
		},
	}

	paired := true
	if _, err := os.Stat(filepath.Join(credsDir, credsFile)); os.IsNotExist(err) {
		paired = false
	}

	go h.open(paired)
	return h, nil
}

func (c *Client) nextMessageID() string {
	return "loopback-" + uuid.NewString()
}

// handle is one loopback connection.
type handle struct {
	client   *Client
	credsDir string
	user     *protocol.UserInfo

	mu     sync.Mutex
	events chan protocol.Event
	closed bool
}

// open walks the pairing flow and opens the connection.
func (h *handle) open(paired bool) {
	if !paired {
		h.emit(protocol.ConnectionUpdate{QRCode: "loopback-pairing-code"})
		// Auto-scan after a beat so local flows do not stall.
		time.Sleep(200 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(h.credsDir, credsFile), []byte("{}"), 0o644)
	}
	h.emit(protocol.ConnectionUpdate{State: protocol.ConnStateOpen})
}

func (h *handle) emit(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

// Events implements protocol.Handle.
func (h *handle) Events() <-chan protocol.Event {
	return h.events
}

// SendMessage implements protocol.Handle. The message is acknowledged and
// echoed back as live inbound traffic so the whole dispatch path lights up.
func (h *handle) SendMessage(ctx context.Context, to string, msg protocol.Message) (string, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", fmt.Errorf("connection closed")
	}

	id := h.client.nextMessageID()

	go func() {
		h.emit(protocol.MessagesUpdate{Updates: []protocol.MessageStatusUpdate{
			{MessageID: id, Status: protocol.StatusDelivered},
		}})
		h.emit(protocol.MessagesUpsert{
			Notify: true,
			Messages: []protocol.InboundMessage{{
				ID:          h.client.nextMessageID(),
				From:        to,
				MessageType: protocol.MessageText,
				Text:        "echo: " + msg.Text,
			}},
		})
	}()

	return id, nil
}

// Logout implements protocol.Handle.
func (h *handle) Logout(ctx context.Context) error {
	err := os.Remove(filepath.Join(h.credsDir, credsFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close implements protocol.Handle.
func (h *handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

// User implements protocol.Handle.
func (h *handle) User() *protocol.UserInfo {
	return h.user
}
