// Package protocoltest provides a scripted in-memory protocol client for
// exercising session lifecycle and dispatch logic without a real network.
package protocoltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kirimkan/gateway/internal/protocol"
)

// SentMessage records one SendMessage call on a fake handle.
type SentMessage struct {
	To  string
	Msg protocol.Message
}

// FakeClient hands out FakeHandles and records connect attempts.
type FakeClient struct {
	mu         sync.Mutex
	handles    []*FakeHandle
	connectErr error
	connects   int
}

// NewFakeClient creates a fake client.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// FailConnects makes subsequent Connect calls return err (nil to clear).
func (c *FakeClient) FailConnects(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// Connect implements protocol.Client.
func (c *FakeClient) Connect(ctx context.Context, credsDir string) (protocol.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	h := &FakeHandle{
		events:   make(chan protocol.Event, 64),
		credsDir: credsDir,
	}
	c.handles = append(c.handles, h)
	return h, nil
}

// Connects returns how many times Connect was called.
func (c *FakeClient) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Handles returns every handle handed out so far.
func (c *FakeClient) Handles() []*FakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FakeHandle, len(c.handles))
	copy(out, c.handles)
	return out
}

// LastHandle returns the most recently created handle, or nil.
func (c *FakeClient) LastHandle() *FakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

// FakeHandle is a scripted protocol.Handle.
type FakeHandle struct {
	mu        sync.Mutex
	events    chan protocol.Event
	credsDir  string
	user      *protocol.UserInfo
	sent      []SentMessage
	sendErr   error
	logoutErr error
	logouts   int
	closed    bool
	nextID    int
}

// Emit queues an event for the session's event loop.
func (h *FakeHandle) Emit(ev protocol.Event) {
	h.events <- ev
}

// EndEvents closes the event stream, as a real handle does on teardown.
func (h *FakeHandle) EndEvents() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

// SetUser sets the identity reported by User().
func (h *FakeHandle) SetUser(u *protocol.UserInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.user = u
}

// FailSends makes SendMessage return err (nil to clear).
func (h *FakeHandle) FailSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// FailLogout makes Logout return err (nil to clear).
func (h *FakeHandle) FailLogout(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logoutErr = err
}

// Sent returns every recorded SendMessage call.
func (h *FakeHandle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SentMessage, len(h.sent))
	copy(out, h.sent)
	return out
}

// Closed reports whether the handle's event stream has been shut down.
func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Logouts returns how many times Logout was called.
func (h *FakeHandle) Logouts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logouts
}

// CredsDir returns the credentials directory the handle was opened with.
func (h *FakeHandle) CredsDir() string {
	return h.credsDir
}

// Events implements protocol.Handle.
func (h *FakeHandle) Events() <-chan protocol.Event {
	return h.events
}

// SendMessage implements protocol.Handle.
func (h *FakeHandle) SendMessage(ctx context.Context, to string, msg protocol.Message) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return "", h.sendErr
	}
	h.nextID++
	h.sent = append(h.sent, SentMessage{To: to, Msg: msg})
	return fmt.Sprintf("fake-msg-%d", h.nextID), nil
}

// Logout implements protocol.Handle.
func (h *FakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logouts++
	return h.logoutErr
}

// Close implements protocol.Handle.
func (h *FakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

// User implements protocol.Handle.
func (h *FakeHandle) User() *protocol.UserInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.user
}
