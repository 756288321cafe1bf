// Package protocol declares the capability surface the gateway expects from
// a chat-network client. The concrete client (pairing, encryption, wire
// format) lives behind these interfaces; the gateway only consumes typed
// events and a handful of operations.
package protocol

import "context"

// Client opens connections to the chat network.
type Client interface {
	// Connect opens a connection using the credentials stored in credsDir.
	// An empty or missing directory starts a fresh pairing cycle.
	Connect(ctx context.Context, credsDir string) (Handle, error)
}

// Handle is one live connection. Events are delivered in the order the
// network emits them; the channel is closed when the connection ends.
type Handle interface {
	Events() <-chan Event
	SendMessage(ctx context.Context, to string, msg Message) (string, error)
	Logout(ctx context.Context) error
	Close()
	User() *UserInfo
}

// UserInfo is the identity the network reports once a connection opens.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is an outgoing message payload.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageType values for Message.Type.
const (
	MessageText     = "text"
	MessageLocation = "location"
)
