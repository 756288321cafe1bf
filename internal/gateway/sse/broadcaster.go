// Package sse provides the gateway's live channel: Server-Sent Events
// broadcasting with optional per-session rooms.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	// Prevents blocking on stale connections.
	WriteTimeout = 2 * time.Second
)

// Live-channel event names. These are the wire names dashboard clients
// subscribe to.
const (
	EventSessionStatus   = "session:status"
	EventSessionQR       = "session:qr"
	EventSessionReady    = "session:ready"
	EventSessionUpdate   = "session:update"
	EventSessionCreated  = "session:created"
	EventSessionDeleted  = "session:deleted"
	EventLog             = "event:log"
	EventMessageReceived = "message:received"
	EventMessageStatus   = "message:status"
	EventWebhookSent     = "webhook:sent"
	EventOutgoing        = "outgoing:message"
)

// RoomForSession returns the room name scoping events to one session.
func RoomForSession(sessionID string) string {
	return "session:" + sessionID
}

// Client represents a connected SSE client. A client with a non-empty room
// additionally receives room-scoped broadcasts for that room; every client
// receives global broadcasts.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	Room    string
}

// Broadcaster manages SSE client connections and message broadcasting.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient adds a new SSE client connection subscribed to an optional room.
func (b *Broadcaster) AddClient(w http.ResponseWriter, room string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
		Room:    room,
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", id).
		Str("room", room).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client, nil
}

// RemoveClient removes a client connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	close(client.Done)

	log.Debug().
		Str("clientId", client.ID).
		Int("totalClients", clientCount).
		Msg("SSE client disconnected")
}

// removeClientByID removes a client by ID (for dead client cleanup).
func (b *Broadcaster) removeClientByID(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	b.mu.Unlock()

	if exists && client.Done != nil {
		select {
		case <-client.Done:
			// Already closed
		default:
			close(client.Done)
		}
	}
}

// Broadcast sends a named event to all connected clients.
func (b *Broadcaster) Broadcast(event string, data interface{}) {
	b.send(event, data, "")
}

// BroadcastRoom sends a named event only to clients subscribed to room.
func (b *Broadcaster) BroadcastRoom(room, event string, data interface{}) {
	b.send(event, data, room)
}

// send fans the message out with non-blocking writes so a stale connection
// cannot hold up the rest.
func (b *Broadcaster) send(event string, data interface{}, room string) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal SSE data")
		return
	}

	message := fmt.Sprintf("event: %s\ndata: %s\n\n", event, jsonData)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		if room != "" && client.Room != room {
			continue
		}
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	deadClientsCh := make(chan string, len(clients))
	var wg sync.WaitGroup

	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				b.writeToClient(c, message, deadClientsCh)
			}(client)
		}
	}

	wg.Wait()
	close(deadClientsCh)

	for clientID := range deadClientsCh {
		b.removeClientByID(clientID)
	}
}

// writeToClient writes a message to a single client with timeout.
func (b *Broadcaster) writeToClient(client *Client, message string, deadCh chan<- string) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, err := client.Writer.Write([]byte(message))
		if err != nil {
			log.Debug().
				Str("clientId", client.ID).
				Err(err).
				Msg("Failed to write to SSE client, marking for removal")
			deadCh <- client.ID
			return
		}
		client.Flusher.Flush()
	}()

	select {
	case <-done:
		// Write completed successfully
	case <-time.After(WriteTimeout):
		log.Warn().
			Str("clientId", client.ID).
			Dur("timeout", WriteTimeout).
			Msg("SSE write timed out, marking client for removal")
		deadCh <- client.ID
	case <-client.Done:
		// Client disconnected during write
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE handles an SSE connection request. A `session` query parameter
// subscribes the client to that session's room in addition to global events.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	room := ""
	if sid := r.URL.Query().Get("session"); sid != "" {
		room = RoomForSession(sid)
	}

	client, err := b.AddClient(w, room)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	// Send initial connection message
	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":\"%s\"}\n\n", client.ID)
	client.Flusher.Flush()

	// Wait for client disconnect
	<-r.Context().Done()
}
