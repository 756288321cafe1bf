package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/kirimkan/gateway/internal/db"
	"github.com/kirimkan/gateway/internal/gateway/sse"
	"github.com/kirimkan/gateway/internal/gateway/webhook"
	"github.com/kirimkan/gateway/internal/protocol"
)

// Info is the API-facing summary of one session.
type Info struct {
	ID     string             `json:"id"`
	Status Status             `json:"status"`
	User   *protocol.UserInfo `json:"user,omitempty"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Client       protocol.Client
	Broadcaster  *sse.Broadcaster
	Webhooks     *webhook.Sender
	SessionDir   string
	MediaDir     string
	RegistryPath string
}

// Manager owns the session map and the on-disk registry that lets sessions
// survive restarts.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logs     *db.LogStore

	client       protocol.Client
	broadcaster  *sse.Broadcaster
	webhooks     *webhook.Sender
	sessionDir   string
	mediaDir     string
	registryPath string
}

// NewManager creates a Manager. Call Restore to reconnect registered sessions.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		client:       opts.Client,
		broadcaster:  opts.Broadcaster,
		webhooks:     opts.Webhooks,
		sessionDir:   opts.SessionDir,
		mediaDir:     opts.MediaDir,
		registryPath: opts.RegistryPath,
	}
}

// SetLogStore late-binds the log store into the manager and every live
// session.
func (m *Manager) SetLogStore(logs *db.LogStore) {
	m.mu.Lock()
	m.logs = logs
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.SetLogStore(logs)
	}
}

// Restore reads the registry and starts every recorded session. A missing
// registry file means a fresh install, not an error.
func (m *Manager) Restore(ctx context.Context) error {
	data, err := os.ReadFile(m.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session registry: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("parse session registry: %w", err)
	}

	log.Info().Int("count", len(ids)).Msg("Restoring sessions from registry")
	for _, id := range ids {
		if _, err := m.CreateSession(ctx, id, true); err != nil {
			log.Error().Err(err).Str("sessionId", id).Msg("Failed to restore session")
		}
	}
	return nil
}

// CreateSession registers a session and, when start is true, connects it
// immediately. Creating an id that already exists replaces it: the old
// session is logged out first.
func (m *Manager) CreateSession(ctx context.Context, id string, start bool) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	s := New(Options{
		ID:          id,
		Client:      m.client,
		CredsDir:    filepath.Join(m.sessionDir, id),
		MediaDir:    filepath.Join(m.mediaDir, id),
		Broadcaster: m.broadcaster,
		Webhooks:    m.webhooks,
	})

	// Swap under one critical section so concurrent creates for the same id
	// each capture exactly the instance they displaced.
	m.mu.Lock()
	if m.logs != nil {
		s.SetLogStore(m.logs)
	}
	old := m.sessions[id]
	m.sessions[id] = s
	m.mu.Unlock()

	if old != nil {
		log.Warn().Str("sessionId", id).Msg("Session already exists, replacing")
		old.Logout(ctx)
	}

	if err := m.saveRegistry(); err != nil {
		log.Error().Err(err).Msg("Failed to persist session registry")
	}

	m.broadcaster.Broadcast(sse.EventSessionCreated, map[string]string{"sessionId": id})
	if start {
		s.Start(ctx)
	}
	return s, nil
}

// DeleteSession logs a session out, wipes its credentials and deregisters
// it. Returns false when no such session exists.
func (m *Manager) DeleteSession(ctx context.Context, id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.Logout(ctx)
	if err := m.saveRegistry(); err != nil {
		log.Error().Err(err).Msg("Failed to persist session registry")
	}

	m.broadcaster.Broadcast(sse.EventSessionDeleted, map[string]string{"sessionId": id})
	log.Info().Str("sessionId", id).Msg("Session deleted")
	return true
}

// GetSession returns a session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetAllSessions returns a summary of every registered session, ordered
// by id.
func (m *Manager) GetAllSessions() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{ID: s.ID(), Status: s.Status(), User: s.User()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll shuts every session's connection down without logging out, so
// credentials survive for the next start.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	log.Info().Int("count", len(sessions)).Msg("All sessions closed")
}

// saveRegistry rewrites the registry file with the current session ids.
func (m *Manager) saveRegistry() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.registryPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.registryPath, data, 0o644)
}
