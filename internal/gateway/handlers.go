package gateway

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/kirimkan/gateway/internal/db"
	"github.com/kirimkan/gateway/internal/gateway/sse"
	"github.com/kirimkan/gateway/internal/gateway/webhook"
)

// pagination echoes the window applied to a list response.
type pagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": fmt.Sprintf(format, args...),
	})
}

// queryOptions parses the shared sessionId/eventType/limit/offset query
// params used by the log endpoints.
func queryOptions(r *http.Request) db.QueryOptions {
	q := r.URL.Query()
	opts := db.QueryOptions{
		SessionID: q.Get("sessionId"),
		EventType: q.Get("eventType"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		opts.Offset = n
	}
	return opts
}

// ---- sessions ----

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if _, err := s.sessions.CreateSession(r.Context(), req.SessionID, true); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create session: %v", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"sessionId": req.SessionID,
		"message":   "session created",
	})
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": s.sessions.GetAllSessions(),
	})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	sess, ok := s.sessions.GetSession(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": map[string]interface{}{
			"id":     sess.ID(),
			"status": sess.Status(),
			"user":   sess.User(),
			"qr":     sess.QR(),
		},
	})
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if !s.sessions.DeleteSession(r.Context(), id) {
		s.writeError(w, http.StatusNotFound, "session %s not found", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "session deleted",
	})
}

// ---- webhooks ----

func (s *Service) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	cfg, ok := s.webhooks.GetConfig(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no webhook configured for session %s", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"webhook": cfg,
	})
}

func (s *Service) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")

	var cfg webhook.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if cfg.WebhookURL == "" {
		s.writeError(w, http.StatusBadRequest, "webhookUrl is required")
		return
	}

	if err := s.webhooks.SetConfig(id, cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save webhook config: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "webhook configured",
	})
}

func (s *Service) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if err := s.webhooks.RemoveConfig(id); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to remove webhook config: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "webhook removed",
	})
}

// ---- messages ----

func (s *Service) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		To        string `json:"to"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if req.SessionID == "" || req.To == "" || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId, to and text are required")
		return
	}

	sess, ok := s.sessions.GetSession(req.SessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session %s not found", req.SessionID)
		return
	}

	record := &db.OutgoingMessage{
		SessionID:   req.SessionID,
		Recipient:   req.To,
		MessageType: "text",
		Content:     sql.NullString{String: req.Text, Valid: true},
		APIEndpoint: sql.NullString{String: "/api/messages/send-text", Valid: true},
	}

	messageID, err := sess.SendText(r.Context(), req.To, req.Text)
	if err != nil {
		record.Status = db.StatusFailed
		record.Error = sql.NullString{String: err.Error(), Valid: true}
		record.APIStatus = sql.NullInt64{Int64: http.StatusBadGateway, Valid: true}
		s.logOutgoing(r, record)
		s.writeError(w, http.StatusBadGateway, "send failed: %v", err)
		return
	}

	record.Status = db.StatusSent
	record.MessageID = sql.NullString{String: messageID, Valid: true}
	record.APIStatus = sql.NullInt64{Int64: http.StatusOK, Valid: true}
	s.logOutgoing(r, record)

	s.broadcaster.Broadcast(sse.EventOutgoing, map[string]string{
		"sessionId": req.SessionID,
		"messageId": messageID,
		"to":        req.To,
		"status":    db.StatusSent,
	})

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messageId": messageID,
	})
}

// logOutgoing appends a send attempt to the outgoing log. Best-effort.
func (s *Service) logOutgoing(r *http.Request, record *db.OutgoingMessage) {
	if err := s.logs.LogOutgoing(r.Context(), record); err != nil {
		log.Error().Err(err).Str("sessionId", record.SessionID).Msg("Failed to log outgoing message")
	}
}

func (s *Service) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	msg, err := s.logs.GetMessageByID(r.Context(), messageID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "lookup failed: %v", err)
		return
	}
	if msg == nil {
		s.writeError(w, http.StatusNotFound, "message %s not found", messageID)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": msg,
	})
}

// ---- logs ----

func (s *Service) handleListEvents(w http.ResponseWriter, r *http.Request) {
	opts := queryOptions(r)
	rows, total, err := s.logs.ListEvents(r.Context(), opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	s.writeList(w, rows, total, opts)
}

func (s *Service) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.logs.ClearEvents(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "clear failed: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": deleted})
}

func (s *Service) handleListOutgoing(w http.ResponseWriter, r *http.Request) {
	opts := queryOptions(r)
	rows, total, err := s.logs.ListOutgoing(r.Context(), opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	s.writeList(w, rows, total, opts)
}

func (s *Service) handleClearOutgoing(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.logs.ClearOutgoing(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "clear failed: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": deleted})
}

func (s *Service) handlePatchOutgoing(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		s.writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	updated, err := s.logs.UpdateMessageStatus(r.Context(), messageID, req.Status)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"updated": updated,
	})
}

func (s *Service) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	opts := queryOptions(r)
	rows, total, err := s.logs.ListDeliveries(r.Context(), opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	s.writeList(w, rows, total, opts)
}

func (s *Service) handleClearDeliveries(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.logs.ClearDeliveries(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "clear failed: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": deleted})
}

// writeList writes the shared list envelope.
func (s *Service) writeList(w http.ResponseWriter, rows interface{}, total int64, opts db.QueryOptions) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       rows,
		"pagination": pagination{Total: total, Limit: limit, Offset: opts.Offset},
	})
}

// ---- log settings and retention ----

// settableKeys are the settings the API accepts.
var settableKeys = map[string]bool{
	db.SettingLoggingEnabled: true,
	db.SettingRetentionDays:  true,
	db.SettingMaxRecords:     true,
}

func (s *Service) handleGetLogSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.logs.AllSettings(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": settings,
	})
}

func (s *Service) handleSetLogSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req) == 0 {
		s.writeError(w, http.StatusBadRequest, "settings body is required")
		return
	}

	for key := range req {
		if !settableKeys[key] {
			s.writeError(w, http.StatusBadRequest, "unknown setting %q", key)
			return
		}
	}
	for key, value := range req {
		if err := s.logs.SetSetting(r.Context(), key, value); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to save %s: %v", key, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "settings updated",
	})
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.logs.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cleanup failed: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": deleted,
	})
}

// ---- health ----

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.ready.Load() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"ready":   s.ready.Load(),
		"uptime":  time.Since(s.startTime).String(),
	})
}
