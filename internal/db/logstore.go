package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// statusRank orders the forward-only delivery states. StatusFailed is not
// ranked; it is reachable from any state.
var statusRank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// QueryOptions filters paginated log queries.
type QueryOptions struct {
	SessionID string
	EventType string
	Limit     int
	Offset    int
}

func (o QueryOptions) limit() int {
	if o.Limit <= 0 {
		return 100
	}
	return o.Limit
}

// LogStore provides append, query and retention operations over the three
// log tables and the settings table.
type LogStore struct {
	db *gorm.DB
}

// NewLogStore creates a new log store.
func NewLogStore(store *Store) *LogStore {
	return &LogStore{db: store.DB}
}

// ---- outgoing messages ----

// LogOutgoing appends one outgoing-message record.
func (s *LogStore) LogOutgoing(ctx context.Context, msg *OutgoingMessage) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// UpdateMessageStatus advances the delivery status of the message with the
// given provider message id. Status only moves forward; "failed" is allowed
// from any state. Returns false when no row matched or the transition was
// not an advance.
func (s *LogStore) UpdateMessageStatus(ctx context.Context, messageID, status string) (bool, error) {
	if _, ok := statusRank[status]; !ok && status != StatusFailed {
		return false, fmt.Errorf("unknown status %q", status)
	}

	var msg OutgoingMessage
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if status != StatusFailed {
		if cur, ok := statusRank[msg.Status]; ok && statusRank[status] <= cur {
			return false, nil
		}
		if msg.Status == StatusFailed {
			return false, nil
		}
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&OutgoingMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"status":           status,
			"updated_at":       now.Format(time.RFC3339),
			"updated_at_epoch": now.UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetMessageByID retrieves an outgoing message by provider message id.
// Returns nil when no row matches.
func (s *LogStore) GetMessageByID(ctx context.Context, messageID string) (*OutgoingMessage, error) {
	var msg OutgoingMessage
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListOutgoing returns a page of outgoing messages, newest first, plus the
// total row count for the filter.
func (s *LogStore) ListOutgoing(ctx context.Context, opts QueryOptions) ([]OutgoingMessage, int64, error) {
	q := s.db.WithContext(ctx).Model(&OutgoingMessage{})
	if opts.SessionID != "" {
		q = q.Where("session_id = ?", opts.SessionID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []OutgoingMessage
	err := q.Order("created_at_epoch DESC").Limit(opts.limit()).Offset(opts.Offset).Find(&rows).Error
	return rows, total, err
}

// ClearOutgoing deletes outgoing messages, optionally scoped to a session.
// Returns the number of deleted rows.
func (s *LogStore) ClearOutgoing(ctx context.Context, sessionID string) (int64, error) {
	return s.clear(ctx, &OutgoingMessage{}, sessionID)
}

// ---- live events ----

// LogEvent appends one live-event row. The data payload is serialized to
// JSON; a nil payload stores NULL.
func (s *LogStore) LogEvent(ctx context.Context, sessionID, eventType, message string, data interface{}) error {
	row := &LiveEvent{
		SessionID: sessionID,
		EventType: eventType,
		Message:   message,
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to encode event data")
		} else {
			row.Data = sql.NullString{String: string(encoded), Valid: true}
		}
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// ListEvents returns a page of live events, newest first, plus the total
// row count for the filter.
func (s *LogStore) ListEvents(ctx context.Context, opts QueryOptions) ([]LiveEvent, int64, error) {
	q := s.db.WithContext(ctx).Model(&LiveEvent{})
	if opts.SessionID != "" {
		q = q.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		q = q.Where("event_type = ?", opts.EventType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []LiveEvent
	err := q.Order("created_at_epoch DESC").Limit(opts.limit()).Offset(opts.Offset).Find(&rows).Error
	return rows, total, err
}

// ClearEvents deletes live events, optionally scoped to a session.
func (s *LogStore) ClearEvents(ctx context.Context, sessionID string) (int64, error) {
	return s.clear(ctx, &LiveEvent{}, sessionID)
}

// ---- webhook history ----

// LogDelivery appends one webhook delivery record.
func (s *LogStore) LogDelivery(ctx context.Context, rec *WebhookDelivery) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// ListDeliveries returns a page of webhook history, newest first, plus the
// total row count for the filter.
func (s *LogStore) ListDeliveries(ctx context.Context, opts QueryOptions) ([]WebhookDelivery, int64, error) {
	q := s.db.WithContext(ctx).Model(&WebhookDelivery{})
	if opts.SessionID != "" {
		q = q.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		q = q.Where("event_type = ?", opts.EventType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []WebhookDelivery
	err := q.Order("created_at_epoch DESC").Limit(opts.limit()).Offset(opts.Offset).Find(&rows).Error
	return rows, total, err
}

// ClearDeliveries deletes webhook history, optionally scoped to a session.
func (s *LogStore) ClearDeliveries(ctx context.Context, sessionID string) (int64, error) {
	return s.clear(ctx, &WebhookDelivery{}, sessionID)
}

func (s *LogStore) clear(ctx context.Context, model interface{}, sessionID string) (int64, error) {
	q := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	res := q.Delete(model)
	return res.RowsAffected, res.Error
}

// ---- settings ----

// GetSetting returns the value for a settings key, or "" when absent.
func (s *LogStore) GetSetting(ctx context.Context, key string) (string, error) {
	var row Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetSetting upserts a settings key.
func (s *LogStore) SetSetting(ctx context.Context, key, value string) error {
	row := Setting{Key: key, Value: value, UpdatedAt: time.Now().Format(time.RFC3339)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// AllSettings returns every settings row as a map.
func (s *LogStore) AllSettings(ctx context.Context) (map[string]string, error) {
	var rows []Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// settingInt reads an integer setting with a fallback default.
func (s *LogStore) settingInt(ctx context.Context, key string, def int) int {
	val, err := s.GetSetting(ctx, key)
	if err != nil || val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ---- retention ----

// logTables are the tables subject to the retention sweep.
var logTables = []string{"outgoing_messages", "live_events", "webhook_history"}

// Cleanup deletes rows older than retention_days and caps each log table at
// the newest max_records rows. Returns the total number of deleted rows.
func (s *LogStore) Cleanup(ctx context.Context) (int64, error) {
	retentionDays := s.settingInt(ctx, SettingRetentionDays, 30)
	maxRecords := s.settingInt(ctx, SettingMaxRecords, 10000)

	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()

	var deleted int64
	for _, table := range logTables {
		res := s.db.WithContext(ctx).Exec(
			fmt.Sprintf("DELETE FROM %s WHERE created_at_epoch < ?", table), cutoff)
		if res.Error != nil {
			return deleted, fmt.Errorf("age sweep %s: %w", table, res.Error)
		}
		deleted += res.RowsAffected

		res = s.db.WithContext(ctx).Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE id NOT IN (
				SELECT id FROM %s ORDER BY created_at_epoch DESC LIMIT ?
			)`, table, table), maxRecords)
		if res.Error != nil {
			return deleted, fmt.Errorf("cap sweep %s: %w", table, res.Error)
		}
		deleted += res.RowsAffected
	}

	log.Info().Int64("deleted", deleted).Int("retentionDays", retentionDays).
		Int("maxRecords", maxRecords).Msg("Retention cleanup completed")
	return deleted, nil
}
