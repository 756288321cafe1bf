package db

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// Outgoing message delivery statuses. Status only moves forward along
// pending -> sent -> delivered -> read, or jumps to failed from any state.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Setting keys seeded at migration time.
const (
	SettingLoggingEnabled = "logging_enabled"
	SettingRetentionDays  = "retention_days"
	SettingMaxRecords     = "max_records"
)

// OutgoingMessage records one send attempt through the REST surface.
type OutgoingMessage struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string         `gorm:"column:session_id;index;not null" json:"session_id"`
	Recipient      string         `gorm:"not null" json:"recipient"`
	MessageType    string         `gorm:"not null;default:'text'" json:"message_type"`
	Content        sql.NullString `json:"content"`
	MessageID      sql.NullString `gorm:"column:message_id;index" json:"message_id"`
	Status         string         `gorm:"type:text;check:status IN ('pending','sent','delivered','read','failed');default:'pending';index" json:"status"`
	APIEndpoint    sql.NullString `gorm:"column:api_endpoint" json:"api_endpoint"`
	APIStatus      sql.NullInt64  `gorm:"column:api_status" json:"api_status"`
	APIResponse    sql.NullString `gorm:"column:api_response" json:"api_response"`
	Error          sql.NullString `json:"error"`
	CreatedAt      string         `gorm:"not null" json:"created_at"`
	CreatedAtEpoch int64          `gorm:"index:idx_outgoing_created,sort:desc;not null" json:"created_at_epoch"`
	UpdatedAt      string         `gorm:"not null" json:"updated_at"`
	UpdatedAtEpoch int64          `gorm:"not null" json:"updated_at_epoch"`
}

func (OutgoingMessage) TableName() string { return "outgoing_messages" }

// BeforeCreate hook to ensure timestamps and defaults are set.
func (m *OutgoingMessage) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = now.UnixMilli()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = now.Format(time.RFC3339)
	}
	if m.UpdatedAtEpoch == 0 {
		m.UpdatedAtEpoch = m.CreatedAtEpoch
	}
	if m.UpdatedAt == "" {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	return nil
}

// LiveEvent is one row in the append-only operational event log.
type LiveEvent struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string         `gorm:"column:session_id;index;not null" json:"session_id"`
	EventType      string         `gorm:"column:event_type;index;not null" json:"event_type"`
	Message        string         `gorm:"not null" json:"message"`
	Data           sql.NullString `json:"data"`
	CreatedAt      string         `gorm:"not null" json:"created_at"`
	CreatedAtEpoch int64          `gorm:"index:idx_events_created,sort:desc;not null" json:"created_at_epoch"`
}

func (LiveEvent) TableName() string { return "live_events" }

// BeforeCreate hook to ensure timestamps are set.
func (e *LiveEvent) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if e.CreatedAtEpoch == 0 {
		e.CreatedAtEpoch = now.UnixMilli()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = now.Format(time.RFC3339)
	}
	return nil
}

// WebhookDelivery is one row per webhook HTTP delivery attempt.
type WebhookDelivery struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string         `gorm:"column:session_id;index;not null" json:"session_id"`
	EventType      string         `gorm:"column:event_type;not null" json:"event_type"`
	WebhookURL     string         `gorm:"column:webhook_url;not null" json:"webhook_url"`
	Success        bool           `gorm:"index;not null" json:"success"`
	StatusCode     sql.NullInt64  `gorm:"column:status_code" json:"status_code"`
	Payload        sql.NullString `json:"payload"`
	Response       sql.NullString `json:"response"`
	Error          sql.NullString `json:"error"`
	CreatedAt      string         `gorm:"not null" json:"created_at"`
	CreatedAtEpoch int64          `gorm:"index:idx_webhook_created,sort:desc;not null" json:"created_at_epoch"`
}

func (WebhookDelivery) TableName() string { return "webhook_history" }

// BeforeCreate hook to ensure timestamps are set.
func (d *WebhookDelivery) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if d.CreatedAtEpoch == 0 {
		d.CreatedAtEpoch = now.UnixMilli()
	}
	if d.CreatedAt == "" {
		d.CreatedAt = now.Format(time.RFC3339)
	}
	return nil
}

// Setting is a key/value row in the flat settings table.
type Setting struct {
	Key       string `gorm:"primaryKey;type:text" json:"key"`
	Value     string `gorm:"not null" json:"value"`
	UpdatedAt string `gorm:"not null" json:"updated_at"`
}

func (Setting) TableName() string { return "settings" }

// BeforeCreate hook to ensure timestamp is set.
func (s *Setting) BeforeCreate(tx *gorm.DB) error {
	if s.UpdatedAt == "" {
		s.UpdatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}
