package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"
)

// LogStoreSuite is a test suite for LogStore operations.
type LogStoreSuite struct {
	suite.Suite
	tempDir string
	store   *Store
	logs    *LogStore
	ctx     context.Context
}

func (s *LogStoreSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "logstore-test-*")
	s.Require().NoError(err)

	s.store, err = NewStore(Config{
		Path:     filepath.Join(s.tempDir, "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)

	s.logs = NewLogStore(s.store)
	s.ctx = context.Background()
}

func (s *LogStoreSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
	os.RemoveAll(s.tempDir)
}

func TestLogStoreSuite(t *testing.T) {
	suite.Run(t, new(LogStoreSuite))
}

// TestMigrationsSeedSettings verifies the settings defaults are seeded.
func (s *LogStoreSuite) TestMigrationsSeedSettings() {
	settings, err := s.logs.AllSettings(s.ctx)
	s.NoError(err)
	s.Equal("true", settings[SettingLoggingEnabled])
	s.Equal("30", settings[SettingRetentionDays])
	s.Equal("10000", settings[SettingMaxRecords])
}

// TestLogOutgoingAndLookup tests append plus lookup by provider message id.
func (s *LogStoreSuite) TestLogOutgoingAndLookup() {
	msg := &OutgoingMessage{
		SessionID:   "s1",
		Recipient:   "12345",
		MessageType: "text",
		Content:     sql.NullString{String: "hello", Valid: true},
		MessageID:   sql.NullString{String: "prov-1", Valid: true},
		Status:      StatusSent,
	}
	s.NoError(s.logs.LogOutgoing(s.ctx, msg))
	s.NotZero(msg.ID)
	s.NotEmpty(msg.CreatedAt)

	got, err := s.logs.GetMessageByID(s.ctx, "prov-1")
	s.NoError(err)
	s.Require().NotNil(got)
	s.Equal("s1", got.SessionID)
	s.Equal(StatusSent, got.Status)

	missing, err := s.logs.GetMessageByID(s.ctx, "nope")
	s.NoError(err)
	s.Nil(missing)
}

// TestUpdateMessageStatusForwardOnly tests the status state machine.
func (s *LogStoreSuite) TestUpdateMessageStatusForwardOnly() {
	msg := &OutgoingMessage{
		SessionID: "s1",
		Recipient: "12345",
		MessageID: sql.NullString{String: "prov-2", Valid: true},
		Status:    StatusSent,
	}
	s.Require().NoError(s.logs.LogOutgoing(s.ctx, msg))

	// Forward advance is applied.
	updated, err := s.logs.UpdateMessageStatus(s.ctx, "prov-2", StatusDelivered)
	s.NoError(err)
	s.True(updated)

	// Backward transition is ignored.
	updated, err = s.logs.UpdateMessageStatus(s.ctx, "prov-2", StatusPending)
	s.NoError(err)
	s.False(updated)

	got, err := s.logs.GetMessageByID(s.ctx, "prov-2")
	s.NoError(err)
	s.Equal(StatusDelivered, got.Status)

	// Failed is reachable from any state.
	updated, err = s.logs.UpdateMessageStatus(s.ctx, "prov-2", StatusFailed)
	s.NoError(err)
	s.True(updated)

	// Nothing advances out of failed.
	updated, err = s.logs.UpdateMessageStatus(s.ctx, "prov-2", StatusRead)
	s.NoError(err)
	s.False(updated)

	// Unknown status is rejected.
	_, err = s.logs.UpdateMessageStatus(s.ctx, "prov-2", "bogus")
	s.Error(err)

	// Unknown message id matches no row.
	updated, err = s.logs.UpdateMessageStatus(s.ctx, "ghost", StatusRead)
	s.NoError(err)
	s.False(updated)
}

// TestListEventsPagination tests filtered, paginated event queries.
func (s *LogStoreSuite) TestListEventsPagination() {
	for i := 0; i < 15; i++ {
		sid := "s1"
		if i%3 == 0 {
			sid = "s2"
		}
		err := s.logs.LogEvent(s.ctx, sid, "connection", fmt.Sprintf("event %d", i), map[string]int{"n": i})
		s.Require().NoError(err)
	}

	rows, total, err := s.logs.ListEvents(s.ctx, QueryOptions{SessionID: "s1", Limit: 5})
	s.NoError(err)
	s.Equal(int64(10), total)
	s.Len(rows, 5)

	rows, total, err = s.logs.ListEvents(s.ctx, QueryOptions{SessionID: "s1", Limit: 5, Offset: 5})
	s.NoError(err)
	s.Equal(int64(10), total)
	s.Len(rows, 5)

	rows, total, err = s.logs.ListEvents(s.ctx, QueryOptions{EventType: "message"})
	s.NoError(err)
	s.Zero(total)
	s.Empty(rows)
}

// TestClearScoped tests session-scoped and global clears.
func (s *LogStoreSuite) TestClearScoped() {
	s.Require().NoError(s.logs.LogEvent(s.ctx, "s1", "connection", "a", nil))
	s.Require().NoError(s.logs.LogEvent(s.ctx, "s1", "connection", "b", nil))
	s.Require().NoError(s.logs.LogEvent(s.ctx, "s2", "connection", "c", nil))

	deleted, err := s.logs.ClearEvents(s.ctx, "s1")
	s.NoError(err)
	s.Equal(int64(2), deleted)

	deleted, err = s.logs.ClearEvents(s.ctx, "")
	s.NoError(err)
	s.Equal(int64(1), deleted)

	_, total, err := s.logs.ListEvents(s.ctx, QueryOptions{})
	s.NoError(err)
	s.Zero(total)
}

// TestLogDelivery tests webhook history append and query.
func (s *LogStoreSuite) TestLogDelivery() {
	rec := &WebhookDelivery{
		SessionID:  "s1",
		EventType:  "messages.upsert",
		WebhookURL: "http://x/hook",
		Success:    true,
		StatusCode: sql.NullInt64{Int64: 200, Valid: true},
	}
	s.NoError(s.logs.LogDelivery(s.ctx, rec))

	rows, total, err := s.logs.ListDeliveries(s.ctx, QueryOptions{SessionID: "s1"})
	s.NoError(err)
	s.Equal(int64(1), total)
	s.Require().Len(rows, 1)
	s.True(rows[0].Success)
	s.Equal("http://x/hook", rows[0].WebhookURL)
}

// TestCleanupByAge verifies rows older than retention_days are removed.
func (s *LogStoreSuite) TestCleanupByAge() {
	old := time.Now().AddDate(0, 0, -40)
	stale := &LiveEvent{
		SessionID:      "s1",
		EventType:      "connection",
		Message:        "old",
		CreatedAt:      old.Format(time.RFC3339),
		CreatedAtEpoch: old.UnixMilli(),
	}
	s.Require().NoError(s.store.DB.Create(stale).Error)
	s.Require().NoError(s.logs.LogEvent(s.ctx, "s1", "connection", "fresh", nil))

	deleted, err := s.logs.Cleanup(s.ctx)
	s.NoError(err)
	s.Equal(int64(1), deleted)

	rows, total, err := s.logs.ListEvents(s.ctx, QueryOptions{})
	s.NoError(err)
	s.Equal(int64(1), total)
	s.Equal("fresh", rows[0].Message)
}

// TestCleanupByCount verifies the max_records cap keeps the newest rows.
func (s *LogStoreSuite) TestCleanupByCount() {
	s.Require().NoError(s.logs.SetSetting(s.ctx, SettingMaxRecords, "5"))

	base := time.Now().Add(-1 * time.Hour)
	for i := 0; i < 12; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		row := &LiveEvent{
			SessionID:      "s1",
			EventType:      "connection",
			Message:        fmt.Sprintf("event %d", i),
			CreatedAt:      ts.Format(time.RFC3339),
			CreatedAtEpoch: ts.UnixMilli(),
		}
		s.Require().NoError(s.store.DB.Create(row).Error)
	}

	_, err := s.logs.Cleanup(s.ctx)
	s.NoError(err)

	rows, total, err := s.logs.ListEvents(s.ctx, QueryOptions{})
	s.NoError(err)
	s.Equal(int64(5), total)
	// Newest first: events 11 down to 7 survive.
	s.Equal("event 11", rows[0].Message)
	s.Equal("event 7", rows[4].Message)
}

// TestSettingsRoundTrip tests get/set/all on the settings table.
func (s *LogStoreSuite) TestSettingsRoundTrip() {
	s.NoError(s.logs.SetSetting(s.ctx, SettingRetentionDays, "7"))

	val, err := s.logs.GetSetting(s.ctx, SettingRetentionDays)
	s.NoError(err)
	s.Equal("7", val)

	val, err = s.logs.GetSetting(s.ctx, "missing")
	s.NoError(err)
	s.Empty(val)
}
