package loopback

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirimkan/gateway/internal/protocol"
)

func waitEvent(t *testing.T, events <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestFreshSessionWalksPairing(t *testing.T) {
	credsDir := filepath.Join(t.TempDir(), "s1")
	h, err := New().Connect(context.Background(), credsDir)
	require.NoError(t, err)
	defer h.Close()

	up, ok := waitEvent(t, h.Events()).(protocol.ConnectionUpdate)
	require.True(t, ok)
	assert.NotEmpty(t, up.QRCode)

	up, ok = waitEvent(t, h.Events()).(protocol.ConnectionUpdate)
	require.True(t, ok)
	assert.Equal(t, protocol.ConnStateOpen, up.State)
	assert.FileExists(t, filepath.Join(credsDir, credsFile))
}

func TestPairedSessionOpensImmediately(t *testing.T) {
	credsDir := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, os.MkdirAll(credsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(credsDir, credsFile), []byte("{}"), 0o644))

	h, err := New().Connect(context.Background(), credsDir)
	require.NoError(t, err)
	defer h.Close()

	up, ok := waitEvent(t, h.Events()).(protocol.ConnectionUpdate)
	require.True(t, ok)
	assert.Empty(t, up.QRCode)
	assert.Equal(t, protocol.ConnStateOpen, up.State)
}

func TestSendEchoesWithUniqueIDs(t *testing.T) {
	credsDir := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, os.MkdirAll(credsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(credsDir, credsFile), []byte("{}"), 0o644))

	h, err := New().Connect(context.Background(), credsDir)
	require.NoError(t, err)
	defer h.Close()
	waitEvent(t, h.Events()) // open

	id, err := h.SendMessage(context.Background(), "628@s.net", protocol.Message{
		Type: protocol.MessageText,
		Text: "hello",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "loopback-"))

	upd, ok := waitEvent(t, h.Events()).(protocol.MessagesUpdate)
	require.True(t, ok)
	require.Len(t, upd.Updates, 1)
	assert.Equal(t, id, upd.Updates[0].MessageID)
	assert.Equal(t, protocol.StatusDelivered, upd.Updates[0].Status)

	ups, ok := waitEvent(t, h.Events()).(protocol.MessagesUpsert)
	require.True(t, ok)
	require.Len(t, ups.Messages, 1)
	assert.Equal(t, "echo: hello", ups.Messages[0].Text)
	assert.True(t, strings.HasPrefix(ups.Messages[0].ID, "loopback-"))
	assert.NotEqual(t, id, ups.Messages[0].ID)
}

func TestLogoutRemovesCredentials(t *testing.T) {
	credsDir := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, os.MkdirAll(credsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(credsDir, credsFile), []byte("{}"), 0o644))

	h, err := New().Connect(context.Background(), credsDir)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Logout(context.Background()))
	assert.NoFileExists(t, filepath.Join(credsDir, credsFile))

	// A second logout with nothing left to remove still succeeds.
	require.NoError(t, h.Logout(context.Background()))
}
