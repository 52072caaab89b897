package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledStoreIsANoop(t *testing.T) {
	s, err := Open(Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, s.RecordSession(context.Background(), SessionRecord{SessionKey: 1}))
	require.NoError(t, s.RecordPortmapAction(context.Background(), PortmapAuditEntry{Program: 100000}))
	s.Close()
}

func TestSQLiteStoreWritesSessionRecord(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(Config{Enabled: true, Driver: DriverSQLite, SQLite: SQLiteConfig{Path: dbPath}})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RecordSession(context.Background(), SessionRecord{
		SessionKey: 42,
		ClientAddr: "127.0.0.1:111",
		AuthFlavor: 1,
		UID:        1000,
		GID:        1000,
	}))

	s.Close()

	reopened, err := Open(Config{Enabled: true, Driver: DriverSQLite, SQLite: SQLiteConfig{Path: dbPath}})
	require.NoError(t, err)
	defer reopened.Close()

	var got SessionRecord
	require.NoError(t, reopened.db.First(&got, "session_key = ?", uint64(42)).Error)
	assert.Equal(t, "127.0.0.1:111", got.ClientAddr)
}

func TestFullQueueDropsRecordWithoutBlocking(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(Config{Enabled: true, Driver: DriverSQLite, SQLite: SQLiteConfig{Path: dbPath}, QueueSize: 1})
	require.NoError(t, err)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = s.RecordSession(context.Background(), SessionRecord{SessionKey: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordSession blocked instead of dropping")
	}
}
