package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ftsensor/internal/monitoring"
	"github.com/banshee-data/ftsensor/internal/sensor"
	"github.com/banshee-data/ftsensor/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	for _, table := range []string{"sessions", "readings"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	// reopening an up-to-date database is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown(1))
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='readings'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	assert.Error(t, db.MigrateDown(0))
}

func TestNewDB_Pragmas(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestSessions(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a, err := db.CreateSession("192.168.1.1", 49152, t0)
	require.NoError(t, err)
	b, err := db.CreateSession("192.168.1.2", 49152, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Len(t, a.SessionID, 36)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, b, sessions[0])
	assert.Equal(t, a, sessions[1])
}

func TestInsertAndRecentReadings(t *testing.T) {
	db := newTestDB(t)
	s, err := db.CreateSession("h", 1, time.Now())
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	readings := []sensor.Reading{
		{Timestamp: ts, Sequence: 1, InternalSequence: 10, Status: 0, Force: sensor.Vector3{1, 2, 3}, Torque: sensor.Vector3{-1, -2, -3}},
		{Timestamp: ts.Add(time.Millisecond), Sequence: 2, InternalSequence: 11, Status: 0x80000000, Force: sensor.Vector3{0.5, 0, 0}},
	}
	require.NoError(t, db.InsertReadings(s.SessionID, readings))

	got, err := db.RecentReadings(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StoredReading{SessionID: s.SessionID, Reading: readings[1]}, got[0])
	assert.Equal(t, StoredReading{SessionID: s.SessionID, Reading: readings[0]}, got[1])

	got, err = db.RecentReadings(1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecorder_BatchesAndFlushesOnClose(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, RecorderConfig{BatchSize: 4, FlushInterval: time.Hour})

	// nothing recorded before a session begins
	rec.Record(sensor.Reading{Sequence: 99})
	assert.Equal(t, int64(1), rec.Dropped())

	s, err := rec.BeginSession("h", 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, rec.SessionID())

	rec.Start(context.Background())
	for i := 1; i <= 10; i++ {
		rec.Record(sensor.Reading{Sequence: uint32(i), Timestamp: time.Unix(int64(i), 0)})
	}
	require.NoError(t, rec.Close())

	assert.Equal(t, int64(10), rec.Written())
	got, err := db.RecentReadings(100)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, uint32(10), got[0].Sequence)
	assert.Equal(t, s.SessionID, got[0].SessionID)
}

func TestRecorder_FlushInterval(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	rec := NewRecorder(db, RecorderConfig{BatchSize: 1000, FlushInterval: time.Second, Clock: clock})
	_, err := rec.BeginSession("h", 1, clock.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)
	rec.Record(sensor.Reading{Sequence: 1})

	// a partial batch waits for the ticker
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int64(0), rec.Written())

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return rec.Written() == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, rec.Close())
}

func TestRecorder_SessionSwitch(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, RecorderConfig{BatchSize: 100, FlushInterval: time.Hour})

	first, err := rec.BeginSession("h", 1, time.Now())
	require.NoError(t, err)
	rec.Record(sensor.Reading{Sequence: 1})
	second, err := rec.BeginSession("h", 1, time.Now())
	require.NoError(t, err)
	rec.Record(sensor.Reading{Sequence: 2})

	rec.Start(context.Background())
	require.NoError(t, rec.Close())

	got, err := db.RecentReadings(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.SessionID, got[0].SessionID)
	assert.Equal(t, first.SessionID, got[1].SessionID)
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	db := newTestDB(t)
	rec := NewRecorder(db, RecorderConfig{QueueSize: 2, BatchSize: 2})
	_, err := rec.BeginSession("h", 1, time.Now())
	require.NoError(t, err)

	// not started: the queue fills
	for i := 0; i < 5; i++ {
		rec.Record(sensor.Reading{})
	}
	assert.Equal(t, int64(3), rec.Dropped())
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	_, err := db.CreateSession("h", 1, time.Now())
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
