package db

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ftsensor/internal/monitoring"
	"github.com/banshee-data/ftsensor/internal/sensor"
	"github.com/banshee-data/ftsensor/internal/timeutil"
)

// Session is one recorded streaming run.
type Session struct {
	SessionID string    `json:"session_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// StoredReading is a reading loaded back from the database.
type StoredReading struct {
	SessionID string `json:"session_id"`
	sensor.Reading
}

// CreateSession inserts a session row with a fresh ID and returns it.
func (db *DB) CreateSession(host string, port int, startedAt time.Time) (Session, error) {
	s := Session{
		SessionID: uuid.New().String(),
		Host:      host,
		Port:      port,
		StartedAt: startedAt,
	}
	_, err := db.Exec(`INSERT INTO sessions (session_id, host, port, started_at) VALUES (?, ?, ?, ?)`,
		s.SessionID, s.Host, s.Port, startedAt.UnixNano())
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// Sessions returns recorded sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`SELECT session_id, host, port, started_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var startedAt int64
		if err := rows.Scan(&s.SessionID, &s.Host, &s.Port, &startedAt); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, startedAt).UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// InsertReadings writes readings for sessionID in one transaction.
func (db *DB) InsertReadings(sessionID string, readings []sensor.Reading) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO readings (
			session_id, seq, ft_seq, status, fx, fy, fz, tx, ty, tz, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.Exec(sessionID, r.Sequence, r.InternalSequence, r.Status,
			r.Force[0], r.Force[1], r.Force[2], r.Torque[0], r.Torque[1], r.Torque[2],
			r.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}
	return tx.Commit()
}

// RecentReadings returns up to limit readings, newest first.
func (db *DB) RecentReadings(limit int) ([]StoredReading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT session_id, seq, ft_seq, status, fx, fy, fz, tx, ty, tz, recorded_at
		FROM readings ORDER BY reading_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredReading
	for rows.Next() {
		var sr StoredReading
		var recordedAt int64
		if err := rows.Scan(&sr.SessionID, &sr.Sequence, &sr.InternalSequence, &sr.Status,
			&sr.Force[0], &sr.Force[1], &sr.Force[2], &sr.Torque[0], &sr.Torque[1], &sr.Torque[2],
			&recordedAt); err != nil {
			return nil, err
		}
		sr.Timestamp = time.Unix(0, recordedAt).UTC()
		out = append(out, sr)
	}
	return out, rows.Err()
}

// RecorderConfig tunes a Recorder.
type RecorderConfig struct {
	// QueueSize bounds readings waiting to be written; overflow is dropped.
	QueueSize int
	// BatchSize is the number of readings written per transaction.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
	// Clock drives the flush ticker. Nil means the wall clock.
	Clock timeutil.Clock
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.BatchSize * 16
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

type queuedReading struct {
	sessionID string
	reading   sensor.Reading
}

// Recorder persists readings without blocking the caller. Record is meant to
// be registered as a controller listener.
type Recorder struct {
	db  *DB
	cfg RecorderConfig

	queue     chan queuedReading
	sessionID atomic.Pointer[string]

	dropped atomic.Int64
	written atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRecorder creates a recorder. Call Start to begin writing.
func NewRecorder(db *DB, cfg RecorderConfig) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		db:    db,
		cfg:   cfg,
		queue: make(chan queuedReading, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	empty := ""
	r.sessionID.Store(&empty)
	return r
}

// BeginSession records a new session row; subsequent readings belong to it.
func (r *Recorder) BeginSession(host string, port int, startedAt time.Time) (Session, error) {
	s, err := r.db.CreateSession(host, port, startedAt)
	if err != nil {
		return Session{}, err
	}
	id := s.SessionID
	r.sessionID.Store(&id)
	monitoring.Logf("Recording session %s (%s:%d)", id, host, port)
	return s, nil
}

// SessionID returns the current session ID, empty before BeginSession.
func (r *Recorder) SessionID() string {
	return *r.sessionID.Load()
}

// Record queues reading for writing. It never blocks; readings are dropped
// when the queue is full or no session has begun.
func (r *Recorder) Record(reading sensor.Reading) {
	id := *r.sessionID.Load()
	if id == "" {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- queuedReading{sessionID: id, reading: reading}:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of readings that were not queued.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of readings committed.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Start launches the writer goroutine. It stops on Close or when ctx is done,
// flushing queued readings first.
func (r *Recorder) Start(ctx context.Context) {
	go r.run(ctx)
}

// Close stops the writer and waits for the final flush.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	ticker := r.cfg.Clock.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []queuedReading
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case q := <-r.queue:
			batch = append(batch, q)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C():
			flush()
		case <-ctx.Done():
			r.drain(&batch)
			flush()
			return
		case <-r.stop:
			r.drain(&batch)
			flush()
			return
		}
	}
}

func (r *Recorder) drain(batch *[]queuedReading) {
	for {
		select {
		case q := <-r.queue:
			*batch = append(*batch, q)
		default:
			return
		}
	}
}

// writeBatch groups consecutive readings by session and writes each group.
func (r *Recorder) writeBatch(batch []queuedReading) {
	start := 0
	for i := 1; i <= len(batch); i++ {
		if i < len(batch) && batch[i].sessionID == batch[start].sessionID {
			continue
		}
		group := make([]sensor.Reading, 0, i-start)
		for _, q := range batch[start:i] {
			group = append(group, q.reading)
		}
		if err := r.db.InsertReadings(batch[start].sessionID, group); err != nil {
			monitoring.Logf("Failed to record %d readings: %v", len(group), err)
			r.dropped.Add(int64(len(group)))
		} else {
			r.written.Add(int64(len(group)))
		}
		start = i
	}
}
