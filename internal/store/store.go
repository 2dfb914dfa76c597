// Package store persists finished recording sessions and their transcripts.
// With ephemeral retention the store holds no database and every operation is
// a no-op, so callers never branch on whether history is enabled.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/murmelabs/murmel-core/internal/config"
)

// Session is one finished recording session.
type Session struct {
	ID         string
	StartedAt  time.Time
	StoppedAt  time.Time
	DurationMS int64
	Samples    int64
	SampleRate int
	StopReason string
}

// Transcript is one transcription result attached to a session.
type Transcript struct {
	ID           int64
	SessionID    string
	ModelID      string
	Language     string
	Text         string
	Confidence   float64
	ProcessingMS int64
	CreatedAt    time.Time
}

// Store wraps the SQLite-backed session history.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// timeText fixes the stored timestamp format so reads parse what writes
// produced regardless of driver defaults.
func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    stopped_at TIMESTAMP,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    samples INTEGER NOT NULL DEFAULT 0,
    sample_rate INTEGER NOT NULL DEFAULT 0,
    stop_reason TEXT
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    model_id TEXT,
    language TEXT,
    text TEXT NOT NULL,
    confidence REAL,
    processing_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created ON transcripts(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether history survives this process.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// SaveSession upserts a session row. The recorder saves once on start and
// again with totals on stop.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	if s.db == nil {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock().UTC()
	}
	var stopped any
	if !sess.StoppedAt.IsZero() {
		stopped = timeText(sess.StoppedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at, stopped_at, duration_ms, samples, sample_rate, stop_reason)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   stopped_at=excluded.stopped_at,
		   duration_ms=excluded.duration_ms,
		   samples=excluded.samples,
		   stop_reason=excluded.stop_reason`,
		sess.ID, timeText(sess.StartedAt), stopped, sess.DurationMS, sess.Samples, sess.SampleRate, sess.StopReason)
	return err
}

// EnsureSession inserts a session row only if none exists, leaving any
// richer row written by the recorder path untouched.
func (s *Store) EnsureSession(ctx context.Context, sess Session) error {
	if s.db == nil {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at, duration_ms, samples, sample_rate, stop_reason)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sess.ID, timeText(sess.StartedAt), sess.DurationMS, sess.Samples, sess.SampleRate, sess.StopReason)
	return err
}

// SaveTranscript appends a transcript to an existing session.
func (s *Store) SaveTranscript(ctx context.Context, tr Transcript) error {
	if s.db == nil {
		return nil
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, model_id, language, text, confidence, processing_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		tr.SessionID, tr.ModelID, tr.Language, tr.Text, tr.Confidence, tr.ProcessingMS, timeText(tr.CreatedAt))
	return err
}

// ListSessions retrieves up to limit sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, started_at, stopped_at, duration_ms, samples, sample_rate, stop_reason
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var started string
		var stopped sql.NullString
		var reason sql.NullString
		if err := rows.Scan(&sess.ID, &started, &stopped, &sess.DurationMS, &sess.Samples, &sess.SampleRate, &reason); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			sess.StartedAt = ts
		}
		if stopped.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, stopped.String); err == nil {
				sess.StoppedAt = ts
			}
		}
		sess.StopReason = reason.String
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListTranscripts retrieves up to limit transcripts for a session ordered
// ascending by time.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, model_id, language, text, confidence, processing_ms, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var tr Transcript
		var created string
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.ModelID, &tr.Language, &tr.Text, &tr.Confidence, &tr.ProcessingMS, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			tr.CreatedAt = ts
		}
		transcripts = append(transcripts, tr)
	}
	return transcripts, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := timeText(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
