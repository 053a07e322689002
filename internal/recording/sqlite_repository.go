package recording

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"recording-synth/internal/timeline"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates a database written by an incompatible version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteRepository is a Repository backed by a SQLite database file. Each
// mutating method runs in one transaction.
type SQLiteRepository struct {
	db   *sql.DB
	path string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes transactions within the process.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db, path: path}
	if err := repo.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Path returns the database file location.
func (r *SQLiteRepository) Path() string { return r.path }

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var version int
	err := r.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := r.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has v%d, expected v%d (remove %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, r.path)
	}
	return nil
}

// CreateSession implements Repository.CreateSession.
func (r *SQLiteRepository) CreateSession(ctx context.Context, s Session) error {
	logs, err := json.Marshal(nonNilLogs(s.StateLogs))
	if err != nil {
		return fmt.Errorf("marshal state logs: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recording_sessions (id, state, created_at, duration_ms, state_logs_json)
             VALUES (?, ?, ?, ?, ?)`,
			string(s.ID), string(s.State), s.CreatedAt.UnixMilli(), s.DurationMs, string(logs))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		for ch, path := range s.Tracks {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO recording_tracks (session_id, channel, path) VALUES (?, ?, ?)",
				string(s.ID), string(ch), path); err != nil {
				return fmt.Errorf("insert track: %w", err)
			}
		}
		return nil
	})
}

// GetSession implements Repository.GetSession.
func (r *SQLiteRepository) GetSession(ctx context.Context, id SessionID) (Session, error) {
	return loadSession(ctx, r.db, id)
}

// ListSegments implements Repository.ListSegments.
func (r *SQLiteRepository) ListSegments(ctx context.Context, id SessionID) ([]timeline.Segment, error) {
	if _, err := sessionState(ctx, r.db, id); err != nil {
		return nil, err
	}
	return listSegments(ctx, r.db, id)
}

// AddSegment implements Repository.AddSegment.
func (r *SQLiteRepository) AddSegment(ctx context.Context, id SessionID, seg timeline.Segment) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, id); err != nil {
			return err
		}
		var tracks int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM recording_tracks WHERE session_id = ? AND channel = ?",
			string(id), string(seg.Channel)).Scan(&tracks); err != nil {
			return fmt.Errorf("count tracks: %w", err)
		}
		if tracks > 0 {
			return ErrInputShapeConflict
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recording_segments (session_id, channel, start_ms, end_ms, path)
             VALUES (?, ?, ?, ?, ?)`,
			string(id), string(seg.Channel), seg.StartMs, seg.EndMs, seg.Path); err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}
		return nil
	})
}

// SetTrack implements Repository.SetTrack.
func (r *SQLiteRepository) SetTrack(ctx context.Context, id SessionID, ch timeline.Channel, path string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, id); err != nil {
			return err
		}
		var segments int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM recording_segments WHERE session_id = ? AND channel = ?",
			string(id), string(ch)).Scan(&segments); err != nil {
			return fmt.Errorf("count segments: %w", err)
		}
		if segments > 0 {
			return ErrInputShapeConflict
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recording_tracks (session_id, channel, path) VALUES (?, ?, ?)
             ON CONFLICT(session_id, channel) DO UPDATE SET path = excluded.path`,
			string(id), string(ch), path); err != nil {
			return fmt.Errorf("upsert track: %w", err)
		}
		return nil
	})
}

// ClaimCompletion implements Repository.ClaimCompletion.
func (r *SQLiteRepository) ClaimCompletion(ctx context.Context, id SessionID, c Claim) (Snapshot, error) {
	var snap Snapshot
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		state, err := sessionState(ctx, tx, id)
		if err != nil {
			return err
		}
		if state != StateActive {
			return ErrSessionAlreadyFinalized
		}

		var maxEnd int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(end_ms), 0) FROM recording_segments WHERE session_id = ?",
			string(id)).Scan(&maxEnd); err != nil {
			return fmt.Errorf("max segment end: %w", err)
		}
		d, err := resolveDuration(c, maxEnd)
		if err != nil {
			return err
		}

		logs, err := json.Marshal(nonNilLogs(c.StateLogs))
		if err != nil {
			return fmt.Errorf("marshal state logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE recording_sessions SET state = ?, duration_ms = ?, state_logs_json = ? WHERE id = ?",
			string(StateFinalizing), d, string(logs), string(id)); err != nil {
			return fmt.Errorf("claim session: %w", err)
		}

		s, err := loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		segs, err := listSegments(ctx, tx, id)
		if err != nil {
			return err
		}
		snap = Snapshot{Session: s, Segments: segs}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// FinishSession implements Repository.FinishSession.
func (r *SQLiteRepository) FinishSession(ctx context.Context, id SessionID, out Outcome, rec *Recording) error {
	artifacts, err := json.Marshal(nonNilArtifacts(out.Artifacts))
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	var failure sql.NullString
	if out.Failure != nil {
		b, err := json.Marshal(out.Failure)
		if err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}
		failure = sql.NullString{String: string(b), Valid: true}
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		state, err := sessionState(ctx, tx, id)
		if err != nil {
			return err
		}
		if state != StateFinalizing {
			return ErrSessionAlreadyFinalized
		}
		if rec != nil {
			if err := insertRecording(ctx, tx, *rec); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE recording_sessions
             SET state = ?, artifacts_json = ?, captions_path = ?, failure_json = ?, recording_id = ?
             WHERE id = ?`,
			string(out.State), string(artifacts), out.CaptionsPath, failure, string(out.RecordingID),
			string(id)); err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
		return nil
	})
}

// CountSessions implements Repository.CountSessions.
func (r *SQLiteRepository) CountSessions(ctx context.Context, state SessionState) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM recording_sessions WHERE state = ?", string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// AbandonSession implements Repository.AbandonSession.
func (r *SQLiteRepository) AbandonSession(ctx context.Context, id SessionID) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, id); err != nil {
			return err
		}
		for _, query := range []string{
			"DELETE FROM recording_segments WHERE session_id = ?",
			"DELETE FROM recording_tracks WHERE session_id = ?",
			"DELETE FROM recording_sessions WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, query, string(id)); err != nil {
				return fmt.Errorf("abandon session: %w", err)
			}
		}
		return nil
	})
}

// GetRecording implements Repository.GetRecording.
func (r *SQLiteRepository) GetRecording(ctx context.Context, id RecordingID) (Recording, error) {
	return loadRecording(ctx, r.db, id)
}

// ListRecordings implements Repository.ListRecordings.
func (r *SQLiteRepository) ListRecordings(ctx context.Context) ([]Recording, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return out, nil
}

// SetSubtitled implements Repository.SetSubtitled.
func (r *SQLiteRepository) SetSubtitled(ctx context.Context, id RecordingID, path string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE recordings SET subtitled_path = ? WHERE id = ?", path, string(id))
		if err != nil {
			return fmt.Errorf("set subtitled: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRecordingNotFound
		}
		return nil
	})
}

// DeleteRecording implements Repository.DeleteRecording.
func (r *SQLiteRepository) DeleteRecording(ctx context.Context, id RecordingID) (Recording, error) {
	var rec Recording
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = loadRecording(ctx, tx, id)
		if err != nil {
			return err
		}
		statements := []struct {
			query string
			arg   string
		}{
			{"DELETE FROM recordings WHERE id = ?", string(id)},
			{"DELETE FROM recording_segments WHERE session_id = ?", string(rec.SessionID)},
			{"DELETE FROM recording_tracks WHERE session_id = ?", string(rec.SessionID)},
			{"DELETE FROM recording_sessions WHERE id = ?", string(rec.SessionID)},
		}
		for _, st := range statements {
			if _, err := tx.ExecContext(ctx, st.query, st.arg); err != nil {
				return fmt.Errorf("delete recording: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Recording{}, err
	}
	return rec, nil
}

// withTx runs fn in a transaction, retrying when another process holds the
// database lock.
func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// retryOnBusy repeats op while SQLite reports the database locked, doubling
// the wait between attempts up to busyRetryMaxBackoff.
func retryOnBusy(ctx context.Context, op func() error) error {
	wait := busyRetryInitialBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || attempt == busyRetryAttempts || !isSQLiteBusy(err) {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(2*wait, busyRetryMaxBackoff)
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func sessionState(ctx context.Context, q querier, id SessionID) (SessionState, error) {
	var state string
	err := q.QueryRowContext(ctx, "SELECT state FROM recording_sessions WHERE id = ?", string(id)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session state: %w", err)
	}
	return SessionState(state), nil
}

func requireActive(ctx context.Context, q querier, id SessionID) error {
	state, err := sessionState(ctx, q, id)
	if errors.Is(err, ErrSessionNotFound) || (err == nil && state != StateActive) {
		return ErrSessionNotActive
	}
	return err
}

func loadSession(ctx context.Context, q querier, id SessionID) (Session, error) {
	var (
		s         Session
		state     string
		createdAt int64
		logs      string
		artifacts string
		failure   sql.NullString
		recID     string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, state, created_at, duration_ms, state_logs_json, artifacts_json,
                captions_path, failure_json, recording_id
         FROM recording_sessions WHERE id = ?`, string(id)).
		Scan((*string)(&s.ID), &state, &createdAt, &s.DurationMs, &logs, &artifacts,
			&s.CaptionsPath, &failure, &recID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	s.State = SessionState(state)
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.RecordingID = RecordingID(recID)
	if err := json.Unmarshal([]byte(logs), &s.StateLogs); err != nil {
		return Session{}, fmt.Errorf("decode state logs: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &s.Artifacts); err != nil {
		return Session{}, fmt.Errorf("decode artifacts: %w", err)
	}
	if failure.Valid {
		s.Failure = &Failure{}
		if err := json.Unmarshal([]byte(failure.String), s.Failure); err != nil {
			return Session{}, fmt.Errorf("decode failure: %w", err)
		}
	}

	rows, err := q.QueryContext(ctx, "SELECT channel, path FROM recording_tracks WHERE session_id = ?", string(id))
	if err != nil {
		return Session{}, fmt.Errorf("load tracks: %w", err)
	}
	defer rows.Close()
	s.Tracks = make(map[timeline.Channel]string)
	for rows.Next() {
		var ch, path string
		if err := rows.Scan(&ch, &path); err != nil {
			return Session{}, fmt.Errorf("scan track: %w", err)
		}
		s.Tracks[timeline.Channel(ch)] = path
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("load tracks: %w", err)
	}
	return s.clone(), nil
}

func listSegments(ctx context.Context, q querier, id SessionID) ([]timeline.Segment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT channel, start_ms, end_ms, path FROM recording_segments
         WHERE session_id = ? ORDER BY channel, start_ms, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segs []timeline.Segment
	for rows.Next() {
		var (
			seg timeline.Segment
			ch  string
		)
		if err := rows.Scan(&ch, &seg.StartMs, &seg.EndMs, &seg.Path); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Channel = timeline.Channel(ch)
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return segs, nil
}

func insertRecording(ctx context.Context, q querier, rec Recording) error {
	var exists int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(1) FROM recordings WHERE id = ?", string(rec.ID)).Scan(&exists); err != nil {
		return fmt.Errorf("check recording: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyFinalized
	}
	artifacts, err := json.Marshal(nonNilArtifacts(rec.Artifacts))
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO recordings (id, session_id, artifacts_json, captions_path, subtitled_path, duration_ms, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), string(rec.SessionID), string(artifacts), rec.CaptionsPath, rec.SubtitledPath,
		rec.DurationMs, rec.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

const recordingColumns = "id, session_id, artifacts_json, captions_path, subtitled_path, duration_ms, created_at"

func loadRecording(ctx context.Context, q querier, id RecordingID) (Recording, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, string(id))
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrRecordingNotFound
	}
	return rec, err
}

// scanRecording reads one row selected with recordingColumns.
func scanRecording(row interface{ Scan(dest ...any) error }) (Recording, error) {
	var (
		rec       Recording
		sessionID string
		artifacts string
		createdAt int64
	)
	err := row.Scan((*string)(&rec.ID), &sessionID, &artifacts, &rec.CaptionsPath, &rec.SubtitledPath,
		&rec.DurationMs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, err
	}
	if err != nil {
		return Recording{}, fmt.Errorf("load recording: %w", err)
	}
	rec.SessionID = SessionID(sessionID)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(artifacts), &rec.Artifacts); err != nil {
		return Recording{}, fmt.Errorf("decode artifacts: %w", err)
	}
	return rec.clone(), nil
}

func nonNilLogs(m map[timeline.Channel][]timeline.StateChange) map[timeline.Channel][]timeline.StateChange {
	if m == nil {
		return map[timeline.Channel][]timeline.StateChange{}
	}
	return m
}

func nonNilArtifacts(m map[timeline.Channel]string) map[timeline.Channel]string {
	if m == nil {
		return map[timeline.Channel]string{}
	}
	return m
}
