package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ensemble/pkg/schema"
)

// LibSQLStore is an embedded libSQL database implementing KVStore,
// SuspensionStore and EventAppender.
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database, e.g. "file:/path/to/ensemble.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: time.Now}, nil
}

func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// PurgeExpired deletes KV entries whose TTL has passed.
func (s *LibSQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- KVStore ---

func (s *LibSQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("key", key)
	}
	return value, err
}

func (s *LibSQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=CURRENT_TIMESTAMP`,
		key, value, expires,
	)
	return err
}

func (s *LibSQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return err
}

func (s *LibSQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?) ORDER BY key`,
		escapeLike(prefix)+"%", s.now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- SuspensionStore ---

func (s *LibSQLStore) CreateSuspension(ctx context.Context, rec *SuspendedExecution) error {
	status := rec.Status
	if status == "" {
		status = schema.SuspensionSuspended
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suspended_executions (execution_id, ensemble, step, continuation, status, approval_url, message, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.Ensemble, rec.Step, string(rec.Continuation), string(status),
		rec.ApprovalURL, nullStr(rec.Message), rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "suspension %q already exists", rec.ExecutionID).WithCause(err)
	}
	return err
}

const suspensionColumns = `execution_id, ensemble, step, continuation, status, approval_url, message,
	created_at, expires_at, resolved_at, actor, comments`

func (s *LibSQLStore) GetSuspension(ctx context.Context, id string) (*SuspendedExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suspensionColumns+` FROM suspended_executions WHERE execution_id = ?`, id)
	rec, err := scanSuspension(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("suspension", id)
	}
	return rec, err
}

func (s *LibSQLStore) ResolveSuspension(ctx context.Context, id string, status schema.SuspensionStatus, res Resolution) (*SuspendedExecution, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE suspended_executions SET status = ?, resolved_at = ?, actor = ?, comments = ?
		 WHERE execution_id = ? AND status = ?`,
		string(status), res.At.UTC(), nullStr(res.Actor), nullStr(res.Comments),
		id, string(schema.SuspensionSuspended),
	)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Either missing or already resolved; the read tells which.
		rec, err := s.GetSuspension(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, storeConflict("suspension", id, rec.Status)
	}
	return s.GetSuspension(ctx, id)
}

func (s *LibSQLStore) ListSuspensions(ctx context.Context, filter SuspensionFilter) ([]*SuspendedExecution, error) {
	query := `SELECT ` + suspensionColumns + ` FROM suspended_executions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Ensemble != "" {
		query += ` AND ensemble = ?`
		args = append(args, filter.Ensemble)
	}
	if !filter.ExpiresBefore.IsZero() {
		query += ` AND expires_at < ?`
		args = append(args, filter.ExpiresBefore.UTC())
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SuspendedExecution
	for rows.Next() {
		rec, err := scanSuspension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuspension(row rowScanner) (*SuspendedExecution, error) {
	var (
		rec                     SuspendedExecution
		continuation, status    string
		message, actor, comment sql.NullString
		resolvedAt              sql.NullTime
	)
	err := row.Scan(&rec.ExecutionID, &rec.Ensemble, &rec.Step, &continuation, &status,
		&rec.ApprovalURL, &message, &rec.CreatedAt, &rec.ExpiresAt, &resolvedAt, &actor, &comment)
	if err != nil {
		return nil, err
	}
	rec.Continuation = json.RawMessage(continuation)
	rec.Status = schema.SuspensionStatus(status)
	rec.Message = message.String
	rec.Actor = actor.String
	rec.Comments = comment.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

// --- EventAppender ---

// AppendEvent assigns the next per-execution sequence number and inserts
// the event in one transaction. The single connection serializes writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, ev *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, ev.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	ev.Sequence = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, ensemble, step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, ev.Ensemble, nullStr(ev.Step), ev.Type, nullRaw(ev.Payload), ev.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return tx.Commit()
}

// ListEvents returns an execution's events with sequence > since, oldest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, ensemble, step, event_type, payload, timestamp, sequence
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev            Event
			step, payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Ensemble, &step, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.Step = step.String
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

var (
	_ KVStore         = (*LibSQLStore)(nil)
	_ KeyLister       = (*LibSQLStore)(nil)
	_ SuspensionStore = (*LibSQLStore)(nil)
	_ EventAppender   = (*LibSQLStore)(nil)
)
