package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/me/clusterui/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	// The CLI and a daemon may share one state directory.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// DBFileName is the database file kept under the state directory.
const DBFileName = "clusterui.db"

// OpenStateDir opens and migrates the database under dir.
func OpenStateDir(ctx context.Context, dir string, logger *slog.Logger) (*SQLiteStore, error) {
	st, err := NewSQLiteStore(filepath.Join(dir, DBFileName), logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s: %w", dir, err)
	}
	return st, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Sessions ---

const sessionColumns = `id, request_id, request, state, endpoint_address, endpoint_slot,
	termination_reason, detail, preemptions, query_failures,
	created_at, last_observed_at, running_since, closed_at`

func (s *SQLiteStore) PutSession(ctx context.Context, d *model.SessionDescriptor) error {
	s.logger.Debug("sql", "op", "upsert", "table", "sessions", "id", d.ID)

	requestJSON, err := json.Marshal(d.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			request_id = excluded.request_id,
			request = excluded.request,
			state = excluded.state,
			endpoint_address = excluded.endpoint_address,
			endpoint_slot = excluded.endpoint_slot,
			termination_reason = excluded.termination_reason,
			detail = excluded.detail,
			preemptions = excluded.preemptions,
			query_failures = excluded.query_failures,
			last_observed_at = excluded.last_observed_at,
			running_since = excluded.running_since,
			closed_at = excluded.closed_at`,
		d.ID, d.RequestID, string(requestJSON), string(d.State),
		d.ExecutionEndpoint.Address, d.ExecutionEndpoint.Slot,
		string(d.TerminationReason), d.Detail, d.Preemptions, d.QueryFailures,
		d.CreatedAt.Format(time.RFC3339Nano),
		formatTimePtr(d.LastObservedAt), formatTimePtr(d.RunningSince), formatTimePtr(d.ClosedAt),
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.SessionDescriptor, error) {
	s.logger.Debug("sql", "op", "select", "table", "sessions", "id", id)
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row)
}

func (s *SQLiteStore) GetSessionByRequestID(ctx context.Context, requestID string) (*model.SessionDescriptor, error) {
	s.logger.Debug("sql", "op", "select_by_request", "table", "sessions", "request_id", requestID)
	if requestID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`, requestID)
	return scanSessionRow(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*model.SessionDescriptor, error) {
	s.logger.Debug("sql", "op", "list", "table", "sessions")

	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.SessionDescriptor
	for rows.Next() {
		d, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, d)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "sessions", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// --- Removal obligations ---

func (s *SQLiteStore) AddObligation(ctx context.Context, requestID, sessionID, owner string) (*model.Obligation, error) {
	s.logger.Debug("sql", "op", "insert", "table", "removal_obligations", "request_id", requestID)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO removal_obligations (request_id, session_id, owner, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		requestID, sessionID, owner, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}

	var ob model.Obligation
	var createdAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT seq, request_id, session_id, owner, created_at FROM removal_obligations WHERE request_id = ?`, requestID,
	).Scan(&ob.Seq, &ob.RequestID, &ob.SessionID, &ob.Owner, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("read back obligation %s: %w", requestID, err)
	}
	ob.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &ob, nil
}

func (s *SQLiteStore) ClearObligation(ctx context.Context, requestID string) error {
	s.logger.Debug("sql", "op", "delete", "table", "removal_obligations", "request_id", requestID)
	_, err := s.db.ExecContext(ctx, `DELETE FROM removal_obligations WHERE request_id = ?`, requestID)
	return err
}

func (s *SQLiteStore) ListObligations(ctx context.Context) ([]*model.Obligation, error) {
	s.logger.Debug("sql", "op", "list", "table", "removal_obligations")

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, request_id, session_id, owner, created_at FROM removal_obligations ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obligations []*model.Obligation
	for rows.Next() {
		var ob model.Obligation
		var createdAt string
		if err := rows.Scan(&ob.Seq, &ob.RequestID, &ob.SessionID, &ob.Owner, &createdAt); err != nil {
			return nil, err
		}
		ob.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		obligations = append(obligations, &ob)
	}
	return obligations, rows.Err()
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row *sql.Row) (*model.SessionDescriptor, error) {
	d, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func scanSession(sc scanner) (*model.SessionDescriptor, error) {
	var d model.SessionDescriptor
	var requestJSON, state, reason, createdAt string
	var lastObserved, runningSince, closedAt sql.NullString

	err := sc.Scan(&d.ID, &d.RequestID, &requestJSON, &state,
		&d.ExecutionEndpoint.Address, &d.ExecutionEndpoint.Slot,
		&reason, &d.Detail, &d.Preemptions, &d.QueryFailures,
		&createdAt, &lastObserved, &runningSince, &closedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(requestJSON), &d.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	d.State = model.SessionState(state)
	d.TerminationReason = model.TerminationReason(reason)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.LastObservedAt = parseTimePtr(lastObserved)
	d.RunningSince = parseTimePtr(runningSince)
	d.ClosedAt = parseTimePtr(closedAt)
	return &d, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
