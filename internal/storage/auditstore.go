package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	time      INTEGER NOT NULL,
	project   TEXT    NOT NULL,
	cycle     INTEGER NOT NULL,
	phase     TEXT    NOT NULL,
	action    TEXT    NOT NULL,
	task_id   TEXT    NOT NULL DEFAULT '',
	details   TEXT,
	duration  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_project_cycle ON audit(project, cycle);
CREATE INDEX IF NOT EXISTS idx_audit_task ON audit(task_id, time);
`

// AuditStore is the append-only audit log of work-loop decisions.
type AuditStore interface {
	Record(ctx context.Context, e models.AuditEntry) error
	Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)
	// LastCycle returns the highest cycle number recorded, or 0.
	LastCycle(ctx context.Context) (int64, error)
	Close() error
}

type sqliteAuditStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// OpenAuditStore opens (creating if needed) the SQLite audit database at
// path. path must name a file: the connection pool cannot share a
// ":memory:" database, so tests use a file under t.TempDir().
func OpenAuditStore(path string, poolSize int, logger *slog.Logger) (AuditStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareAuditConn,
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit store %s: %w", path, err)
	}
	logger.Debug("audit store opened", "path", path, "pool_size", poolSize)
	return &sqliteAuditStore{pool: pool, path: path, logger: logger}, nil
}

func prepareAuditConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, auditSchema, nil); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

func (s *sqliteAuditStore) Record(ctx context.Context, e models.AuditEntry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	defer s.pool.Put(conn)

	var details any
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("recording audit entry: marshaling details: %w", err)
		}
		details = string(data)
	}
	var duration any
	if e.Duration != nil {
		duration = int64(*e.Duration)
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO audit (time, project, cycle, phase, action, task_id, details, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			e.Time.UnixNano(),
			e.ProjectID,
			e.Cycle,
			e.Phase,
			e.Action,
			e.TaskID,
			details,
			duration,
		}})
	if err != nil {
		return fmt.Errorf("recording audit entry %s: %w", e.Action, err)
	}
	return nil
}

// Query returns matching entries, newest first.
func (s *sqliteAuditStore) Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer s.pool.Put(conn)

	var conditions []string
	var args []any
	if filter.ProjectID != "" {
		conditions = append(conditions, "project = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Phase != "" {
		conditions = append(conditions, "phase = ?")
		args = append(args, filter.Phase)
	}
	if filter.Cycle > 0 {
		conditions = append(conditions, "cycle = ?")
		args = append(args, filter.Cycle)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "time >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := "SELECT id, time, project, cycle, phase, action, task_id, details, duration FROM audit"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var entries []models.AuditEntry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanAuditEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(stmt *sqlite.Stmt) (models.AuditEntry, error) {
	// Columns: id(0), time(1), project(2), cycle(3), phase(4), action(5),
	// task_id(6), details(7), duration(8)
	e := models.AuditEntry{
		ID:        stmt.ColumnInt64(0),
		Time:      time.Unix(0, stmt.ColumnInt64(1)).UTC(),
		ProjectID: stmt.ColumnText(2),
		Cycle:     stmt.ColumnInt64(3),
		Phase:     stmt.ColumnText(4),
		Action:    stmt.ColumnText(5),
		TaskID:    stmt.ColumnText(6),
	}
	if !stmt.ColumnIsNull(7) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &e.Details); err != nil {
			return e, fmt.Errorf("decoding details of audit entry %d: %w", e.ID, err)
		}
	}
	if !stmt.ColumnIsNull(8) {
		d := time.Duration(stmt.ColumnInt64(8))
		e.Duration = &d
	}
	return e, nil
}

func (s *sqliteAuditStore) LastCycle(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading last cycle: %w", err)
	}
	defer s.pool.Put(conn)

	var last int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(cycle), 0) FROM audit", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			last = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("reading last cycle: %w", err)
	}
	return last, nil
}

func (s *sqliteAuditStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("closing audit store %s: %w", s.path, err)
	}
	return nil
}
