package violations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// SQLiteStore persists violations and escalations in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed violation store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing connection, migrating as needed.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS violations (
			violation_id  TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			severity      TEXT NOT NULL,
			message       TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			agent_id      TEXT NOT NULL DEFAULT '',
			function_name TEXT NOT NULL DEFAULT '',
			context       TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_violations_agent    ON violations(agent_id);
		CREATE INDEX IF NOT EXISTS idx_violations_severity ON violations(severity);
		CREATE INDEX IF NOT EXISTS idx_violations_type     ON violations(type);
		CREATE INDEX IF NOT EXISTS idx_violations_time     ON violations(timestamp);

		CREATE TABLE IF NOT EXISTS escalations (
			escalation_id TEXT PRIMARY KEY,
			violation_id  TEXT NOT NULL REFERENCES violations(violation_id),
			status        TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			notified      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
	`)
	if err != nil {
		return fmt.Errorf("migrate violations schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Put(ctx context.Context, v contracts.Violation) error {
	vctx, err := json.Marshal(v.Context)
	if err != nil {
		return fmt.Errorf("marshal violation context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO violations (violation_id, type, severity, message, timestamp, agent_id, function_name, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ViolationID, v.Type, string(v.Severity), v.Message,
		v.Timestamp.UTC().Format(time.RFC3339Nano), v.AgentID, v.FunctionName, string(vctx),
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, violationID string) (contracts.Violation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT violation_id, type, severity, message, timestamp, agent_id, function_name, context
		FROM violations WHERE violation_id = ?`, violationID)
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Violation{}, contracts.ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]contracts.Violation, error) {
	query := `
		SELECT violation_id, type, severity, message, timestamp, agent_id, function_name, context
		FROM violations`
	var conds []string
	var args []any
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, violation_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []contracts.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutEscalation(ctx context.Context, e contracts.Escalation) error {
	notified := 0
	if e.Notified {
		notified = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (escalation_id, violation_id, status, created_at, notified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(escalation_id) DO UPDATE SET status = excluded.status, notified = excluded.notified`,
		e.EscalationID, e.ViolationID, string(e.Status),
		e.CreatedAt.UTC().Format(time.RFC3339Nano), notified,
	)
	if err != nil {
		return fmt.Errorf("upsert escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Escalations(ctx context.Context, status contracts.EscalationStatus) ([]contracts.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT escalation_id, violation_id, status, created_at, notified
		FROM escalations WHERE status = ?
		ORDER BY created_at ASC, escalation_id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []contracts.Escalation
	for rows.Next() {
		var e contracts.Escalation
		var st, created string
		var notified int
		if err := rows.Scan(&e.EscalationID, &e.ViolationID, &st, &created, &notified); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Status = contracts.EscalationStatus(st)
		e.Notified = notified != 0
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse escalation timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetEscalationStatus(ctx context.Context, escalationID string, status contracts.EscalationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET status = ? WHERE escalation_id = ?`,
		string(status), escalationID)
	if err != nil {
		return fmt.Errorf("update escalation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner) (contracts.Violation, error) {
	var v contracts.Violation
	var severity, ts, vctx string
	if err := row.Scan(&v.ViolationID, &v.Type, &severity, &v.Message, &ts, &v.AgentID, &v.FunctionName, &vctx); err != nil {
		return contracts.Violation{}, err
	}
	v.Severity = contracts.Severity(severity)
	var err error
	v.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return contracts.Violation{}, fmt.Errorf("parse violation timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(vctx), &v.Context); err != nil {
		return contracts.Violation{}, fmt.Errorf("decode violation context: %w", err)
	}
	return v, nil
}
