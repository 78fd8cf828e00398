package rulings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// SQLiteStore persists rulings in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed ruling store.
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
		CREATE TABLE IF NOT EXISTS rulings (
			event_id         TEXT PRIMARY KEY,
			issued_by        TEXT NOT NULL,
			final_assessment TEXT NOT NULL,
			reasoning        TEXT NOT NULL DEFAULT '',
			precedent        INTEGER NOT NULL DEFAULT 0,
			event_types      TEXT NOT NULL DEFAULT '[]',
			issued_at        TEXT NOT NULL,
			valid_until      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_rulings_issued_at ON rulings(issued_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate rulings schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Put(ctx context.Context, r contracts.HumanRuling) error {
	types, err := json.Marshal(r.ApplicableEventTypes)
	if err != nil {
		return fmt.Errorf("marshal event types: %w", err)
	}
	precedent := 0
	if r.PrecedentCreated {
		precedent = 1
	}
	validUntil := ""
	if !r.ValidUntil.IsZero() {
		validUntil = r.ValidUntil.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rulings (event_id, issued_by, final_assessment, reasoning, precedent, event_types, issued_at, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.IssuedBy, string(r.FinalAssessment), r.Reasoning,
		precedent, string(types), r.IssuedAt.UTC().Format(time.RFC3339Nano), validUntil,
	)
	if err != nil {
		return fmt.Errorf("insert ruling: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, eventID string) (contracts.HumanRuling, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, issued_by, final_assessment, reasoning, precedent, event_types, issued_at, valid_until
		FROM rulings WHERE event_id = ?`, eventID)
	r, err := scanRuling(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.HumanRuling{}, contracts.ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]contracts.HumanRuling, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, issued_by, final_assessment, reasoning, precedent, event_types, issued_at, valid_until
		FROM rulings ORDER BY issued_at ASC, event_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rulings: %w", err)
	}
	defer rows.Close()

	var out []contracts.HumanRuling
	for rows.Next() {
		r, err := scanRuling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuling(row rowScanner) (contracts.HumanRuling, error) {
	var r contracts.HumanRuling
	var assessment, types, issued, validUntil string
	var precedent int
	if err := row.Scan(&r.EventID, &r.IssuedBy, &assessment, &r.Reasoning, &precedent, &types, &issued, &validUntil); err != nil {
		return contracts.HumanRuling{}, err
	}
	r.FinalAssessment = contracts.EthicalStatus(assessment)
	r.PrecedentCreated = precedent != 0
	if err := json.Unmarshal([]byte(types), &r.ApplicableEventTypes); err != nil {
		return contracts.HumanRuling{}, fmt.Errorf("decode event types: %w", err)
	}
	var err error
	r.IssuedAt, err = time.Parse(time.RFC3339Nano, issued)
	if err != nil {
		return contracts.HumanRuling{}, fmt.Errorf("parse issued_at: %w", err)
	}
	if validUntil != "" {
		r.ValidUntil, err = time.Parse(time.RFC3339Nano, validUntil)
		if err != nil {
			return contracts.HumanRuling{}, fmt.Errorf("parse valid_until: %w", err)
		}
	}
	return r, nil
}
