package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tillerworks/tiller/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore persists the chain in Postgres for multi-process read access.
// Appends still go through a single Ledger instance; the single-writer
// contract is topological, not enforced by the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and runs its migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		sequence BIGINT UNIQUE NOT NULL,
		entry_type TEXT NOT NULL,
		payload JSONB,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, entry *LedgerEntry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `INSERT INTO ledger_entries (
		id, sequence, entry_type, payload, previous_hash, hash, timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.Sequence, entry.EntryType, string(payloadJSON),
		entry.PreviousHash, entry.Hash, entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sequence, entry_type, payload, previous_hash, hash, timestamp
		 FROM ledger_entries WHERE id = $1`, id)
	return scanPGEntry(row)
}

func (s *PostgresStore) Last(ctx context.Context) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sequence, entry_type, payload, previous_hash, hash, timestamp
		 FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanPGEntry(row)
	if err == contracts.ErrNotFound {
		return nil, nil
	}
	return entry, err
}

func (s *PostgresStore) List(ctx context.Context) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence, entry_type, payload, previous_hash, hash, timestamp
		 FROM ledger_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*LedgerEntry
	for rows.Next() {
		entry, err := scanPGEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

func scanPGEntry(row rowScanner) (*LedgerEntry, error) {
	var (
		id           string
		sequence     uint64
		entryType    string
		payloadJSON  sql.NullString
		previousHash string
		hash         string
		timestamp    time.Time
	)
	err := row.Scan(&id, &sequence, &entryType, &payloadJSON, &previousHash, &hash, &timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}

	var payload map[string]any
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	return &LedgerEntry{
		ID:           id,
		Sequence:     sequence,
		EntryType:    entryType,
		Payload:      payload,
		PreviousHash: previousHash,
		Hash:         hash,
		Timestamp:    timestamp.UTC(),
	}, nil
}
