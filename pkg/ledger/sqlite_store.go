package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tillerworks/tiller/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the chain in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS ledger_entries (
        id TEXT PRIMARY KEY,
        sequence INTEGER UNIQUE NOT NULL,
        entry_type TEXT NOT NULL,
        payload JSON,
        previous_hash TEXT NOT NULL,
        hash TEXT NOT NULL,
        timestamp TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, entry *LedgerEntry) error {
	query := `INSERT INTO ledger_entries (
		id, sequence, entry_type, payload, previous_hash, hash, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.Sequence, entry.EntryType, string(payloadJSON),
		entry.PreviousHash, entry.Hash, entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sequence, entry_type, payload, previous_hash, hash, timestamp
		 FROM ledger_entries WHERE id = ?`, id)
	return scanEntry(row)
}

func (s *SQLiteStore) Last(ctx context.Context) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sequence, entry_type, payload, previous_hash, hash, timestamp
		 FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if err == contracts.ErrNotFound {
		return nil, nil
	}
	return entry, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence, entry_type, payload, previous_hash, hash, timestamp
		 FROM ledger_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
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

func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*LedgerEntry, error) {
	var (
		id           string
		sequence     uint64
		entryType    string
		payloadJSON  sql.NullString
		previousHash string
		hash         string
		timestamp    string
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

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	return &LedgerEntry{
		ID:           id,
		Sequence:     sequence,
		EntryType:    entryType,
		Payload:      payload,
		PreviousHash: previousHash,
		Hash:         hash,
		Timestamp:    ts,
	}, nil
}
