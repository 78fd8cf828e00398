package consensus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tillerworks/tiller/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists classifications and their archive in an embedded
// SQLite database. Consensus records live in the same database behind
// SQLiteConsensusStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs its migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS classifications (
		event_id TEXT NOT NULL,
		classifier_id TEXT NOT NULL,
		ethical_status TEXT NOT NULL,
		confidence REAL NOT NULL,
		risk_estimate TEXT NOT NULL,
		reasoning TEXT,
		requires_external_review INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (event_id, classifier_id)
	);
	CREATE TABLE IF NOT EXISTS classifications_archive (
		archive_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		classifier_id TEXT NOT NULL,
		ethical_status TEXT NOT NULL,
		confidence REAL NOT NULL,
		risk_estimate TEXT NOT NULL,
		reasoning TEXT,
		requires_external_review INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_event ON classifications(event_id);
	CREATE INDEX IF NOT EXISTS idx_archive_key ON classifications_archive(event_id, classifier_id);
	CREATE TABLE IF NOT EXISTS consensus_records (
		event_id TEXT PRIMARY KEY,
		record JSON NOT NULL,
		timestamp TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Upsert archives any prior live row and writes the new one in a single
// transaction, so readers never observe a torn state.
func (s *SQLiteStore) Upsert(ctx context.Context, c contracts.Classification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO classifications_archive
			(event_id, classifier_id, ethical_status, confidence, risk_estimate, reasoning, requires_external_review, timestamp)
		SELECT event_id, classifier_id, ethical_status, confidence, risk_estimate, reasoning, requires_external_review, timestamp
		FROM classifications WHERE event_id = ? AND classifier_id = ?`,
		c.EventID, c.ClassifierID)
	if err != nil {
		return fmt.Errorf("archive prior classification: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO classifications
			(event_id, classifier_id, ethical_status, confidence, risk_estimate, reasoning, requires_external_review, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, classifier_id) DO UPDATE SET
			ethical_status = excluded.ethical_status,
			confidence = excluded.confidence,
			risk_estimate = excluded.risk_estimate,
			reasoning = excluded.reasoning,
			requires_external_review = excluded.requires_external_review,
			timestamp = excluded.timestamp`,
		c.EventID, c.ClassifierID, string(c.Status), c.Confidence, string(c.Risk),
		c.Reasoning, boolToInt(c.RequiresExternalReview), c.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write classification: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, eventID, classifierID string) (contracts.Classification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, classifier_id, ethical_status, confidence, risk_estimate, reasoning, requires_external_review, timestamp
		FROM classifications WHERE event_id = ? AND classifier_id = ?`, eventID, classifierID)
	return scanClassification(row)
}

func (s *SQLiteStore) Live(ctx context.Context, eventID string) ([]contracts.Classification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, classifier_id, ethical_status, confidence, risk_estimate, reasoning, requires_external_review, timestamp
		FROM classifications WHERE event_id = ? ORDER BY classifier_id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectClassifications(rows)
}

func (s *SQLiteStore) Archived(ctx context.Context, eventID, classifierID string) ([]contracts.Classification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, classifier_id, ethical_status, confidence, risk_estimate, reasoning, requires_external_review, timestamp
		FROM classifications_archive WHERE event_id = ? AND classifier_id = ? ORDER BY archive_seq ASC`,
		eventID, classifierID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectClassifications(rows)
}

func (s *SQLiteStore) EventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT event_id FROM classifications ORDER BY event_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SQLiteConsensusStore exposes the consensus_records table as a
// ConsensusStore. Records are stored as canonical JSON blobs keyed by event.
type SQLiteConsensusStore struct {
	db *sql.DB
}

// NewSQLiteConsensusStore creates a consensus store over the same database.
func NewSQLiteConsensusStore(s *SQLiteStore) *SQLiteConsensusStore {
	return &SQLiteConsensusStore{db: s.db}
}

func (s *SQLiteConsensusStore) Put(ctx context.Context, rec contracts.ConsensusRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal consensus record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consensus_records (event_id, record, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET record = excluded.record, timestamp = excluded.timestamp`,
		rec.EventID, string(blob), rec.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteConsensusStore) Get(ctx context.Context, eventID string) (contracts.ConsensusRecord, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM consensus_records WHERE event_id = ?`, eventID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return contracts.ConsensusRecord{}, contracts.ErrNotFound
		}
		return contracts.ConsensusRecord{}, err
	}
	var rec contracts.ConsensusRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return contracts.ConsensusRecord{}, fmt.Errorf("unmarshal consensus record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteConsensusStore) EventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id FROM consensus_records ORDER BY event_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClassification(row rowScanner) (contracts.Classification, error) {
	var (
		c         contracts.Classification
		status    string
		risk      string
		reasoning sql.NullString
		review    int
		timestamp string
	)
	err := row.Scan(&c.EventID, &c.ClassifierID, &status, &c.Confidence, &risk, &reasoning, &review, &timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return contracts.Classification{}, contracts.ErrNotFound
		}
		return contracts.Classification{}, err
	}
	c.Status = contracts.EthicalStatus(status)
	c.Risk = contracts.RiskLevel(risk)
	c.Reasoning = reasoning.String
	c.RequiresExternalReview = review != 0
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return contracts.Classification{}, fmt.Errorf("parse timestamp: %w", err)
	}
	c.Timestamp = ts
	return c, nil
}

func collectClassifications(rows *sql.Rows) ([]contracts.Classification, error) {
	var out []contracts.Classification
	for rows.Next() {
		c, err := scanClassification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
