package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/contracts"
)

const pgSelectEntry = `SELECT id, sequence, entry_type, payload, previous_hash, hash, timestamp
		 FROM ledger_entries WHERE id = $1`

func newMockPGStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStore_Append(t *testing.T) {
	store, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs("e1", uint64(1), "decision_event", `{"k":"v"}`, GenesisHash, "abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Append(ctx, &LedgerEntry{
		ID:           "e1",
		Sequence:     1,
		EntryType:    "decision_event",
		Payload:      map[string]any{"k": "v"},
		PreviousHash: GenesisHash,
		Hash:         "abc",
		Timestamp:    time.Now(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockPGStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "sequence", "entry_type", "payload", "previous_hash", "hash", "timestamp"}).
		AddRow("e1", 1, "decision_event", `{"k":"v"}`, GenesisHash, "abc", ts)

	mock.ExpectQuery(regexp.QuoteMeta(pgSelectEntry)).
		WithArgs("e1").
		WillReturnRows(rows)

	entry, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", entry.ID)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, "v", entry.Payload["k"])
	assert.Equal(t, GenesisHash, entry.PreviousHash)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(pgSelectEntry)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence", "entry_type", "payload", "previous_hash", "hash", "timestamp"}))

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestPostgresStore_LastEmpty(t *testing.T) {
	store, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY sequence DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence", "entry_type", "payload", "previous_hash", "hash", "timestamp"}))

	last, err := store.Last(ctx)
	assert.NoError(t, err)
	assert.Nil(t, last)
}
