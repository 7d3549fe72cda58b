package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by SQLiteSink.Get for unknown ids.
var ErrNotFound = errors.New("transaction not found")

const migrationSQL = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    plugin_names TEXT NOT NULL,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    success INTEGER NOT NULL,
    snapshot_id TEXT,
    error_count INTEGER NOT NULL DEFAULT 0,
    warning_count INTEGER NOT NULL DEFAULT 0,
    entries TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_started_at ON transactions(started_at);
`

// RunMigrations applies the history schema.
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(migrationSQL)
	return err
}

// ListOpts controls pagination for history queries.
type ListOpts struct {
	Limit  int
	Offset int

	// FailedOnly restricts results to unsuccessful transactions.
	FailedOnly bool
}

// SQLiteSink persists ended transactions to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens the database at dbPath and runs migrations.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL mode")
	}

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return &SQLiteSink{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

const timeFormat = time.RFC3339Nano

// Record inserts or replaces a transaction.
func (s *SQLiteSink) Record(ctx context.Context, tx *Transaction) error {
	names, err := json.Marshal(tx.PluginNames)
	if err != nil {
		return errors.Wrap(err, "marshal plugin names")
	}
	entries, err := json.Marshal(tx.Entries)
	if err != nil {
		return errors.Wrap(err, "marshal entries")
	}

	var endedAt sql.NullString
	if tx.EndedAt != nil {
		endedAt = sql.NullString{String: tx.EndedAt.UTC().Format(timeFormat), Valid: true}
	}
	var snapshotID sql.NullString
	if tx.SnapshotID != "" {
		snapshotID = sql.NullString{String: tx.SnapshotID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, plugin_names, started_at, ended_at, success, snapshot_id,
			error_count, warning_count, entries
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			success = excluded.success,
			snapshot_id = excluded.snapshot_id,
			error_count = excluded.error_count,
			warning_count = excluded.warning_count,
			entries = excluded.entries`,
		tx.ID,
		string(names),
		tx.StartedAt.UTC().Format(timeFormat),
		endedAt,
		tx.Success,
		snapshotID,
		tx.ErrorCount(),
		tx.WarningCount(),
		string(entries),
	)
	if err != nil {
		return errors.Wrapf(err, "record transaction %s", tx.ID)
	}
	return nil
}

const selectCols = `id, plugin_names, started_at, ended_at, success, snapshot_id, entries`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	var tx Transaction
	var names, startedAt, entries string
	var endedAt, snapshotID sql.NullString

	if err := row.Scan(&tx.ID, &names, &startedAt, &endedAt, &tx.Success, &snapshotID, &entries); err != nil {
		return nil, err
	}

	var err error
	tx.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse started_at")
	}
	if endedAt.Valid {
		t, err := time.Parse(timeFormat, endedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse ended_at")
		}
		tx.EndedAt = &t
	}
	if snapshotID.Valid {
		tx.SnapshotID = snapshotID.String
	}
	if err := json.Unmarshal([]byte(names), &tx.PluginNames); err != nil {
		return nil, errors.Wrap(err, "decode plugin names")
	}
	if err := json.Unmarshal([]byte(entries), &tx.Entries); err != nil {
		return nil, errors.Wrap(err, "decode entries")
	}
	return &tx, nil
}

// Get retrieves a single transaction by id.
func (s *SQLiteSink) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectCols+" FROM transactions WHERE id = ?", id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get transaction %s", id)
	}
	return tx, nil
}

// List returns transactions newest first.
func (s *SQLiteSink) List(ctx context.Context, opts ListOpts) ([]*Transaction, error) {
	query := "SELECT " + selectCols + " FROM transactions"
	var args []any

	if opts.FailedOnly {
		query += " WHERE success = 0"
	}
	query += " ORDER BY started_at DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
