// Package store keeps a durable SQLite log of committed transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eltadmin/alice/internal/economy"
)

// WAL lets the HTTP history reader run alongside the journal writer;
// NORMAL sync survives process crashes without an fsync per insert.
const dsnOptions = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	sender   TEXT NOT NULL,
	receiver TEXT NOT NULL,
	amount   REAL NOT NULL,
	fee      REAL NOT NULL,
	t        REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_sender ON transactions(sender);
`

// TxStore is a journal sink that appends transactions to SQLite.
type TxStore struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*TxStore, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("opening transaction store %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between the journal and history queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying transaction store schema: %w", err)
	}
	return &TxStore{db: db}, nil
}

func (s *TxStore) Name() string { return "sqlite" }

// Write appends tx.
func (s *TxStore) Write(ctx context.Context, tx economy.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (sender, receiver, amount, fee, t) VALUES (?, ?, ?, ?, ?)`,
		tx.From, tx.To, tx.Amount, tx.Fee, tx.T,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest transactions, oldest first.
// When wallet is non-empty only transfers it sent or received are
// returned.
func (s *TxStore) Recent(ctx context.Context, wallet string, limit int) ([]economy.Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT sender, receiver, amount, fee, t FROM transactions`
	args := []any{}
	if wallet != "" {
		query += ` WHERE sender = ? OR receiver = ?`
		args = append(args, wallet, wallet)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var txs []economy.Transaction
	for rows.Next() {
		var tx economy.Transaction
		if err := rows.Scan(&tx.From, &tx.To, &tx.Amount, &tx.Fee, &tx.T); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}

	for i, k := 0, len(txs)-1; i < k; i, k = i+1, k-1 {
		txs[i], txs[k] = txs[k], txs[i]
	}
	return txs, nil
}

// Count returns the number of stored transactions.
func (s *TxStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting transactions: %w", err)
	}
	return n, nil
}

func (s *TxStore) Close() error {
	return s.db.Close()
}
