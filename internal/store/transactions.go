package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/scenebridge/internal/ir"
)

// ErrDuplicateTransaction is returned when a job already has a forward
// transaction.
var ErrDuplicateTransaction = errors.New("job already has a transaction")

// CreateTransaction inserts a new transaction. A second forward transaction
// for the same job yields ErrDuplicateTransaction; compensating and
// re-driven transactions are not forward.
func (s *Store) CreateTransaction(ctx context.Context, tx ir.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", tx.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, job_id, context_id, tier, state, compensates, redrives, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.JobID, tx.ContextID, string(tx.Tier), string(tx.State), tx.Compensates, tx.Redrives,
		string(body), timestamp(tx.CreatedAt), timestamp(tx.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create transaction %s for job %s: %w", tx.ID, tx.JobID, ErrDuplicateTransaction)
	}
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", tx.ID, err)
	}
	return nil
}

// UpdateTransaction stores tx's current state and body.
func (s *Store) UpdateTransaction(ctx context.Context, tx ir.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET state = ?, body = ?, updated_at = ? WHERE id = ?
	`, string(tx.State), string(body), timestamp(tx.UpdatedAt), tx.ID)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update transaction %s: %w", tx.ID, ErrNotFound)
	}
	return nil
}

// LoadTransaction returns a transaction by id or ErrNotFound.
func (s *Store) LoadTransaction(ctx context.Context, id string) (ir.Transaction, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM transactions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("load transaction %s: %w", id, err)
	}
	var tx ir.Transaction
	if err := json.Unmarshal([]byte(body), &tx); err != nil {
		return ir.Transaction{}, fmt.Errorf("load transaction %s: %w", id, err)
	}
	return tx, nil
}

// TransactionsByState returns transactions in any of the given states,
// oldest first.
func (s *Store) TransactionsByState(ctx context.Context, states ...ir.TxState) ([]ir.Transaction, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM transactions WHERE state IN (`+placeholders+`)
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("transactions by state: %w", err)
	}
	defer rows.Close()

	var out []ir.Transaction
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("transactions by state: %w", err)
		}
		var tx ir.Transaction
		if err := json.Unmarshal([]byte(body), &tx); err != nil {
			return nil, fmt.Errorf("transactions by state: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// CountTransactionsByState returns the number of transactions per state.
func (s *Store) CountTransactionsByState(ctx context.Context) (map[ir.TxState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM transactions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[ir.TxState]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count transactions: %w", err)
		}
		out[ir.TxState(st)] = n
	}
	return out, rows.Err()
}

// SaveReceipt stores the receipt for a transaction. The first receipt wins;
// later ones are ignored.
func (s *Store) SaveReceipt(ctx context.Context, r ir.Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("save receipt %s: %w", r.TransactionID, err)
	}
	at := r.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (tx_id, body, received_at) VALUES (?, ?, ?)
		ON CONFLICT(tx_id) DO NOTHING
	`, r.TransactionID, string(body), timestamp(at))
	if err != nil {
		return fmt.Errorf("save receipt %s: %w", r.TransactionID, err)
	}
	return nil
}

// LoadReceipt returns the receipt for a transaction or ErrNotFound.
func (s *Store) LoadReceipt(ctx context.Context, txID string) (ir.Receipt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM receipts WHERE tx_id = ?`, txID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Receipt{}, fmt.Errorf("receipt %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("load receipt %s: %w", txID, err)
	}
	var r ir.Receipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return ir.Receipt{}, fmt.Errorf("load receipt %s: %w", txID, err)
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
