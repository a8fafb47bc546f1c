package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
)

// AuditFilter selects audit records. Zero fields do not filter.
type AuditFilter struct {
	AfterSeq int64
	Since    time.Time
	JobID    string
	TxID     string
	Kind     ir.AuditKind
	Limit    int
}

// AppendAudit assigns seq and chain hash to rec and inserts it.
// The read of the previous hash and the insert share one transaction, so
// the chain has no forks even with concurrent writers.
func (s *Store) AppendAudit(ctx context.Context, rec ir.AuditRecord) (ir.AuditRecord, error) {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	rec.At = rec.At.UTC()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx,
			`SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`,
		).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}

		hash, err := ir.AuditHash(prev, rec)
		if err != nil {
			return err
		}
		rec.PrevHash = prev
		rec.Hash = hash

		var payload any
		if len(rec.Payload) > 0 {
			payload = string(rec.Payload)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log
			(at, kind, job_id, tx_id, context_id, version, code, message, payload, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			timestamp(rec.At),
			string(rec.Kind),
			rec.JobID,
			rec.TxID,
			rec.ContextID,
			rec.Version,
			string(rec.Code),
			rec.Message,
			payload,
			rec.PrevHash,
			rec.Hash,
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		rec.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return ir.AuditRecord{}, fmt.Errorf("append audit %s: %w", rec.Kind, err)
	}
	return rec, nil
}

// ReadAudit returns records matching f, ordered by seq ascending.
func (s *Store) ReadAudit(ctx context.Context, f AuditFilter) ([]ir.AuditRecord, error) {
	query := `SELECT seq, at, kind, job_id, tx_id, context_id, version, code, message, payload, prev_hash, hash
		FROM audit_log WHERE seq > ?`
	args := []any{f.AfterSeq}
	if !f.Since.IsZero() {
		query += ` AND at >= ?`
		args = append(args, timestamp(f.Since))
	}
	if f.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, f.JobID)
	}
	if f.TxID != "" {
		query += ` AND tx_id = ?`
		args = append(args, f.TxID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read audit: %w", err)
	}
	defer rows.Close()

	var out []ir.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("read audit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastAuditSeq returns the highest seq, or 0 for an empty ledger.
func (s *Store) LastAuditSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last audit seq: %w", err)
	}
	return seq.Int64, nil
}

func scanAudit(rows *sql.Rows) (ir.AuditRecord, error) {
	var rec ir.AuditRecord
	var at, kind, code string
	var payload sql.NullString
	if err := rows.Scan(
		&rec.Seq, &at, &kind, &rec.JobID, &rec.TxID, &rec.ContextID,
		&rec.Version, &code, &rec.Message, &payload, &rec.PrevHash, &rec.Hash,
	); err != nil {
		return ir.AuditRecord{}, err
	}
	t, err := parseTimestamp(at)
	if err != nil {
		return ir.AuditRecord{}, err
	}
	rec.At = t
	rec.Kind = ir.AuditKind(kind)
	rec.Code = ir.Code(code)
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	return rec, nil
}
