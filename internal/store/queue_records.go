package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QueueRecord is one row of a queue collection.
type QueueRecord struct {
	Collection string
	Name       string
	JobID      string
	Payload    []byte
	CreatedAt  time.Time
}

// InsertQueueRecord inserts rec if (collection, name) is free. It reports
// false, without error, when the name is already taken: this is the
// create-if-absent primitive terminal acks rely on.
func (s *Store) InsertQueueRecord(ctx context.Context, rec QueueRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_records (collection, name, job_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, name) DO NOTHING
	`, rec.Collection, rec.Name, rec.JobID, rec.Payload, timestamp(rec.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", rec.Collection, rec.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", rec.Collection, rec.Name, err)
	}
	return n == 1, nil
}

// PutQueueRecord inserts rec, replacing any record of the same name.
func (s *Store) PutQueueRecord(ctx context.Context, rec QueueRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_records (collection, name, job_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, name) DO UPDATE SET
			job_id = excluded.job_id,
			payload = excluded.payload,
			created_at = excluded.created_at
	`, rec.Collection, rec.Name, rec.JobID, rec.Payload, timestamp(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", rec.Collection, rec.Name, err)
	}
	return nil
}

// GetQueueRecord returns one record or ErrNotFound.
func (s *Store) GetQueueRecord(ctx context.Context, collection, name string) (QueueRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, name, job_id, payload, created_at
		FROM queue_records WHERE collection = ? AND name = ?
	`, collection, name)
	rec, err := scanQueueRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueRecord{}, fmt.Errorf("%s/%s: %w", collection, name, ErrNotFound)
	}
	if err != nil {
		return QueueRecord{}, fmt.Errorf("get %s/%s: %w", collection, name, err)
	}
	return rec, nil
}

// ListQueueRecords returns a collection ordered by creation, then name.
func (s *Store) ListQueueRecords(ctx context.Context, collection string) ([]QueueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, name, job_id, payload, created_at
		FROM queue_records WHERE collection = ?
		ORDER BY created_at ASC, name COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []QueueRecord
	for rows.Next() {
		rec, err := scanQueueRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteQueueRecord removes one record. Deleting a missing record is not
// an error.
func (s *Store) DeleteQueueRecord(ctx context.Context, collection, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_records WHERE collection = ? AND name = ?`, collection, name)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, name, err)
	}
	return nil
}

// CountQueueRecords returns the number of records per collection.
func (s *Store) CountQueueRecords(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, COUNT(*) FROM queue_records GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("count queue records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return nil, fmt.Errorf("count queue records: %w", err)
		}
		out[c] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRecord(row rowScanner) (QueueRecord, error) {
	var rec QueueRecord
	var created string
	if err := row.Scan(&rec.Collection, &rec.Name, &rec.JobID, &rec.Payload, &created); err != nil {
		return QueueRecord{}, err
	}
	t, err := parseTimestamp(created)
	if err != nil {
		return QueueRecord{}, err
	}
	rec.CreatedAt = t
	return rec, nil
}
