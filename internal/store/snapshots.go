package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/scenebridge/internal/ir"
)

// ErrStaleSnapshot is returned when a save would not advance the stored
// version for its context.
var ErrStaleSnapshot = errors.New("snapshot version does not advance stored version")

// StoredDelta is a delta as persisted, with the version it produced.
type StoredDelta struct {
	ToVersion int64
	Delta     ir.Delta
	AppliedAt string
}

// SaveSnapshot persists snap and, when non-nil, the delta that produced it,
// in one transaction. The stored version never regresses: a snapshot whose
// version is not greater than the stored one yields ErrStaleSnapshot and
// writes nothing.
func (s *Store) SaveSnapshot(ctx context.Context, snap ir.ContextSnapshot, delta *ir.Delta) error {
	blob, err := encodeBlob(snap)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ContextID, err)
	}
	var deltaBlob []byte
	if delta != nil {
		if deltaBlob, err = encodeBlob(delta); err != nil {
			return fmt.Errorf("save snapshot %s: delta: %w", snap.ContextID, err)
		}
	}
	now := timestamp(s.now())

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO context_snapshots (context_id, version, snapshot, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(context_id) DO UPDATE SET
				version = excluded.version,
				snapshot = excluded.snapshot,
				updated_at = excluded.updated_at
			WHERE excluded.version > context_snapshots.version
		`, snap.ContextID, snap.Version, blob, now)
		if err != nil {
			return fmt.Errorf("save snapshot %s: %w", snap.ContextID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save snapshot %s: %w", snap.ContextID, err)
		}
		if n == 0 {
			return fmt.Errorf("save snapshot %s v%d: %w", snap.ContextID, snap.Version, ErrStaleSnapshot)
		}

		if deltaBlob == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO context_deltas (context_id, to_version, delta, applied_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, snap.ContextID, snap.Version, deltaBlob, now)
		if err != nil {
			return fmt.Errorf("save delta %s v%d: %w", snap.ContextID, snap.Version, err)
		}
		return nil
	})
}

// LoadSnapshot returns the stored snapshot for contextID, or ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, contextID string) (ir.ContextSnapshot, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM context_snapshots WHERE context_id = ?`, contextID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ContextSnapshot{}, fmt.Errorf("load snapshot %s: %w", contextID, ErrNotFound)
	}
	if err != nil {
		return ir.ContextSnapshot{}, fmt.Errorf("load snapshot %s: %w", contextID, err)
	}
	var snap ir.ContextSnapshot
	if err := decodeBlob(blob, &snap); err != nil {
		return ir.ContextSnapshot{}, fmt.Errorf("load snapshot %s: %w", contextID, err)
	}
	return snap, nil
}

// SnapshotVersions returns the stored version per context.
func (s *Store) SnapshotVersions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, version FROM context_snapshots ORDER BY context_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var v int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("snapshot versions: %w", err)
		}
		out[id] = v
	}
	return out, rows.Err()
}

// DeltasSince returns the deltas that produced versions after fromVersion,
// in version order.
func (s *Store) DeltasSince(ctx context.Context, contextID string, fromVersion int64) ([]StoredDelta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_version, delta, applied_at FROM context_deltas
		WHERE context_id = ? AND to_version > ?
		ORDER BY to_version ASC
	`, contextID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("deltas since %s v%d: %w", contextID, fromVersion, err)
	}
	defer rows.Close()

	var out []StoredDelta
	for rows.Next() {
		var d StoredDelta
		var blob []byte
		if err := rows.Scan(&d.ToVersion, &blob, &d.AppliedAt); err != nil {
			return nil, fmt.Errorf("deltas since %s: %w", contextID, err)
		}
		if err := decodeBlob(blob, &d.Delta); err != nil {
			return nil, fmt.Errorf("deltas since %s v%d: %w", contextID, d.ToVersion, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
