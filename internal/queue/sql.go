package queue

import (
	"context"
	"errors"

	"github.com/roach88/scenebridge/internal/store"
)

// sqlMedium stores collections as rows of the store's queue_records table.
// A committed INSERT is the visibility point; ON CONFLICT DO NOTHING gives
// exclusive creation.
type sqlMedium struct {
	st *store.Store
}

// NewSQL returns a queue backed by st. The store is not closed by the
// queue's Close.
func NewSQL(st *store.Store, opts ...Option) *Queue {
	return newQueue(&sqlMedium{st: st}, opts...)
}

func (m *sqlMedium) put(ctx context.Context, coll, name, jobID string, data []byte, exclusive bool) (bool, error) {
	rec := store.QueueRecord{Collection: coll, Name: name, JobID: jobID, Payload: data}
	if !exclusive {
		return true, m.st.PutQueueRecord(ctx, rec)
	}
	return m.st.InsertQueueRecord(ctx, rec)
}

func (m *sqlMedium) get(ctx context.Context, coll, name string) ([]byte, error) {
	rec, err := m.st.GetQueueRecord(ctx, coll, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Payload, nil
}

func (m *sqlMedium) list(ctx context.Context, coll string) ([]entry, error) {
	recs, err := m.st.ListQueueRecords(ctx, coll)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, entry{Name: r.Name, Data: r.Payload, At: r.CreatedAt})
	}
	return out, nil
}

func (m *sqlMedium) remove(ctx context.Context, coll, name string) error {
	return m.st.DeleteQueueRecord(ctx, coll, name)
}

func (m *sqlMedium) close() error {
	return nil
}
