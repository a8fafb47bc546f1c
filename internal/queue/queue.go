package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
)

// Collections. Each holds records named deterministically by job id.
const (
	CollectionJobs      = "jobs"
	CollectionResponses = "responses"
	CollectionAcks      = "acks"
	CollectionErrors    = "errors"
)

// Defaults.
const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxPending = 1000
)

var (
	// ErrAlreadyResolved is returned when a job already has its terminal Ack.
	ErrAlreadyResolved = errors.New("job already resolved")

	// ErrNotFound is returned for a missing job or record.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned when another server owns the queue root.
	ErrLocked = errors.New("queue is locked by another server")
)

// Envelope is a raw response as found in the responses collection.
// Raw is left undecoded so that malformed records can be reported with
// their payload.
type Envelope struct {
	JobID      string
	Name       string
	Raw        []byte
	ReceivedAt time.Time
}

// Duplicate reports whether the envelope was stored beside an earlier
// response for the same job.
func (e Envelope) Duplicate() bool {
	return strings.Contains(e.Name, "~")
}

// Stats is the diagnostics view of the queue.
type Stats struct {
	Counts       map[string]int `json:"counts"`
	Pending      int            `json:"pending"`
	LastJob      string         `json:"lastJob,omitempty"`
	LastResponse string         `json:"lastResponse,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
}

// entry is one stored record as seen by the queue logic.
type entry struct {
	Name string
	Data []byte
	At   time.Time
}

// medium is the storage a Queue runs over. Both implementations make a
// record visible atomically: readers see either nothing or the whole record.
type medium interface {
	// put stores data. With exclusive set it reports false, without error,
	// when name already exists; otherwise it replaces.
	put(ctx context.Context, coll, name, jobID string, data []byte, exclusive bool) (bool, error)
	// get returns ErrNotFound for a missing record.
	get(ctx context.Context, coll, name string) ([]byte, error)
	// list returns records ordered by time, then name.
	list(ctx context.Context, coll string) ([]entry, error)
	remove(ctx context.Context, coll, name string) error
	close() error
}

// Queue is the job/response exchange between the server and the agent.
//
// A job is pending while it has no Ack. The Ack is the single terminal
// marker: it is created exclusively, so a job can never be resolved twice,
// whichever of the engine or the TTL sweep gets there first.
//
// Thread-safety: Queue is safe for concurrent use. Cross-process safety
// comes from the medium's atomic create and rename.
type Queue struct {
	m          medium
	ttl        time.Duration
	maxPending int
	now        func() time.Time
	ids        ir.IDGenerator
	logger     *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithTTL sets the expiry assigned to jobs enqueued without one.
func WithTTL(d time.Duration) Option {
	return func(q *Queue) { q.ttl = d }
}

// WithMaxPending sets the pending-job limit. Zero or less disables it.
func WithMaxPending(n int) Option {
	return func(q *Queue) { q.maxPending = n }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDs sets the generator used for jobs enqueued without an id.
func WithIDs(g ir.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func newQueue(m medium, opts ...Option) *Queue {
	q := &Queue{
		m:          m,
		ttl:        DefaultTTL,
		maxPending: DefaultMaxPending,
		now:        time.Now,
		ids:        ir.UUIDv7Generator{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Close releases the medium (and the server lock, if held).
func (q *Queue) Close() error {
	return q.m.close()
}

// Lock takes exclusive server ownership of the queue, where the medium
// supports it. It returns ErrLocked when another process holds it.
func (q *Queue) Lock() error {
	if l, ok := q.m.(interface{ lock() error }); ok {
		return l.lock()
	}
	return nil
}

// EnqueueJob makes job visible to the agent. Missing ID, CreatedAt and
// ExpiresAt are filled in. It fails with POLICY_VIOLATION "queue full"
// when the pending limit is reached.
func (q *Queue) EnqueueJob(ctx context.Context, job ir.Job) (ir.Job, error) {
	if job.ID == "" {
		job.ID = q.ids.Generate()
	}
	if err := validJobID(job.ID); err != nil {
		return ir.Job{}, err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now().UTC()
	}
	if job.ExpiresAt.IsZero() {
		job.ExpiresAt = job.CreatedAt.Add(q.ttl)
	}

	if q.maxPending > 0 {
		pending, err := q.PendingJobs(ctx)
		if err != nil {
			return ir.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		if len(pending) >= q.maxPending {
			return ir.Job{}, ir.NewError(ir.CodePolicyViolation, "queue full").
				WithJob(job.ID).
				WithDetail("pending", strconv.Itoa(len(pending)))
		}
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return ir.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	created, err := q.m.put(ctx, CollectionJobs, recordName(job.ID), job.ID, data, true)
	if err != nil {
		return ir.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if !created {
		return ir.Job{}, ir.NewError(ir.CodeSchemaInvalid, "job id already exists").WithJob(job.ID)
	}
	q.logger.Debug("job enqueued", "job", job.ID, "context", job.ContextID, "expires", job.ExpiresAt)
	return job, nil
}

// Job returns a job by id, or ErrNotFound.
func (q *Queue) Job(ctx context.Context, id string) (ir.Job, error) {
	if err := validJobID(id); err != nil {
		return ir.Job{}, err
	}
	data, err := q.m.get(ctx, CollectionJobs, recordName(id))
	if err != nil {
		return ir.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	var job ir.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return ir.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

// PendingJobs returns jobs that have no Ack, oldest first. Expired jobs not
// yet swept are included.
func (q *Queue) PendingJobs(ctx context.Context) ([]ir.Job, error) {
	jobs, err := q.m.list(ctx, CollectionJobs)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	acked, err := q.jobIDs(ctx, CollectionAcks)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}

	var out []ir.Job
	for _, e := range jobs {
		if acked[jobIDOf(e.Name)] {
			continue
		}
		var job ir.Job
		if err := json.Unmarshal(e.Data, &job); err != nil {
			q.logger.Warn("skipping unreadable job record", "name", e.Name, "error", err)
			continue
		}
		out = append(out, job)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// WriteResponse stores a response for jobID as the agent would. A second
// response for the same job is stored beside the first, never over it.
// It returns the record name.
func (q *Queue) WriteResponse(ctx context.Context, jobID string, raw []byte) (string, error) {
	if err := validJobID(jobID); err != nil {
		return "", err
	}
	name := recordName(jobID)
	for n := 1; ; n++ {
		created, err := q.m.put(ctx, CollectionResponses, name, jobID, raw, true)
		if err != nil {
			return "", fmt.Errorf("write response %s: %w", jobID, err)
		}
		if created {
			return name, nil
		}
		name = "job_" + jobID + "~" + strconv.Itoa(n) + ".json"
	}
}

// PollResponses returns the responses currently available, oldest first.
// It never blocks and never mutates.
func (q *Queue) PollResponses(ctx context.Context) ([]Envelope, error) {
	entries, err := q.m.list(ctx, CollectionResponses)
	if err != nil {
		return nil, fmt.Errorf("poll responses: %w", err)
	}
	out := make([]Envelope, 0, len(entries))
	for _, e := range entries {
		out = append(out, Envelope{
			JobID:      jobIDOf(e.Name),
			Name:       e.Name,
			Raw:        e.Data,
			ReceivedAt: e.At,
		})
	}
	return out, nil
}

// ConsumeResponse removes a processed response. Consuming twice is not an
// error.
func (q *Queue) ConsumeResponse(ctx context.Context, env Envelope) error {
	if err := q.m.remove(ctx, CollectionResponses, env.Name); err != nil {
		return fmt.Errorf("consume response %s: %w", env.Name, err)
	}
	return nil
}

// WriteAck resolves a job. It returns ErrAlreadyResolved if the job has
// an Ack already, and ErrNotFound if the job does not exist.
func (q *Queue) WriteAck(ctx context.Context, ack ir.Ack) error {
	if err := validJobID(ack.JobID); err != nil {
		return err
	}
	if _, err := q.m.get(ctx, CollectionJobs, recordName(ack.JobID)); err != nil {
		return fmt.Errorf("ack %s: %w", ack.JobID, err)
	}
	if ack.At.IsZero() {
		ack.At = q.now().UTC()
	}
	data, err := json.MarshalIndent(ack, "", "  ")
	if err != nil {
		return fmt.Errorf("ack %s: %w", ack.JobID, err)
	}
	created, err := q.m.put(ctx, CollectionAcks, recordName(ack.JobID), ack.JobID, data, true)
	if err != nil {
		return fmt.Errorf("ack %s: %w", ack.JobID, err)
	}
	if !created {
		return fmt.Errorf("ack %s: %w", ack.JobID, ErrAlreadyResolved)
	}
	q.logger.Debug("job resolved", "job", ack.JobID, "outcome", ack.Outcome, "ok", ack.OK)
	return nil
}

// Ack returns the terminal Ack of a job, or ErrNotFound while it is pending.
func (q *Queue) Ack(ctx context.Context, jobID string) (ir.Ack, error) {
	if err := validJobID(jobID); err != nil {
		return ir.Ack{}, err
	}
	data, err := q.m.get(ctx, CollectionAcks, recordName(jobID))
	if err != nil {
		return ir.Ack{}, fmt.Errorf("ack %s: %w", jobID, err)
	}
	var ack ir.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return ir.Ack{}, fmt.Errorf("ack %s: %w", jobID, err)
	}
	return ack, nil
}

// WriteError stores an error record. A terminal record takes the job's own
// name and accompanies a failing Ack; non-terminal records are suffixed so
// that any number can coexist.
func (q *Queue) WriteError(ctx context.Context, rec ir.ErrorRecord) error {
	if err := validJobID(rec.JobID); err != nil {
		return err
	}
	if rec.At.IsZero() {
		rec.At = q.now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("error record %s: %w", rec.JobID, err)
	}

	if rec.Terminal {
		_, err := q.m.put(ctx, CollectionErrors, recordName(rec.JobID), rec.JobID, data, false)
		if err != nil {
			return fmt.Errorf("error record %s: %w", rec.JobID, err)
		}
		return nil
	}

	stamp := rec.At.UnixNano()
	for n := 0; ; n++ {
		name := "job_" + rec.JobID + "~" + strconv.FormatInt(stamp+int64(n), 10) + ".json"
		created, err := q.m.put(ctx, CollectionErrors, name, rec.JobID, data, true)
		if err != nil {
			return fmt.Errorf("error record %s: %w", rec.JobID, err)
		}
		if created {
			return nil
		}
	}
}

// Errors returns every error record for jobID in the order written.
func (q *Queue) Errors(ctx context.Context, jobID string) ([]ir.ErrorRecord, error) {
	entries, err := q.m.list(ctx, CollectionErrors)
	if err != nil {
		return nil, fmt.Errorf("errors %s: %w", jobID, err)
	}
	var out []ir.ErrorRecord
	for _, e := range entries {
		if jobIDOf(e.Name) != jobID {
			continue
		}
		var rec ir.ErrorRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return nil, fmt.Errorf("errors %s: %s: %w", jobID, e.Name, err)
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// SweepExpired resolves pending jobs whose TTL has passed at now and that
// have no response waiting, with reason "timeout". It returns the ids it
// resolved. Safe to run concurrently with response processing: a job the
// engine resolves first is skipped.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	pending, err := q.PendingJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	answered, err := q.jobIDs(ctx, CollectionResponses)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var expired []string
	for _, job := range pending {
		if !job.Expired(now) || answered[job.ID] {
			continue
		}
		ack := ir.Ack{
			JobID:   job.ID,
			OK:      false,
			Outcome: ir.OutcomeExpired,
			Code:    ir.CodeTimeout,
			Reason:  "timeout",
			At:      now.UTC(),
		}
		if err := q.WriteAck(ctx, ack); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return expired, fmt.Errorf("sweep: %w", err)
		}
		rec := ir.ErrorRecord{
			JobID:    job.ID,
			Code:     ir.CodeTimeout,
			Reason:   "timeout",
			Terminal: true,
			Error: ir.NewError(ir.CodeTimeout, "no response before %s", job.ExpiresAt.UTC().Format(time.RFC3339)).
				WithJob(job.ID),
			At: now.UTC(),
		}
		if err := q.WriteError(ctx, rec); err != nil {
			return expired, fmt.Errorf("sweep: %w", err)
		}
		q.logger.Info("job expired", "job", job.ID, "expiresAt", job.ExpiresAt)
		expired = append(expired, job.ID)
	}
	return expired, nil
}

// Stats returns per-collection counts, pending count, and the most recent
// record names.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Counts: make(map[string]int)}
	for _, coll := range []string{CollectionJobs, CollectionResponses, CollectionAcks, CollectionErrors} {
		entries, err := q.m.list(ctx, coll)
		if err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
		st.Counts[coll] = len(entries)
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1].Name
		switch coll {
		case CollectionJobs:
			st.LastJob = last
		case CollectionResponses:
			st.LastResponse = last
		case CollectionErrors:
			st.LastError = last
		}
	}
	pending, err := q.PendingJobs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.Pending = len(pending)
	return st, nil
}

func (q *Queue) jobIDs(ctx context.Context, coll string) (map[string]bool, error) {
	entries, err := q.m.list(ctx, coll)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[jobIDOf(e.Name)] = true
	}
	return out, nil
}

// recordName is the deterministic record name for a job id.
func recordName(jobID string) string {
	return "job_" + jobID + ".json"
}

// jobIDOf recovers the job id from a record name; anything after "~" is
// a disambiguating suffix.
func jobIDOf(name string) string {
	id := strings.TrimSuffix(strings.TrimPrefix(name, "job_"), ".json")
	if i := strings.IndexByte(id, '~'); i >= 0 {
		id = id[:i]
	}
	return id
}

// isRecordName reports whether name looks like a queue record.
func isRecordName(name string) bool {
	return strings.HasPrefix(name, "job_") && strings.HasSuffix(name, ".json") && len(name) > len("job_.json")
}

func validJobID(id string) error {
	if id == "" {
		return ir.NewError(ir.CodeSchemaInvalid, "empty job id")
	}
	if strings.ContainsAny(id, "/\\~\x00") || id == "." || id == ".." || strings.TrimSpace(id) != id {
		return ir.NewError(ir.CodeSchemaInvalid, "invalid job id %q", id)
	}
	return nil
}
