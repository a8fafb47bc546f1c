package ctxstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/store"
)

// ErrUnknownContext is returned for a contextId that has never received a
// delta.
var ErrUnknownContext = errors.New("unknown context")

// Defaults.
const (
	DefaultDeltaMaxItems   = 200
	DefaultFocusMaxScripts = 8
	DefaultFocusMaxBytes   = 20000
	DefaultRecentLimit     = 20
	historyLimit           = 64
)

// Persister is the durable side of the Context Store. *store.Store
// implements it.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap ir.ContextSnapshot, delta *ir.Delta) error
	LoadSnapshot(ctx context.Context, contextID string) (ir.ContextSnapshot, error)
	SnapshotVersions(ctx context.Context) (map[string]int64, error)
	DeltasSince(ctx context.Context, contextID string, fromVersion int64) ([]store.StoredDelta, error)
}

// Store is the versioned cache of the remote tree, one snapshot per
// contextId.
//
// Thread-safety model:
//   - ApplyDelta: serialized per contextId (single writer)
//   - reads: lock-free loads of the published snapshot, returned as clones
//
// INVARIANTS:
//   - the published version per contextId only ever increases, by exactly 1
//   - a snapshot is published only after it is persisted
type Store struct {
	persist Persister
	now     func() time.Time
	logger  *slog.Logger

	deltaMaxItems   int
	focusMaxScripts int
	focusMaxBytes   int
	recentLimit     int

	mu       sync.RWMutex
	contexts map[string]*scopeState
}

// scopeState is the state owned for one contextId.
type scopeState struct {
	write sync.Mutex // held for the whole of ApplyDelta
	snap  atomic.Pointer[ir.ContextSnapshot]

	// history holds recent deltas for DeltaSummary when nothing is persisted.
	history []store.StoredDelta
}

// Option configures a Store.
type Option func(*Store)

// WithPersister enables durable snapshots.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDeltaMaxItems caps each path list in a DeltaSummary.
func WithDeltaMaxItems(n int) Option {
	return func(s *Store) { s.deltaMaxItems = n }
}

// WithFocus caps the focus pack: at most scripts entries, each preview at
// most bytes long.
func WithFocus(scripts, bytes int) Option {
	return func(s *Store) {
		s.focusMaxScripts = scripts
		s.focusMaxBytes = bytes
	}
}

// New creates an empty Store. Call Load to restore persisted snapshots.
func New(opts ...Option) *Store {
	s := &Store{
		now:             time.Now,
		logger:          slog.Default(),
		deltaMaxItems:   DefaultDeltaMaxItems,
		focusMaxScripts: DefaultFocusMaxScripts,
		focusMaxBytes:   DefaultFocusMaxBytes,
		recentLimit:     DefaultRecentLimit,
		contexts:        make(map[string]*scopeState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lookup(contextID string) *scopeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[contextID]
}

func (s *Store) lookupOrCreate(contextID string) *scopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok {
		c = &scopeState{}
		s.contexts[contextID] = c
	}
	return c
}

// current returns the published snapshot without copying. Callers must
// not mutate it.
func (s *Store) current(contextID string) (*ir.ContextSnapshot, bool) {
	c := s.lookup(contextID)
	if c == nil {
		return nil, false
	}
	snap := c.snap.Load()
	return snap, snap != nil
}

// GetSnapshot returns a private copy of the current snapshot and its version.
func (s *Store) GetSnapshot(contextID string) (ir.ContextSnapshot, int64, error) {
	snap, ok := s.current(contextID)
	if !ok {
		return ir.ContextSnapshot{}, 0, fmt.Errorf("snapshot %s: %w", contextID, ErrUnknownContext)
	}
	return snap.Clone(), snap.Version, nil
}

// Version returns the current version, or 0 for an unknown context.
func (s *Store) Version(contextID string) int64 {
	if snap, ok := s.current(contextID); ok {
		return snap.Version
	}
	return 0
}

// Versions returns the current version of every known context.
func (s *Store) Versions() map[string]int64 {
	s.mu.RLock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		if v := s.Version(id); v > 0 {
			out[id] = v
		}
	}
	return out
}

// ApplyDelta applies d on top of version expectedFrom and returns the new
// version, expectedFrom+1. A stale expectedFrom fails with VERSION_CONFLICT
// and changes nothing. An unknown context is at version 0.
func (s *Store) ApplyDelta(ctx context.Context, contextID string, expectedFrom int64, d ir.Delta) (int64, error) {
	if err := validateDelta(d); err != nil {
		return 0, err
	}
	v, _, err := s.apply(ctx, contextID, expectedFrom, func(*ir.ContextSnapshot) ir.Delta { return d })
	return v, err
}

// ApplyFull replaces the snapshot with a full export by applying the delta
// between the current snapshot and full. It returns the new version and
// the delta that was applied.
func (s *Store) ApplyFull(ctx context.Context, contextID string, expectedFrom int64, full ir.ContextSnapshot) (int64, ir.Delta, error) {
	if full.Tree == nil {
		full.Tree = map[string]ir.Node{}
	}
	if full.Scripts == nil {
		full.Scripts = map[string]ir.ScriptEntry{}
	}
	return s.apply(ctx, contextID, expectedFrom, func(prev *ir.ContextSnapshot) ir.Delta {
		base := ir.ContextSnapshot{}
		if prev != nil {
			base = *prev
		}
		d := Diff(base, full)
		d.ExportedAt = full.Meta.ExportedAt
		if full.Meta.Scope != (ir.Scope{}) {
			scope := full.Meta.Scope
			d.Scope = &scope
		}
		return d
	})
}

// apply is the single write path. build runs under the context's write
// lock, after the version check, against the snapshot it will replace.
func (s *Store) apply(ctx context.Context, contextID string, expectedFrom int64, build func(prev *ir.ContextSnapshot) ir.Delta) (int64, ir.Delta, error) {
	if contextID == "" {
		return 0, ir.Delta{}, ir.NewError(ir.CodeSchemaInvalid, "delta without contextId")
	}

	c := s.lookupOrCreate(contextID)
	c.write.Lock()
	defer c.write.Unlock()

	prev := c.snap.Load()
	var cur int64
	if prev != nil {
		cur = prev.Version
	}
	if expectedFrom != cur {
		e := ir.NewError(ir.CodeVersionConflict, "delta is based on version %d, current is %d", expectedFrom, cur)
		e.CurrentVersion = cur
		return cur, ir.Delta{}, e
	}

	d := build(prev)
	var next ir.ContextSnapshot
	if prev != nil {
		next = prev.Clone()
	} else {
		next = ir.ContextSnapshot{
			ContextID: contextID,
			Tree:      make(map[string]ir.Node),
			Scripts:   make(map[string]ir.ScriptEntry),
		}
	}
	touched := applyDelta(&next, d)

	now := s.now().UTC()
	next.Version = cur + 1
	next.Meta.UpdatedAt = now
	if !d.ExportedAt.IsZero() {
		next.Meta.ExportedAt = d.ExportedAt.UTC()
	} else if next.Meta.ExportedAt.IsZero() {
		next.Meta.ExportedAt = now
	}
	if d.Scope != nil {
		next.Meta.Scope = *d.Scope
	}
	next.Meta.Nodes = len(next.Tree)
	next.Meta.Scripts = len(next.Scripts)
	next.Meta.Recent = mergeRecent(touched, next.Meta.Recent, s.recentLimit)

	d.ContextID = contextID
	d.FromVersion = cur
	if s.persist != nil {
		if err := s.persist.SaveSnapshot(ctx, next, &d); err != nil {
			return cur, d, fmt.Errorf("apply delta %s v%d: %w", contextID, next.Version, err)
		}
	}

	c.history = append(c.history, store.StoredDelta{
		ToVersion: next.Version,
		Delta:     d,
		AppliedAt: now.Format(time.RFC3339Nano),
	})
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	c.snap.Store(&next)

	s.logger.Debug("context delta applied",
		"context", contextID,
		"version", next.Version,
		"touched", len(touched),
	)
	return next.Version, d, nil
}

// Load restores every persisted snapshot. It is called once at startup.
func (s *Store) Load(ctx context.Context) error {
	_, err := s.Reload(ctx)
	return err
}

// Reload re-derives in-memory state from the persister. A context is
// replaced only when the persisted version is ahead of memory, so running
// concurrently with ApplyDelta never regresses a version. It returns the
// contexts that were refreshed.
func (s *Store) Reload(ctx context.Context) ([]string, error) {
	if s.persist == nil {
		return nil, nil
	}
	versions, err := s.persist.SnapshotVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload contexts: %w", err)
	}

	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var refreshed []string
	for _, id := range ids {
		if s.Version(id) >= versions[id] {
			continue
		}
		ok, err := s.reloadOne(ctx, id)
		if err != nil {
			return refreshed, err
		}
		if ok {
			refreshed = append(refreshed, id)
		}
	}
	return refreshed, nil
}

func (s *Store) reloadOne(ctx context.Context, contextID string) (bool, error) {
	c := s.lookupOrCreate(contextID)
	c.write.Lock()
	defer c.write.Unlock()

	snap, err := s.persist.LoadSnapshot(ctx, contextID)
	if err != nil {
		return false, fmt.Errorf("reload context %s: %w", contextID, err)
	}
	if cur := c.snap.Load(); cur != nil && cur.Version >= snap.Version {
		return false, nil
	}
	if snap.Tree == nil {
		snap.Tree = make(map[string]ir.Node)
	}
	if snap.Scripts == nil {
		snap.Scripts = make(map[string]ir.ScriptEntry)
	}
	c.snap.Store(&snap)
	s.logger.Info("context reloaded", "context", contextID, "version", snap.Version)
	return true, nil
}

// ScriptFingerprint returns the current fingerprint of the script at path.
func (s *Store) ScriptFingerprint(contextID, path string) (string, bool) {
	snap, ok := s.current(contextID)
	if !ok {
		return "", false
	}
	e, ok := snap.Scripts[path]
	if !ok {
		return "", false
	}
	return e.Fingerprint, true
}

// StrongFingerprint returns the StrongHash of the cached source at path.
// It reports false when the source is not cached.
func (s *Store) StrongFingerprint(contextID, path string) (string, bool) {
	src, ok := s.Source(contextID, path)
	if !ok {
		return "", false
	}
	return StrongHash(src), true
}

// Source returns the cached source of the script at path.
func (s *Store) Source(contextID, path string) (string, bool) {
	snap, ok := s.current(contextID)
	if !ok {
		return "", false
	}
	e, ok := snap.Scripts[path]
	if !ok || e.Source == nil {
		return "", false
	}
	return *e.Source, true
}

// HasNode reports whether path is present in the tree metadata.
func (s *Store) HasNode(contextID, path string) bool {
	snap, ok := s.current(contextID)
	if !ok {
		return false
	}
	_, ok = snap.Tree[path]
	return ok
}

// Missing returns, sorted, the script paths known to the tree metadata or
// the script index that have no cached source. With no paths given, every
// script is considered.
func (s *Store) Missing(contextID string, paths ...string) []string {
	snap, ok := s.current(contextID)
	if !ok {
		return nil
	}
	if len(paths) == 0 {
		seen := make(map[string]struct{})
		for p := range snap.Scripts {
			seen[p] = struct{}{}
		}
		for p, n := range snap.Tree {
			if isScriptClass(n.ClassName) {
				seen[p] = struct{}{}
			}
		}
		for p := range seen {
			paths = append(paths, p)
		}
	}

	var out []string
	for _, p := range paths {
		n, inTree := snap.Tree[p]
		e, inScripts := snap.Scripts[p]
		switch {
		case inScripts && e.Source == nil:
			out = append(out, p)
		case !inScripts && inTree && isScriptClass(n.ClassName):
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func isScriptClass(className string) bool {
	switch className {
	case "Script", "LocalScript", "ModuleScript":
		return true
	}
	return false
}

// mergeRecent puts touched first, followed by earlier entries not touched
// again, capped at limit.
func mergeRecent(touched, earlier []string, limit int) []string {
	seen := make(map[string]struct{}, len(touched))
	out := make([]string, 0, limit)
	for _, list := range [][]string{touched, earlier} {
		for _, p := range list {
			if len(out) >= limit {
				return out
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
