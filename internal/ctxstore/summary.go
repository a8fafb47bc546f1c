package ctxstore

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/store"
)

// Summary derives a structural projection of the current snapshot. An
// unknown context yields an empty summary at version 0.
func (s *Store) Summary(contextID string) ir.Summary {
	out := ir.Summary{ContextID: contextID}
	snap, ok := s.current(contextID)
	if !ok {
		return out
	}
	out.Version = snap.Version
	out.Nodes = len(snap.Tree)
	out.Scripts = len(snap.Scripts)
	out.ExportedAt = snap.Meta.ExportedAt
	out.RecentlyChanged = append([]string(nil), snap.Meta.Recent...)

	roots := make(map[string]struct{})
	classes := make(map[string]int)
	for p, n := range snap.Tree {
		roots[ir.ContainerOf(p)] = struct{}{}
		if n.ClassName != "" {
			classes[n.ClassName]++
		}
	}
	for _, e := range snap.Scripts {
		out.ScriptBytes += e.Bytes
		if e.Source != nil {
			out.CachedSources++
		}
	}
	out.Roots = sortedKeys(roots)
	if len(classes) > 0 {
		out.ClassCounts = classes
	}
	return out
}

// DeltaSummary describes the net change from fromVersion to the current
// version. It returns nil when fromVersion is current or ahead.
func (s *Store) DeltaSummary(ctx context.Context, contextID string, fromVersion int64) (*ir.DeltaSummary, error) {
	cur := s.Version(contextID)
	if fromVersion >= cur {
		return nil, nil
	}

	deltas, complete, err := s.deltasSince(ctx, contextID, fromVersion)
	if err != nil {
		return nil, err
	}

	tree := make(map[string]string)
	scripts := make(map[string]string)
	for _, sd := range deltas {
		if sd.ToVersion > cur {
			break
		}
		d := sd.Delta
		for _, n := range d.Tree.Added {
			switch tree[n.Path] {
			case "removed":
				tree[n.Path] = "updated"
			case "":
				tree[n.Path] = "added"
			}
		}
		for _, n := range d.Tree.Updated {
			if tree[n.Path] == "" || tree[n.Path] == "removed" {
				tree[n.Path] = "updated"
			}
		}
		for _, p := range d.Tree.Removed {
			if tree[p] == "added" {
				delete(tree, p)
			} else {
				tree[p] = "removed"
			}
		}
		for _, e := range d.Scripts.Changed {
			scripts[e.Path] = "changed"
		}
		for _, p := range d.Scripts.Removed {
			scripts[p] = "removed"
		}
	}

	pick := func(m map[string]string, state string) []string {
		var out []string
		for p, st := range m {
			if st == state {
				out = append(out, p)
			}
		}
		sort.Strings(out)
		return out
	}

	out := &ir.DeltaSummary{
		FromVersion: fromVersion,
		ToVersion:   cur,
		Counts:      make(map[string]int),
		Truncated:   !complete,
	}
	lists := []struct {
		key  string
		dst  *[]string
		m    map[string]string
		want string
	}{
		{"treeAdded", &out.TreeAdded, tree, "added"},
		{"treeRemoved", &out.TreeRemoved, tree, "removed"},
		{"treeUpdated", &out.TreeUpdated, tree, "updated"},
		{"scriptsChanged", &out.ScriptsChanged, scripts, "changed"},
		{"scriptsRemoved", &out.ScriptsRemoved, scripts, "removed"},
	}
	for _, l := range lists {
		all := pick(l.m, l.want)
		out.Counts[l.key] = len(all)
		if s.deltaMaxItems > 0 && len(all) > s.deltaMaxItems {
			all = all[:s.deltaMaxItems]
			out.Truncated = true
		}
		*l.dst = all
	}
	return out, nil
}

// deltasSince returns the deltas after fromVersion and whether they cover
// the whole range. Persisted history is authoritative; in-memory history
// is used without a persister.
func (s *Store) deltasSince(ctx context.Context, contextID string, fromVersion int64) ([]store.StoredDelta, bool, error) {
	var deltas []store.StoredDelta
	if s.persist != nil {
		var err error
		deltas, err = s.persist.DeltasSince(ctx, contextID, fromVersion)
		if err != nil {
			return nil, false, fmt.Errorf("delta summary %s: %w", contextID, err)
		}
	} else if c := s.lookup(contextID); c != nil {
		c.write.Lock()
		for _, sd := range c.history {
			if sd.ToVersion > fromVersion {
				deltas = append(deltas, sd)
			}
		}
		c.write.Unlock()
	}
	complete := len(deltas) > 0 && deltas[0].ToVersion == fromVersion+1
	return deltas, complete, nil
}

// FocusPack picks script previews for a job: scripts changed since
// fromVersion first, then the hint paths, then (when nothing else
// applies) every script in path order. At most focusMaxScripts entries;
// each preview is cut at focusMaxBytes on a rune boundary.
func (s *Store) FocusPack(ctx context.Context, contextID string, fromVersion int64, hints ...string) ([]ir.FocusScript, error) {
	snap, ok := s.current(contextID)
	if !ok {
		return nil, nil
	}

	type pick struct{ path, reason string }
	var order []pick
	seen := make(map[string]struct{})
	add := func(p, reason string) {
		if _, dup := seen[p]; dup {
			return
		}
		if _, ok := snap.Scripts[p]; !ok {
			return
		}
		seen[p] = struct{}{}
		order = append(order, pick{p, reason})
	}

	if fromVersion > 0 {
		ds, err := s.DeltaSummary(ctx, contextID, fromVersion)
		if err != nil {
			return nil, err
		}
		if ds != nil {
			for _, p := range ds.ScriptsChanged {
				add(p, "changed")
			}
		}
	}
	for _, p := range hints {
		add(p, "focus")
	}
	if len(order) == 0 {
		for _, p := range sortedKeys(snap.Scripts) {
			add(p, "index")
		}
	}

	var out []ir.FocusScript
	for _, pk := range order {
		if s.focusMaxScripts > 0 && len(out) >= s.focusMaxScripts {
			break
		}
		e := snap.Scripts[pk.path]
		fs := ir.FocusScript{
			Path:        pk.path,
			Fingerprint: e.Fingerprint,
			Bytes:       e.Bytes,
			Reason:      pk.reason,
		}
		if e.Source != nil {
			fs.Preview, fs.Truncated = truncateBytes(*e.Source, s.focusMaxBytes)
		}
		out = append(out, fs)
	}
	return out, nil
}

// truncateBytes cuts src to at most limit bytes without splitting a rune.
func truncateBytes(src string, limit int) (string, bool) {
	if limit <= 0 || len(src) <= limit {
		return src, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(src[cut]) {
		cut--
	}
	return src[:cut], true
}

// JobContext assembles the context payload for a job addressed to an agent
// whose last known version is fromVersion (0 for none).
func (s *Store) JobContext(ctx context.Context, contextID string, fromVersion int64, hints ...string) (ir.JobContext, error) {
	out := ir.JobContext{Summary: s.Summary(contextID)}

	delta, err := s.DeltaSummary(ctx, contextID, fromVersion)
	if err != nil {
		return ir.JobContext{}, err
	}
	if fromVersion > 0 {
		out.Delta = delta
	}
	missing := s.Missing(contextID)
	if s.deltaMaxItems > 0 && len(missing) > s.deltaMaxItems {
		missing = missing[:s.deltaMaxItems]
	}
	out.Missing = missing

	if out.Focus, err = s.FocusPack(ctx, contextID, fromVersion, hints...); err != nil {
		return ir.JobContext{}, err
	}
	return out, nil
}

// Rebase packages current state for an agent whose view is stale: the
// current version, the current fingerprint of each path, and what changed
// since fromVersion.
func (s *Store) Rebase(ctx context.Context, contextID string, fromVersion int64, paths ...string) (*ir.Rebase, error) {
	out := &ir.Rebase{ContextID: contextID, CurrentVersion: s.Version(contextID)}
	for _, p := range paths {
		if fp, ok := s.ScriptFingerprint(contextID, p); ok {
			if out.Fingerprints == nil {
				out.Fingerprints = make(map[string]string)
			}
			out.Fingerprints[p] = fp
		}
	}
	delta, err := s.DeltaSummary(ctx, contextID, fromVersion)
	if err != nil {
		return nil, err
	}
	out.Delta = delta
	return out, nil
}
