package ctxstore

import (
	"sort"

	"github.com/roach88/scenebridge/internal/ir"
)

// validateDelta checks a delta before any of it is applied, so that a bad
// entry never leaves a half-applied snapshot.
func validateDelta(d ir.Delta) error {
	check := func(kind, p string) error {
		if p == "" {
			return ir.NewError(ir.CodeSchemaInvalid, "%s entry without path", kind)
		}
		return nil
	}
	for _, n := range d.Tree.Added {
		if err := check("treeDelta.added", n.Path); err != nil {
			return err
		}
	}
	for _, n := range d.Tree.Updated {
		if err := check("treeDelta.updated", n.Path); err != nil {
			return err
		}
	}
	for _, p := range d.Tree.Removed {
		if err := check("treeDelta.removed", p); err != nil {
			return err
		}
	}
	for _, s := range d.Scripts.Changed {
		if err := check("scriptDelta.changed", s.Path); err != nil {
			return err
		}
	}
	for _, p := range d.Scripts.Removed {
		if err := check("scriptDelta.removed", p); err != nil {
			return err
		}
	}
	return nil
}

// applyDelta mutates snap in place: tree delta first, then script delta.
// It returns the paths touched, sorted.
func applyDelta(snap *ir.ContextSnapshot, d ir.Delta) []string {
	touched := make(map[string]struct{})

	for _, n := range d.Tree.Added {
		snap.Tree[n.Path] = n.Clone()
		touched[n.Path] = struct{}{}
	}
	for _, n := range d.Tree.Updated {
		snap.Tree[n.Path] = n.Clone()
		touched[n.Path] = struct{}{}
	}
	for _, p := range d.Tree.Removed {
		delete(snap.Tree, p)
		touched[p] = struct{}{}
	}

	for _, s := range d.Scripts.Changed {
		snap.Scripts[s.Path] = mergeSource(snap.Scripts[s.Path], s)
		touched[s.Path] = struct{}{}
	}
	for _, p := range d.Scripts.Removed {
		delete(snap.Scripts, p)
		touched[p] = struct{}{}
	}

	out := make([]string, 0, len(touched))
	for p := range touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// mergeSource builds the stored entry for an incoming script. An incoming
// entry without source keeps the previously cached source when its content
// is evidently unchanged: same fingerprint or, lacking one, same size.
func mergeSource(prev, next ir.ScriptEntry) ir.ScriptEntry {
	if next.Source == nil && prev.Source != nil {
		switch {
		case next.Fingerprint != "" && next.Fingerprint == entryFingerprint(prev):
			next.Source = prev.Source
		case next.Fingerprint == "" && (next.Bytes == 0 || next.Bytes == prev.Bytes):
			next.Source = prev.Source
		}
	}
	if next.Source != nil {
		src := *next.Source
		next.Source = &src
		next.Bytes = len(src)
	}
	if next.ClassName == "" {
		next.ClassName = prev.ClassName
	}
	next.Fingerprint = entryFingerprint(next)
	return next
}

// Diff computes the delta that turns from into to. Nodes and scripts are
// compared by value; scripts by fingerprint.
func Diff(from, to ir.ContextSnapshot) ir.Delta {
	d := ir.Delta{ContextID: to.ContextID, FromVersion: from.Version}

	for _, p := range sortedKeys(to.Tree) {
		n := to.Tree[p]
		old, ok := from.Tree[p]
		switch {
		case !ok:
			d.Tree.Added = append(d.Tree.Added, n)
		case !nodeEqual(old, n):
			d.Tree.Updated = append(d.Tree.Updated, n)
		}
	}
	for _, p := range sortedKeys(from.Tree) {
		if _, ok := to.Tree[p]; !ok {
			d.Tree.Removed = append(d.Tree.Removed, p)
		}
	}

	for _, p := range sortedKeys(to.Scripts) {
		s := to.Scripts[p]
		old, ok := from.Scripts[p]
		if !ok || entryFingerprint(old) != entryFingerprint(s) || old.ClassName != s.ClassName ||
			(old.Source == nil && s.Source != nil) {
			d.Scripts.Changed = append(d.Scripts.Changed, s)
		}
	}
	for _, p := range sortedKeys(from.Scripts) {
		if _, ok := to.Scripts[p]; !ok {
			d.Scripts.Removed = append(d.Scripts.Removed, p)
		}
	}
	return d
}

func nodeEqual(a, b ir.Node) bool {
	if a.ClassName != b.ClassName || a.Name != b.Name || len(a.Tags) != len(b.Tags) || len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	for k, v := range a.Attributes {
		if string(b.Attributes[k]) != string(v) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
