package apply

import (
	"encoding/json"

	"github.com/roach88/scenebridge/internal/ir"
)

// SourceLookup returns the source a script had before the transaction ran.
type SourceLookup func(path string) (string, bool)

// Compensation is the undo plan for the succeeded subset of a transaction.
type Compensation struct {
	Actions []ir.Action
	// Compensated and NotCompensable hold indexes into the original
	// transaction's actions.
	Compensated    []int
	NotCompensable []int
}

// Compensate builds the actions that undo every succeeded action of tx,
// newest first. Prior values come from the receipt; script sources fall
// back to lookup. Deletes and effects have no inverse and are reported as
// not compensable, as is any action whose prior state is unknown.
func Compensate(tx ir.Transaction, r ir.Receipt, lookup SourceLookup) Compensation {
	results := make(map[int]ir.ActionResult, len(r.Results))
	for _, res := range r.Results {
		results[res.Index] = res
	}

	var c Compensation
	for i := len(tx.Actions) - 1; i >= 0; i-- {
		res, ok := results[i]
		if !ok || !res.OK {
			continue
		}
		inv, ok := inverse(tx.Actions[i], res, lookup)
		if !ok {
			c.NotCompensable = append(c.NotCompensable, i)
			continue
		}
		c.Actions = append(c.Actions, inv)
		c.Compensated = append(c.Compensated, i)
	}
	return c
}

func inverse(a ir.Action, res ir.ActionResult, lookup SourceLookup) (ir.Action, bool) {
	prev := res.Previous
	switch p := a.Payload.(type) {
	case *ir.SetProperty:
		if v := priorValue(prev, p.Property); v != nil {
			return ir.NewAction(a.Path, &ir.SetProperty{Property: p.Property, Value: v}), true
		}
	case *ir.SetProperties:
		if vals, ok := priorValues(prev, p.Properties); ok {
			return ir.NewAction(a.Path, &ir.SetProperties{Properties: vals}), true
		}
	case *ir.SetAttribute:
		if v := priorValue(prev, p.Attribute); v != nil {
			return ir.NewAction(a.Path, &ir.SetAttribute{Attribute: p.Attribute, Value: v}), true
		}
	case *ir.SetAttributes:
		if vals, ok := priorValues(prev, p.Attributes); ok {
			return ir.NewAction(a.Path, &ir.SetAttributes{Attributes: vals}), true
		}
	case *ir.SetTags:
		if prev != nil && len(prev.Value) > 0 {
			tags := []string{}
			if err := json.Unmarshal(prev.Value, &tags); err == nil {
				return ir.NewAction(a.Path, &ir.SetTags{Tags: tags}), true
			}
		}
	case *ir.CreateInstance:
		created := res.CreatedPath
		if created == "" {
			created = p.CreatedPath()
		}
		return ir.NewAction(created, &ir.DeleteInstance{}), true
	case *ir.CloneInstance, *ir.InsertAsset, *ir.AnimationCreate:
		if res.CreatedPath != "" {
			return ir.NewAction(res.CreatedPath, &ir.DeleteInstance{}), true
		}
	case *ir.Rename:
		oldName := ir.BaseName(a.Path)
		if prev != nil && prev.Name != "" {
			oldName = prev.Name
		}
		now := ir.JoinPath(ir.ParentOf(a.Path), p.NewName)
		return ir.NewAction(now, &ir.Rename{NewName: oldName}), true
	case *ir.Move:
		oldParent := ir.ParentOf(a.Path)
		if prev != nil && prev.ParentPath != "" {
			oldParent = prev.ParentPath
		}
		now := ir.JoinPath(p.NewParentPath, ir.BaseName(a.Path))
		return ir.NewAction(now, &ir.Move{NewParentPath: oldParent}), true
	case *ir.EditScript:
		var src string
		var ok bool
		if prev != nil && prev.Source != nil {
			src, ok = *prev.Source, true
		} else if lookup != nil {
			src, ok = lookup(a.Path)
		}
		if ok {
			return ir.NewAction(a.Path, &ir.EditScript{Mode: ir.EditReplace, Source: &src}), true
		}
	}
	return ir.Action{}, false
}

func priorValue(prev *ir.PriorState, key string) json.RawMessage {
	if prev == nil {
		return nil
	}
	if len(prev.Value) > 0 {
		return prev.Value
	}
	if v, ok := prev.Values[key]; ok && len(v) > 0 {
		return v
	}
	return nil
}

// priorValues returns the prior value of every key in set, or false if any
// is unknown.
func priorValues(prev *ir.PriorState, set map[string]json.RawMessage) (map[string]json.RawMessage, bool) {
	if prev == nil {
		return nil, false
	}
	out := make(map[string]json.RawMessage, len(set))
	for k := range set {
		v, ok := prev.Values[k]
		if !ok || len(v) == 0 {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}
