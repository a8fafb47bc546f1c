package risk

import "github.com/roach88/scenebridge/internal/ir"

// Classifier assigns a RiskTier to a batch by its worst action.
//
// Classification is deterministic and monotone: adding an action never
// lowers the tier of a batch.
type Classifier struct {
	// BulkThreshold is the action count above which a batch is High.
	// Zero disables the bulk rule.
	BulkThreshold int
	// LargeEditBytes is the edit size above which an editScript is Normal.
	// Zero makes every edit Normal.
	LargeEditBytes int
}

// NewClassifier returns a classifier configured from p.
func NewClassifier(p Policy) Classifier {
	return Classifier{BulkThreshold: p.BulkThreshold, LargeEditBytes: p.LargeEditBytes}
}

// Classify returns the tier of the batch. An empty batch is Safe.
func (c Classifier) Classify(actions []ir.Action) ir.RiskTier {
	tier := ir.TierSafe
	if c.BulkThreshold > 0 && len(actions) > c.BulkThreshold {
		return ir.TierHigh
	}
	for _, a := range actions {
		tier = ir.MaxTier(tier, c.ActionTier(a))
		if tier == ir.TierHigh {
			break
		}
	}
	return tier
}

// ActionTier returns the tier of a single action.
func (c Classifier) ActionTier(a ir.Action) ir.RiskTier {
	switch a.Kind {
	case ir.KindDeleteInstance, ir.KindClearChildren:
		return ir.TierHigh
	case ir.KindMove:
		if mv, ok := a.Payload.(*ir.Move); ok && mv.CrossContainer(a.Path) {
			return ir.TierHigh
		}
		return ir.TierNormal
	case ir.KindCreateInstance, ir.KindCloneInstance, ir.KindInsertAsset,
		ir.KindRename, ir.KindAnimationCreate, ir.KindAnimationAddKeyframe:
		return ir.TierNormal
	case ir.KindEditScript:
		if a.SourceBytes() > c.LargeEditBytes {
			return ir.TierNormal
		}
		return ir.TierSafe
	case ir.KindSetProperty, ir.KindSetProperties, ir.KindSetAttribute, ir.KindSetAttributes,
		ir.KindSetTags:
		return ir.TierSafe
	}
	if a.Kind.IsEffect() {
		return ir.TierSafe
	}
	// Kinds outside the catalog never pass preflight; rank them worst.
	return ir.TierHigh
}
