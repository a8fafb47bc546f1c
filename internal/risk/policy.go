package risk

import (
	"sort"
	"strings"

	"github.com/roach88/scenebridge/internal/ir"
)

// Profile is a named policy preset.
type Profile string

const (
	// ProfileSafe blocks structural changes and large edits.
	ProfileSafe Profile = "safe"
	// ProfileBalanced blocks deletes.
	ProfileBalanced Profile = "balanced"
	// ProfilePower allows every action kind.
	ProfilePower Profile = "power"
)

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	return p == ProfileSafe || p == ProfileBalanced || p == ProfilePower
}

// DefaultInternalRoot is where the bridge keeps its own editor-side state.
// Agents may never target it.
const DefaultInternalRoot = "game/ServerStorage/SceneBridge"

// Policy is the operator's configuration of what agents may do.
type Policy struct {
	Profile   Profile
	AutoApply bool

	// AllowActions, when non-empty, is the only set of kinds accepted.
	AllowActions []ir.ActionKind
	DenyActions  []ir.ActionKind

	ProtectedRoots []string
	InternalRoot   string
	// AllowedRoots, when non-empty, must contain every target.
	AllowedRoots []string

	MaxActions     int
	MaxSourceBytes int
	SafeEditBytes  int
	LargeEditBytes int
	BulkThreshold  int

	// MaxRisk bounds the agent's self-reported riskScore outside the
	// power profile.
	MaxRisk float64

	AllowStaleVersion     bool
	StrongHashForHighRisk bool
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		Profile:        ProfilePower,
		AutoApply:      true,
		InternalRoot:   DefaultInternalRoot,
		MaxActions:     400,
		MaxSourceBytes: 400000,
		SafeEditBytes:  8000,
		LargeEditBytes: 8000,
		BulkThreshold:  50,
		MaxRisk:        0.7,
	}
}

// blockedByProfile reports whether the profile forbids kind.
func (p Policy) blockedByProfile(kind ir.ActionKind) bool {
	switch p.Profile {
	case ProfileSafe:
		switch kind {
		case ir.KindCreateInstance, ir.KindRename, ir.KindMove, ir.KindDeleteInstance:
			return true
		}
	case ProfileBalanced:
		return kind == ir.KindDeleteInstance
	}
	return false
}

// Permits reports whether the allow list, deny list and profile all admit kind.
func (p Policy) Permits(kind ir.ActionKind) bool {
	if len(p.AllowActions) > 0 && !containsKind(p.AllowActions, kind) {
		return false
	}
	if containsKind(p.DenyActions, kind) {
		return false
	}
	return !p.blockedByProfile(kind)
}

// Capabilities is the capability view sent to the agent with each job.
func (p Policy) Capabilities() ir.Capabilities {
	var kinds []ir.ActionKind
	for _, k := range ir.AllKinds() {
		if p.Permits(k) {
			kinds = append(kinds, k)
		}
	}
	return ir.Capabilities{
		Actions:        kinds,
		MaxActions:     p.MaxActions,
		MaxSourceBytes: p.MaxSourceBytes,
	}
}

// JobPolicy is the policy view sent to the agent with each job.
func (p Policy) JobPolicy() ir.JobPolicy {
	roots := append([]string(nil), p.ProtectedRoots...)
	sort.Strings(roots)
	return ir.JobPolicy{
		RiskProfile:       string(p.Profile),
		AllowAutoApply:    p.AutoApply,
		ProtectedRoots:    roots,
		AllowStaleVersion: p.AllowStaleVersion,
	}
}

// AutoApplies reports whether a batch of tier may skip operator approval.
// Only Safe batches under an auto-apply policy do.
func (p Policy) AutoApplies(tier ir.RiskTier) bool {
	return p.AutoApply && tier == ir.TierSafe
}

func containsKind(list []ir.ActionKind, k ir.ActionKind) bool {
	for _, x := range list {
		if x == k {
			return true
		}
	}
	return false
}

// under reports whether path is root or inside it. Matching is by whole
// path segments: "game/Work" does not contain "game/Workspace".
func under(path, root string) bool {
	root = strings.TrimRight(strings.TrimSpace(root), "/")
	if root == "" {
		return false
	}
	return path == root || strings.HasPrefix(path, root+"/")
}
