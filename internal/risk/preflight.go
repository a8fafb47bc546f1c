package risk

import (
	"fmt"
	"strings"

	"github.com/roach88/scenebridge/internal/ir"
)

const strongPrefix = "blake3:"

// Fingerprints is the read side of the Context Store that preflight needs.
// *ctxstore.Store implements it.
type Fingerprints interface {
	Version(contextID string) int64
	ScriptFingerprint(contextID, path string) (string, bool)
	StrongFingerprint(contextID, path string) (string, bool)
}

// Request is a batch proposed by the agent for one job.
type Request struct {
	JobID     string
	ContextID string
	// ContextVersion is the version the agent planned against.
	ContextVersion int64
	Actions        []ir.Action
	RiskScore      *float64
}

// ValidatedBatch is a batch that passed preflight. Nothing downstream
// re-derives its tier.
type ValidatedBatch struct {
	JobID          string
	ContextID      string
	ContextVersion int64
	Tier           ir.RiskTier
	Actions        []ir.Action
	// Digest identifies the action list by content.
	Digest string
}

// Validator runs preflight checks against a policy and the current
// context fingerprints.
//
// Thread-safety: a Validator is immutable after construction; concurrent
// Preflight calls are safe as long as fp is.
type Validator struct {
	policy     Policy
	classifier Classifier
	fp         Fingerprints
}

// NewValidator creates a validator.
func NewValidator(p Policy, fp Fingerprints) *Validator {
	return &Validator{policy: p, classifier: NewClassifier(p), fp: fp}
}

// Policy returns the validator's policy.
func (v *Validator) Policy() Policy { return v.policy }

// Classify returns the tier of actions under the validator's policy.
func (v *Validator) Classify(actions []ir.Action) ir.RiskTier {
	return v.classifier.Classify(actions)
}

// Preflight validates req. Stages run in order and the first failing stage
// ends the check; every problem within that stage is reported:
//
//  1. shape: known kind, required fields, absolute paths
//  2. permission: allow/deny lists, profile, self-reported riskScore
//  3. containment: internal root, protected roots, allowed roots
//  4. size: action count, aggregate source bytes, profile edit cap
//  5. hash: expectedHash against the current fingerprint
//  6. version: planned contextVersion against the current version
//
// Failures are *ir.Error values. Stages 1 to 4 fail with SchemaInvalid or
// PolicyViolation; stage 5 with HashConflict carrying every conflict;
// stage 6 with VersionConflict carrying the current version.
func (v *Validator) Preflight(req Request) (ValidatedBatch, error) {
	stages := []func(Request) error{
		v.checkShape,
		v.checkPermission,
		v.checkContainment,
		v.checkSize,
	}
	for _, stage := range stages {
		if err := stage(req); err != nil {
			return ValidatedBatch{}, withJob(err, req.JobID)
		}
	}

	tier := v.classifier.Classify(req.Actions)
	if err := v.checkHashes(req, tier); err != nil {
		return ValidatedBatch{}, withJob(err, req.JobID)
	}
	if err := v.checkVersion(req); err != nil {
		return ValidatedBatch{}, withJob(err, req.JobID)
	}

	digest, err := ir.ActionsDigest(req.JobID, req.Actions)
	if err != nil {
		return ValidatedBatch{}, fmt.Errorf("preflight %s: %w", req.JobID, err)
	}
	return ValidatedBatch{
		JobID:          req.JobID,
		ContextID:      req.ContextID,
		ContextVersion: v.currentVersion(req.ContextID),
		Tier:           tier,
		Actions:        req.Actions,
		Digest:         digest,
	}, nil
}

func withJob(err error, jobID string) error {
	if e, ok := ir.AsError(err); ok && e.JobID == "" {
		e.WithJob(jobID)
	}
	return err
}

// problems collects per-action findings for one stage.
type problems []string

func (p *problems) add(i int, a ir.Action, format string, args ...any) {
	*p = append(*p, fmt.Sprintf("action %d (%s): %s", i, a.Kind, fmt.Sprintf(format, args...)))
}

func (p problems) err(code ir.Code) error {
	if len(p) == 0 {
		return nil
	}
	return ir.NewError(code, "%s", strings.Join(p, "; "))
}

func (v *Validator) checkShape(req Request) error {
	var ps problems
	for i, a := range req.Actions {
		for _, msg := range a.Validate() {
			ps.add(i, a, "%s", msg)
		}
	}
	return ps.err(ir.CodeSchemaInvalid)
}

func (v *Validator) checkPermission(req Request) error {
	var ps problems
	p := v.policy
	for i, a := range req.Actions {
		switch {
		case len(p.AllowActions) > 0 && !containsKind(p.AllowActions, a.Kind):
			ps.add(i, a, "type not in allow list")
		case containsKind(p.DenyActions, a.Kind):
			ps.add(i, a, "blocked type")
		case p.blockedByProfile(a.Kind):
			ps.add(i, a, "blocked by %s policy", p.Profile)
		}
	}
	if p.Profile != ProfilePower && req.RiskScore != nil && p.MaxRisk > 0 && *req.RiskScore > p.MaxRisk {
		ps = append(ps, fmt.Sprintf("riskScore %.2f exceeds max %.2f", *req.RiskScore, p.MaxRisk))
	}
	return ps.err(ir.CodePolicyViolation)
}

func (v *Validator) checkContainment(req Request) error {
	var ps problems
	p := v.policy
	for i, a := range req.Actions {
		for _, t := range a.Targets() {
			if under(t, p.InternalRoot) {
				ps.add(i, a, "internal path %s", t)
				continue
			}
			if root, ok := firstUnder(t, p.ProtectedRoots); ok {
				ps.add(i, a, "protected path %s (root %s)", t, root)
				continue
			}
			if len(p.AllowedRoots) > 0 {
				if _, ok := firstUnder(t, p.AllowedRoots); !ok {
					ps.add(i, a, "path %s outside allowed roots", t)
				}
			}
		}
	}
	return ps.err(ir.CodePolicyViolation)
}

func firstUnder(path string, roots []string) (string, bool) {
	for _, r := range roots {
		if under(path, r) {
			return r, true
		}
	}
	return "", false
}

func (v *Validator) checkSize(req Request) error {
	var ps problems
	p := v.policy
	if p.MaxActions > 0 && len(req.Actions) > p.MaxActions {
		ps = append(ps, fmt.Sprintf("too many actions: %d > %d", len(req.Actions), p.MaxActions))
	}
	total := 0
	for i, a := range req.Actions {
		n := a.SourceBytes()
		total += n
		if p.Profile == ProfileSafe && a.Kind == ir.KindEditScript && p.SafeEditBytes > 0 && n > p.SafeEditBytes {
			ps.add(i, a, "edit of %d bytes exceeds safe limit %d", n, p.SafeEditBytes)
		}
	}
	if p.MaxSourceBytes > 0 && total > p.MaxSourceBytes {
		ps = append(ps, fmt.Sprintf("source too large: %d > %d bytes", total, p.MaxSourceBytes))
	}
	return ps.err(ir.CodePolicyViolation)
}

// checkHashes compares every expectedHash against the cached fingerprint.
// A "blake3:" expectation is compared with the strong hash. When the policy
// requires strong hashes for High batches, a cheap expectation in a High
// batch conflicts and reports the strong hash as current.
func (v *Validator) checkHashes(req Request, tier ir.RiskTier) error {
	var conflicts []ir.Conflict
	for i, a := range req.Actions {
		if a.ExpectedHash == "" {
			continue
		}
		strong := strings.HasPrefix(a.ExpectedHash, strongPrefix)
		requireStrong := v.policy.StrongHashForHighRisk && tier == ir.TierHigh
		var current string
		var ok bool
		if v.fp != nil {
			if strong || requireStrong {
				current, ok = v.fp.StrongFingerprint(req.ContextID, a.Path)
			} else {
				current, ok = v.fp.ScriptFingerprint(req.ContextID, a.Path)
			}
		}
		if !ok || current != a.ExpectedHash {
			conflicts = append(conflicts, ir.Conflict{
				Index:    i,
				Path:     a.Path,
				Expected: a.ExpectedHash,
				Current:  current,
			})
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	first := conflicts[0]
	reason := "expectedHash mismatch"
	if first.Current == "" {
		reason = "expectedHash provided but no cached hash"
	}
	e := ir.NewError(ir.CodeHashConflict, "%s for %s", reason, first.Path)
	e.Path = first.Path
	e.Conflicts = conflicts
	return e
}

func (v *Validator) checkVersion(req Request) error {
	if v.policy.AllowStaleVersion {
		return nil
	}
	cur := v.currentVersion(req.ContextID)
	if req.ContextVersion == cur {
		return nil
	}
	e := ir.NewError(ir.CodeVersionConflict, "planned against version %d, current is %d", req.ContextVersion, cur)
	e.CurrentVersion = cur
	return e
}

func (v *Validator) currentVersion(contextID string) int64 {
	if v.fp == nil {
		return 0
	}
	return v.fp.Version(contextID)
}
