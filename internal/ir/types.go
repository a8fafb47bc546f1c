package ir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RiskTier classifies a batch of actions for apply gating.
type RiskTier string

const (
	TierSafe   RiskTier = "safe"
	TierNormal RiskTier = "normal"
	TierHigh   RiskTier = "high"
)

// Rank orders tiers: Safe < Normal < High. Unknown tiers rank as High.
func (t RiskTier) Rank() int {
	switch t {
	case TierSafe:
		return 0
	case TierNormal:
		return 1
	default:
		return 2
	}
}

// Valid reports whether t is one of the three defined tiers.
func (t RiskTier) Valid() bool {
	return t == TierSafe || t == TierNormal || t == TierHigh
}

// MaxTier returns the worse of two tiers.
func MaxTier(a, b RiskTier) RiskTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Scope identifies the editor session a context belongs to.
type Scope struct {
	PlaceID    int64  `json:"placeId" yaml:"placeId"`
	SessionID  string `json:"studioSessionId" yaml:"studioSessionId"`
	ProjectKey string `json:"projectKey" yaml:"projectKey"`
}

// ContextID derives the stable context identifier for the scope.
// Format: p_<placeId>__s_<sessionId>__k_<projectKey>.
func (s Scope) ContextID() string {
	clean := func(v string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			return "none"
		}
		return strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(v)
	}
	return fmt.Sprintf("p_%d__s_%s__k_%s", s.PlaceID, clean(s.SessionID), clean(s.ProjectKey))
}

// JobPolicy is the policy view delivered to the agent with a job.
type JobPolicy struct {
	RiskProfile       string   `json:"riskProfile"`
	AllowAutoApply    bool     `json:"allowAutoApply"`
	ProtectedRoots    []string `json:"protectedRoots,omitempty"`
	AllowStaleVersion bool     `json:"allowStaleVersion,omitempty"`
}

// Capabilities tells the agent what it may propose.
type Capabilities struct {
	Actions        []ActionKind `json:"actions"`
	MaxActions     int          `json:"maxActions"`
	MaxSourceBytes int          `json:"maxSourceBytes"`
}

// RepairRef links a repair job to the transaction that failed.
type RepairRef struct {
	JobID         string   `json:"jobId"`
	TransactionID string   `json:"transactionId"`
	Attempt       int      `json:"attempt"`
	Errors        []string `json:"errors,omitempty"`
	// RootJobID is the job that started the repair chain.
	RootJobID string `json:"rootJobId,omitempty"`
}

// Job is a unit of work sent from the server to the agent.
// Immutable once written to the queue.
type Job struct {
	ID             string       `json:"jobId"`
	CreatedAt      time.Time    `json:"createdAt"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	ContextID      string       `json:"contextId"`
	ContextVersion int64        `json:"contextVersion"`
	Intent         string       `json:"intent"`
	Prompt         string       `json:"prompt"`
	Scope          Scope        `json:"scope"`
	Context        JobContext   `json:"context"`
	Policy         JobPolicy    `json:"policy"`
	Capabilities   Capabilities `json:"capabilities"`
	RepairOf       *RepairRef   `json:"repairOf,omitempty"`
}

// Expired reports whether the job's TTL has passed at now.
func (j Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}

// JobContext is the context payload delivered with a job.
type JobContext struct {
	Summary     Summary         `json:"summary"`
	Delta       *DeltaSummary   `json:"delta,omitempty"`
	Missing     []string        `json:"missing,omitempty"`
	Focus       []FocusScript   `json:"focus,omitempty"`
	LastReceipt *ReceiptSummary `json:"lastReceipt,omitempty"`
}

// Summary is a structural projection of a snapshot. Never a source of truth.
type Summary struct {
	ContextID       string         `json:"contextId"`
	Version         int64          `json:"version"`
	Nodes           int            `json:"nodes"`
	Scripts         int            `json:"scripts"`
	CachedSources   int            `json:"cachedSources"`
	ScriptBytes     int            `json:"scriptBytes"`
	ExportedAt      time.Time      `json:"exportedAt,omitempty"`
	Roots           []string       `json:"roots,omitempty"`
	RecentlyChanged []string       `json:"recentlyChanged,omitempty"`
	ClassCounts     map[string]int `json:"classCounts,omitempty"`
}

// DeltaSummary describes what changed between two versions, truncated for
// the agent payload. The counts are never truncated.
type DeltaSummary struct {
	FromVersion    int64          `json:"fromVersion"`
	ToVersion      int64          `json:"toVersion"`
	TreeAdded      []string       `json:"treeAdded,omitempty"`
	TreeRemoved    []string       `json:"treeRemoved,omitempty"`
	TreeUpdated    []string       `json:"treeUpdated,omitempty"`
	ScriptsChanged []string       `json:"scriptsChanged,omitempty"`
	ScriptsRemoved []string       `json:"scriptsRemoved,omitempty"`
	Counts         map[string]int `json:"counts"`
	Truncated      bool           `json:"truncated,omitempty"`
}

// FocusScript is a script preview included in the job payload.
type FocusScript struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Bytes       int    `json:"bytes"`
	Preview     string `json:"preview"`
	Truncated   bool   `json:"truncated,omitempty"`
	Reason      string `json:"reason"`
}

// ReceiptSummary is the compact view of a receipt included in later jobs.
type ReceiptSummary struct {
	TransactionID string   `json:"transactionId"`
	State         TxState  `json:"state"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	Errors        []string `json:"errors,omitempty"`
}

// Node is tree metadata for one path in the remote tree.
type Node struct {
	Path       string                     `json:"path"`
	ClassName  string                     `json:"className"`
	Name       string                     `json:"name,omitempty"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
	Tags       []string                   `json:"tags,omitempty"`
}

// ScriptEntry is a cached script. Source is nil when the editor has not
// sent it (the path is then reported by missing()).
type ScriptEntry struct {
	Path        string  `json:"path"`
	ClassName   string  `json:"className,omitempty"`
	Source      *string `json:"source,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Bytes       int     `json:"bytes"`
}

// SnapshotMeta describes a snapshot's provenance.
type SnapshotMeta struct {
	ExportedAt time.Time `json:"exportedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Scope      Scope     `json:"scope"`
	Nodes      int       `json:"nodes"`
	Scripts    int       `json:"scripts"`
	// Recent lists paths touched by the latest delta, most recent first.
	Recent []string `json:"recent,omitempty"`
}

// ContextSnapshot is the canonical model of the remote tree for one context.
type ContextSnapshot struct {
	ContextID string                 `json:"contextId"`
	Version   int64                  `json:"version"`
	Tree      map[string]Node        `json:"tree"`
	Scripts   map[string]ScriptEntry `json:"scripts"`
	Meta      SnapshotMeta           `json:"meta"`
}

// Clone returns a deep copy. Readers always receive clones so that the
// owner's maps are never shared.
func (s ContextSnapshot) Clone() ContextSnapshot {
	out := s
	out.Tree = make(map[string]Node, len(s.Tree))
	for k, n := range s.Tree {
		out.Tree[k] = n.Clone()
	}
	out.Scripts = make(map[string]ScriptEntry, len(s.Scripts))
	for k, e := range s.Scripts {
		if e.Source != nil {
			src := *e.Source
			e.Source = &src
		}
		out.Scripts[k] = e
	}
	out.Meta.Recent = append([]string(nil), s.Meta.Recent...)
	return out
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	if n.Attributes != nil {
		out.Attributes = make(map[string]json.RawMessage, len(n.Attributes))
		for k, v := range n.Attributes {
			out.Attributes[k] = append(json.RawMessage(nil), v...)
		}
	}
	out.Tags = append([]string(nil), n.Tags...)
	return out
}

// TreeDelta lists node changes.
type TreeDelta struct {
	Added   []Node   `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []Node   `json:"updated,omitempty"`
}

// ScriptDelta lists script changes.
type ScriptDelta struct {
	Changed []ScriptEntry `json:"changed,omitempty"`
	Removed []string      `json:"removed,omitempty"`
}

// Delta is the change set between (ContextID, FromVersion) and the next version.
type Delta struct {
	ContextID   string      `json:"contextId"`
	FromVersion int64       `json:"contextVersion"`
	Scope       *Scope      `json:"scope,omitempty"`
	ExportedAt  time.Time   `json:"exportedAt,omitempty"`
	Tree        TreeDelta   `json:"treeDelta"`
	Scripts     ScriptDelta `json:"scriptDelta"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Tree.Added) == 0 && len(d.Tree.Removed) == 0 && len(d.Tree.Updated) == 0 &&
		len(d.Scripts.Changed) == 0 && len(d.Scripts.Removed) == 0
}

// TxState is the apply pipeline state of a transaction.
type TxState string

const (
	TxValidated       TxState = "validated"
	TxEnqueued        TxState = "enqueued"
	TxApplying        TxState = "applying"
	TxSucceeded       TxState = "succeeded"
	TxPartiallyFailed TxState = "partially_failed"
	TxFailed          TxState = "failed"
	TxRolledBack      TxState = "rolled_back"
)

// Terminal reports whether no further transition is possible.
func (s TxState) Terminal() bool {
	return s == TxSucceeded || s == TxFailed || s == TxRolledBack
}

// Transaction is a validated, risk-tagged batch destined for the editor.
type Transaction struct {
	ID             string    `json:"transactionId"`
	JobID          string    `json:"jobId"`
	ContextID      string    `json:"contextId"`
	ContextVersion int64     `json:"contextVersion"`
	Tier           RiskTier  `json:"risk"`
	Actions        []Action  `json:"actions"`
	State          TxState   `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	Protocol       int       `json:"protocol"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	// Compensates is set on rollback transactions.
	Compensates string `json:"compensates,omitempty"`
	// Redrives is set on operator re-drives of a past transaction.
	Redrives string `json:"redrives,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// PriorState is the editor-reported state of a target before an action.
// It is what a compensating action restores.
type PriorState struct {
	Value      json.RawMessage            `json:"value,omitempty"`
	Values     map[string]json.RawMessage `json:"values,omitempty"`
	Name       string                     `json:"name,omitempty"`
	ParentPath string                     `json:"parentPath,omitempty"`
	Source     *string                    `json:"source,omitempty"`
}

// ActionResult is the per-action outcome in a receipt.
type ActionResult struct {
	Index       int         `json:"index"`
	OK          bool        `json:"ok"`
	Path        string      `json:"path,omitempty"`
	CreatedPath string      `json:"createdPath,omitempty"`
	Error       string      `json:"error,omitempty"`
	Previous    *PriorState `json:"previous,omitempty"`
}

// RollbackReport describes a compensating transaction run for a receipt.
type RollbackReport struct {
	TransactionID  string   `json:"transactionId"`
	State          TxState  `json:"state"`
	Compensated    []int    `json:"compensated,omitempty"`
	NotCompensable []int    `json:"notCompensable,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Receipt is the result of applying a transaction.
type Receipt struct {
	TransactionID string          `json:"transactionId"`
	JobID         string          `json:"jobId,omitempty"`
	Results       []ActionResult  `json:"results"`
	PathsTouched  []string        `json:"pathsTouched,omitempty"`
	DurationMS    int64           `json:"durationMs"`
	Rollback      *RollbackReport `json:"rollback,omitempty"`
	// Rejected is set when the editor refused the transaction outright.
	Rejected   bool      `json:"rejected,omitempty"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// Counts returns the number of succeeded and failed actions.
func (r Receipt) Counts() (succeeded, failed int) {
	for _, res := range r.Results {
		if res.OK {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Errors returns the non-empty per-action error strings.
func (r Receipt) Errors() []string {
	var out []string
	if r.Error != "" {
		out = append(out, r.Error)
	}
	for _, res := range r.Results {
		if !res.OK && res.Error != "" {
			out = append(out, fmt.Sprintf("action %d: %s", res.Index, res.Error))
		}
	}
	return out
}

// Ack is the terminal marker for a job. Exactly one exists per resolved job.
type Ack struct {
	JobID         string    `json:"jobId"`
	OK            bool      `json:"ok"`
	Outcome       string    `json:"outcome"`
	Code          Code      `json:"code,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	At            time.Time `json:"at"`
}

// Ack outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeQueued   = "queued"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeExpired  = "expired"
)

// ErrorRecord carries diagnosis for a failed job or a rejected response.
// Terminal is true for the record that accompanies a failing Ack; false
// for rejections that leave the job pending (rebase) or concern a response
// arriving after resolution.
type ErrorRecord struct {
	JobID    string          `json:"jobId"`
	Code     Code            `json:"code"`
	Reason   string          `json:"reason"`
	Terminal bool            `json:"terminal"`
	Error    *Error          `json:"error,omitempty"`
	Rebase   *Rebase         `json:"rebase,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

// Rebase is delivered to the agent on VersionConflict or HashConflict so
// that it can self-correct against current state.
type Rebase struct {
	ContextID       string            `json:"contextId"`
	CurrentVersion  int64             `json:"currentVersion"`
	Fingerprints    map[string]string `json:"fingerprints,omitempty"`
	Delta           *DeltaSummary     `json:"delta,omitempty"`
	ResyncRequested bool              `json:"resyncRequested,omitempty"`
}

// AuditKind classifies an audit record.
type AuditKind string

const (
	AuditJobCreated       AuditKind = "job.created"
	AuditJobExpired       AuditKind = "job.expired"
	AuditJobResolved      AuditKind = "job.resolved"
	AuditResponseAccepted AuditKind = "response.accepted"
	AuditResponseRejected AuditKind = "response.rejected"
	AuditTxState          AuditKind = "tx.state"
	AuditReceipt          AuditKind = "tx.receipt"
	AuditRollback         AuditKind = "tx.rollback"
	AuditRepair           AuditKind = "job.repair"
	AuditContextDelta     AuditKind = "context.delta"
	AuditError            AuditKind = "error"
)

// AuditRecord is an immutable ledger entry.
type AuditRecord struct {
	Seq       int64           `json:"seq"`
	At        time.Time       `json:"at"`
	Kind      AuditKind       `json:"kind"`
	JobID     string          `json:"jobId,omitempty"`
	TxID      string          `json:"transactionId,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Code      Code            `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}
