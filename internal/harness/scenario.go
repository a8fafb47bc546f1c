package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end run of the bridge: a seeded context, a scripted
// editor, a sequence of steps an agent and operator would take, and the
// assertions that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy overrides the stock policy.
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// Repair enables auto-repair.
	Repair *RepairSpec `yaml:"repair,omitempty"`

	// Context is the first export of the scene, applied as version 1.
	Context ContextSpec `yaml:"context"`

	// Editor is the initial state of the scripted editor.
	Editor EditorSpec `yaml:"editor,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec is the subset of policy a scenario may override.
type PolicySpec struct {
	Profile           string   `yaml:"profile,omitempty"`
	AutoApply         *bool    `yaml:"autoApply,omitempty"`
	DenyActions       []string `yaml:"denyActions,omitempty"`
	ProtectedRoots    []string `yaml:"protectedRoots,omitempty"`
	AllowedRoots      []string `yaml:"allowedRoots,omitempty"`
	MaxActions        int      `yaml:"maxActions,omitempty"`
	AllowStaleVersion bool     `yaml:"allowStaleVersion,omitempty"`
}

// RepairSpec configures auto-repair.
type RepairSpec struct {
	MaxAttempts int    `yaml:"maxAttempts,omitempty"`
	Cooldown    string `yaml:"cooldown,omitempty"`
}

// ContextSpec seeds the context store.
type ContextSpec struct {
	ContextID string       `yaml:"contextId"`
	Nodes     []NodeSpec   `yaml:"nodes"`
	Scripts   []ScriptSpec `yaml:"scripts,omitempty"`
}

// NodeSpec is one instance in the seeded tree.
type NodeSpec struct {
	Path      string `yaml:"path"`
	ClassName string `yaml:"className"`
}

// ScriptSpec is one script entry. A nil Source leaves the source missing.
type ScriptSpec struct {
	Path      string  `yaml:"path"`
	ClassName string  `yaml:"className"`
	Source    *string `yaml:"source,omitempty"`
}

// EditorSpec scripts the editor.
type EditorSpec struct {
	// Fail maps a path to the error every action on it reports.
	Fail map[string]string `yaml:"fail,omitempty"`
	// Unreachable is the number of Apply calls that fail as unreachable.
	Unreachable int `yaml:"unreachable,omitempty"`
	// Reject, when set, makes the editor refuse whole transactions.
	Reject string `yaml:"reject,omitempty"`
	// Heal clears every Fail path.
	Heal bool `yaml:"heal,omitempty"`
}

// Step is one thing that happens. Exactly one field is set.
//
// Process handles every waiting response and settles the resulting
// transactions. Advance moves the clock, e.g. "11m". Approve and Reject
// decide a transaction waiting for approval.
type Step struct {
	Job     *JobStep     `yaml:"job,omitempty"`
	Respond *RespondStep `yaml:"respond,omitempty"`
	Process bool         `yaml:"process,omitempty"`
	Advance string       `yaml:"advance,omitempty"`
	Sweep   bool         `yaml:"sweep,omitempty"`
	Export  *ExportStep  `yaml:"export,omitempty"`
	Approve string       `yaml:"approve,omitempty"`
	Reject  string       `yaml:"reject,omitempty"`
	Editor  *EditorSpec  `yaml:"editor,omitempty"`
}

// JobStep creates a job and binds it to Ref. With RepairOf set it creates
// nothing and binds Ref to the latest repair job spawned for that ref.
type JobStep struct {
	Ref      string   `yaml:"ref"`
	Prompt   string   `yaml:"prompt,omitempty"`
	Intent   string   `yaml:"intent,omitempty"`
	Hints    []string `yaml:"hints,omitempty"`
	TTL      string   `yaml:"ttl,omitempty"`
	RepairOf string   `yaml:"repairOf,omitempty"`
}

// RespondStep writes an agent response for a job. Body is encoded as JSON
// with jobId filled in unless given; Raw is written verbatim.
type RespondStep struct {
	Job  string         `yaml:"job"`
	Body map[string]any `yaml:"body,omitempty"`
	Raw  string         `yaml:"raw,omitempty"`
}

// ExportStep is a diff export from the editor against the current version.
type ExportStep struct {
	Added   []NodeSpec   `yaml:"added,omitempty"`
	Removed []string     `yaml:"removed,omitempty"`
	Scripts []ScriptSpec `yaml:"scripts,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind is the audit kind (trace_contains, trace_count).
	Kind string `yaml:"kind,omitempty"`
	// Kinds is the expected order of audit kinds (trace_order).
	Kinds []string `yaml:"kinds,omitempty"`
	// Count is the expected number of entries or error records.
	Count *int `yaml:"count,omitempty"`

	// Job is a job ref (ack, pending, errors, trace_contains).
	Job string `yaml:"job,omitempty"`
	// Tx is a transaction id (tx_state).
	Tx string `yaml:"tx,omitempty"`

	Outcome string `yaml:"outcome,omitempty"`
	Code    string `yaml:"code,omitempty"`
	State   string `yaml:"state,omitempty"`
	Message string `yaml:"message,omitempty"`

	// Path, Property and Value check the editor (property, source).
	Path     string `yaml:"path,omitempty"`
	Property string `yaml:"property,omitempty"`
	Value    any    `yaml:"value,omitempty"`
	Source   string `yaml:"source,omitempty"`

	// Version is the expected context version (version).
	Version int64 `yaml:"version,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertAck           = "ack"
	AssertPending       = "pending"
	AssertErrors        = "errors"
	AssertTxState       = "tx_state"
	AssertProperty      = "property"
	AssertSource        = "source"
	AssertVersion       = "version"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Context.ContextID == "" {
		return fmt.Errorf("context.contextId is required")
	}
	if len(s.Context.Nodes) == 0 {
		return fmt.Errorf("context.nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Repair != nil && s.Repair.Cooldown != "" {
		if _, err := time.ParseDuration(s.Repair.Cooldown); err != nil {
			return fmt.Errorf("repair.cooldown: %w", err)
		}
	}

	refs := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, refs); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, refs); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, refs map[string]bool) error {
	set := 0
	for _, on := range []bool{
		step.Job != nil, step.Respond != nil, step.Process, step.Advance != "", step.Sweep,
		step.Export != nil, step.Approve != "", step.Reject != "", step.Editor != nil,
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, set)
	}

	switch {
	case step.Job != nil:
		if step.Job.Ref == "" {
			return fmt.Errorf("steps[%d].job: ref is required", i)
		}
		if refs[step.Job.Ref] {
			return fmt.Errorf("steps[%d].job: ref %q already used", i, step.Job.Ref)
		}
		if step.Job.RepairOf != "" && !refs[step.Job.RepairOf] {
			return fmt.Errorf("steps[%d].job: unknown repairOf ref %q", i, step.Job.RepairOf)
		}
		if step.Job.RepairOf == "" && step.Job.Prompt == "" {
			return fmt.Errorf("steps[%d].job: prompt is required", i)
		}
		if step.Job.TTL != "" {
			if _, err := time.ParseDuration(step.Job.TTL); err != nil {
				return fmt.Errorf("steps[%d].job.ttl: %w", i, err)
			}
		}
		refs[step.Job.Ref] = true
	case step.Respond != nil:
		if !refs[step.Respond.Job] {
			return fmt.Errorf("steps[%d].respond: unknown job ref %q", i, step.Respond.Job)
		}
		if (step.Respond.Body == nil) == (step.Respond.Raw == "") {
			return fmt.Errorf("steps[%d].respond: exactly one of body and raw is required", i)
		}
	case step.Advance != "":
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", i, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, refs map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needJob := func() error {
		if !refs[a.Job] {
			return fmt.Errorf("assertions[%d]: unknown job ref %q for %s", index, a.Job, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
		if a.Job != "" {
			return needJob()
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for trace_count", index)
		}
	case AssertAck:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for ack", index)
		}
		return needJob()
	case AssertPending:
		return needJob()
	case AssertErrors:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for errors", index)
		}
		return needJob()
	case AssertTxState:
		if a.Tx == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: tx and state are required for tx_state", index)
		}
	case AssertProperty:
		if a.Path == "" || a.Property == "" {
			return fmt.Errorf("assertions[%d]: path and property are required for property", index)
		}
	case AssertSource:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for source", index)
		}
	case AssertVersion:
		if a.Version <= 0 {
			return fmt.Errorf("assertions[%d]: positive version is required", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
