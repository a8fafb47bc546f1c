// Package config loads scenebridge settings.
//
// Settings start from Default, are overlaid by a YAML or JSONC file, then
// by SCENEBRIDGE_* environment variables, and finally by command flags.
// The merged result is checked against an embedded CUE schema.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/roach88/scenebridge/internal/apply"
	"github.com/roach88/scenebridge/internal/ctxstore"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/risk"
)

// Queue backends.
const (
	BackendDir = "dir"
	BackendSQL = "sql"
)

// Config is the complete server configuration.
type Config struct {
	Queue   QueueConfig   `yaml:"queue" json:"queue"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Context ContextConfig `yaml:"context" json:"context"`
	Policy  PolicyConfig  `yaml:"policy" json:"policy"`
	Apply   ApplyConfig   `yaml:"apply" json:"apply"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Root          string   `yaml:"root" json:"root"`
	Backend       string   `yaml:"backend" json:"backend"`
	JobTTL        Duration `yaml:"jobTTL" json:"jobTTL"`
	SweepInterval Duration `yaml:"sweepInterval" json:"sweepInterval"`
	MaxPending    int      `yaml:"maxPending" json:"maxPending"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ContextConfig tunes the context store and the payload handed to agents.
type ContextConfig struct {
	ReconcileInterval Duration `yaml:"reconcileInterval" json:"reconcileInterval"`
	ReconcileFetches  int      `yaml:"reconcileFetches" json:"reconcileFetches"`
	DeltaMaxItems     int      `yaml:"deltaMaxItems" json:"deltaMaxItems"`
	FocusMaxScripts   int      `yaml:"focusMaxScripts" json:"focusMaxScripts"`
	FocusMaxBytes     int      `yaml:"focusMaxBytes" json:"focusMaxBytes"`
}

// PolicyConfig is the file form of risk.Policy.
type PolicyConfig struct {
	Profile               string   `yaml:"profile" json:"profile"`
	AutoApply             bool     `yaml:"autoApply" json:"autoApply"`
	AllowActions          []string `yaml:"allowActions,omitempty" json:"allowActions,omitempty"`
	DenyActions           []string `yaml:"denyActions,omitempty" json:"denyActions,omitempty"`
	ProtectedRoots        []string `yaml:"protectedRoots,omitempty" json:"protectedRoots,omitempty"`
	InternalRoot          string   `yaml:"internalRoot" json:"internalRoot"`
	AllowedRoots          []string `yaml:"allowedRoots,omitempty" json:"allowedRoots,omitempty"`
	MaxActions            int      `yaml:"maxActions" json:"maxActions"`
	MaxSourceBytes        int      `yaml:"maxSourceBytes" json:"maxSourceBytes"`
	SafeEditBytes         int      `yaml:"safeEditBytes" json:"safeEditBytes"`
	LargeEditBytes        int      `yaml:"largeEditBytes" json:"largeEditBytes"`
	BulkThreshold         int      `yaml:"bulkThreshold" json:"bulkThreshold"`
	MaxRisk               float64  `yaml:"maxRisk" json:"maxRisk"`
	AllowStaleVersion     bool     `yaml:"allowStaleVersion" json:"allowStaleVersion"`
	StrongHashForHighRisk bool     `yaml:"strongHashForHighRisk" json:"strongHashForHighRisk"`
}

// ApplyConfig tunes the apply pipeline and auto-repair.
type ApplyConfig struct {
	ApplyTimeout      Duration `yaml:"applyTimeout" json:"applyTimeout"`
	ApprovalTimeout   Duration `yaml:"approvalTimeout" json:"approvalTimeout"`
	EditorRetries     int      `yaml:"editorRetries" json:"editorRetries"`
	EditorBackoff     Duration `yaml:"editorBackoff" json:"editorBackoff"`
	AutoRepair        bool     `yaml:"autoRepair" json:"autoRepair"`
	RepairMaxAttempts int      `yaml:"repairMaxAttempts" json:"repairMaxAttempts"`
	RepairCooldown    Duration `yaml:"repairCooldown" json:"repairCooldown"`
	// RollbackTiers lists the tiers that roll back automatically after a
	// partial failure.
	RollbackTiers []string `yaml:"rollbackTiers" json:"rollbackTiers"`
}

// HTTPConfig is the editor-facing listener.
type HTTPConfig struct {
	Addr            string   `yaml:"addr" json:"addr"`
	WaitTimeout     Duration `yaml:"waitTimeout" json:"waitTimeout"`
	ConnectedWindow Duration `yaml:"connectedWindow" json:"connectedWindow"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns the stock configuration.
func Default() Config {
	p := risk.DefaultPolicy()
	a := apply.DefaultConfig()
	r := apply.DefaultRepairPolicy()
	return Config{
		Queue: QueueConfig{
			Root:          "scenebridge_queue",
			Backend:       BackendDir,
			JobTTL:        Duration(queue.DefaultTTL),
			SweepInterval: Duration(time.Second),
			MaxPending:    queue.DefaultMaxPending,
		},
		Store: StoreConfig{Path: filepath.Join("scenebridge_queue", "scenebridge.db")},
		Context: ContextConfig{
			ReconcileInterval: Duration(15 * time.Second),
			ReconcileFetches:  16,
			DeltaMaxItems:     ctxstore.DefaultDeltaMaxItems,
			FocusMaxScripts:   ctxstore.DefaultFocusMaxScripts,
			FocusMaxBytes:     ctxstore.DefaultFocusMaxBytes,
		},
		Policy: PolicyConfig{
			Profile:               string(p.Profile),
			AutoApply:             p.AutoApply,
			InternalRoot:          p.InternalRoot,
			MaxActions:            p.MaxActions,
			MaxSourceBytes:        p.MaxSourceBytes,
			SafeEditBytes:         p.SafeEditBytes,
			LargeEditBytes:        p.LargeEditBytes,
			BulkThreshold:         p.BulkThreshold,
			MaxRisk:               p.MaxRisk,
			AllowStaleVersion:     p.AllowStaleVersion,
			StrongHashForHighRisk: p.StrongHashForHighRisk,
		},
		Apply: ApplyConfig{
			ApplyTimeout:      Duration(a.ApplyTimeout),
			ApprovalTimeout:   Duration(a.ApprovalTimeout),
			EditorRetries:     a.EditorRetries,
			EditorBackoff:     Duration(a.EditorBackoff),
			AutoRepair:        r.Enabled,
			RepairMaxAttempts: r.MaxAttempts,
			RepairCooldown:    Duration(r.Cooldown),
			RollbackTiers:     []string{string(ir.TierSafe), string(ir.TierNormal)},
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:8787",
			WaitTimeout:     Duration(25 * time.Second),
			ConnectedWindow: Duration(30 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// RiskPolicy converts the policy section.
func (c Config) RiskPolicy() risk.Policy {
	p := c.Policy
	return risk.Policy{
		Profile:               risk.Profile(p.Profile),
		AutoApply:             p.AutoApply,
		AllowActions:          kinds(p.AllowActions),
		DenyActions:           kinds(p.DenyActions),
		ProtectedRoots:        p.ProtectedRoots,
		InternalRoot:          p.InternalRoot,
		AllowedRoots:          p.AllowedRoots,
		MaxActions:            p.MaxActions,
		MaxSourceBytes:        p.MaxSourceBytes,
		SafeEditBytes:         p.SafeEditBytes,
		LargeEditBytes:        p.LargeEditBytes,
		BulkThreshold:         p.BulkThreshold,
		MaxRisk:               p.MaxRisk,
		AllowStaleVersion:     p.AllowStaleVersion,
		StrongHashForHighRisk: p.StrongHashForHighRisk,
	}
}

// PipelineConfig converts the apply section.
func (c Config) PipelineConfig() apply.Config {
	tiers := apply.RollbackTiers{ir.TierSafe: false, ir.TierNormal: false, ir.TierHigh: false}
	for _, t := range c.Apply.RollbackTiers {
		tiers[ir.RiskTier(t)] = true
	}
	return apply.Config{
		ApplyTimeout:    c.Apply.ApplyTimeout.D(),
		ApprovalTimeout: c.Apply.ApprovalTimeout.D(),
		EditorRetries:   c.Apply.EditorRetries,
		EditorBackoff:   c.Apply.EditorBackoff.D(),
		RollbackTiers:   tiers,
	}
}

// RepairPolicy converts the auto-repair settings.
func (c Config) RepairPolicy() apply.RepairPolicy {
	return apply.RepairPolicy{
		Enabled:     c.Apply.AutoRepair,
		MaxAttempts: c.Apply.RepairMaxAttempts,
		Cooldown:    c.Apply.RepairCooldown.D(),
	}
}

func kinds(names []string) []ir.ActionKind {
	if len(names) == 0 {
		return nil
	}
	out := make([]ir.ActionKind, len(names))
	for i, n := range names {
		out[i] = ir.ActionKind(n)
	}
	return out
}

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}
