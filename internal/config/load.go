package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCENEBRIDGE_"

// Load reads the file at path over the defaults, applies environment
// overrides from os.LookupEnv and validates the result. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFile overlays the file at path. The extension picks the format:
// .yaml and .yml are YAML, .json and .jsonc are JSON with comments and
// trailing commas allowed. Unknown keys are an error.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = c.decodeYAML(data)
	case ".json", ".jsonc":
		err = c.decodeJSON(data)
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func (c *Config) decodeJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}

// envVar binds one environment variable to a field.
type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setInt(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func setDuration(dst func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

func setList(dst func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envVars = []envVar{
	{"QUEUE_ROOT", setString(func(c *Config) *string { return &c.Queue.Root })},
	{"QUEUE_BACKEND", setString(func(c *Config) *string { return &c.Queue.Backend })},
	{"JOB_TTL", setDuration(func(c *Config) *Duration { return &c.Queue.JobTTL })},
	{"MAX_PENDING", setInt(func(c *Config) *int { return &c.Queue.MaxPending })},
	{"STORE_PATH", setString(func(c *Config) *string { return &c.Store.Path })},
	{"RECONCILE_INTERVAL", setDuration(func(c *Config) *Duration { return &c.Context.ReconcileInterval })},
	{"DELTA_MAX_ITEMS", setInt(func(c *Config) *int { return &c.Context.DeltaMaxItems })},
	{"FOCUS_MAX_SCRIPTS", setInt(func(c *Config) *int { return &c.Context.FocusMaxScripts })},
	{"FOCUS_MAX_BYTES", setInt(func(c *Config) *int { return &c.Context.FocusMaxBytes })},
	{"POLICY_PROFILE", setString(func(c *Config) *string { return &c.Policy.Profile })},
	{"AUTO_APPLY", setBool(func(c *Config) *bool { return &c.Policy.AutoApply })},
	{"DENY_ACTIONS", setList(func(c *Config) *[]string { return &c.Policy.DenyActions })},
	{"PROTECTED_ROOTS", setList(func(c *Config) *[]string { return &c.Policy.ProtectedRoots })},
	{"ALLOWED_ROOTS", setList(func(c *Config) *[]string { return &c.Policy.AllowedRoots })},
	{"MAX_ACTIONS", setInt(func(c *Config) *int { return &c.Policy.MaxActions })},
	{"MAX_SOURCE_BYTES", setInt(func(c *Config) *int { return &c.Policy.MaxSourceBytes })},
	{"AUTO_REPAIR", setBool(func(c *Config) *bool { return &c.Apply.AutoRepair })},
	{"REPAIR_MAX_ATTEMPTS", setInt(func(c *Config) *int { return &c.Apply.RepairMaxAttempts })},
	{"REPAIR_COOLDOWN", setDuration(func(c *Config) *Duration { return &c.Apply.RepairCooldown })},
	{"HTTP_ADDR", setString(func(c *Config) *string { return &c.HTTP.Addr })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
}

// EnvNames lists the recognized environment variables.
func EnvNames() []string {
	out := make([]string, len(envVars))
	for i, v := range envVars {
		out[i] = EnvPrefix + v.name
	}
	return out
}

// ApplyEnv overlays SCENEBRIDGE_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, v := range envVars {
		name := EnvPrefix + v.name
		val, ok := lookup(name)
		if !ok {
			continue
		}
		if err := v.set(c, val); err != nil {
			return fmt.Errorf("env %s=%q: %w", name, val, err)
		}
	}
	return nil
}
