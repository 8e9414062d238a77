package durable

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perdura/durable/dctx"
)

type (
	// Config is the file-backed engine configuration. Zero values fall back
	// to the built-in defaults.
	Config struct {
		MaxAttempts          int      `yaml:"max_attempts"`
		ExecutionTimeout     Duration `yaml:"execution_timeout"`
		KickoffFailsafeDelay Duration `yaml:"kickoff_failsafe_delay"`
		PollingInterval      Duration `yaml:"polling_interval"`
		PollingDisabled      bool     `yaml:"polling_disabled"`
		ClaimTTL             Duration `yaml:"claim_ttl"`
		WaitPollInterval     Duration `yaml:"wait_poll_interval"`
		AuditEnabled         bool     `yaml:"audit_enabled"`
		// ImplicitStepIDs is the implicit step id policy: allow, warn, or error.
		ImplicitStepIDs string `yaml:"implicit_step_ids"`
	}

	// Duration parses YAML scalars with time.ParseDuration ("30s", "5m").
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch dctx.ImplicitIDPolicy(c.ImplicitStepIDs) {
	case "", dctx.PolicyAllow, dctx.PolicyWarn, dctx.PolicyError:
		return nil
	default:
		return fmt.Errorf("invalid implicit_step_ids policy %q", c.ImplicitStepIDs)
	}
}

// Options renders the configuration as service options. Backends are wired
// separately; the file covers tunables only.
func (c *Config) Options() []Option {
	var opts []Option
	if c.MaxAttempts > 0 {
		opts = append(opts, WithMaxAttempts(c.MaxAttempts))
	}
	if c.ExecutionTimeout > 0 {
		opts = append(opts, WithExecutionTimeout(time.Duration(c.ExecutionTimeout)))
	}
	if c.KickoffFailsafeDelay > 0 {
		opts = append(opts, WithKickoffFailsafeDelay(time.Duration(c.KickoffFailsafeDelay)))
	}
	if c.PollingInterval > 0 {
		opts = append(opts, WithPollingInterval(time.Duration(c.PollingInterval)))
	}
	if c.PollingDisabled {
		opts = append(opts, WithPollingDisabled())
	}
	if c.ClaimTTL > 0 {
		opts = append(opts, WithClaimTTL(time.Duration(c.ClaimTTL)))
	}
	if c.WaitPollInterval > 0 {
		opts = append(opts, WithWaitPollInterval(time.Duration(c.WaitPollInterval)))
	}
	if c.AuditEnabled {
		opts = append(opts, WithAudit(true))
	}
	if c.ImplicitStepIDs != "" {
		opts = append(opts, WithImplicitStepIDPolicy(dctx.ImplicitIDPolicy(c.ImplicitStepIDs)))
	}
	return opts
}
