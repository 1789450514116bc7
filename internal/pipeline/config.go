package pipeline

import (
	"fmt"
	"slices"
	"time"

	"firestige.xyz/pktmask/internal/analyzer"
	"firestige.xyz/pktmask/internal/artifact"
	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/dissect"
)

// Config is the read-only configuration of an Executor. It is supplied once
// at construction and shared by every file the executor processes.
type Config struct {
	Mode            string
	Policies        analyzer.PolicyTable
	FillByte        byte
	PerStageTimeout time.Duration

	// WorkDir holds the per-file temporary workspaces. Empty means the
	// system temp dir.
	WorkDir string

	// RuleTableDir enables the rule table artifact when set.
	RuleTableDir    string
	RuleTableFormat artifact.Format

	Fallback FallbackConfig
	TShark   dissect.TSharkOptions
}

// FallbackConfig controls retries and the degradation chain.
type FallbackConfig struct {
	Enabled bool
	Order   []string

	OnToolUnavailable bool
	OnParseError      bool
	OnOther           bool

	// MaxAttempts is the default per-mode attempt count for failures of
	// category other. RetryBudget caps attempts per file across all modes.
	MaxAttempts int
	RetryBudget int

	// Modes carries raw per-mode option maps, see ModeOptions.
	Modes map[string]map[string]any
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeTLS,
		Policies:        analyzer.DefaultPolicyTable(),
		FillByte:        0x00,
		PerStageTimeout: 5 * time.Minute,
		RuleTableFormat: artifact.FormatYAML,
		Fallback: FallbackConfig{
			Enabled:           true,
			Order:             []string{ModeBuiltin, ModePreserveAll},
			OnToolUnavailable: true,
			OnParseError:      true,
			OnOther:           false,
			MaxAttempts:       1,
			RetryBudget:       4,
		},
	}
}

// Validate checks mode names and counters.
func (c *Config) Validate() error {
	if _, ok := registry[c.Mode]; !ok {
		return fmt.Errorf("%w: %q", core.ErrModeNotFound, c.Mode)
	}
	for _, m := range c.Fallback.Order {
		if _, ok := registry[m]; !ok {
			return fmt.Errorf("%w: fallback order: %q", core.ErrModeNotFound, m)
		}
	}
	for m := range c.Fallback.Modes {
		if _, ok := registry[m]; !ok {
			return fmt.Errorf("%w: fallback modes: %q", core.ErrModeNotFound, m)
		}
	}
	if c.PerStageTimeout < 0 {
		return fmt.Errorf("%w: per_stage_timeout must not be negative", core.ErrConfigInvalid)
	}
	if c.Fallback.MaxAttempts < 0 || c.Fallback.RetryBudget < 0 {
		return fmt.Errorf("%w: attempt counts must not be negative", core.ErrConfigInvalid)
	}
	if c.Policies.HeaderPreserveBytes < 0 {
		return fmt.Errorf("%w: header_preserve_bytes must not be negative", core.ErrConfigInvalid)
	}
	switch c.RuleTableFormat {
	case artifact.FormatYAML, artifact.FormatJSON, "":
	default:
		return fmt.Errorf("%w: rule table format %q", core.ErrConfigInvalid, c.RuleTableFormat)
	}
	return nil
}

// chain returns the primary mode followed by the fallback modes, each once.
func (c *Config) chain() []string {
	out := []string{c.Mode}
	if !c.Fallback.Enabled {
		return out
	}
	for _, m := range c.Fallback.Order {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// allows reports whether a failure of cat may move on to the next mode.
func (f *FallbackConfig) allows(cat core.Category) bool {
	switch cat {
	case core.CategoryToolUnavailable:
		return f.OnToolUnavailable
	case core.CategoryParseError:
		return f.OnParseError
	case core.CategoryOther:
		return f.OnOther
	}
	return false
}
