// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/pktmask/internal/analyzer"
	"firestige.xyz/pktmask/internal/artifact"
	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/dissect"
	"firestige.xyz/pktmask/internal/pipeline"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `pktmask:` root key in YAML.
type GlobalConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Mask     MaskConfig     `mapstructure:"mask"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	TShark   TSharkConfig   `mapstructure:"tshark"`
}

// ─── Masking policy ───

// MaskConfig is the per-record-type policy table.
type MaskConfig struct {
	PreserveHandshake        bool   `mapstructure:"preserve_handshake"`
	PreserveApplicationData  bool   `mapstructure:"preserve_application_data"`
	PreserveAlert            bool   `mapstructure:"preserve_alert"`
	PreserveChangeCipherSpec bool   `mapstructure:"preserve_change_cipher_spec"`
	PreserveHeartbeat        bool   `mapstructure:"preserve_heartbeat"`
	HeaderPreserveBytes      int    `mapstructure:"header_preserve_bytes"`
	FillByte                 int    `mapstructure:"mask_fill_byte"`
	UnrecognizedPolicy       string `mapstructure:"unrecognized_policy"` // full_preserve / masked / header_only
}

// ─── Pipeline ───

// PipelineConfig contains executor settings.
type PipelineConfig struct {
	Mode            string          `mapstructure:"mode"` // tls / builtin / preserve_all / mask_all
	PerStageTimeout time.Duration   `mapstructure:"per_stage_timeout"`
	WorkDir         string          `mapstructure:"work_dir"` // empty = system temp dir
	Workers         int             `mapstructure:"workers"`
	RuleTable       RuleTableConfig `mapstructure:"rule_table"`
}

// RuleTableConfig enables the rule table debug artifact.
type RuleTableConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Format  string `mapstructure:"format"` // yaml / json
}

// FallbackConfig contains the degradation chain and retry limits.
type FallbackConfig struct {
	Enabled           bool                      `mapstructure:"enabled"`
	Order             []string                  `mapstructure:"order"`
	OnToolUnavailable bool                      `mapstructure:"on_tool_unavailable"`
	OnParseError      bool                      `mapstructure:"on_parse_error"`
	OnOther           bool                      `mapstructure:"on_other"`
	MaxAttempts       int                       `mapstructure:"max_attempts"`
	RetryBudget       int                       `mapstructure:"retry_budget"`
	Modes             map[string]map[string]any `mapstructure:"modes"` // per-mode overrides
}

// TSharkConfig configures the external dissector.
type TSharkConfig struct {
	Path          string        `mapstructure:"path"`
	ExtraArgs     []string      `mapstructure:"extra_args"`
	DecodeAsPorts []int         `mapstructure:"decode_as_ports"`
	KillDelay     time.Duration `mapstructure:"kill_delay"`
}

// ─── Observability ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations.
type LogOutputsConfig struct {
	Console ConsoleOutputConfig `mapstructure:"console"`
	File    FileOutputConfig    `mapstructure:"file"`
}

// ConsoleOutputConfig selects the console stream. Masking output never goes
// to stdout, so stderr is the default.
type ConsoleOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"` // stderr / stdout
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `pktmask: ...`.
type configRoot struct {
	PktMask GlobalConfig `mapstructure:"pktmask"`
}

// Load loads configuration from file. An empty path loads defaults plus
// environment overrides. Env vars use the PKTMASK_ prefix
// (e.g., PKTMASK_PIPELINE_MODE).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", core.ErrConfigInvalid, err)
		}
	}

	// The `pktmask.` key prefix maps to `PKTMASK_` through the key replacer
	// (e.g., key "pktmask.log.level" → env "PKTMASK_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return unmarshal(v)
}

// Default returns the built-in defaults without reading a file or the
// environment.
func Default() *GlobalConfig {
	cfg, err := unmarshal(viper.New())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func unmarshal(v *viper.Viper) (*GlobalConfig, error) {
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", core.ErrConfigInvalid, err)
	}
	cfg := root.PktMask

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "pktmask." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("pktmask.log.level", "info")
	v.SetDefault("pktmask.log.format", "text")
	v.SetDefault("pktmask.log.outputs.console.enabled", true)
	v.SetDefault("pktmask.log.outputs.console.stream", "stderr")
	v.SetDefault("pktmask.log.outputs.file.enabled", false)
	v.SetDefault("pktmask.log.outputs.file.path", "/var/log/pktmask/pktmask.log")
	v.SetDefault("pktmask.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("pktmask.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("pktmask.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("pktmask.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("pktmask.metrics.enabled", false)
	v.SetDefault("pktmask.metrics.listen", ":9092")
	v.SetDefault("pktmask.metrics.path", "/metrics")

	// Mask defaults: keep handshakes and record headers, blank everything
	// else, leave non-TLS streams alone.
	v.SetDefault("pktmask.mask.preserve_handshake", true)
	v.SetDefault("pktmask.mask.preserve_application_data", false)
	v.SetDefault("pktmask.mask.preserve_alert", true)
	v.SetDefault("pktmask.mask.preserve_change_cipher_spec", true)
	v.SetDefault("pktmask.mask.preserve_heartbeat", true)
	v.SetDefault("pktmask.mask.header_preserve_bytes", core.TLSRecordHeaderLen)
	v.SetDefault("pktmask.mask.mask_fill_byte", 0)
	v.SetDefault("pktmask.mask.unrecognized_policy", core.PolicyFullPreserve.String())

	// Pipeline defaults
	v.SetDefault("pktmask.pipeline.mode", pipeline.ModeTLS)
	v.SetDefault("pktmask.pipeline.per_stage_timeout", "5m")
	v.SetDefault("pktmask.pipeline.work_dir", "")
	v.SetDefault("pktmask.pipeline.workers", 1)
	v.SetDefault("pktmask.pipeline.rule_table.enabled", false)
	v.SetDefault("pktmask.pipeline.rule_table.dir", "")
	v.SetDefault("pktmask.pipeline.rule_table.format", string(artifact.FormatYAML))

	// Fallback defaults
	v.SetDefault("pktmask.fallback.enabled", true)
	v.SetDefault("pktmask.fallback.order", []string{pipeline.ModeBuiltin, pipeline.ModePreserveAll})
	v.SetDefault("pktmask.fallback.on_tool_unavailable", true)
	v.SetDefault("pktmask.fallback.on_parse_error", true)
	v.SetDefault("pktmask.fallback.on_other", false)
	v.SetDefault("pktmask.fallback.max_attempts", 1)
	v.SetDefault("pktmask.fallback.retry_budget", 4)

	// TShark defaults
	v.SetDefault("pktmask.tshark.path", "tshark")
	v.SetDefault("pktmask.tshark.kill_delay", "2s")
}

// LogLevels are the accepted log.level values, matched case-insensitively.
// "warning" is an alias of "warn".
var LogLevels = []string{"debug", "info", "warn", "warning", "error"}

// ValidLogLevel reports whether s names one of LogLevels.
func ValidLogLevel(s string) bool {
	for _, l := range LogLevels {
		if strings.EqualFold(s, l) {
			return true
		}
	}
	return false
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	if !ValidLogLevel(cfg.Log.Level) {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/warning/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	switch cfg.Log.Outputs.Console.Stream {
	case "":
		cfg.Log.Outputs.Console.Stream = "stderr"
	case "stderr", "stdout":
	default:
		return fmt.Errorf("%w: invalid console stream: %s", core.ErrConfigInvalid, cfg.Log.Outputs.Console.Stream)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log file output requires a path", core.ErrConfigInvalid)
	}

	// ── Mask validation ──
	if cfg.Mask.FillByte < 0 || cfg.Mask.FillByte > 0xFF {
		return fmt.Errorf("%w: mask_fill_byte %d out of range 0-255", core.ErrConfigInvalid, cfg.Mask.FillByte)
	}
	if cfg.Mask.HeaderPreserveBytes < 0 {
		return fmt.Errorf("%w: header_preserve_bytes must not be negative", core.ErrConfigInvalid)
	}
	if _, err := core.ParsePolicyKind(cfg.Mask.UnrecognizedPolicy); err != nil {
		return fmt.Errorf("%w: unrecognized_policy: %v", core.ErrConfigInvalid, err)
	}

	// ── Pipeline validation ──
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 1
	}
	if cfg.Pipeline.RuleTable.Enabled && cfg.Pipeline.RuleTable.Dir == "" {
		return fmt.Errorf("%w: rule_table.dir is required when the rule table is enabled", core.ErrConfigInvalid)
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	if _, err := pipeline.New(pc); err != nil {
		return err
	}
	return nil
}

// PolicyTable builds the analyzer policy table from the mask section.
func (cfg *GlobalConfig) PolicyTable() (analyzer.PolicyTable, error) {
	kind, err := core.ParsePolicyKind(cfg.Mask.UnrecognizedPolicy)
	if err != nil {
		return analyzer.PolicyTable{}, fmt.Errorf("%w: unrecognized_policy: %v", core.ErrConfigInvalid, err)
	}
	unrecognized := core.Policy{Kind: kind}
	if kind == core.PolicyHeaderOnly {
		unrecognized = core.HeaderOnly(cfg.Mask.HeaderPreserveBytes)
	}
	return analyzer.PolicyTable{
		PreserveHandshake:        cfg.Mask.PreserveHandshake,
		PreserveApplicationData:  cfg.Mask.PreserveApplicationData,
		PreserveAlert:            cfg.Mask.PreserveAlert,
		PreserveChangeCipherSpec: cfg.Mask.PreserveChangeCipherSpec,
		PreserveHeartbeat:        cfg.Mask.PreserveHeartbeat,
		HeaderPreserveBytes:      cfg.Mask.HeaderPreserveBytes,
		Unrecognized:             unrecognized,
	}, nil
}

// PipelineConfig converts the loaded configuration into executor settings.
func (cfg *GlobalConfig) PipelineConfig() (pipeline.Config, error) {
	table, err := cfg.PolicyTable()
	if err != nil {
		return pipeline.Config{}, err
	}
	pc := pipeline.Config{
		Mode:            cfg.Pipeline.Mode,
		Policies:        table,
		FillByte:        byte(cfg.Mask.FillByte),
		PerStageTimeout: cfg.Pipeline.PerStageTimeout,
		WorkDir:         cfg.Pipeline.WorkDir,
		RuleTableFormat: artifact.Format(cfg.Pipeline.RuleTable.Format),
		Fallback: pipeline.FallbackConfig{
			Enabled:           cfg.Fallback.Enabled,
			Order:             cfg.Fallback.Order,
			OnToolUnavailable: cfg.Fallback.OnToolUnavailable,
			OnParseError:      cfg.Fallback.OnParseError,
			OnOther:           cfg.Fallback.OnOther,
			MaxAttempts:       cfg.Fallback.MaxAttempts,
			RetryBudget:       cfg.Fallback.RetryBudget,
			Modes:             cfg.Fallback.Modes,
		},
		TShark: dissect.TSharkOptions{
			Path:          cfg.TShark.Path,
			ExtraArgs:     cfg.TShark.ExtraArgs,
			DecodeAsPorts: cfg.TShark.DecodeAsPorts,
			KillDelay:     cfg.TShark.KillDelay,
		},
	}
	if cfg.Pipeline.RuleTable.Enabled {
		pc.RuleTableDir = cfg.Pipeline.RuleTable.Dir
	}
	return pc, nil
}
