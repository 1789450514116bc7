package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/pipeline"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
pktmask:
  log:
    level: "debug"
    format: "json"
  mask:
    preserve_application_data: true
    header_preserve_bytes: 3
    mask_fill_byte: 0xAA
    unrecognized_policy: "masked"
  pipeline:
    mode: "builtin"
    per_stage_timeout: "90s"
    workers: 4
    rule_table:
      enabled: true
      dir: "/tmp/rules"
      format: "json"
  fallback:
    order: ["mask_all"]
    on_parse_error: false
    modes:
      builtin:
        max_attempts: 2
  tshark:
    path: "/opt/wireshark/bin/tshark"
    decode_as_ports: [8443, 9443]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Log.Outputs.Console.Stream != "stderr" {
		t.Errorf("console stream default lost: %q", cfg.Log.Outputs.Console.Stream)
	}
	if cfg.Mask.FillByte != 0xAA {
		t.Errorf("Expected fill byte 0xAA, got %#x", cfg.Mask.FillByte)
	}
	if !cfg.Mask.PreserveHandshake {
		t.Error("preserve_handshake default must survive a partial mask section")
	}
	if cfg.Pipeline.PerStageTimeout != 90*time.Second {
		t.Errorf("Expected 90s timeout, got %v", cfg.Pipeline.PerStageTimeout)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Pipeline.Workers)
	}
	if len(cfg.TShark.DecodeAsPorts) != 2 || cfg.TShark.DecodeAsPorts[1] != 9443 {
		t.Errorf("unexpected decode_as_ports: %v", cfg.TShark.DecodeAsPorts)
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		t.Fatalf("PipelineConfig: %v", err)
	}
	if pc.Mode != pipeline.ModeBuiltin {
		t.Errorf("Expected builtin mode, got %s", pc.Mode)
	}
	if pc.FillByte != 0xAA {
		t.Errorf("fill byte not carried: %#x", pc.FillByte)
	}
	if pc.Policies.Unrecognized != core.Masked() {
		t.Errorf("Expected masked unrecognized policy, got %v", pc.Policies.Unrecognized)
	}
	if !pc.Policies.PreserveApplicationData || pc.Policies.HeaderPreserveBytes != 3 {
		t.Errorf("unexpected policy table: %+v", pc.Policies)
	}
	if pc.RuleTableDir != "/tmp/rules" || pc.RuleTableFormat != "json" {
		t.Errorf("unexpected rule table: %q %q", pc.RuleTableDir, pc.RuleTableFormat)
	}
	if len(pc.Fallback.Order) != 1 || pc.Fallback.Order[0] != pipeline.ModeMaskAll {
		t.Errorf("unexpected fallback order: %v", pc.Fallback.Order)
	}
	if pc.Fallback.OnParseError || !pc.Fallback.OnToolUnavailable {
		t.Errorf("unexpected fallback flags: %+v", pc.Fallback)
	}
	if pc.Fallback.Modes["builtin"]["max_attempts"] != 2 {
		t.Errorf("mode options not carried: %v", pc.Fallback.Modes)
	}
	if pc.TShark.Path != "/opt/wireshark/bin/tshark" || pc.TShark.KillDelay != 2*time.Second {
		t.Errorf("unexpected tshark options: %+v", pc.TShark)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Pipeline.Mode != pipeline.ModeTLS {
		t.Errorf("Expected tls mode, got %s", cfg.Pipeline.Mode)
	}
	if !cfg.Fallback.Enabled || len(cfg.Fallback.Order) != 2 {
		t.Errorf("unexpected fallback defaults: %+v", cfg.Fallback)
	}
	if cfg.Fallback.OnOther {
		t.Error("on_other must default to false")
	}
	if cfg.Mask.HeaderPreserveBytes != core.TLSRecordHeaderLen {
		t.Errorf("Expected 5 header bytes, got %d", cfg.Mask.HeaderPreserveBytes)
	}
	if cfg.Pipeline.RuleTable.Enabled {
		t.Error("rule table must be off by default")
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics must be off by default")
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		t.Fatalf("PipelineConfig: %v", err)
	}
	if pc.Policies.Unrecognized != core.FullPreserve() {
		t.Errorf("unrecognized streams must fail open by default, got %v", pc.Policies.Unrecognized)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PKTMASK_PIPELINE_MODE", "mask_all")
	t.Setenv("PKTMASK_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Mode != pipeline.ModeMaskAll {
		t.Errorf("Expected env override mask_all, got %s", cfg.Pipeline.Mode)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected env override warn, got %s", cfg.Log.Level)
	}
}

func TestLoadAcceptsEveryLogLevel(t *testing.T) {
	for _, level := range append(LogLevels, "WARNING", "Info") {
		t.Run(level, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "pktmask:\n  log:\n    level: "+level+"\n"))
			if err != nil {
				t.Fatalf("level %q rejected: %v", level, err)
			}
			if cfg.Log.Level != level {
				t.Errorf("Expected level %s, got %s", level, cfg.Log.Level)
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"log_level", "pktmask:\n  log:\n    level: trace\n", core.ErrConfigInvalid},
		{"log_format", "pktmask:\n  log:\n    format: xml\n", core.ErrConfigInvalid},
		{"fill_byte", "pktmask:\n  mask:\n    mask_fill_byte: 256\n", core.ErrConfigInvalid},
		{"unrecognized_policy", "pktmask:\n  mask:\n    unrecognized_policy: keep\n", core.ErrConfigInvalid},
		{"mode", "pktmask:\n  pipeline:\n    mode: turbo\n", core.ErrModeNotFound},
		{"fallback_mode", "pktmask:\n  fallback:\n    order: [tls, nope]\n", core.ErrModeNotFound},
		{"mode_option", "pktmask:\n  fallback:\n    modes:\n      tls:\n        colour: red\n", core.ErrConfigInvalid},
		{"rule_table_dir", "pktmask:\n  pipeline:\n    rule_table:\n      enabled: true\n", core.ErrConfigInvalid},
		{"file_log_path", "pktmask:\n  log:\n    outputs:\n      file:\n        enabled: true\n        path: \"\"\n", core.ErrConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}
