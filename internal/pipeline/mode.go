package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/pktmask/internal/core"
)

// Processing modes.
const (
	ModeTLS         = "tls"
	ModeBuiltin     = "builtin"
	ModePreserveAll = "preserve_all"
	ModeMaskAll     = "mask_all"
)

// modeKind describes what a mode does, independent of configuration.
type modeKind struct {
	// analyze runs dissection, reconciliation and indexing before the
	// rewrite. Without it the rewriter gets an empty index.
	analyze       bool
	maskUnmatched bool
}

var registry = map[string]modeKind{
	ModeTLS:         {analyze: true},
	ModeBuiltin:     {analyze: true},
	ModePreserveAll: {},
	ModeMaskAll:     {maskUnmatched: true},
}

// Modes returns the registered mode names, sorted.
func Modes() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ModeOptions overrides executor-wide settings for one mode.
//
//	fallback:
//	  modes:
//	    tls:
//	      max_attempts: 2
//	      per_stage_timeout: 90s
//	    mask_all:
//	      fill_byte: 0xAA
type ModeOptions struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PerStageTimeout time.Duration `mapstructure:"per_stage_timeout"`
	FillByte        *int          `mapstructure:"fill_byte"`
}

// DecodeModeOptions decodes a raw option map. Unknown keys are rejected.
func DecodeModeOptions(raw map[string]any) (ModeOptions, error) {
	var opts ModeOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	if opts.MaxAttempts < 0 {
		return opts, fmt.Errorf("%w: max_attempts must not be negative", core.ErrConfigInvalid)
	}
	if opts.FillByte != nil && (*opts.FillByte < 0 || *opts.FillByte > 0xFF) {
		return opts, fmt.Errorf("%w: fill_byte %d out of range", core.ErrConfigInvalid, *opts.FillByte)
	}
	return opts, nil
}

// mode is a registered mode with its options resolved.
type mode struct {
	name string
	modeKind
	attempts int
	timeout  time.Duration
	fill     byte
}

func resolveModes(cfg *Config) (map[string]mode, error) {
	out := make(map[string]mode, len(registry))
	for name, kind := range registry {
		m := mode{
			name:     name,
			modeKind: kind,
			attempts: cfg.Fallback.MaxAttempts,
			timeout:  cfg.PerStageTimeout,
			fill:     cfg.FillByte,
		}
		if raw, ok := cfg.Fallback.Modes[name]; ok {
			opts, err := DecodeModeOptions(raw)
			if err != nil {
				return nil, fmt.Errorf("mode %s: %w", name, err)
			}
			if opts.MaxAttempts > 0 {
				m.attempts = opts.MaxAttempts
			}
			if opts.PerStageTimeout > 0 {
				m.timeout = opts.PerStageTimeout
			}
			if opts.FillByte != nil {
				m.fill = byte(*opts.FillByte)
			}
		}
		if m.attempts <= 0 {
			m.attempts = 1
		}
		out[name] = m
	}
	return out, nil
}
