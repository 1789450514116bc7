// Package artifact reads and writes the rule table debug artifact.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/pktmask/internal/core"
)

// Format selects the encoding of a rule table.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor picks the format from a file extension. Anything that is not
// .json is YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Entry is one serialized keep rule.
type Entry struct {
	StreamID     string         `yaml:"stream_id" json:"stream_id"`
	Direction    string         `yaml:"direction" json:"direction"`
	SeqStart     int64          `yaml:"seq_start" json:"seq_start"`
	SeqEnd       int64          `yaml:"seq_end" json:"seq_end"`
	Policy       string         `yaml:"policy" json:"policy"`
	PolicyParams map[string]int `yaml:"policy_params,omitempty" json:"policy_params,omitempty"`
}

// Table is the document written after the index stage.
type Table struct {
	Input     string    `yaml:"input" json:"input"`
	Mode      string    `yaml:"mode" json:"mode"`
	RunID     string    `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Generated time.Time `yaml:"generated" json:"generated"`
	Rules     []Entry   `yaml:"rules" json:"rules"`
}

// FromRules converts keep rules into entries, preserving order.
func FromRules(rules []core.KeepRule) []Entry {
	out := make([]Entry, 0, len(rules))
	for _, r := range rules {
		e := Entry{
			StreamID:  r.Stream.String(),
			Direction: r.Dir.String(),
			SeqStart:  r.Start,
			SeqEnd:    r.End,
			Policy:    r.Policy.Kind.String(),
		}
		if r.Policy.Kind == core.PolicyHeaderOnly {
			e.PolicyParams = map[string]int{"header_bytes": r.Policy.HeaderBytes}
		}
		out = append(out, e)
	}
	return out
}

// Rule converts the entry back into a keep rule.
func (e Entry) Rule() (core.KeepRule, error) {
	lo, hi, ok := strings.Cut(e.StreamID, "-")
	if !ok {
		return core.KeepRule{}, fmt.Errorf("%w: stream id %q", core.ErrParse, e.StreamID)
	}
	loAP, err := netip.ParseAddrPort(lo)
	if err != nil {
		return core.KeepRule{}, fmt.Errorf("%w: stream id %q: %v", core.ErrParse, e.StreamID, err)
	}
	hiAP, err := netip.ParseAddrPort(hi)
	if err != nil {
		return core.KeepRule{}, fmt.Errorf("%w: stream id %q: %v", core.ErrParse, e.StreamID, err)
	}

	var dir core.Direction
	switch e.Direction {
	case "forward":
		dir = core.Forward
	case "reverse":
		dir = core.Reverse
	default:
		return core.KeepRule{}, fmt.Errorf("%w: direction %q", core.ErrParse, e.Direction)
	}

	kind, err := core.ParsePolicyKind(e.Policy)
	if err != nil {
		return core.KeepRule{}, fmt.Errorf("%w: %v", core.ErrParse, err)
	}
	policy := core.Policy{Kind: kind}
	if kind == core.PolicyHeaderOnly {
		policy.HeaderBytes = e.PolicyParams["header_bytes"]
	}

	r := core.KeepRule{
		Stream: core.StreamID{Lo: loAP, Hi: hiAP},
		Dir:    dir,
		Start:  e.SeqStart,
		End:    e.SeqEnd,
		Policy: policy,
	}
	return r, r.Validate()
}

// KeepRules converts every entry of the table.
func (t *Table) KeepRules() ([]core.KeepRule, error) {
	out := make([]core.KeepRule, 0, len(t.Rules))
	for i, e := range t.Rules {
		r, err := e.Rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Encode writes t to w.
func Encode(w io.Writer, t *Table, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case FormatYAML, "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(t); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported rule table format %q", f)
}

// Decode reads a table from r.
func Decode(r io.Reader, f Format) (*Table, error) {
	var t Table
	var err error
	switch f {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&t)
	case FormatYAML, "":
		err = yaml.NewDecoder(r).Decode(&t)
	default:
		return nil, fmt.Errorf("unsupported rule table format %q", f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: rule table: %v", core.ErrParse, err)
	}
	return &t, nil
}

// Write stores t at path, creating parent directories as needed.
func Write(path string, t *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	if err := Encode(f, t, FormatFor(path)); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", core.ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	return nil
}

// Read loads a table from path.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	defer f.Close()
	return Decode(f, FormatFor(path))
}

// PathFor returns where the table of input goes inside dir.
func PathFor(dir, input string, f Format) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, base+".rules."+string(f))
}
