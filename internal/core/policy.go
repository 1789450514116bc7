package core

import "fmt"

// PolicyKind is the tag of the Policy union.
type PolicyKind uint8

// Ordered from least to most preserving.
const (
	PolicyMasked PolicyKind = iota
	PolicyHeaderOnly
	PolicyFullPreserve
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyFullPreserve:
		return "full_preserve"
	case PolicyHeaderOnly:
		return "header_only"
	default:
		return "masked"
	}
}

// ParsePolicyKind is the inverse of PolicyKind.String.
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch s {
	case "full_preserve":
		return PolicyFullPreserve, nil
	case "header_only":
		return PolicyHeaderOnly, nil
	case "masked":
		return PolicyMasked, nil
	}
	return PolicyMasked, fmt.Errorf("unknown policy %q", s)
}

// Policy decides what happens to the bytes of a keep rule. HeaderBytes is
// only meaningful for PolicyHeaderOnly.
type Policy struct {
	Kind        PolicyKind
	HeaderBytes int
}

func FullPreserve() Policy { return Policy{Kind: PolicyFullPreserve} }

func Masked() Policy { return Policy{Kind: PolicyMasked} }

// HeaderOnly keeps the first n bytes of the covered region. n <= 0 collapses
// to Masked.
func HeaderOnly(n int) Policy {
	if n <= 0 {
		return Masked()
	}
	return Policy{Kind: PolicyHeaderOnly, HeaderBytes: n}
}

// Rank orders policies by how much they preserve.
func (p Policy) Rank() int {
	switch p.Kind {
	case PolicyFullPreserve:
		return 2
	case PolicyHeaderOnly:
		return 1
	}
	return 0
}

func (p Policy) String() string {
	if p.Kind == PolicyHeaderOnly {
		return fmt.Sprintf("header_only(%d)", p.HeaderBytes)
	}
	return p.Kind.String()
}

// KeepRule instructs the rewriter what to do with [Start, End) of one stream
// direction. Sequence values are extended (see ExtendSeq).
type KeepRule struct {
	Stream StreamID
	Dir    Direction
	Start  int64
	End    int64
	Policy Policy
}

// Validate checks the rule invariants.
func (r KeepRule) Validate() error {
	if r.Start >= r.End {
		return fmt.Errorf("%w: rule %s [%d,%d) is empty", ErrRuleInconsistency, r.Half(), r.Start, r.End)
	}
	if r.Policy.Kind == PolicyHeaderOnly && r.Policy.HeaderBytes <= 0 {
		return fmt.Errorf("%w: rule %s header_only with %d bytes", ErrRuleInconsistency, r.Half(), r.Policy.HeaderBytes)
	}
	return nil
}

// Half returns the stream direction the rule applies to.
func (r KeepRule) Half() HalfStream {
	return HalfStream{Stream: r.Stream, Dir: r.Dir}
}

// Len returns the number of bytes covered.
func (r KeepRule) Len() int64 { return r.End - r.Start }

// CompareRules orders rules by stream, direction, start, end, then policy.
func CompareRules(a, b KeepRule) int {
	if c := a.Stream.Compare(b.Stream); c != 0 {
		return c
	}
	if a.Dir != b.Dir {
		return int(a.Dir) - int(b.Dir)
	}
	if a.Start != b.Start {
		return cmpInt64(a.Start, b.Start)
	}
	if a.End != b.End {
		return cmpInt64(a.End, b.End)
	}
	if a.Policy.Rank() != b.Policy.Rank() {
		return a.Policy.Rank() - b.Policy.Rank()
	}
	return a.Policy.HeaderBytes - b.Policy.HeaderBytes
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
