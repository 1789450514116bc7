// Package core defines sentinel errors and the stage error taxonomy.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// Failure categories
	ErrToolUnavailable   = errors.New("pktmask: dissection tool unavailable")
	ErrParse             = errors.New("pktmask: parse error")
	ErrRuleInconsistency = errors.New("pktmask: rule inconsistency")
	ErrIO                = errors.New("pktmask: io error")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("pktmask: packet too short")
	ErrUnsupportedProto = errors.New("pktmask: unsupported protocol")
	ErrUnsupportedLink  = errors.New("pktmask: unsupported link type")

	// Rewrite errors (non-fatal, per packet)
	ErrTruncated  = errors.New("pktmask: packet truncated by snaplen")
	ErrFragmented = errors.New("pktmask: fragmented ip datagram")

	// Configuration errors
	ErrConfigInvalid = errors.New("pktmask: invalid configuration")
	ErrModeNotFound  = errors.New("pktmask: processing mode not found")
)

// Category classifies a stage failure. The executor decides retry, fallback
// or abort from the category alone.
type Category string

const (
	CategoryNone              Category = ""
	CategoryToolUnavailable   Category = "tool_unavailable"
	CategoryParseError        Category = "parse_error"
	CategoryRuleInconsistency Category = "rule_inconsistency"
	CategoryIOError           Category = "io_error"
	CategoryOther             Category = "other"
)

// Fatal reports whether a failure of this category must never be degraded.
func (c Category) Fatal() bool {
	return c == CategoryRuleInconsistency || c == CategoryIOError
}

// StageError is the structured error every stage returns.
type StageError struct {
	Stage    string
	Category Category
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Category, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err for stage. An empty category is inferred from the
// sentinel err wraps.
func NewStageError(stage string, category Category, err error) *StageError {
	if category == CategoryNone {
		category = categoryFromSentinel(err)
	}
	return &StageError{Stage: stage, Category: category, Err: err}
}

// CategoryOf returns the failure category carried by err.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Category
	}
	return categoryFromSentinel(err)
}

// StageOf returns the stage name carried by err, or "" if none.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func categoryFromSentinel(err error) Category {
	switch {
	case errors.Is(err, ErrToolUnavailable):
		return CategoryToolUnavailable
	case errors.Is(err, ErrParse), errors.Is(err, ErrPacketTooShort), errors.Is(err, ErrUnsupportedLink):
		return CategoryParseError
	case errors.Is(err, ErrRuleInconsistency):
		return CategoryRuleInconsistency
	case errors.Is(err, ErrIO):
		return CategoryIOError
	default:
		return CategoryOther
	}
}
