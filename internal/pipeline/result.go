package pipeline

import (
	"log/slog"
	"time"

	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/rewrite"
)

// State represents the lifecycle state of one Process call.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateDegraded   State = "degraded"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// StageResult is the outcome of one stage of one attempt.
type StageResult struct {
	Name           string
	Mode           string
	Attempt        int
	Success        bool
	ItemsProcessed int
	ItemsModified  int
	Duration       time.Duration
	Err            error
}

// Result aggregates every attempt made for one input file.
type Result struct {
	RunID  string
	Input  string
	Output string

	// Mode is the mode that produced the output, or the last one tried.
	Mode  string
	State State

	Stages   []StageResult
	Attempts int

	FallbackUsed     bool
	FallbackMode     string
	FallbackReason   string
	FallbackCategory core.Category

	// Rules is the number of keep rules applied by the successful attempt.
	Rules   int
	Rewrite rewrite.Stats

	Err      error
	Category core.Category
	Duration time.Duration
}

// PacketErrors returns the non-fatal per-packet errors of the final rewrite.
func (r *Result) PacketErrors() []rewrite.PacketError {
	return r.Rewrite.PacketErrors
}

// Stage returns the last result recorded for the named stage.
func (r *Result) Stage(name string) (StageResult, bool) {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Name == name {
			return r.Stages[i], true
		}
	}
	return StageResult{}, false
}

func (r *Result) setState(logger *slog.Logger, s State) {
	r.State = s
	logger.Info("run state changed", "run_id", r.RunID, "state", s, "mode", r.Mode)
}
