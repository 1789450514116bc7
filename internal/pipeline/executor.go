// Package pipeline runs capture files through the masking stages and applies
// the fallback chain when a stage fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/dissect"
	"firestige.xyz/pktmask/internal/metrics"
)

// Stage names.
const (
	StageAnalyze   = "analyze"
	StageReconcile = "reconcile"
	StageIndex     = "index"
	StageRewrite   = "rewrite"
	StageCommit    = "commit"
)

// Executor processes capture files. It holds no per-file state, so one
// executor may serve concurrent Process calls.
type Executor struct {
	cfg        Config
	modes      map[string]mode
	dissectors map[string]dissect.Dissector
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = c }
}

// WithDissector replaces the dissector used by an analyzing mode.
func WithDissector(modeName string, d dissect.Dissector) Option {
	return func(e *Executor) { e.dissectors[modeName] = d }
}

// New validates cfg and builds an executor.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	modes, err := resolveModes(&cfg)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:        cfg,
		modes:      modes,
		dissectors: make(map[string]dissect.Dissector),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, ok := e.dissectors[ModeTLS]; !ok {
		e.dissectors[ModeTLS] = dissect.NewTShark(cfg.TShark, e.logger)
	}
	if _, ok := e.dissectors[ModeBuiltin]; !ok {
		e.dissectors[ModeBuiltin] = dissect.NewBuiltin(e.logger)
	}
	return e, nil
}

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.cfg }

// Process masks input into output. The returned error equals Result.Err.
func (e *Executor) Process(ctx context.Context, input, output string) (*Result, error) {
	res := &Result{
		RunID:  uuid.NewString(),
		Input:  input,
		Output: output,
		Mode:   e.cfg.Mode,
		State:  StateNotStarted,
	}
	logger := e.logger.With("run_id", res.RunID, "input", input)
	started := time.Now()
	defer func() { res.Duration = time.Since(started) }()

	res.setState(logger, StateRunning)

	ws, err := newWorkspace(e.cfg.WorkDir)
	if err != nil {
		return e.fail(logger, res, core.NewStageError("workspace", core.CategoryIOError, err))
	}
	defer ws.remove(logger)

	var lastErr error
	for i, name := range e.cfg.chain() {
		m := e.modes[name]
		if i > 0 {
			cat := core.CategoryOf(lastErr)
			res.Mode = name
			res.FallbackUsed = true
			res.FallbackMode = name
			res.FallbackReason = lastErr.Error()
			res.FallbackCategory = cat
			e.metrics.Fallback(name, string(cat))
			logger.Warn("falling back", "mode", name, "category", cat, "error", lastErr)
			res.setState(logger, StateDegraded)
		}

		for attempt := 1; attempt <= m.attempts; attempt++ {
			if budget := e.cfg.Fallback.RetryBudget; budget > 0 && res.Attempts >= budget {
				return e.fail(logger, res, fmt.Errorf("retry budget of %d attempts exhausted: %w", budget, lastErr))
			}
			res.Attempts++

			tmp := ws.path(fmt.Sprintf("attempt-%d-%s%s", res.Attempts, name, filepath.Ext(output)))
			lastErr = e.attempt(ctx, logger, m, res, input, tmp)
			if lastErr == nil {
				if err := ws.commit(tmp, output); err != nil {
					return e.fail(logger, res, core.NewStageError(StageCommit, core.CategoryIOError, err))
				}
				res.setState(logger, StateCompleted)
				e.metrics.FileProcessed(string(StateCompleted), name)
				e.recordRewrite(res)
				logger.Info("file processed",
					"mode", name,
					"attempts", res.Attempts,
					"fallback_used", res.FallbackUsed,
					"rules", res.Rules,
					"packets", res.Rewrite.Packets,
					"masked", res.Rewrite.Masked,
					"packet_errors", res.Rewrite.Errors)
				return res, nil
			}

			if ctx.Err() != nil {
				return e.fail(logger, res, lastErr)
			}
			cat := core.CategoryOf(lastErr)
			logger.Warn("attempt failed",
				"mode", name,
				"attempt", attempt,
				"stage", core.StageOf(lastErr),
				"category", cat,
				"error", lastErr)
			if cat.Fatal() {
				return e.fail(logger, res, lastErr)
			}
			if cat != core.CategoryOther {
				break
			}
		}

		if !e.cfg.Fallback.Enabled || !e.cfg.Fallback.allows(core.CategoryOf(lastErr)) {
			return e.fail(logger, res, lastErr)
		}
	}
	return e.fail(logger, res, fmt.Errorf("fallback chain exhausted: %w", lastErr))
}

func (e *Executor) fail(logger *slog.Logger, res *Result, err error) (*Result, error) {
	res.Err = err
	res.Category = core.CategoryOf(err)
	res.setState(logger, StateFailed)
	e.metrics.FileProcessed(string(StateFailed), res.Mode)
	logger.Error("file processing failed",
		"mode", res.Mode,
		"stage", core.StageOf(err),
		"category", res.Category,
		"fallback_used", res.FallbackUsed,
		"error", err)
	return res, err
}

func (e *Executor) recordRewrite(res *Result) {
	st := res.Rewrite
	e.metrics.AddPackets("passthrough", st.Passthrough)
	e.metrics.AddPackets("unchanged", st.Unchanged)
	e.metrics.AddPackets("masked", st.Masked)
	e.metrics.AddPackets("error", st.Errors)
}

// runStage executes fn under the mode's stage timeout and records the
// outcome. Errors come back as *core.StageError.
func (e *Executor) runStage(ctx context.Context, logger *slog.Logger, m mode, res *Result, name string,
	fn func(ctx context.Context) (processed, modified int, err error)) error {
	sctx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	processed, modified, err := fn(sctx)
	elapsed := time.Since(start)
	e.metrics.ObserveStage(name, elapsed)

	sr := StageResult{
		Name:           name,
		Mode:           m.name,
		Attempt:        res.Attempts,
		Success:        err == nil,
		ItemsProcessed: processed,
		ItemsModified:  modified,
		Duration:       elapsed,
	}
	if err != nil {
		var se *core.StageError
		if !errors.As(err, &se) {
			se = core.NewStageError(name, core.CategoryNone, err)
		}
		sr.Err = se
		err = se
	}
	res.Stages = append(res.Stages, sr)

	logger.Debug("stage finished",
		"stage", name,
		"mode", m.name,
		"success", sr.Success,
		"items_processed", processed,
		"items_modified", modified,
		"duration", elapsed)
	return err
}
