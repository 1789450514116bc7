package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/pktmask/internal/analyzer"
	"firestige.xyz/pktmask/internal/artifact"
	"firestige.xyz/pktmask/internal/capture"
	"firestige.xyz/pktmask/internal/core"
	"firestige.xyz/pktmask/internal/core/decoder"
	"firestige.xyz/pktmask/internal/dissect"
	"firestige.xyz/pktmask/internal/reconcile"
	"firestige.xyz/pktmask/internal/rewrite"
	"firestige.xyz/pktmask/internal/ruleindex"
)

// attempt runs every stage of m once, writing the masked capture to out.
func (e *Executor) attempt(ctx context.Context, logger *slog.Logger, m mode, res *Result, input, out string) error {
	res.Rules = 0
	res.Rewrite = rewrite.Stats{}

	index := ruleindex.Empty()
	if m.analyze {
		ix, rules, err := e.buildIndex(ctx, logger, m, res, input)
		if err != nil {
			return err
		}
		index = ix
		res.Rules = len(rules)
		if e.cfg.RuleTableDir != "" {
			if err := e.writeRuleTable(res, m, rules); err != nil {
				return core.NewStageError(StageIndex, core.CategoryIOError, err)
			}
		}
	}

	return e.runStage(ctx, logger, m, res, StageRewrite, func(ctx context.Context) (int, int, error) {
		rw := rewrite.New(index, rewrite.Options{FillByte: m.fill, MaskUnmatched: m.maskUnmatched}, logger)
		st, err := rw.File(ctx, input, out)
		res.Rewrite = st
		return st.Packets, st.Masked, err
	})
}

// buildIndex runs the analyze, reconcile and index stages.
func (e *Executor) buildIndex(ctx context.Context, logger *slog.Logger, m mode, res *Result, input string) (*ruleindex.Index, []core.KeepRule, error) {
	d, ok := e.dissectors[m.name]
	if !ok {
		return nil, nil, core.NewStageError(StageAnalyze, core.CategoryOther,
			fmt.Errorf("%w: no dissector for mode %s", core.ErrModeNotFound, m.name))
	}

	var (
		dissection *dissect.Result
		analysis   *analyzer.Analysis
		rules      []core.KeepRule
		index      *ruleindex.Index
	)

	err := e.runStage(ctx, logger, m, res, StageAnalyze, func(ctx context.Context) (int, int, error) {
		var err error
		dissection, err = d.Dissect(ctx, input)
		if err != nil {
			return 0, 0, err
		}
		analysis, err = analyzer.New(e.cfg.Policies, logger).Analyze(dissection)
		if err != nil {
			return len(dissection.Frames), 0, err
		}
		return len(dissection.Frames), len(analysis.Rules), nil
	})
	if err != nil {
		return nil, nil, err
	}

	err = e.runStage(ctx, logger, m, res, StageReconcile, func(ctx context.Context) (int, int, error) {
		raw, err := scanRaw(ctx, input)
		if err != nil {
			return 0, 0, err
		}
		mapping, err := reconcile.Build(dissection.Frames, dissection.AbsoluteSeq, raw)
		if err != nil {
			return len(raw), 0, err
		}
		rules, err = mapping.Apply(analysis.Rules)
		return mapping.Samples(), mapping.Len(), err
	})
	if err != nil {
		return nil, nil, err
	}

	err = e.runStage(ctx, logger, m, res, StageIndex, func(context.Context) (int, int, error) {
		var err error
		index, err = ruleindex.Build(rules)
		if err != nil {
			return len(rules), 0, err
		}
		st := index.Stats()
		return st.Rules, st.FullRanges + st.HeaderRanges, nil
	})
	if err != nil {
		return nil, nil, err
	}

	counts := make(map[string]int)
	for _, r := range rules {
		counts[r.Policy.Kind.String()]++
	}
	for kind, n := range counts {
		e.metrics.AddRules(kind, n)
	}
	return index, rules, nil
}

// scanRaw decodes input and collects the reconciliation view of every TCP
// frame, keyed by frame number.
func scanRaw(ctx context.Context, input string) (map[int]reconcile.Raw, error) {
	raw := make(map[int]reconcile.Raw)
	decoders := decoder.NewSet()
	number := 0
	_, _, err := capture.Each(input, func(rec capture.Record) error {
		number++
		if number%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		pkt, err := decoders.Decode(rec.LinkType, number, rec.Data, rec.Info)
		if errors.Is(err, core.ErrUnsupportedLink) {
			return err
		}
		if err != nil || !pkt.IsTCP {
			return nil
		}
		raw[number] = reconcile.FromPacket(&pkt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("raw scan of %s: %w", input, err)
	}
	return raw, nil
}

func (e *Executor) writeRuleTable(res *Result, m mode, rules []core.KeepRule) error {
	format := e.cfg.RuleTableFormat
	if format == "" {
		format = artifact.FormatYAML
	}
	path := artifact.PathFor(e.cfg.RuleTableDir, res.Input, format)
	return artifact.Write(path, &artifact.Table{
		Input:     res.Input,
		Mode:      m.name,
		RunID:     res.RunID,
		Generated: time.Now().UTC(),
		Rules:     artifact.FromRules(rules),
	})
}

// Rules runs the analyzing stages of the configured mode on input and
// returns the keep rules in raw sequence space. No fallback is applied.
func (e *Executor) Rules(ctx context.Context, input string) ([]core.KeepRule, error) {
	m := e.modes[e.cfg.Mode]
	if !m.analyze {
		return nil, nil
	}
	res := &Result{RunID: "rules", Input: input, Mode: m.name}
	_, rules, err := e.buildIndex(ctx, e.logger.With("input", input), m, res, input)
	return rules, err
}
