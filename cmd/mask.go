package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/pktmask/internal/config"
	"firestige.xyz/pktmask/internal/metrics"
	"firestige.xyz/pktmask/internal/pipeline"
)

var maskCmd = &cobra.Command{
	Use:   "mask [flags] INPUT...",
	Short: "Mask one or more capture files",
	Long: `
Mask the payload of capture files according to the configured policy table.

Examples:
  pktmask mask in.pcap -o out.pcap                     # Mask a single file
  pktmask mask -d masked/ a.pcap b.pcapng              # Mask several files into a directory
  pktmask mask -d masked/ -w 4 captures/*.pcap         # Four files in flight
  pktmask mask --mode builtin in.pcap -o out.pcap      # Skip tshark
  pktmask mask --dump-rules rules/ in.pcap -o out.pcap # Also write the rule table
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		opts.inputs = args

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runMask(ctx, cfg, opts, logger, cmd.OutOrStdout())
	},
}

type maskOptions struct {
	inputs    []string
	output    string
	outputDir string
	workers   int
	mode      string
	dumpRules string
}

var opts maskOptions

func init() {
	maskCmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (single input only)")
	maskCmd.Flags().StringVarP(&opts.outputDir, "output-dir", "d", "", "output directory for one or more inputs")
	maskCmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "files processed concurrently (default from config)")
	maskCmd.Flags().StringVar(&opts.mode, "mode", "", "processing mode override: tls, builtin, preserve_all, mask_all")
	maskCmd.Flags().StringVar(&opts.dumpRules, "dump-rules", "", "write the rule table of every input into this directory")
}

// jobs pairs every input with its output path.
func (o maskOptions) jobs() ([]pipeline.Job, error) {
	switch {
	case o.output != "" && o.outputDir != "":
		return nil, errors.New("--output and --output-dir are mutually exclusive")
	case o.output != "":
		if len(o.inputs) != 1 {
			return nil, errors.New("--output accepts exactly one input, use --output-dir")
		}
		return []pipeline.Job{{Input: o.inputs[0], Output: o.output}}, nil
	case o.outputDir == "":
		return nil, errors.New("one of --output or --output-dir is required")
	}

	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	seen := make(map[string]string)
	jobs := make([]pipeline.Job, 0, len(o.inputs))
	for _, in := range o.inputs {
		out := filepath.Join(o.outputDir, filepath.Base(in))
		if prev, ok := seen[out]; ok {
			return nil, fmt.Errorf("inputs %s and %s map to the same output %s", prev, in, out)
		}
		seen[out] = in
		jobs = append(jobs, pipeline.Job{Input: in, Output: out})
	}
	return jobs, nil
}

func runMask(ctx context.Context, cfg *config.GlobalConfig, o maskOptions, logger *slog.Logger, w io.Writer) error {
	if o.mode != "" {
		cfg.Pipeline.Mode = o.mode
	}
	if o.dumpRules != "" {
		cfg.Pipeline.RuleTable.Enabled = true
		cfg.Pipeline.RuleTable.Dir = o.dumpRules
	}
	workers := cfg.Pipeline.Workers
	if o.workers > 0 {
		workers = o.workers
	}

	jobs, err := o.jobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if same, _ := samePath(j.Input, j.Output); same {
			return fmt.Errorf("refusing to overwrite input %s", j.Input)
		}
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, collector, logger)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.WithoutCancel(ctx))
	}

	executor, err := pipeline.New(pc, pipeline.WithLogger(logger), pipeline.WithMetrics(collector))
	if err != nil {
		return err
	}

	br, err := executor.RunBatch(ctx, jobs, workers)
	for _, res := range br.Results {
		printResult(w, res)
	}
	return err
}

func printResult(w io.Writer, res *pipeline.Result) {
	if res.Err != nil {
		fmt.Fprintf(w, "FAILED  %s: %s (mode=%s, fallback_used=%t): %v\n",
			res.Input, res.Category, res.Mode, res.FallbackUsed, res.Err)
		return
	}
	fallback := "no"
	if res.FallbackUsed {
		fallback = fmt.Sprintf("%s after %s", res.FallbackMode, res.FallbackCategory)
	}
	fmt.Fprintf(w, "OK      %s -> %s (mode=%s, fallback=%s, rules=%d, packets=%d, masked=%d, packet_errors=%d)\n",
		res.Input, res.Output, res.Mode, fallback, res.Rules,
		res.Rewrite.Packets, res.Rewrite.Masked, res.Rewrite.Errors)
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}
