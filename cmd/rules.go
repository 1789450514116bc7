package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/pktmask/internal/artifact"
	"firestige.xyz/pktmask/internal/config"
	"firestige.xyz/pktmask/internal/pipeline"
)

var rulesCmd = &cobra.Command{
	Use:   "rules [flags] INPUT",
	Short: "Print the keep rules of a capture",
	Long: `
Analyze a capture and print the keep rules the rewriter would apply, without
writing a masked copy. Sequence numbers are raw TCP numbers extended past
wraparound.

Examples:
  pktmask rules in.pcap                    # YAML rule table on stdout
  pktmask rules --format json in.pcap      # JSON rule table
  pktmask rules --mode builtin in.pcap     # Analyze without tshark
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return runRules(cmd.Context(), cfg, args[0], rulesMode, artifact.Format(rulesFormat), logger, cmd.OutOrStdout())
	},
}

var (
	rulesMode   string
	rulesFormat string
)

func init() {
	rulesCmd.Flags().StringVar(&rulesMode, "mode", "", "analyzing mode override: tls or builtin")
	rulesCmd.Flags().StringVar(&rulesFormat, "format", string(artifact.FormatYAML), "output format: yaml or json")
}

func runRules(ctx context.Context, cfg *config.GlobalConfig, input, mode string, format artifact.Format,
	logger *slog.Logger, w io.Writer) error {
	if mode != "" {
		cfg.Pipeline.Mode = mode
	}
	if cfg.Pipeline.Mode != pipeline.ModeTLS && cfg.Pipeline.Mode != pipeline.ModeBuiltin {
		return fmt.Errorf("mode %s does not produce rules", cfg.Pipeline.Mode)
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	executor, err := pipeline.New(pc, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	rules, err := executor.Rules(ctx, input)
	if err != nil {
		return err
	}
	return artifact.Encode(w, &artifact.Table{
		Input:     input,
		Mode:      cfg.Pipeline.Mode,
		Generated: time.Now().UTC(),
		Rules:     artifact.FromRules(rules),
	}, format)
}
