package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/pktmask/internal/config"
	"firestige.xyz/pktmask/internal/dissect"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Validate the configuration file given with --config, including environment
overrides and per-mode fallback options, without processing any capture.
The tshark binary is checked so a missing dissector shows up before a run
has to fall back.

Examples:
  pktmask validate -c pktmask.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.Context(), configFile, cmd.OutOrStdout())
	},
}

func runValidate(ctx context.Context, path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(w, "INVALID: %v\n", err)
		return err
	}

	chain := "disabled"
	if cfg.Fallback.Enabled {
		chain = strings.Join(cfg.Fallback.Order, " -> ")
	}
	fmt.Fprintf(w, "VALID: mode=%s fallback=%s workers=%d per_stage_timeout=%s\n",
		cfg.Pipeline.Mode, chain, cfg.Pipeline.Workers, cfg.Pipeline.PerStageTimeout)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ts := dissect.NewTShark(dissect.TSharkOptions{Path: cfg.TShark.Path}, nil)
	if version, err := ts.Version(ctx); err != nil {
		fmt.Fprintf(w, "tshark: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "tshark: %s\n", version)
	}
	return nil
}
