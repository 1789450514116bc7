// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/pktmask/internal/config"
	"firestige.xyz/pktmask/internal/log"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pktmask",
	Short: "pktmask - TLS-aware payload masking for packet captures",
	Long: `pktmask rewrites pcap and pcapng captures so that TLS handshakes and record
headers stay readable while application data is overwritten with a fill byte.
Packet count, lengths, timestamps and ordering are preserved, and TCP/IP
checksums are repaired after masking.

Processing modes:
  - tls:          dissect with tshark, mask per TLS record
  - builtin:      dissect in-process, mask per TLS record
  - preserve_all: copy every packet unchanged
  - mask_all:     fill every TCP payload`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and PKTMASK_* environment when empty)")

	// Add subcommands
	rootCmd.AddCommand(maskCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig loads the configuration and installs the configured logger.
func loadConfig() (*config.GlobalConfig, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := log.Init(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logging: %w", err)
	}
	return cfg, logger, nil
}
