// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logger  *slog.Logger
	verbose bool

	metricsAddr string
	force       bool
)

var rootCmd = &cobra.Command{
	Use:              "vita",
	Short:            "vita key management core",
	PersistentPreRun: setupLogging,
	SilenceUsage:     true,
}

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

	runCmd := &cobra.Command{
		Use:   "run config-file",
		Short: "Run the key manager against a route configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, e.g. :9090")

	validateCmd := &cobra.Command{
		Use:   "validate config-file...",
		Short: "Validate one or more route configurations",
		Args:  cobra.MinimumNArgs(1),
		RunE:  validate,
	}

	genRouteKeyCmd := &cobra.Command{
		Use:   "gen-route-key",
		Short: "Generate a fresh 32-byte route pre-shared key",
		Long:  "Prints a fresh route pre-shared key as 64 hex characters, or writes it to a file with -o.",
		Args:  cobra.NoArgs,
		RunE:  genRouteKey,
	}
	genRouteKeyCmd.Flags().StringVarP(&genRouteKeyOut, "output", "o", "", "write the key to this file instead of stdout")
	genRouteKeyCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing output file")

	genManCmd := &cobra.Command{
		Use:   "gen-man",
		Short: "Generate man pages",
		Args:  cobra.NoArgs,
		RunE:  genMan,
	}
	genManCmd.Flags().StringVar(&genManDir, "dir", ".", "directory to write man pages to")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(runCmd, validateCmd, genRouteKeyCmd, genManCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
}
