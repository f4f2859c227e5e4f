// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package main implements the fsconvert command.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalFlags struct {
	layoutPath string
	configDir  string
	debug      bool
	logFile    string
}

func (f *globalFlags) layout() (layout.Layout, error) {
	l := layout.Default()

	if f.layoutPath != "" {
		var err error

		if l, err = layout.Load(f.layoutPath); err != nil {
			return layout.Layout{}, err
		}
	}

	if f.configDir != "" {
		l.ConfigPath = filepath.Join(f.configDir, filepath.Base(l.ConfigPath))
		l.PreviousConfigPath = filepath.Join(f.configDir, filepath.Base(l.PreviousConfigPath))
	}

	return l, nil
}

func (f *globalFlags) store(l layout.Layout) *config.Store {
	return config.NewStore(l.ConfigPath, l.PreviousConfigPath)
}

func (f *globalFlags) logger() (*zap.Logger, error) {
	var cfg zap.Config

	if f.debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zap.NewDevelopmentEncoderConfig().EncodeTime
	}

	if f.logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, f.logFile)
	}

	return cfg.Build()
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	runFlags := &runOptions{}

	rootCmd := &cobra.Command{
		Use:   "fsconvert [fr|b|sysext4|sysrfs]",
		Short: "Convert the filesystem layout of DATA, DBDATA, CACHE and SYSTEM",
		Long: `fsconvert reformats the device partitions according to the pending configuration.

Without arguments DATA, DBDATA and CACHE are backed up, converted and restored.
"b" skips the restore, "fr" performs a factory reset without backup.
"sysext4" and "sysrfs" convert SYSTEM to EXT4 (no journal) or RFS.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) > 0 {
				token = args[0]
			}

			return runConversion(cmd, flags, runFlags, token)
		},
	}

	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&flags.layoutPath, "layout", "", "YAML file overriding the device layout")
	pflags.StringVar(&flags.configDir, "config-dir", "", "directory holding lagfix.conf and lagfix.conf.old")
	pflags.BoolVar(&flags.debug, "debug", false, "enable debug logging")
	pflags.StringVar(&flags.logFile, "log-file", "", "additionally write logs to this file")

	rootCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "print the commands instead of running them")
	rootCmd.Flags().BoolVarP(&runFlags.yes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.Flags().StringVar(&runFlags.loopBackend, "loop-backend", loopBackendCommand, "loop device backend: command or kernel")
	rootCmd.Flags().DurationVar(&runFlags.commandTimeout, "command-timeout", 0, "timeout of every external command, 0 disables it")
	rootCmd.Flags().DurationVar(&runFlags.rebootDelay, "reboot-delay", 5*time.Second, "pause before exiting")
	rootCmd.Flags().DurationVar(&runFlags.settleDelay, "settle-delay", 5*time.Second, "pause before the final unmount")
	rootCmd.Flags().Uint64Var(&runFlags.minFree, "min-free", 0, "bytes required on external storage before a backup")
	rootCmd.Flags().BoolVar(&runFlags.wipeSignatures, "wipe-signatures", false, "clear stale filesystem signatures before formatting")
	rootCmd.Flags().BoolVar(&runFlags.verifyFormat, "verify-format", false, "probe every partition after formatting")
	rootCmd.Flags().BoolVar(&runFlags.checkCapacity, "check-capacity", true, "verify loop images fit their partitions")
	rootCmd.Flags().BoolVar(&runFlags.progressBar, "progress-bar", false, "show a stage progress bar")

	rootCmd.AddCommand(
		newConfigCommand(flags),
		newPlanCommand(flags),
		newStatusCommand(flags),
		newVersionCommand(),
	)

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fsconvert %s (commit: %s)\n", version, commit)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
