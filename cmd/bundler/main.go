package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose      bool
	workDir      string
	manifestPath string
	scriptsDir   string
	fetchTimeout time.Duration

	logger *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bundler",
		Short: "Builds the distributable xscribe runtime bundles",
		Long: `bundler assembles everything the xscribe desktop app ships with:
a portable Python runtime with the ML packages installed and pruned,
the pretrained diarization and whisper models, and the final
per-platform bundle archive. It also repairs platform-tagged native
module directory names at install time.

Runs are idempotent: artifacts already staged are skipped, so a failed
run can simply be restarted.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			if verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = config.Build()
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVarP(&workDir, "work-dir", "w", ".", "Working directory for staging and build output")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "Manifest override file (YAML)")
	rootCmd.PersistentFlags().DurationVar(&fetchTimeout, "timeout", 300*time.Second, "Per-download timeout")

	runtimeCmd := &cobra.Command{
		Use:   "runtime <platform>",
		Short: "Build the portable Python runtime archive for a platform",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuntime,
	}

	modelsCmd := &cobra.Command{
		Use:   "models <platform>",
		Short: "Fetch and stage the pretrained model artifacts",
		Long: `Fetches the diarization models and the selected whisper model into
the build tree. Model artifacts are optional: a missing release asset
is logged and the remaining models are still staged.

The whisper model size is read from ` + whisperModelEnvHelp + `.`,
		Args: cobra.ExactArgs(1),
		RunE: runModels,
	}

	packageCmd := &cobra.Command{
		Use:   "package <platform>",
		Short: "Assemble the final bundle archive from staged pieces",
		Args:  cobra.ExactArgs(1),
		RunE:  runPackage,
	}
	packageCmd.Flags().StringVar(&scriptsDir, "scripts", "python", "Directory of worker scripts to bundle")

	allCmd := &cobra.Command{
		Use:   "all <platform>",
		Short: "Run runtime, models, and package in sequence",
		Args:  cobra.ExactArgs(1),
		RunE:  runAll,
	}
	allCmd.Flags().StringVar(&scriptsDir, "scripts", "python", "Directory of worker scripts to bundle")

	repairCmd := &cobra.Command{
		Use:   "repair-links [dir]",
		Short: "Repair platform-tagged native module directory names",
		Long: `Creates the platform directory names the app expects as links to the
names actually shipped (e.g. darwin-arm64 -> mac-arm64). Runs at
install time, before the app starts. Individual failures are logged
and skipped; the command itself always succeeds.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRepairLinks,
	}

	rootCmd.AddCommand(runtimeCmd, modelsCmd, packageCmd, allCmd, repairCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
