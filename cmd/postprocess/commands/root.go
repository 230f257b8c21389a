// Package commands - Cobra commands of the post-processing replay CLI.
package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "postprocess",
	Short: "Decode recorded detection and segmentation outputs",
	Long: `Decode recorded detection and segmentation outputs.

Supported models: yolov3, yolov5, ssd, fcos, centernet, efficientdet, unet.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger writes warnings to stderr, or everything with --verbose.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log decode diagnostics")

	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(labelsCmd)
}
