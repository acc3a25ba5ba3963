package cmd

import (
	"fmt"
	"os"

	"github.com/krau/konacaption/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time.
var Version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	logStyle   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "konacaption",
		Short: "Generate image captions",
		Long: `Describe images with an attention decoder over image features.

Examples:
  # Run the HTTP server
  konacaption serve

  # Caption local files with beam search
  konacaption caption --method beam_search --beam-width 5 cat.jpg dog.png

  # Build a vocabulary from a caption corpus, one caption per line
  konacaption vocab build --captions captions.txt --threshold 5 --out vocab.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "config.toml", "config file path")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logStyle, "log-style", "terminal", "logging output style (terminal, json)")

	root.AddCommand(newServeCmd(g), newCaptionCmd(g), newVocabCmd())
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the configuration and builds the logger it asks for.
func (g *globalFlags) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, nil, err
	}
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger, err := newLogger(level, g.logStyle)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
