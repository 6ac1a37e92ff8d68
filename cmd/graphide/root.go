package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/graphide/graphide/internal/pkg/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "graphide",
	Short: "Graph-guided vulnerability analysis for source files",
	Long: `Graphide slices a source file's code property graph down to the data flows
that matter, asks detection agents about them, verifies proposed patches and
reports the result.`,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if it exists
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", config.DefaultPath, "Path to config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.Version = version
}

// newLogger builds the structured logger the config asks for. Commands
// that speak a protocol on stdout log to stderr.
func newLogger(w io.Writer) *slog.Logger {
	level, format := slog.LevelInfo, "json"
	if cfg, err := config.LoadFile(rootFlags.configPath); err == nil {
		level = parseLevel(cfg.Logging.Level)
		format = cfg.Logging.Format
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var stderr io.Writer = os.Stderr
