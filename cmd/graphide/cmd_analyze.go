package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/verify"
	"github.com/graphide/graphide/pkg/graphide"
)

var analyzeFlags struct {
	language string
	intent   string
	output   string
	noApply  bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Analyze one source file and print the run",
	Long: `Runs the full pipeline on one file and waits for it to finish.

Usage:
  graphide analyze src/parse.c
  graphide analyze src/parse.c --intent "overflows in parse_header" -o yaml
  graphide analyze Main.java --language java -o markdown

The language is guessed from the file extension when --language is not set.
The exit status is non-zero when the run fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVarP(&analyzeFlags.language, "language", "l", "", "Source language (default: from the file extension)")
	f.StringVarP(&analyzeFlags.intent, "intent", "i", "", "What to look for")
	f.StringVarP(&analyzeFlags.output, "output", "o", "json", "Output format: json, yaml or markdown")
	f.BoolVar(&analyzeFlags.noApply, "no-apply", false, "Never write verified patches to the file")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	language := analyzeFlags.language
	if language == "" {
		if language = verify.DetectLanguage(path); language == "" {
			return fmt.Errorf("cannot tell the language of %s; pass --language", path)
		}
	}
	switch analyzeFlags.output {
	case "json", "yaml", "markdown":
	default:
		return fmt.Errorf("unknown output format %q", analyzeFlags.output)
	}

	logger := newLogger(stderr)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := graphide.New(
		graphide.WithFileConfig(rootFlags.configPath),
		graphide.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := svc.Init(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Shutdown(shutdownCtx)
	}()

	orch := svc.Orchestrator()
	if analyzeFlags.noApply {
		settings := orch.Settings()
		settings.ApplyEnabled = false
		orch.UpdateSettings(settings)
	}

	// Analyze cancels the run when ctx ends and still returns its final state.
	run, err := orch.Analyze(ctx, domain.AnalysisRequest{
		FilePath: path,
		Language: language,
		Intent:   analyzeFlags.intent,
	})
	if err != nil {
		return err
	}
	if err := writeRun(cmd.OutOrStdout(), run, analyzeFlags.output); err != nil {
		return err
	}
	if run.Status == domain.RunFailed {
		return fmt.Errorf("analysis failed at %s: %v", run.FailedStage, run.Error)
	}
	return nil
}

// writeRun prints run in the requested format. YAML keeps the JSON field
// names.
func writeRun(w io.Writer, run *domain.Run, format string) error {
	switch format {
	case "markdown":
		_, err := io.WriteString(w, run.Report)
		return err
	case "yaml":
		b, err := json.Marshal(run)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
}
