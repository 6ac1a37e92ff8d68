// Package report compiles a run into a Markdown report.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/pipeline"
)

// Builder renders Markdown reports.
type Builder struct{}

// New creates a report builder.
func New() *Builder {
	return &Builder{}
}

// Build renders the report for in.Run.
func (b *Builder) Build(ctx context.Context, in domain.ReportInput) (domain.ReportOutput, error) {
	if in.Run == nil {
		return domain.ReportOutput{}, domain.NewStageError(domain.ErrorFatal, "report input has no run")
	}
	return domain.ReportOutput{Markdown: Markdown(in.Run)}, nil
}

// Client wraps the builder as the report stage client.
func (b *Builder) Client(opts ...pipeline.LocalOption) *pipeline.LocalClient {
	return pipeline.NewLocalClient(domain.StageReport, pipeline.Typed(b.Build), opts...)
}

// Markdown renders a run.
func Markdown(run *domain.Run) string {
	var w strings.Builder

	fmt.Fprintf(&w, "## Graphide analysis of `%s`\n\n", run.Request.FilePath)
	fmt.Fprintf(&w, "- Run: `%s`\n", run.ID)
	fmt.Fprintf(&w, "- Language: %s\n", run.Request.Language)
	if run.Request.Intent != "" {
		fmt.Fprintf(&w, "- Intent: %s\n", run.Request.Intent)
	}
	if run.Partial {
		w.WriteString("- Findings are reported without enrichment.\n")
	}

	writeLog(&w, run)

	w.WriteString("\n#### Findings\n\n")
	if len(run.Findings) == 0 {
		if run.Slice.Empty() {
			w.WriteString("No data flow reached a sink. No vulnerabilities were verified.\n")
		} else {
			w.WriteString("No vulnerabilities detected.\n")
		}
	} else {
		w.WriteString("| ID | Kind | Location | Severity | CWE |\n|---|---|---|---|---|\n")
		for _, f := range run.Findings {
			severity, cwe := "", ""
			if f.Enrichment != nil {
				severity, cwe = f.Enrichment.Severity, f.Enrichment.CWE
			}
			fmt.Fprintf(&w, "| %s | %s | %s:%d | %s | %s |\n",
				f.ID, cell(f.Kind), cell(f.Location.File), f.Location.Line, cell(severity), cell(cwe))
		}
		for _, f := range run.Findings {
			if f.Message == "" && f.Enrichment == nil {
				continue
			}
			fmt.Fprintf(&w, "\n**%s** %s\n", f.ID, f.Message)
			if e := f.Enrichment; e != nil {
				if e.Title != "" {
					fmt.Fprintf(&w, "\n%s.", e.Title)
				}
				if e.Remediation != "" {
					fmt.Fprintf(&w, " %s", e.Remediation)
				}
				w.WriteString("\n")
				for _, ref := range e.References {
					fmt.Fprintf(&w, "- %s\n", ref)
				}
			}
		}
	}

	if run.Explanation != "" {
		fmt.Fprintf(&w, "\n#### Vulnerability Detected\n\n%s\n", run.Explanation)
	}

	if len(run.Patches) > 0 {
		w.WriteString("\n#### Proposed Patches\n")
		for i, p := range run.Patches {
			state := string(p.Verification.State)
			if p.Applied {
				state += ", applied"
			}
			fmt.Fprintf(&w, "\n##### Patch %d for %s (%s)\n\n", i+1, p.FindingID, state)
			if p.Reasoning != "" {
				fmt.Fprintf(&w, "%s\n\n", p.Reasoning)
			}
			fmt.Fprintf(&w, "```%s\n%s\n```\n", fence(run.Request.Language), strings.TrimRight(p.ProposedCode, "\n"))
			for _, e := range p.Verification.Errors {
				fmt.Fprintf(&w, "- %s\n", e)
			}
		}
	}

	if v := run.Visualization; v != nil && v.Format == "mermaid" && v.Diagram != "" {
		fmt.Fprintf(&w, "\n#### Data Flow\n\n```mermaid\n%s```\n", v.Diagram)
	}
	return w.String()
}

func writeLog(w *strings.Builder, run *domain.Run) {
	w.WriteString("\n#### Analysis Log\n\n")
	for _, s := range run.Stages {
		line := fmt.Sprintf("- %s: %s", s.Stage, s.Outcome)
		switch {
		case s.Error != nil:
			line += fmt.Sprintf(" (%s: %s)", s.Error.Kind, s.Error.Message)
		case s.Reason != "":
			line += fmt.Sprintf(" (%s)", s.Reason)
		}
		if s.Attempts > 1 {
			line += fmt.Sprintf(" after %d attempts", s.Attempts)
		}
		w.WriteString(line + "\n")
	}
	if run.Slice != nil {
		fmt.Fprintf(w, "- %d flow path(s) with %d node(s)", len(run.Slice.Paths), run.Slice.NodeCount())
		if run.Slice.Dropped > 0 {
			fmt.Fprintf(w, ", %d node(s) without a location dropped", run.Slice.Dropped)
		}
		w.WriteString("\n")
	}
}

func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func fence(lang string) string {
	switch strings.ToLower(lang) {
	case "c++":
		return "cpp"
	case "golang":
		return "go"
	default:
		return strings.ToLower(lang)
	}
}
