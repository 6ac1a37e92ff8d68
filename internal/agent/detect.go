package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/pipeline"
)

const detectSystem = "You are a security auditor. The data flows you are given were proven reachable by static analysis. Answer with JSON only."

// genericKind labels a finding the model explained without classifying it.
const genericKind = "tainted-data-flow"

// Detector asks a model to explain proven flow paths and propose a fix.
type Detector struct {
	model  *Model
	logger *slog.Logger
}

// NewDetector creates a detector backed by model.
func NewDetector(model *Model) *Detector {
	return &Detector{model: model, logger: model.logger}
}

// detectReply is the JSON object the detection prompt asks for.
type detectReply struct {
	Explanation     string                  `json:"explanation"`
	PatchCode       string                  `json:"patch_code"`
	OriginalCode    string                  `json:"original_code"`
	FixReasoning    string                  `json:"fix_reasoning"`
	Vulnerabilities []reportedVulnerability `json:"vulnerabilities"`
}

type reportedVulnerability struct {
	Kind        string `json:"kind"`
	Type        string `json:"type"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Message     string `json:"message"`
	Description string `json:"description"`
	// Path is the zero-based index of the flow path the finding comes from.
	Path *int `json:"path"`
}

// Detect returns findings and at most one patch candidate for the slice.
func (d *Detector) Detect(ctx context.Context, in domain.DetectInput) (domain.DetectOutput, error) {
	slice, dropped := d.model.Budget().FitSlice(in.Slice, renderSlice)
	if dropped > 0 {
		d.logger.Warn("slice trimmed to fit prompt budget",
			slog.String("model", d.model.Name()),
			slog.Int("dropped_paths", dropped))
	}

	reply, err := d.model.Complete(ctx, detectSystem, detectPrompt(in, slice))
	if err != nil {
		return domain.DetectOutput{}, err
	}

	var r detectReply
	if err := decodeReply(reply, &r); err != nil {
		return domain.DetectOutput{}, err
	}
	return r.output(in, slice), nil
}

// Client wraps the detector as the detect stage client.
func (d *Detector) Client(opts ...pipeline.LocalOption) *pipeline.LocalClient {
	opts = append([]pipeline.LocalOption{pipeline.WithFallbackKind(domain.ErrorUnavailable)}, opts...)
	return pipeline.NewLocalClient(domain.StageDetect, pipeline.Typed(d.Detect), opts...)
}

func (r detectReply) output(in domain.DetectInput, slice *domain.Slice) domain.DetectOutput {
	out := domain.DetectOutput{
		Findings:    []domain.Finding{},
		Explanation: strings.TrimSpace(r.Explanation),
	}

	for i, v := range r.Vulnerabilities {
		f := domain.Finding{
			ID:       fmt.Sprintf("f-%d", i+1),
			Kind:     firstNonEmpty(v.Kind, v.Type, genericKind),
			Location: domain.Location{File: v.File, Line: v.Line},
			Evidence: -1,
			Message:  firstNonEmpty(v.Message, v.Description),
		}
		if v.Path != nil {
			f.Evidence = *v.Path
		}
		if f.Location.Line == 0 {
			f.Location = sinkOf(slice, f.Evidence, in.FilePath)
		}
		out.Findings = append(out.Findings, f)
	}

	// The flows were proven reachable, so an explanation without a
	// classified finding still reports one against the first path.
	if len(out.Findings) == 0 && (out.Explanation != "" || r.PatchCode != "") {
		out.Findings = append(out.Findings, domain.Finding{
			ID:       "f-1",
			Kind:     genericKind,
			Location: sinkOf(slice, 0, in.FilePath),
			Evidence: 0,
			Message:  out.Explanation,
		})
	}

	if code := strings.TrimSpace(r.PatchCode); code != "" && len(out.Findings) > 0 {
		original := in.Source
		if r.OriginalCode != "" && strings.Contains(in.Source, r.OriginalCode) {
			original = r.OriginalCode
		}
		out.Patches = []domain.PatchCandidate{{
			FindingID:    out.Findings[0].ID,
			OriginalCode: original,
			ProposedCode: r.PatchCode,
			Reasoning:    strings.TrimSpace(r.FixReasoning),
			Verification: domain.Verification{State: domain.Unverified},
		}}
	}
	return out
}

// sinkOf locates the last node of the given path.
func sinkOf(slice *domain.Slice, path int, file string) domain.Location {
	if slice.Empty() || path < 0 || path >= len(slice.Paths) || len(slice.Paths[path].Nodes) == 0 {
		return domain.Location{File: file}
	}
	nodes := slice.Paths[path].Nodes
	last := nodes[len(nodes)-1]
	if last.File == "" {
		last.File = file
	}
	return domain.Location{File: last.File, Line: last.Line}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// renderSlice prints each path as numbered source lines.
func renderSlice(slice *domain.Slice) string {
	var b strings.Builder
	for i, p := range slice.Paths {
		fmt.Fprintf(&b, "Path %d:\n", i)
		for _, n := range p.Nodes {
			fmt.Fprintf(&b, "  %s:%d: %s\n", n.File, n.Line, strings.TrimSpace(n.Code))
		}
	}
	return b.String()
}

func detectPrompt(in domain.DetectInput, slice *domain.Slice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Static analysis proved these execution paths in %s (%s) reachable:\n\n", in.FilePath, in.Language)
	b.WriteString(renderSlice(slice))
	if in.Intent != "" {
		fmt.Fprintf(&b, "\nThe user asked about: %s\n", in.Intent)
	}
	fmt.Fprintf(&b, "\nFull source:\n%s\n", in.Source)
	b.WriteString(`
Tasks:
1. Explain why each flow is a vulnerability.
2. Provide a fixed version of the code as patch_code.
3. Explain why the patch removes the flow.

Output: a JSON object with keys "explanation", "patch_code", "fix_reasoning"
and "vulnerabilities", a list of {"kind", "line", "message", "path"} where
path is the index of the flow path above.
`)
	return b.String()
}
