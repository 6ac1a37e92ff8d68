package domain

// Stage payloads exchanged with stage clients. Clients receive the input
// type as StageRequest.Payload and answer with the output type.

// QueryGenInput asks for graph queries targeting the source.
type QueryGenInput struct {
	FilePath string `json:"file_path"`
	Language string `json:"language"`
	Intent   string `json:"intent,omitempty"`
	Source   string `json:"source"`
}

// QueryGenOutput carries the generated queries. The last query is the
// reachability query that yields flow paths.
type QueryGenOutput struct {
	Queries []string `json:"queries"`
}

// DetectInput asks for findings over a slice.
type DetectInput struct {
	FilePath string `json:"file_path"`
	Language string `json:"language"`
	Intent   string `json:"intent,omitempty"`
	Source   string `json:"source"`
	Slice    *Slice `json:"slice"`
}

// DetectOutput carries findings and their proposed patches.
type DetectOutput struct {
	Findings    []Finding        `json:"findings"`
	Patches     []PatchCandidate `json:"patches,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
}

// EnrichInput asks for knowledge about a slice and, when available in
// time, the detection findings.
type EnrichInput struct {
	Language string    `json:"language"`
	Slice    *Slice    `json:"slice"`
	Findings []Finding `json:"findings,omitempty"`
}

// EnrichOutput carries enrichment entries keyed by finding id or kind.
type EnrichOutput struct {
	Enrichments []Enrichment `json:"enrichments"`
}

// VisualizeInput asks for a flow diagram.
type VisualizeInput struct {
	RunID    string    `json:"run_id"`
	FilePath string    `json:"file_path"`
	Slice    *Slice    `json:"slice"`
	Findings []Finding `json:"findings"`
}

// VisualizeOutput is the rendered diagram.
type VisualizeOutput = Visualization

// VerifyInput asks whether a proposed patch is acceptable.
type VerifyInput struct {
	FilePath string `json:"file_path"`
	Language string `json:"language"`
	Original string `json:"original"`
	Proposed string `json:"proposed"`
}

// VerifyOutput is the verifier's verdict. An invalid patch is a normal
// outcome, not a stage error.
type VerifyOutput struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ReportInput is everything a report is compiled from.
type ReportInput struct {
	Run *Run `json:"run"`
}

// ReportOutput is the compiled report.
type ReportOutput struct {
	Markdown string `json:"markdown"`
}

// ChatInput is a free-form question about an analysis.
type ChatInput struct {
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	Context string `json:"context,omitempty"`
}

// ChatOutput is the assistant's answer.
type ChatOutput struct {
	Reply string `json:"reply"`
}
