package domain

// Location is a position in a source file.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Finding is a single detected vulnerability instance.
type Finding struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Location Location `json:"location"`

	// Evidence references the slice path the finding was derived from,
	// as an index into Slice.Paths. -1 when unknown.
	Evidence int    `json:"evidence"`
	Message  string `json:"message,omitempty"`

	// Enrichment is attached during aggregation and never alters ID or Kind.
	Enrichment *Enrichment `json:"enrichment,omitempty"`
}

// Enrichment is knowledge attached to a finding.
type Enrichment struct {
	// FindingID targets one finding. When empty the entry applies to every
	// finding of Kind.
	FindingID   string   `json:"finding_id,omitempty"`
	Kind        string   `json:"kind"`
	CWE         string   `json:"cwe,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Title       string   `json:"title,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
	References  []string `json:"references,omitempty"`
}

// VerificationState is the gate state of a patch candidate.
type VerificationState string

const (
	Unverified VerificationState = "unverified"
	Valid      VerificationState = "valid"
	Invalid    VerificationState = "invalid"
)

// Verification is the verifier's verdict on a patch candidate.
type Verification struct {
	State  VerificationState `json:"state"`
	Errors []string          `json:"errors,omitempty"`
}

// PatchCandidate is a proposed fix for a finding. Only candidates whose
// verification is Valid may be handed to the patch applier.
type PatchCandidate struct {
	FindingID    string       `json:"finding_id"`
	OriginalCode string       `json:"original_code"`
	ProposedCode string       `json:"proposed_code"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Verification Verification `json:"verification"`
	Applied      bool         `json:"applied"`
}

// Verified reports whether the candidate passed the verification gate.
func (p PatchCandidate) Verified() bool {
	return p.Verification.State == Valid
}
