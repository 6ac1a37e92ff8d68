package orchestrator

import (
	"fmt"

	"github.com/graphide/graphide/internal/core/domain"
)

// applicable returns the indexes of candidates that passed verification.
// Nothing else may reach the patch applier.
func applicable(patches []domain.PatchCandidate) []int {
	var out []int
	for i, p := range patches {
		if p.Verified() {
			out = append(out, i)
		}
	}
	return out
}

// normalizeDetection makes detection output safe to aggregate: every
// finding gets a unique id and a location file, evidence indexes outside
// the slice become -1, and every patch starts unverified and unapplied
// whatever the detector claimed.
func normalizeDetection(out *domain.DetectOutput, filePath string, slice *domain.Slice) {
	if out.Findings == nil {
		out.Findings = []domain.Finding{}
	}
	if out.Patches == nil {
		out.Patches = []domain.PatchCandidate{}
	}

	paths := 0
	if slice != nil {
		paths = len(slice.Paths)
	}

	seen := make(map[string]bool, len(out.Findings))
	next := 1
	for i := range out.Findings {
		f := &out.Findings[i]
		if f.ID == "" || seen[f.ID] {
			for {
				f.ID = fmt.Sprintf("f-%d", next)
				next++
				if !seen[f.ID] {
					break
				}
			}
		}
		seen[f.ID] = true

		if f.Location.File == "" {
			f.Location.File = filePath
		}
		if f.Evidence < -1 || f.Evidence >= paths {
			f.Evidence = -1
		}
		f.Enrichment = nil
	}

	for i := range out.Patches {
		p := &out.Patches[i]
		p.Verification = domain.Verification{State: domain.Unverified}
		p.Applied = false
		if p.FindingID == "" && len(out.Findings) > 0 {
			p.FindingID = out.Findings[0].ID
		}
	}
}
