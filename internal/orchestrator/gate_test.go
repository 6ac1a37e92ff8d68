package orchestrator

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/graphide/graphide/internal/core/domain"
)

func TestApplicable(t *testing.T) {
	patches := []domain.PatchCandidate{
		{FindingID: "a", Verification: domain.Verification{State: domain.Unverified}},
		{FindingID: "b", Verification: domain.Verification{State: domain.Valid}},
		{FindingID: "c", Verification: domain.Verification{State: domain.Invalid}},
		{FindingID: "d", Verification: domain.Verification{State: domain.Valid}},
	}
	if diff := cmp.Diff([]int{1, 3}, applicable(patches)); diff != "" {
		t.Errorf("applicable() mismatch (-want +got):\n%s", diff)
	}
	if got := applicable(nil); len(got) != 0 {
		t.Errorf("applicable(nil) = %v", got)
	}
}

func TestNormalizeDetection(t *testing.T) {
	slice := &domain.Slice{Paths: []domain.SlicePath{{Nodes: []domain.SliceNode{{Code: "x", File: "a.c", Line: 1}}}}}
	out := domain.DetectOutput{
		Findings: []domain.Finding{
			{ID: "f-2", Kind: "k", Evidence: 0},
			{Kind: "k", Location: domain.Location{File: "other.c", Line: 3}, Evidence: 7},
			{ID: "f-2", Kind: "k", Evidence: -5, Enrichment: &domain.Enrichment{Kind: "k"}},
		},
		Patches: []domain.PatchCandidate{
			{ProposedCode: "y", Verification: domain.Verification{State: domain.Valid}, Applied: true},
		},
	}

	normalizeDetection(&out, "a.c", slice)

	want := []domain.Finding{
		{ID: "f-2", Kind: "k", Location: domain.Location{File: "a.c"}, Evidence: 0},
		{ID: "f-1", Kind: "k", Location: domain.Location{File: "other.c", Line: 3}, Evidence: -1},
		{ID: "f-3", Kind: "k", Location: domain.Location{File: "a.c"}, Evidence: -1},
	}
	if diff := cmp.Diff(want, out.Findings); diff != "" {
		t.Errorf("Findings mismatch (-want +got):\n%s", diff)
	}

	p := out.Patches[0]
	if p.Verification.State != domain.Unverified || p.Applied {
		t.Errorf("patch = %+v, want unverified and unapplied", p)
	}
	if p.FindingID != "f-2" {
		t.Errorf("patch FindingID = %q, want first finding", p.FindingID)
	}

	empty := domain.DetectOutput{}
	normalizeDetection(&empty, "a.c", nil)
	if empty.Findings == nil || empty.Patches == nil {
		t.Error("nil slices should become empty")
	}
}
