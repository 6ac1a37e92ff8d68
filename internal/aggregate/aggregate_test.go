package aggregate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/graphide/graphide/internal/core/domain"
)

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func detectOK(t *testing.T, findings ...domain.Finding) domain.StageResult {
	now := time.Now()
	return domain.OKResult(domain.StageDetect, payload(t, domain.DetectOutput{
		Findings: findings,
		Patches:  []domain.PatchCandidate{{FindingID: "f-1", ProposedCode: "strncpy"}},
	}), now, now)
}

func enrichOK(t *testing.T, entries ...domain.Enrichment) domain.StageResult {
	now := time.Now()
	return domain.OKResult(domain.StageEnrich, payload(t, domain.EnrichOutput{Enrichments: entries}), now, now)
}

var (
	strcpyFinding = domain.Finding{ID: "f-1", Kind: "call-to-strcpy", Location: domain.Location{File: "a.c", Line: 4}}
	getsFinding   = domain.Finding{ID: "f-2", Kind: "call-to-gets", Location: domain.Location{File: "a.c", Line: 9}}
)

func TestJoin_DetectionFailureWins(t *testing.T) {
	now := time.Now()
	detectErr := domain.ErrorResult(domain.StageDetect, domain.NewStageError(domain.ErrorInvalidResponse, "garbage"), now, now)
	enrichErr := domain.ErrorResult(domain.StageEnrich, domain.NewStageError(domain.ErrorTimeout, "slow"), now, now)

	for _, secondary := range []domain.StageResult{enrichOK(t), enrichErr, domain.SkippedResult(domain.StageEnrich, "", now)} {
		agg := Join([]domain.StageResult{secondary, detectErr}, DefaultPolicy)
		if !agg.Failed() {
			t.Errorf("Join() with enrich %q outcome = %q, want error", secondary.Outcome, agg.Outcome)
		}
		if agg.Error == nil || agg.Error.Kind != domain.ErrorInvalidResponse {
			t.Errorf("Join() error = %+v, want detection's error", agg.Error)
		}
	}
}

func TestJoin_EnrichmentFailureIsPartial(t *testing.T) {
	now := time.Now()
	enrichErr := domain.ErrorResult(domain.StageEnrich, domain.NewStageError(domain.ErrorTimeout, "slow"), now, now)

	agg := Join([]domain.StageResult{detectOK(t, strcpyFinding, getsFinding), enrichErr}, DefaultPolicy)
	if agg.Failed() {
		t.Fatalf("Join() failed: %+v", agg.Error)
	}
	if !agg.Partial {
		t.Error("Join() partial = false, want true")
	}
	if len(agg.Findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(agg.Findings))
	}
	for _, f := range agg.Findings {
		if f.Enrichment != nil {
			t.Errorf("finding %s enriched after enrichment failure", f.ID)
		}
	}
}

func TestJoin_OrderIndependent(t *testing.T) {
	detect := detectOK(t, strcpyFinding, getsFinding)
	enrich := enrichOK(t,
		domain.Enrichment{Kind: "call-to-strcpy", CWE: "CWE-120"},
		domain.Enrichment{FindingID: "f-2", Kind: "call-to-gets", CWE: "CWE-242"},
		domain.Enrichment{Kind: "call-to-gets", CWE: "CWE-999"},
	)

	a := Join([]domain.StageResult{detect, enrich}, DefaultPolicy)
	b := Join([]domain.StageResult{enrich, detect}, DefaultPolicy)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("Join() depends on order (-ab +ba):\n%s", diff)
	}

	if a.Partial {
		t.Error("partial = true with successful enrichment")
	}
	if got := a.Findings[0].Enrichment; got == nil || got.CWE != "CWE-120" {
		t.Errorf("strcpy enrichment = %+v, want CWE-120 by kind", got)
	}
	if got := a.Findings[1].Enrichment; got == nil || got.CWE != "CWE-242" {
		t.Errorf("gets enrichment = %+v, want id match CWE-242", got)
	}
	if a.Findings[0].ID != "f-1" || a.Findings[0].Kind != "call-to-strcpy" {
		t.Errorf("identity changed: %+v", a.Findings[0])
	}
}

func TestJoin_SkippedDetection(t *testing.T) {
	now := time.Now()
	agg := Join([]domain.StageResult{
		domain.SkippedResult(domain.StageDetect, "empty slice", now),
		domain.SkippedResult(domain.StageEnrich, "empty slice", now),
	}, DefaultPolicy)

	if agg.Failed() || agg.Partial || len(agg.Findings) != 0 {
		t.Errorf("Join() = %+v, want ok with no findings", agg)
	}
}

func TestJoin_MissingPrimary(t *testing.T) {
	agg := Join([]domain.StageResult{enrichOK(t)}, DefaultPolicy)
	if !agg.Failed() {
		t.Errorf("Join() without detection outcome = %q, want error", agg.Outcome)
	}
}

func TestEnrich_DoesNotMutateInput(t *testing.T) {
	in := []domain.Finding{strcpyFinding}
	out := Enrich(in, []domain.Enrichment{{Kind: "call-to-strcpy", CWE: "CWE-120"}})
	if in[0].Enrichment != nil {
		t.Error("Enrich() mutated its input")
	}
	if out[0].Enrichment == nil || out[0].Enrichment.FindingID != "f-1" {
		t.Errorf("Enrich() = %+v", out[0].Enrichment)
	}
}
