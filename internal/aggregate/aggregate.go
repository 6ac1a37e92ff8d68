// Package aggregate joins the results of the parallel detection and
// enrichment stages into one record.
//
// The join is a pure function of the set of results: the order the stages
// finished in never changes the aggregate.
package aggregate

import (
	"sort"

	"github.com/graphide/graphide/internal/core/domain"
)

// Policy names the load-bearing stage and the decorating stage of a join.
type Policy struct {
	Primary   domain.StageName
	Secondary domain.StageName
}

// DefaultPolicy treats detection as primary and enrichment as secondary.
var DefaultPolicy = Policy{Primary: domain.StageDetect, Secondary: domain.StageEnrich}

// Aggregate is the joined result.
type Aggregate struct {
	Outcome     domain.Outcome          `json:"outcome"`
	Findings    []domain.Finding        `json:"findings"`
	Patches     []domain.PatchCandidate `json:"patches"`
	Explanation string                  `json:"explanation,omitempty"`
	// Partial is set when findings could not be enriched.
	Partial bool               `json:"partial"`
	Error   *domain.StageError `json:"error,omitempty"`
}

// Failed reports whether the primary stage failed.
func (a *Aggregate) Failed() bool {
	return a.Outcome == domain.OutcomeError
}

// Join merges the primary and secondary results. A failed primary fails the
// aggregate whatever the secondary did; a failed or missing secondary only
// marks the aggregate partial.
func Join(results []domain.StageResult, policy Policy) *Aggregate {
	var primary, secondary *domain.StageResult
	for i := range results {
		switch results[i].Stage {
		case policy.Primary:
			primary = &results[i]
		case policy.Secondary:
			secondary = &results[i]
		}
	}

	agg := &Aggregate{
		Outcome:  domain.OutcomeOK,
		Findings: []domain.Finding{},
		Patches:  []domain.PatchCandidate{},
	}

	switch {
	case primary == nil:
		agg.Outcome = domain.OutcomeError
		agg.Error = domain.NewStageError(domain.ErrorFatal, "no %s result to aggregate", policy.Primary)
		return agg
	case primary.Outcome == domain.OutcomeError:
		agg.Outcome = domain.OutcomeError
		agg.Error = primary.Error
		if agg.Error == nil {
			agg.Error = domain.NewStageError(domain.ErrorFatal, "%s failed", policy.Primary)
		}
		return agg
	case primary.Outcome == domain.OutcomeSkipped:
		return agg
	}

	var detected domain.DetectOutput
	if err := primary.Decode(&detected); err != nil {
		agg.Outcome = domain.OutcomeError
		agg.Error = domain.AsStageError(err)
		return agg
	}
	agg.Findings = append(agg.Findings, detected.Findings...)
	agg.Patches = append(agg.Patches, detected.Patches...)
	agg.Explanation = detected.Explanation

	if secondary == nil || secondary.Outcome != domain.OutcomeOK {
		agg.Partial = true
		return agg
	}

	var enriched domain.EnrichOutput
	if err := secondary.Decode(&enriched); err != nil {
		agg.Partial = true
		return agg
	}
	agg.Findings = Enrich(agg.Findings, enriched.Enrichments)
	return agg
}

// Enrich attaches enrichments to findings. An entry targeting a finding id
// wins over one matching only the finding's kind. Identity fields are never
// changed. The input slice is not modified.
func Enrich(findings []domain.Finding, entries []domain.Enrichment) []domain.Finding {
	byID := make(map[string]domain.Enrichment)
	byKind := make(map[string]domain.Enrichment)

	// Sort so duplicate keys resolve the same way whatever order they came in.
	sorted := append([]domain.Enrichment(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FindingID != sorted[j].FindingID {
			return sorted[i].FindingID < sorted[j].FindingID
		}
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		return sorted[i].CWE < sorted[j].CWE
	})
	for _, e := range sorted {
		if e.FindingID != "" {
			if _, ok := byID[e.FindingID]; !ok {
				byID[e.FindingID] = e
			}
			continue
		}
		if _, ok := byKind[e.Kind]; !ok {
			byKind[e.Kind] = e
		}
	}

	out := make([]domain.Finding, len(findings))
	for i, f := range findings {
		out[i] = f
		e, ok := byID[f.ID]
		if !ok {
			e, ok = byKind[f.Kind]
		}
		if !ok {
			continue
		}
		e.FindingID = f.ID
		e.Kind = f.Kind
		out[i].Enrichment = &e
	}
	return out
}
