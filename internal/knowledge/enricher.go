package knowledge

import (
	"context"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/pipeline"
)

// Enricher attaches catalog knowledge to findings.
type Enricher struct {
	catalog *Catalog
}

// NewEnricher creates an enricher over catalog.
func NewEnricher(catalog *Catalog) *Enricher {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Enricher{catalog: catalog}
}

// Enrich returns one entry per finding the catalog knows. When the findings
// have not arrived it falls back to entries keyed by the kinds whose sinks
// appear in the slice.
func (e *Enricher) Enrich(ctx context.Context, in domain.EnrichInput) (domain.EnrichOutput, error) {
	out := domain.EnrichOutput{Enrichments: []domain.Enrichment{}}

	if len(in.Findings) > 0 {
		for _, f := range in.Findings {
			rule, ok := e.catalog.Lookup(f.Kind)
			if !ok {
				rule, ok = e.matchEvidence(in.Slice, f.Evidence)
			}
			if !ok {
				continue
			}
			entry := rule.enrichment(f.Kind)
			entry.FindingID = f.ID
			out.Enrichments = append(out.Enrichments, entry)
		}
		return out, nil
	}

	if in.Slice.Empty() {
		return out, nil
	}
	seen := make(map[string]bool)
	for _, p := range in.Slice.Paths {
		for _, n := range p.Nodes {
			rule, ok := e.catalog.MatchCode(n.Code)
			if !ok || seen[rule.Kind] {
				continue
			}
			seen[rule.Kind] = true
			for _, kind := range append([]string{rule.Kind}, rule.Aliases...) {
				out.Enrichments = append(out.Enrichments, rule.enrichment(kind))
			}
		}
	}
	return out, nil
}

// Client wraps the enricher as the enrich stage client.
func (e *Enricher) Client(opts ...pipeline.LocalOption) *pipeline.LocalClient {
	return pipeline.NewLocalClient(domain.StageEnrich, pipeline.Typed(e.Enrich), opts...)
}

func (e *Enricher) matchEvidence(slice *domain.Slice, evidence int) (*Rule, bool) {
	if slice.Empty() || evidence < 0 || evidence >= len(slice.Paths) {
		return nil, false
	}
	nodes := slice.Paths[evidence].Nodes
	// The sink is usually the last node, so search backwards.
	for i := len(nodes) - 1; i >= 0; i-- {
		if rule, ok := e.catalog.MatchCode(nodes[i].Code); ok {
			return rule, true
		}
	}
	return nil, false
}

func (r *Rule) enrichment(kind string) domain.Enrichment {
	return domain.Enrichment{
		Kind:        kind,
		CWE:         r.CWE,
		Severity:    r.Severity,
		Title:       r.Title,
		Remediation: r.Remediation,
		References:  append([]string(nil), r.References...),
	}
}
