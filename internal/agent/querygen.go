package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/pipeline"
)

const queryGenSystem = "You write Joern CPGQL queries for vulnerability analysis. Answer with JSON only."

// QueryGenerator asks a model for CPG queries targeting a source file.
type QueryGenerator struct {
	model *Model
}

// NewQueryGenerator creates a query generator backed by model.
func NewQueryGenerator(model *Model) *QueryGenerator {
	return &QueryGenerator{model: model}
}

// Generate returns the model's queries. The last query is the one whose
// answer becomes the slice.
func (g *QueryGenerator) Generate(ctx context.Context, in domain.QueryGenInput) (domain.QueryGenOutput, error) {
	reply, err := g.model.Complete(ctx, queryGenSystem, queryGenPrompt(in))
	if err != nil {
		return domain.QueryGenOutput{}, err
	}

	var out domain.QueryGenOutput
	if err := decodeReply(reply, &out); err != nil {
		return domain.QueryGenOutput{}, err
	}
	queries := out.Queries[:0]
	for _, q := range out.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	out.Queries = queries
	return out, nil
}

// Client wraps the generator as the querygen stage client.
func (g *QueryGenerator) Client(opts ...pipeline.LocalOption) *pipeline.LocalClient {
	opts = append([]pipeline.LocalOption{pipeline.WithFallbackKind(domain.ErrorUnavailable)}, opts...)
	return pipeline.NewLocalClient(domain.StageQueryGen, pipeline.Typed(g.Generate), opts...)
}

func queryGenPrompt(in domain.QueryGenInput) string {
	var b strings.Builder
	b.WriteString(`Design precise Joern CPGQL queries for vulnerability analysis.

Objective:
1. Identify taint flows from untrusted sources to dangerous sinks.
2. Capture potential vulnerability paths.
3. Exclude paths that pass through sanitizers.

Constraints:
- Every query must be executable Joern CPGQL.
- The last query must use reachableByFlows.

Output: a JSON object with one field "queries" holding a list of strings.
`)
	if in.Intent != "" {
		fmt.Fprintf(&b, "\nFocus: %s\n", in.Intent)
	}
	fmt.Fprintf(&b, "\nFile: %s (%s)\n\n%s\n", in.FilePath, in.Language, in.Source)
	return b.String()
}
