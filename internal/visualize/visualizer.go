package visualize

import (
	"context"
	"log/slog"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/pipeline"
)

// Visualizer produces the flow diagram for a run.
type Visualizer struct {
	graphs ports.FlowGraphStore
	logger *slog.Logger
}

// Option configures a Visualizer.
type Option func(*Visualizer)

// WithGraphStore also stores every diagram's flows in graphs.
func WithGraphStore(graphs ports.FlowGraphStore) Option {
	return func(v *Visualizer) { v.graphs = graphs }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Visualizer) { v.logger = logger }
}

// New creates a visualizer.
func New(opts ...Option) *Visualizer {
	v := &Visualizer{logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Visualize renders the diagram. A graph store failure leaves GraphRef
// empty; the diagram is still returned.
func (v *Visualizer) Visualize(ctx context.Context, in domain.VisualizeInput) (domain.VisualizeOutput, error) {
	out := domain.VisualizeOutput{
		Format:  FormatMermaid,
		Diagram: Mermaid(in.FilePath, in.Slice, in.Findings),
	}

	if v.graphs != nil && !in.Slice.Empty() {
		ref, err := v.graphs.StoreFlows(ctx, in.RunID, in.Slice, in.Findings)
		if err != nil {
			if ctx.Err() != nil {
				return domain.VisualizeOutput{}, err
			}
			v.logger.Warn("failed to store flow graph",
				slog.String("run_id", in.RunID),
				slog.String("error", err.Error()))
		} else {
			out.GraphRef = ref
		}
	}
	return out, nil
}

// Client wraps the visualizer as the visualize stage client.
func (v *Visualizer) Client(opts ...pipeline.LocalOption) *pipeline.LocalClient {
	return pipeline.NewLocalClient(domain.StageVisualize, pipeline.Typed(v.Visualize), opts...)
}
