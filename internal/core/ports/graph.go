package ports

import (
	"context"

	"github.com/graphide/graphide/internal/core/domain"
)

// GraphFilter narrows flow graph queries.
type GraphFilter struct {
	FilePath string
	RunID    string
}

// GraphNode is a stored flow graph node.
type GraphNode struct {
	ID     string   `json:"id"`
	Code   string   `json:"code"`
	File   string   `json:"file"`
	Line   int      `json:"line"`
	Type   string   `json:"type"`
	RunID  string   `json:"scan_id"`
	Labels []string `json:"labels,omitempty"`
}

// GraphEdge is a FLOWS_TO relationship between two nodes.
type GraphEdge struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// FlowGraph is a stored flow graph.
type FlowGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"relationships"`
}

// FlowGraphStore persists slice flow graphs for later visualization queries.
// Implementations: Neo4j.
type FlowGraphStore interface {
	StoreFlows(ctx context.Context, runID string, slice *domain.Slice, findings []domain.Finding) (string, error)
	Graph(ctx context.Context, filter GraphFilter) (*FlowGraph, error)
	Clear(ctx context.Context, filter GraphFilter) error
	Close(ctx context.Context) error
}
