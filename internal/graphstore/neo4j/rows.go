package neo4j

import (
	"fmt"

	"github.com/graphide/graphide/internal/core/domain"
)

// Node positions on a flow path.
const (
	nodeSource       = "source"
	nodeIntermediate = "intermediate"
	nodeSink         = "sink"
)

// flowRows flattens a slice into CodeNode and FLOWS_TO parameter rows.
// Nodes at the same file and line collapse into one node per scan.
func flowRows(scanID, filePath string, slice *domain.Slice, findings []domain.Finding) (nodes, edges []map[string]any) {
	if slice.Empty() {
		return nil, nil
	}

	byPath := make(map[int]domain.Finding)
	for _, f := range findings {
		if _, ok := byPath[f.Evidence]; !ok && f.Evidence >= 0 {
			byPath[f.Evidence] = f
		}
	}

	index := make(map[string]int)
	for pi, p := range slice.Paths {
		vulnType, severity := "unknown", "medium"
		if f, ok := byPath[pi]; ok {
			vulnType = f.Kind
			if f.Enrichment != nil && f.Enrichment.Severity != "" {
				severity = f.Enrichment.Severity
			}
		}

		prev := ""
		for ni, n := range p.Nodes {
			file := n.File
			if file == "" {
				file = filePath
			}
			id := fmt.Sprintf("%s_%s:%d", scanID, file, n.Line)
			typ := nodeIntermediate
			switch {
			case ni == len(p.Nodes)-1:
				typ = nodeSink
			case ni == 0:
				typ = nodeSource
			}

			if i, ok := index[id]; ok {
				// A sink on any path stays a sink.
				if typ == nodeSink || nodes[i]["type"] == nodeIntermediate {
					nodes[i]["type"] = typ
				}
			} else {
				index[id] = len(nodes)
				nodes = append(nodes, map[string]any{
					"nodeId":   id,
					"code":     n.Code,
					"file":     file,
					"line":     int64(n.Line),
					"type":     typ,
					"vulnType": vulnType,
					"severity": severity,
				})
			}

			if prev != "" && prev != id {
				edges = append(edges, map[string]any{
					"from":      prev,
					"to":        id,
					"pathIndex": int64(pi),
				})
			}
			prev = id
		}
	}
	return nodes, edges
}
