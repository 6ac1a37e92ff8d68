package cpg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
)

// flowTransform turns the flows of a reachableByFlows query into a JSON list
// of paths, each a list of nodes.
const flowTransform = `.map(flow => flow.elements.map(node => Map("id" -> node.id, "line_number" -> node.lineNumber.getOrElse(-1), "code" -> node.code, "file" -> node.location.filename)).l).l.toJsonPretty`

// engineNode is one node as the flow transform prints it.
type engineNode struct {
	ID         any    `json:"id"`
	LineNumber *int   `json:"line_number"`
	Code       string `json:"code"`
	File       string `json:"file"`
}

// Query runs the generated queries in the session. Every query but the last
// is setup; the last is the reachability query whose flows form the slice.
// Only {code, file, line} triples are returned, never the graph.
func (m *Manager) Query(ctx context.Context, s *domain.CPGSession, queries []string) (*domain.Slice, error) {
	if s == nil {
		return nil, domain.NewStageError(domain.ErrorFatal, "query on nil session")
	}
	if _, ok := m.sessions.Load(s.ID); !ok {
		return nil, domain.NewStageError(domain.ErrorFatal, "session %s is closed", s.ID)
	}

	cleaned := make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) == 0 {
		return nil, domain.NewStageError(domain.ErrorInvalidResponse, "no graph queries to run")
	}

	for i, q := range cleaned[:len(cleaned)-1] {
		if _, err := m.engine.RunQuery(ctx, s.Project, q); err != nil {
			return nil, fmt.Errorf("setup query %d: %w", i+1, domain.AsStageError(err))
		}
	}

	final := ReachabilityScript(cleaned[len(cleaned)-1])
	raw, err := m.engine.RunQuery(ctx, s.Project, final)
	if err != nil {
		return nil, fmt.Errorf("reachability query: %w", domain.AsStageError(err))
	}
	if raw == nil {
		return nil, domain.NewStageError(domain.ErrorInvalidResponse, "reachability query produced no JSON")
	}

	slice, err := ParseFlows(raw, s.SourcePath, s.Source)
	if err != nil {
		return nil, err
	}
	slice.Queries = cleaned

	m.logger.Info("cpg slice extracted",
		slog.String("session_id", s.ID),
		slog.Int("paths", len(slice.Paths)),
		slog.Int("nodes", slice.NodeCount()),
		slog.Int("dropped", slice.Dropped))
	return slice, nil
}

// ReachabilityScript strips a trailing list conversion from q and appends
// the flow-to-JSON transform.
func ReachabilityScript(q string) string {
	q = strings.TrimSpace(q)
	q = strings.TrimSuffix(q, ";")
	for _, suffix := range []string{".toList", ".l"} {
		if strings.HasSuffix(q, suffix) {
			q = strings.TrimSuffix(q, suffix)
			break
		}
	}
	return q + flowTransform
}

// ParseFlows converts the engine's JSON paths into a slice. Nodes without a
// usable line are dropped and counted; when source is known, lines outside
// it are dropped too and code is taken from the source line. Paths left
// empty are removed.
func ParseFlows(raw json.RawMessage, sourcePath, source string) (*domain.Slice, error) {
	var flows [][]engineNode
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&flows); err != nil {
		return nil, domain.NewStageError(domain.ErrorInvalidResponse, "decode flow paths: %v", err)
	}

	var lines []string
	if source != "" {
		lines = strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	}

	slice := &domain.Slice{Paths: []domain.SlicePath{}}
	for _, flow := range flows {
		path := domain.SlicePath{Nodes: make([]domain.SliceNode, 0, len(flow))}
		for _, n := range flow {
			if n.LineNumber == nil || *n.LineNumber <= 0 {
				slice.Dropped++
				continue
			}
			line := *n.LineNumber
			code := strings.TrimSpace(n.Code)
			if lines != nil {
				if line > len(lines) {
					slice.Dropped++
					continue
				}
				code = strings.TrimSpace(lines[line-1])
			}
			path.Nodes = append(path.Nodes, domain.SliceNode{Code: code, File: sourcePath, Line: line})
		}
		if len(path.Nodes) > 0 {
			slice.Paths = append(slice.Paths, path)
		}
	}
	return slice, nil
}
