// Package neo4j stores slice flow graphs in Neo4j as CodeNode nodes joined
// by FLOWS_TO relationships, one graph per scan.
package neo4j

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
)

// defaultLimit caps unfiltered graph reads.
const defaultLimit = 200

// Config locates the Neo4j database.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Store implements ports.FlowGraphStore on Neo4j.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// New connects to Neo4j and creates the lookup indexes.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j at %s: %w", cfg.URI, err)
	}

	s := &Store{driver: driver, database: cfg.Database, logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	logger.Info("connected to neo4j", slog.String("uri", cfg.URI))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, cypher := range []string{
		"CREATE INDEX code_node_id IF NOT EXISTS FOR (n:CodeNode) ON (n.nodeId)",
		"CREATE INDEX code_node_file IF NOT EXISTS FOR (n:CodeNode) ON (n.file)",
		"CREATE INDEX code_node_scan IF NOT EXISTS FOR (n:CodeNode) ON (n.scanId)",
	} {
		if _, err := s.write(ctx, cypher, nil); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// StoreFlows writes the slice graph under the run id and returns the scan id.
func (s *Store) StoreFlows(ctx context.Context, runID string, slice *domain.Slice, findings []domain.Finding) (string, error) {
	filePath := ""
	for _, f := range findings {
		if f.Location.File != "" {
			filePath = f.Location.File
			break
		}
	}
	nodes, edges := flowRows(runID, filePath, slice, findings)
	if len(nodes) == 0 {
		return runID, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			UNWIND $nodes AS row
			MERGE (n:CodeNode {nodeId: row.nodeId})
			SET n.code = row.code, n.file = row.file, n.line = row.line,
			    n.type = row.type, n.scanId = $scanId,
			    n.vulnType = row.vulnType, n.severity = row.severity`,
			map[string]any{"nodes": toAny(nodes), "scanId": runID}); err != nil {
			return nil, err
		}
		if len(edges) == 0 {
			return nil, nil
		}
		_, err := tx.Run(ctx, `
			UNWIND $edges AS row
			MATCH (a:CodeNode {nodeId: row.from})
			MATCH (b:CodeNode {nodeId: row.to})
			MERGE (a)-[r:FLOWS_TO]->(b)
			SET r.scanId = $scanId, r.pathIndex = row.pathIndex`,
			map[string]any{"edges": toAny(edges), "scanId": runID})
		return nil, err
	})
	if err != nil {
		return "", fmt.Errorf("store flow graph: %w", err)
	}

	s.logger.Debug("stored flow graph",
		slog.String("scan_id", runID),
		slog.Int("nodes", len(nodes)),
		slog.Int("edges", len(edges)))
	return runID, nil
}

// Graph reads the nodes and edges matching filter. With no filter at most
// defaultLimit rows are read.
func (s *Store) Graph(ctx context.Context, filter ports.GraphFilter) (*ports.FlowGraph, error) {
	match, params := matchClause(filter)
	cypher := match + `
		OPTIONAL MATCH (n)-[r:FLOWS_TO]->(m:CodeNode)
		WHERE m.scanId = n.scanId
		RETURN n.nodeId AS id, n.code AS code, n.file AS file, n.line AS line,
		       n.type AS type, n.scanId AS scanId, m.nodeId AS to`
	if filter == (ports.GraphFilter{}) {
		cypher += fmt.Sprintf(" LIMIT %d", defaultLimit)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("query flow graph: %w", err)
	}

	graph := &ports.FlowGraph{Nodes: []ports.GraphNode{}, Edges: []ports.GraphEdge{}}
	seen := make(map[string]bool)
	for _, rec := range result.([]*neo4j.Record) {
		id, _, _ := neo4j.GetRecordValue[string](rec, "id")
		if !seen[id] {
			seen[id] = true
			code, _, _ := neo4j.GetRecordValue[string](rec, "code")
			file, _, _ := neo4j.GetRecordValue[string](rec, "file")
			line, _, _ := neo4j.GetRecordValue[int64](rec, "line")
			typ, _, _ := neo4j.GetRecordValue[string](rec, "type")
			scanID, _, _ := neo4j.GetRecordValue[string](rec, "scanId")
			graph.Nodes = append(graph.Nodes, ports.GraphNode{
				ID: id, Code: code, File: file, Line: int(line), Type: typ, RunID: scanID,
				Labels: []string{"CodeNode"},
			})
		}
		to, isNil, err := neo4j.GetRecordValue[string](rec, "to")
		if err != nil || isNil {
			continue
		}
		graph.Edges = append(graph.Edges, ports.GraphEdge{
			ID: id + "_to_" + to, From: id, To: to, Type: "FLOWS_TO",
		})
	}
	return graph, nil
}

// Clear deletes the nodes matching filter. An empty filter deletes nothing.
func (s *Store) Clear(ctx context.Context, filter ports.GraphFilter) error {
	if filter == (ports.GraphFilter{}) {
		return nil
	}
	match, params := matchClause(filter)
	if _, err := s.write(ctx, match+" DETACH DELETE n", params); err != nil {
		return fmt.Errorf("clear flow graph: %w", err)
	}
	return nil
}

// Close closes the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) write(ctx context.Context, cypher string, params map[string]any) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, cypher, params)
		return nil, err
	})
}

// matchClause selects CodeNodes by scan id, else by file.
func matchClause(filter ports.GraphFilter) (string, map[string]any) {
	switch {
	case filter.RunID != "":
		return "MATCH (n:CodeNode {scanId: $scanId})", map[string]any{"scanId": filter.RunID}
	case filter.FilePath != "":
		return "MATCH (n:CodeNode {file: $file})", map[string]any{"file": filter.FilePath}
	default:
		return "MATCH (n:CodeNode)", map[string]any{}
	}
}

func toAny(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

var _ ports.FlowGraphStore = (*Store)(nil)
